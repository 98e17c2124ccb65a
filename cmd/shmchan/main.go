// Command shmchan creates, inspects, and exercises shared-memory message
// channels from the command line. It is a diagnostic tool: `write` pumps
// stdin lines into a channel, `read` tails a channel to stdout, and `stat`
// dumps the control header.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/AyanamiKaine/Ayanami-sTower-sub012/shmchan"
)

type config struct {
	Name         string        `env:"SHMCHAN_NAME"`
	Size         int64         `env:"SHMCHAN_SIZE" envDefault:"1048576"`
	MaxReaders   int           `env:"SHMCHAN_MAX_READERS" envDefault:"16"`
	Block        bool          `env:"SHMCHAN_BLOCK" envDefault:"false"`
	PollInterval time.Duration `env:"SHMCHAN_POLL_INTERVAL" envDefault:"1ms"`
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// A missing .env file is fine; the environment alone may be enough.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Error("failed to parse environment", "error", err)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s create|stat|write|read|rm [name]\n", os.Args[0])
		os.Exit(2)
	}
	cmd := os.Args[1]
	if len(os.Args) > 2 {
		cfg.Name = os.Args[2]
	}
	if cfg.Name == "" {
		cfg.Name = uuid.NewString()[:8]
		log.Info("no channel name given, generated one", "name", cfg.Name)
	}

	var err error
	switch cmd {
	case "create":
		err = runCreate(log, cfg)
	case "stat":
		err = runStat(cfg)
	case "write":
		err = runWrite(log, cfg)
	case "read":
		err = runRead(log, cfg)
	case "rm":
		err = shmchan.RemoveSegment(cfg.Name)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		log.Error("command failed", "command", cmd, "channel", cfg.Name, "error", err)
		os.Exit(1)
	}
}

func runCreate(log *slog.Logger, cfg config) error {
	seg, err := shmchan.CreateSegment(cfg.Name, cfg.Size, cfg.MaxReaders)
	if err != nil {
		return err
	}
	defer seg.Close()

	state := seg.State()
	log.Info("channel created",
		"channel", cfg.Name,
		"path", seg.Path(),
		"capacity", state.Capacity,
		"max_readers", state.MaxReaders)
	return nil
}

func runStat(cfg config) error {
	seg, err := shmchan.OpenSegment(cfg.Name)
	if err != nil {
		return err
	}
	defer seg.Close()

	state := seg.State()
	fmt.Printf("channel:        %s\n", cfg.Name)
	fmt.Printf("path:           %s\n", seg.Path())
	fmt.Printf("capacity:       %d bytes\n", state.Capacity)
	fmt.Printf("write position: %d (lap %d)\n", state.WritePosition, state.Lap)
	fmt.Printf("tickets:        serving %d, next %d\n", state.CurrentTicket, state.NextTicket)
	fmt.Printf("readers:        %d slots\n", state.MaxReaders)
	for i, pos := range state.ReaderSlots {
		if pos < 0 {
			fmt.Printf("  slot %2d: free\n", i)
			continue
		}
		if l, ok := lag(state, i); ok {
			fmt.Printf("  slot %2d: position %d lap %d (lag %d)\n", i, pos, state.ReaderLaps[i], l)
		} else {
			fmt.Printf("  slot %2d: position %d lap %d (lapped)\n", i, pos, state.ReaderLaps[i])
		}
	}
	return nil
}

// lag estimates the unread bytes for reader slot i. A reader more than one
// lap behind has no meaningful byte count left.
func lag(state shmchan.ChannelState, i int) (int64, bool) {
	switch state.Lap - state.ReaderLaps[i] {
	case 0:
		return state.WritePosition - state.ReaderSlots[i], true
	case 1:
		return state.Capacity - state.ReaderSlots[i] + state.WritePosition, true
	default:
		return 0, false
	}
}

func runWrite(log *slog.Logger, cfg config) error {
	behavior := shmchan.Overwrite
	if cfg.Block {
		behavior = shmchan.Block
	}
	w, err := shmchan.OpenWriter(cfg.Name, shmchan.ModeOpen, 0, behavior)
	if err != nil {
		return err
	}
	defer w.Close()

	count := 0
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := w.Write(line); err != nil {
			return fmt.Errorf("after %d messages: %w", count, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	log.Info("done", "channel", cfg.Name, "messages", count)
	return nil
}

func runRead(log *slog.Logger, cfg config) error {
	r, err := shmchan.OpenReader(cfg.Name)
	if err != nil {
		return err
	}
	// Closing matters: a reader that exits without releasing its slot
	// occupies it forever and stalls Block-mode writers.
	defer r.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	log.Info("tailing channel", "channel", cfg.Name, "poll_interval", cfg.PollInterval)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for {
		msg, ok := r.Read()
		if ok {
			out.Write(msg)
			out.WriteByte('\n')
			continue
		}
		out.Flush()
		select {
		case <-stop:
			return nil
		case <-time.After(cfg.PollInterval):
		}
	}
}
