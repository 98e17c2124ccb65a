/*
 *
 * Copyright 2025 The shmchan authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shmchan

import (
	"encoding/binary"
	"errors"
	"time"
)

var (
	// ErrMessageTooLarge indicates a message that can never fit the data
	// region. Retrying with the same message will not help.
	ErrMessageTooLarge = errors.New("message larger than channel capacity")

	// ErrEmptyMessage indicates a zero-length message. The wire format
	// reserves a zero length for the wrap marker, so empty messages are
	// not representable.
	ErrEmptyMessage = errors.New("empty messages are not representable")

	// ErrWriteTimeout indicates a Block-mode write that gave up waiting
	// for reader progress. Only returned when WithWriteTimeout is set.
	ErrWriteTimeout = errors.New("timed out waiting for reader progress")
)

// Mode selects how a Writer attaches to its segment.
type Mode int

const (
	// ModeCreate creates and initializes the segment.
	ModeCreate Mode = iota
	// ModeOpen attaches to an existing segment and reads its capacity
	// from the header.
	ModeOpen
)

// Behavior selects the backpressure policy applied to slow readers.
type Behavior int

const (
	// Overwrite never stalls the writer; a reader that falls more than a
	// full lap behind silently loses the unread portion. Suited to
	// best-effort telemetry and log streaming.
	Overwrite Behavior = iota
	// Block stalls the writer until the slowest active reader has
	// consumed enough. No data is ever lost, but a reader that
	// terminates without closing stalls every writer until its slot is
	// reclaimed out of band.
	Block
)

// WriterOption configures OpenWriter.
type WriterOption func(*writerConfig)

type writerConfig struct {
	maxReaders   int
	writeTimeout time.Duration
}

// WithMaxReaders sets the reader registry size for ModeCreate. The
// registry size is fixed for the lifetime of the segment. Ignored in
// ModeOpen, where the existing header decides.
func WithMaxReaders(n int) WriterOption {
	return func(c *writerConfig) { c.maxReaders = n }
}

// WithWriteTimeout bounds how long a Block-mode Write waits for reader
// progress before failing with ErrWriteTimeout. Zero (the default) waits
// forever. The ticket-acquisition wait is never bounded: a contender that
// abandons a drawn ticket would wedge every later ticket holder.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(c *writerConfig) { c.writeTimeout = d }
}

// Writer appends messages to a shared-memory channel. A Writer owns no
// goroutines; Write runs entirely on the caller's thread. Multiple Writers
// in any mix of threads and processes may write to the same channel, FIFO
// fairness among them is guaranteed by the ticket lock.
type Writer struct {
	seg      *Segment
	hdr      *headerView
	data     []byte
	capacity int64
	behavior Behavior
	timeout  time.Duration
}

// OpenWriter attaches a Writer to the named channel. In ModeCreate,
// totalSize is the size of the whole shared region including the header;
// in ModeOpen it is ignored and the capacity comes from the existing
// header.
func OpenWriter(name string, mode Mode, totalSize int64, behavior Behavior, opts ...WriterOption) (*Writer, error) {
	cfg := writerConfig{maxReaders: DefaultMaxReaders}
	for _, opt := range opts {
		opt(&cfg)
	}

	var seg *Segment
	var err error
	switch mode {
	case ModeCreate:
		seg, err = CreateSegment(name, totalSize, cfg.maxReaders)
	case ModeOpen:
		seg, err = OpenSegment(name)
	default:
		err = errors.New("unknown writer mode")
	}
	if err != nil {
		return nil, err
	}

	return &Writer{
		seg:      seg,
		hdr:      seg.hdr,
		data:     seg.data,
		capacity: seg.hdr.Capacity(),
		behavior: behavior,
		timeout:  cfg.writeTimeout,
	}, nil
}

// Write appends one message to the channel and publishes it atomically.
// The message becomes visible to every attached reader at the instant the
// write position is stored; partially written frames are never observable.
func (w *Writer) Write(msg []byte) error {
	if len(msg) == 0 {
		return ErrEmptyMessage
	}
	required := int64(len(msg)) + frameHeaderSize
	if required > w.capacity {
		return ErrMessageTooLarge
	}

	ticket := w.hdr.TakeTicket()
	w.waitTicket(ticket)

	// The write state cannot move while we hold the ticket; only readers do.
	state := w.hdr.WriteState()
	pos := statePos(state)
	lap := stateLap(state)

	if w.behavior == Block {
		if err := w.waitFreeSpace(state, required); err != nil {
			w.hdr.AdvanceCurrentTicket()
			return err
		}
	}

	if pos+required > w.capacity {
		if w.behavior == Block {
			if err := w.waitWrapSafe(lap, pos, required); err != nil {
				w.hdr.AdvanceCurrentTicket()
				return err
			}
		}
		// Leave a wrap marker for readers when the length prefix still
		// fits in the tail; with fewer than 4 bytes left, geometry alone
		// tells readers to wrap. A frame longer than the old offset
		// overwrites its own marker, which is fine: the lap bits tell
		// readers the region restarted.
		if w.capacity-pos >= frameHeaderSize {
			binary.LittleEndian.PutUint32(w.data[pos:], 0)
		}
		pos = 0
		lap = lapAdd(lap, 1)
	}

	binary.LittleEndian.PutUint32(w.data[pos:], uint32(len(msg)))
	copy(w.data[pos+frameHeaderSize:], msg)

	// Publication point: the release store orders every frame byte above
	// before the new state on all targets, and the packed word carries the
	// offset and the lap together.
	w.hdr.SetWriteState(packState(lap, pos+required))

	w.hdr.AdvanceCurrentTicket()
	return nil
}

// waitTicket spins until the shared "now serving" counter reaches the
// caller's ticket. Unbounded: ticket FIFO admission requires every drawn
// ticket to eventually be served.
func (w *Writer) waitTicket(ticket int64) {
	s := newSpinWait(0)
	for w.hdr.CurrentTicket() != ticket {
		s.spin()
	}
}

// waitFreeSpace spins until every active reader can absorb the frame
// without losing unread data.
func (w *Writer) waitFreeSpace(state, required int64) error {
	s := newSpinWait(w.timeout)
	for w.minFreeSpace(state) < required {
		if !s.spin() {
			return ErrWriteTimeout
		}
	}
	return nil
}

// minFreeSpace returns the writable bytes granted by the slowest active
// reader, or the full capacity when no reader is attached.
func (w *Writer) minFreeSpace(state int64) int64 {
	min := w.capacity
	for i := 0; i < w.hdr.MaxReaders(); i++ {
		slot := w.hdr.ReaderSlot(i)
		if slot == freeSlot {
			continue
		}
		if free := freeSpaceFor(state, slot, w.capacity); free < min {
			min = free
		}
	}
	return min
}

// freeSpaceFor computes how many bytes the writer may append before it
// reaches one reader's unread data. A reader on the writer's lap has
// consumed everything below its offset on this lap; a reader one lap
// behind still owns the tail above its offset. Anything further behind
// grants nothing.
func freeSpaceFor(state, slot, capacity int64) int64 {
	switch lapDelta(stateLap(state), stateLap(slot)) {
	case 0:
		return capacity - (statePos(state) - statePos(slot))
	case 1:
		return statePos(slot) - statePos(state)
	default:
		return 0
	}
}

// waitWrapSafe spins until no active reader still owns unread bytes in
// [0, required), the span the wrapped frame is about to overwrite. A
// reader is clear once it is on the writer's lap and either past that
// span or fully caught up at the wrap point.
func (w *Writer) waitWrapSafe(lap, wrapPos, required int64) error {
	s := newSpinWait(w.timeout)
	for !w.wrapSafe(lap, wrapPos, required) {
		if !s.spin() {
			return ErrWriteTimeout
		}
	}
	return nil
}

func (w *Writer) wrapSafe(lap, wrapPos, required int64) bool {
	for i := 0; i < w.hdr.MaxReaders(); i++ {
		slot := w.hdr.ReaderSlot(i)
		if slot == freeSlot {
			continue
		}
		if lapDelta(lap, stateLap(slot)) != 0 {
			return false
		}
		if pos := statePos(slot); pos < required && pos < wrapPos {
			return false
		}
	}
	return true
}

// Capacity returns the data region size in bytes. The largest writable
// message is Capacity()-4.
func (w *Writer) Capacity() int64 {
	return w.capacity
}

// State returns a diagnostic snapshot of the channel header.
func (w *Writer) State() ChannelState {
	return w.seg.State()
}

// Close detaches the writer from the segment. The segment file stays in
// place for other participants.
func (w *Writer) Close() error {
	return w.seg.Close()
}
