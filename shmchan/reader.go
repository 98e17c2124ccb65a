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
)

var (
	// ErrTooManyReaders indicates that every registry slot is occupied.
	// The registry size is fixed when the segment is created; size it via
	// WithMaxReaders.
	ErrTooManyReaders = errors.New("reader registry is full")

	// ErrNoCursorStore indicates PersistCursor on a Reader opened without
	// WithCursorStore.
	ErrNoCursorStore = errors.New("no cursor store configured")
)

// ReaderOption configures OpenReader.
type ReaderOption func(*readerConfig)

type readerConfig struct {
	store CursorStore
}

// WithCursorStore seeds the reader's cursor from a persisted offset at
// attach time and enables PersistCursor. A persisted offset outside
// [0, WritePosition] is ignored in favor of the no-backlog default.
// Persistence is never automatic; saving on every read would put a syscall
// back on the hot path.
func WithCursorStore(store CursorStore) ReaderOption {
	return func(c *readerConfig) { c.store = store }
}

// Reader consumes messages from a shared-memory channel. Each Reader owns
// a private cursor and one registry slot; readers never block and never
// affect one another. A Reader is not safe for concurrent use by multiple
// goroutines.
type Reader struct {
	seg      *Segment
	hdr      *headerView
	data     []byte
	capacity int64
	slot     int
	cursor   int64
	lap      int64
	store    CursorStore
}

// OpenReader attaches a Reader to the named channel, claiming a free
// registry slot. The cursor starts at the current write position: messages
// written before the attach are not replayed unless a cursor store seeds
// an earlier offset. Fails with ErrTooManyReaders when the registry is
// exhausted.
func OpenReader(name string, opts ...ReaderOption) (*Reader, error) {
	var cfg readerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	seg, err := OpenSegment(name)
	if err != nil {
		return nil, err
	}

	slot := -1
	for i := 0; i < seg.hdr.MaxReaders(); i++ {
		if seg.hdr.CasReaderSlot(i, freeSlot, 0) {
			slot = i
			break
		}
	}
	if slot < 0 {
		seg.Close()
		return nil, ErrTooManyReaders
	}

	state := seg.hdr.WriteState()
	lap := stateLap(state)
	cursor := statePos(state)
	if cfg.store != nil {
		// A plausible saved offset replays the current lap's backlog
		// [saved, writePos).
		if saved, err := cfg.store.Load(); err == nil && saved >= 0 && saved <= cursor {
			cursor = saved
		}
	}
	seg.hdr.SetReaderSlot(slot, packState(lap, cursor))

	return &Reader{
		seg:      seg,
		hdr:      seg.hdr,
		data:     seg.data,
		capacity: seg.hdr.Capacity(),
		slot:     slot,
		cursor:   cursor,
		lap:      lap,
		store:    cfg.store,
	}, nil
}

// Read returns the next unread message, or (nil, false) when the channel
// holds no complete frame past the cursor. Read never blocks and performs
// no kernel call.
//
// The reader tracks which lap its cursor belongs to and compares it with
// the lap published in the write state. On the writer's lap the unread
// span is [cursor, writePos). One lap behind, the tail above the cursor is
// still intact and is decoded up to the wrap marker (or the point where a
// length prefix no longer fits). Once the writer has overwritten the
// unread span, the reader restarts at offset 0 of the writer's lap, the
// oldest data still intact. Correctness favors dropping a message over
// misreading one, but only bytes actually overwritten are ever dropped.
func (r *Reader) Read() ([]byte, bool) {
	for {
		state := r.hdr.WriteState()
		writePos := statePos(state)
		writerLap := stateLap(state)
		behind := lapDelta(writerLap, r.lap)

		switch {
		case behind == 0:
			if r.cursor == writePos {
				return nil, false
			}
			if r.cursor > writePos || r.capacity-r.cursor < frameHeaderSize {
				// A cursor past the writer on its own lap cannot happen
				// through this protocol; treat it as corruption and snap.
				r.snapTo(writerLap, writePos)
				return nil, false
			}
		case behind == 1:
			if r.cursor < writePos {
				// The writer re-entered the region past us; everything
				// unread on our lap is gone, but [0, writePos) holds
				// complete frames of the current lap.
				r.snapTo(writerLap, 0)
				continue
			}
			if r.capacity-r.cursor < frameHeaderSize {
				// No room for a marker in the tail; geometry defines the
				// wrap.
				r.advanceLap()
				continue
			}
		default:
			// Lapped more than once over; [0, writePos) is the oldest
			// intact data.
			r.snapTo(writerLap, 0)
			continue
		}

		length := int64(int32(binary.LittleEndian.Uint32(r.data[r.cursor:])))
		if length == 0 {
			if behind == 0 {
				// Markers only terminate a lap; one inside the writer's
				// current span is corruption.
				r.snapTo(writerLap, writePos)
				return nil, false
			}
			// Wrap marker: the previous lap ends here.
			r.advanceLap()
			continue
		}
		if length < 0 || length > r.capacity-frameHeaderSize {
			r.snapTo(writerLap, writePos)
			return nil, false
		}

		end := r.cursor + frameHeaderSize + length
		if behind == 0 && end > writePos {
			// Frame not fully published yet.
			return nil, false
		}
		if behind == 1 && end > r.capacity {
			// A tail frame cannot run past the region end.
			r.snapTo(writerLap, writePos)
			return nil, false
		}

		msg := make([]byte, length)
		copy(msg, r.data[r.cursor+frameHeaderSize:end])
		if !r.spanIntact() {
			// The writer came back around and overwrote the span while we
			// copied it; discard the copy and resynchronize.
			continue
		}
		r.advance(end)
		return msg, true
	}
}

// spanIntact reports whether the bytes at and above the cursor survived
// the copy that just finished. The writer only destroys them by wrapping
// into a newer lap and writing past the cursor; mid-lap appends land above
// the published position and never touch already-published frames.
func (r *Reader) spanIntact() bool {
	state := r.hdr.WriteState()
	switch lapDelta(stateLap(state), r.lap) {
	case 0:
		return true
	case 1:
		return statePos(state) <= r.cursor
	default:
		return false
	}
}

// advance moves the cursor within the current lap and publishes it into
// the registry slot so blocking writers observe progress promptly.
func (r *Reader) advance(pos int64) {
	r.cursor = pos
	r.hdr.SetReaderSlot(r.slot, packState(r.lap, pos))
}

// advanceLap wraps the cursor to the start of the next lap.
func (r *Reader) advanceLap() {
	r.lap = lapAdd(r.lap, 1)
	r.cursor = 0
	r.hdr.SetReaderSlot(r.slot, packState(r.lap, 0))
}

// snapTo moves the cursor to an absolute lap and offset, abandoning
// whatever lay in between.
func (r *Reader) snapTo(lap, pos int64) {
	r.lap = lap
	r.cursor = pos
	r.hdr.SetReaderSlot(r.slot, packState(lap, pos))
}

// Cursor returns the reader's current offset into the data region.
func (r *Reader) Cursor() int64 {
	return r.cursor
}

// Lap returns the lap the reader's cursor belongs to.
func (r *Reader) Lap() int64 {
	return r.lap
}

// PersistCursor saves the current cursor to the configured store, allowing
// a later OpenReader with the same store to resume. Deliberately explicit:
// callers decide when to pay the syscall.
func (r *Reader) PersistCursor() error {
	if r.store == nil {
		return ErrNoCursorStore
	}
	return r.store.Save(r.cursor)
}

// State returns a diagnostic snapshot of the channel header.
func (r *Reader) State() ChannelState {
	return r.seg.State()
}

// Close releases the registry slot and detaches from the segment. A reader
// that terminates without closing leaks its slot permanently and, under
// Block-mode writers, stalls them until the segment is recreated.
func (r *Reader) Close() error {
	if r.slot >= 0 {
		r.hdr.SetReaderSlot(r.slot, freeSlot)
		r.slot = -1
	}
	return r.seg.Close()
}
