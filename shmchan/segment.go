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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// ErrCapacityTooSmall indicates a Create with a total size that does not
// leave room for any data after the control header.
var ErrCapacityTooSmall = errors.New("capacity does not exceed header size")

// Segment is a mapped shared-memory channel segment: the control header
// followed by the circular data region. Writer and Reader each own one
// Segment referencing the same underlying file.
type Segment struct {
	file *os.File
	mem  mmap.MMap
	hdr  *headerView
	data []byte
	path string
}

// ChannelState is a snapshot of the control header for diagnostics.
type ChannelState struct {
	Capacity      int64   // Data region size in bytes
	WritePosition int64   // Published write offset within the current lap
	Lap           int64   // Number of wraps the writer has performed
	NextTicket    int64   // Next ticket the dispenser will hand out
	CurrentTicket int64   // Ticket currently admitted to the data region
	MaxReaders    int     // Registry size
	ReaderSlots   []int64 // Per-slot offsets; -1 = free
	ReaderLaps    []int64 // Per-slot lap counts; -1 = free
}

// CreateSegment creates and initializes a new channel segment. totalSize is
// the size of the whole shared region including the header; the data region
// gets totalSize - HeaderSize(maxReaders) bytes. Fails before touching any
// shared state if the header would not fit.
func CreateSegment(name string, totalSize int64, maxReaders int) (*Segment, error) {
	if maxReaders < 1 || maxReaders > maxReadersLimit {
		return nil, fmt.Errorf("invalid reader registry size %d", maxReaders)
	}
	headerSize := HeaderSize(maxReaders)
	if totalSize <= headerSize {
		return nil, fmt.Errorf("%w: total size %d, header %d", ErrCapacityTooSmall, totalSize, headerSize)
	}
	if totalSize-headerSize > maxDataCapacity {
		return nil, fmt.Errorf("data capacity %d exceeds the addressable maximum", totalSize-headerSize)
	}

	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(totalSize); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to map segment: %w", err)
	}

	hdr := newHeaderView(mem)
	hdr.SetMagic(magicBytes())
	hdr.SetVersion(segmentVersion)
	hdr.setMaxReaders(maxReaders)
	hdr.SetCapacity(totalSize - headerSize)
	hdr.SetWriteState(packState(0, 0))
	for i := 0; i < maxReaders; i++ {
		hdr.SetReaderSlot(i, freeSlot)
	}

	return &Segment{
		file: file,
		mem:  mem,
		hdr:  hdr,
		data: mem[headerSize : headerSize+hdr.Capacity()],
		path: path,
	}, nil
}

// OpenSegment attaches to an existing channel segment and derives its
// layout from the header.
func OpenSegment(name string) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}
	size := info.Size()
	if size < headerFixedSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", size)
	}

	mem, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to map segment: %w", err)
	}

	hdr := newHeaderView(mem)
	if err := validateHeader(hdr, size); err != nil {
		mem.Unmap()
		file.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}

	headerSize := HeaderSize(hdr.MaxReaders())
	return &Segment{
		file: file,
		mem:  mem,
		hdr:  hdr,
		data: mem[headerSize : headerSize+hdr.Capacity()],
		path: path,
	}, nil
}

// Close unmaps the memory and closes the file. The segment file itself is
// left in place for other participants; see RemoveSegment.
func (s *Segment) Close() error {
	var firstErr error

	if s.mem != nil {
		if err := s.mem.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mem = nil
		s.data = nil
		s.hdr = nil
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}

	return firstErr
}

// Path returns the backing file path.
func (s *Segment) Path() string {
	return s.path
}

// State returns a snapshot of the control header. Fields are read
// individually, so the snapshot is not atomic across fields.
func (s *Segment) State() ChannelState {
	slots := make([]int64, s.hdr.MaxReaders())
	laps := make([]int64, s.hdr.MaxReaders())
	for i := range slots {
		slot := s.hdr.ReaderSlot(i)
		if slot == freeSlot {
			slots[i], laps[i] = freeSlot, freeSlot
			continue
		}
		slots[i], laps[i] = statePos(slot), stateLap(slot)
	}
	state := s.hdr.WriteState()
	return ChannelState{
		Capacity:      s.hdr.Capacity(),
		WritePosition: statePos(state),
		Lap:           stateLap(state),
		NextTicket:    s.hdr.NextTicket(),
		CurrentTicket: s.hdr.CurrentTicket(),
		MaxReaders:    s.hdr.MaxReaders(),
		ReaderSlots:   slots,
		ReaderLaps:    laps,
	}
}

// segmentPath generates the file path for a named channel segment.
func segmentPath(name string) string {
	// Prefer /dev/shm so the mapping never touches a disk-backed filesystem.
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "stella_shm_"+name)
	}
	return filepath.Join(os.TempDir(), "stella_shm_"+name)
}

// RemoveSegment removes a channel segment file.
func RemoveSegment(name string) error {
	return os.Remove(segmentPath(name))
}

// SegmentExists reports whether a channel segment file exists.
func SegmentExists(name string) bool {
	_, err := os.Stat(segmentPath(name))
	return err == nil
}
