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
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Memory layout constants
const (
	// Magic bytes for segment identification
	segmentMagic = "STLSHMC\x00"

	// Current protocol version
	segmentVersion = uint32(1)

	// Size of the fixed part of the header (before the reader slots)
	headerFixedSize = 64

	// Size of one reader registry slot
	slotSize = 8

	// Size of the length prefix in front of every message frame. A frame
	// with length 0 is the wrap marker, never a user message.
	frameHeaderSize = 4

	// Sentinel marking a registry slot as free
	freeSlot = int64(-1)

	// DefaultMaxReaders is the registry size used when Create is not given
	// an explicit one.
	DefaultMaxReaders = 16

	// maxReadersLimit bounds the registry size a header may declare, so a
	// corrupt header cannot make Open walk an absurd slot array.
	maxReadersLimit = 1024
)

// Write-state packing. The writer publishes its offset and its lap count
// (number of wraps performed, modulo 2^23) as one 64-bit word, so readers
// always observe a consistent pair from a single atomic load. A bare
// offset cannot tell a reader still finishing the previous lap apart from
// a reader that has been lapped; the lap bits resolve that. Reader slots
// hold the same packed form, which keeps the freeSlot sentinel (-1)
// unambiguous because packed states never set the sign bit.
const (
	statePosBits = 40
	statePosMask = int64(1)<<statePosBits - 1
	stateLapMask = int64(1)<<23 - 1

	// maxDataCapacity is the largest data region the packed offset can
	// address.
	maxDataCapacity = statePosMask
)

func packState(lap, pos int64) int64 {
	return (lap&stateLapMask)<<statePosBits | (pos & statePosMask)
}

func statePos(state int64) int64 {
	return state & statePosMask
}

func stateLap(state int64) int64 {
	return (state >> statePosBits) & stateLapMask
}

// lapDelta returns how many laps a is ahead of b, modulo the lap space.
func lapDelta(a, b int64) int64 {
	return (a - b) & stateLapMask
}

func lapAdd(lap, n int64) int64 {
	return (lap + n) & stateLapMask
}

// HeaderSize returns the size in bytes of the control header for a channel
// with the given registry size. The data region starts at this offset, and
// a segment's total size must exceed it.
func HeaderSize(maxReaders int) int64 {
	return alignTo64(headerFixedSize + int64(maxReaders)*slotSize)
}

// alignTo64 aligns a size to a 64-byte boundary
func alignTo64(size int64) int64 {
	return (size + 63) &^ 63
}

// channelHeader is the fixed part of the control header. Layout:
//
//	0x00: magic         "STLSHMC\0"
//	0x08: version       protocol version
//	0x0C: maxReaders    registry slot count, fixed at creation
//	0x10: capacity      data region size in bytes
//	0x18: writeState    packed lap count and offset of the next write
//	0x20: nextTicket    ticket dispenser (fetch-and-add)
//	0x28: currentTicket "now serving" counter
//	0x30-0x3F: reserved/padding to 64B
//
// The reader slot array ([maxReaders]int64) follows at offset 0x40; the
// data region starts at HeaderSize(maxReaders). Slots hold the same packed
// lap+offset form as writeState, or freeSlot.
type channelHeader struct {
	magic         [8]byte
	version       uint32
	maxReaders    uint32
	capacity      int64
	writeState    int64
	nextTicket    int64
	currentTicket int64
	reserved      [16]byte
}

// headerView provides typed atomic access to the control header of a mapped
// segment. It is the only place that performs pointer arithmetic over the
// shared bytes; Writer and Reader go through it for every header field.
type headerView struct {
	basePtr    unsafe.Pointer
	maxReaders int
}

func newHeaderView(mem []byte) *headerView {
	h := &headerView{basePtr: unsafe.Pointer(&mem[0])}
	h.maxReaders = int(h.header().maxReaders)
	return h
}

// header returns a pointer to the fixed header fields in shared memory
func (h *headerView) header() *channelHeader {
	return (*channelHeader)(h.basePtr)
}

// slotPtr returns a pointer to reader slot i in shared memory
func (h *headerView) slotPtr(i int) *int64 {
	return (*int64)(unsafe.Pointer(uintptr(h.basePtr) + headerFixedSize + uintptr(i)*slotSize))
}

// Magic returns the magic bytes
func (h *headerView) Magic() [8]byte {
	return h.header().magic
}

// SetMagic sets the magic bytes
func (h *headerView) SetMagic(magic [8]byte) {
	h.header().magic = magic
}

// Version returns the protocol version
func (h *headerView) Version() uint32 {
	return atomic.LoadUint32(&h.header().version)
}

// SetVersion sets the protocol version
func (h *headerView) SetVersion(version uint32) {
	atomic.StoreUint32(&h.header().version, version)
}

// MaxReaders returns the registry slot count
func (h *headerView) MaxReaders() int {
	return h.maxReaders
}

// setMaxReaders stores the registry slot count; creation only
func (h *headerView) setMaxReaders(n int) {
	atomic.StoreUint32(&h.header().maxReaders, uint32(n))
	h.maxReaders = n
}

// Capacity returns the data region size
func (h *headerView) Capacity() int64 {
	return atomic.LoadInt64(&h.header().capacity)
}

// SetCapacity sets the data region size
func (h *headerView) SetCapacity(capacity int64) {
	atomic.StoreInt64(&h.header().capacity, capacity)
}

// WriteState returns the published packed lap+offset word. This is an
// acquire load: once a reader observes a state, every byte written before
// its publication is visible too.
func (h *headerView) WriteState() int64 {
	return atomic.LoadInt64(&h.header().writeState)
}

// SetWriteState publishes a new packed lap+offset word with release
// semantics. This store is the single point at which a message becomes
// visible to readers; all frame bytes must be written before it.
func (h *headerView) SetWriteState(state int64) {
	atomic.StoreInt64(&h.header().writeState, state)
}

// WritePosition returns the offset component of the published write state.
func (h *headerView) WritePosition() int64 {
	return statePos(h.WriteState())
}

// Lap returns the lap component of the published write state.
func (h *headerView) Lap() int64 {
	return stateLap(h.WriteState())
}

// TakeTicket draws the caller's ticket from the dispenser ("take a number").
func (h *headerView) TakeTicket() int64 {
	return atomic.AddInt64(&h.header().nextTicket, 1) - 1
}

// NextTicket returns the value the dispenser will hand out next.
func (h *headerView) NextTicket() int64 {
	return atomic.LoadInt64(&h.header().nextTicket)
}

// CurrentTicket returns the "now serving" value.
func (h *headerView) CurrentTicket() int64 {
	return atomic.LoadInt64(&h.header().currentTicket)
}

// AdvanceCurrentTicket releases the critical section to the next ticket
// holder.
func (h *headerView) AdvanceCurrentTicket() {
	atomic.AddInt64(&h.header().currentTicket, 1)
}

// ReaderSlot returns the published packed state of registry slot i, or
// freeSlot.
func (h *headerView) ReaderSlot(i int) int64 {
	return atomic.LoadInt64(h.slotPtr(i))
}

// SetReaderSlot publishes a packed state into registry slot i with release
// semantics, so a blocking writer observes reader progress promptly.
func (h *headerView) SetReaderSlot(i int, state int64) {
	atomic.StoreInt64(h.slotPtr(i), state)
}

// CasReaderSlot atomically replaces old with new in registry slot i.
// Claiming a slot is Cas(i, freeSlot, state); only the claim races,
// releases are owned by exactly one reader.
func (h *headerView) CasReaderSlot(i int, old, new int64) bool {
	return atomic.CompareAndSwapInt64(h.slotPtr(i), old, new)
}

// MinReaderPosition returns the offset of the slowest active reader, or
// the current write position when no reader is active — no backpressure
// when nobody is listening. Diagnostic only: offsets from different laps
// are not comparable, so writer throttling works per slot on the full
// packed state instead.
func (h *headerView) MinReaderPosition() int64 {
	var min int64
	active := false
	for i := 0; i < h.maxReaders; i++ {
		slot := h.ReaderSlot(i)
		if slot == freeSlot {
			continue
		}
		if pos := statePos(slot); !active || pos < min {
			min = pos
			active = true
		}
	}
	if !active {
		return h.WritePosition()
	}
	return min
}

// ActiveReaders returns the number of occupied registry slots.
func (h *headerView) ActiveReaders() int {
	n := 0
	for i := 0; i < h.maxReaders; i++ {
		if h.ReaderSlot(i) != freeSlot {
			n++
		}
	}
	return n
}

// magicBytes returns the segment magic as a byte array
func magicBytes() [8]byte {
	var m [8]byte
	copy(m[:], segmentMagic)
	return m
}

// validateHeader validates a mapped header against the size of the mapping.
func validateHeader(h *headerView, mappedSize int64) error {
	if h.Magic() != magicBytes() {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != segmentVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), segmentVersion)
	}
	maxReaders := int(h.header().maxReaders)
	if maxReaders < 1 || maxReaders > maxReadersLimit {
		return fmt.Errorf("implausible reader registry size %d", maxReaders)
	}
	capacity := h.Capacity()
	if capacity <= 0 {
		return fmt.Errorf("non-positive data capacity %d", capacity)
	}
	if capacity > maxDataCapacity {
		return fmt.Errorf("data capacity %d exceeds the addressable maximum", capacity)
	}
	if HeaderSize(maxReaders)+capacity > mappedSize {
		return fmt.Errorf("header declares %d data bytes but mapping holds %d total",
			capacity, mappedSize)
	}
	if pos := statePos(h.WriteState()); pos > capacity {
		return fmt.Errorf("write offset %d beyond data capacity %d", pos, capacity)
	}
	return nil
}
