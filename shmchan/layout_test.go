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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestChannelName returns a unique channel name and removes the backing
// segment file when the test finishes.
func newTestChannelName(t *testing.T) string {
	t.Helper()
	name := "test-" + uuid.NewString()
	t.Cleanup(func() { RemoveSegment(name) })
	return name
}

// totalSizeFor returns the segment size that yields the given data-region
// capacity.
func totalSizeFor(dataCapacity int64, maxReaders int) int64 {
	return HeaderSize(maxReaders) + dataCapacity
}

func TestHeaderSizeAlignment(t *testing.T) {
	require.Equal(t, int64(128), HeaderSize(1))
	require.Equal(t, int64(128), HeaderSize(4))
	require.Equal(t, int64(128), HeaderSize(8))
	require.Equal(t, int64(192), HeaderSize(16))

	for _, n := range []int{1, 3, 7, 16, 100} {
		require.Zero(t, HeaderSize(n)%64, "header size for %d readers not 64-byte aligned", n)
		require.GreaterOrEqual(t, HeaderSize(n), headerFixedSize+int64(n)*slotSize)
	}
}

func TestHeaderAccessors(t *testing.T) {
	seg, err := CreateSegment(newTestChannelName(t), totalSizeFor(4096, 8), 8)
	require.NoError(t, err)
	defer seg.Close()

	hdr := seg.hdr
	require.Equal(t, magicBytes(), hdr.Magic())
	require.Equal(t, segmentVersion, hdr.Version())
	require.Equal(t, 8, hdr.MaxReaders())
	require.Equal(t, int64(4096), hdr.Capacity())
	require.Zero(t, hdr.WritePosition())
	require.Zero(t, hdr.Lap())

	hdr.SetWriteState(packState(2, 123))
	require.Equal(t, int64(123), hdr.WritePosition())
	require.Equal(t, int64(2), hdr.Lap())
}

func TestWriteStatePacking(t *testing.T) {
	for _, tc := range []struct{ lap, pos int64 }{
		{0, 0},
		{0, 4096},
		{1, 34},
		{7, maxDataCapacity},
		{stateLapMask, 1},
	} {
		state := packState(tc.lap, tc.pos)
		require.GreaterOrEqual(t, state, int64(0), "packed states must never collide with the free sentinel")
		require.Equal(t, tc.pos, statePos(state))
		require.Equal(t, tc.lap, stateLap(state))
	}

	// Lap arithmetic is modular: one step past the largest lap value is one
	// lap ahead of it, not 2^23 behind.
	require.Equal(t, int64(0), lapAdd(stateLapMask, 1))
	require.Equal(t, int64(1), lapDelta(0, stateLapMask))
	require.Equal(t, int64(2), lapDelta(1, stateLapMask))
	require.Equal(t, int64(0), lapDelta(5, 5))
}

func TestTicketDispenser(t *testing.T) {
	seg, err := CreateSegment(newTestChannelName(t), totalSizeFor(1024, 4), 4)
	require.NoError(t, err)
	defer seg.Close()

	hdr := seg.hdr
	require.Equal(t, int64(0), hdr.TakeTicket())
	require.Equal(t, int64(1), hdr.TakeTicket())
	require.Equal(t, int64(2), hdr.TakeTicket())
	require.Equal(t, int64(3), hdr.NextTicket())

	require.Equal(t, int64(0), hdr.CurrentTicket())
	hdr.AdvanceCurrentTicket()
	hdr.AdvanceCurrentTicket()
	require.Equal(t, int64(2), hdr.CurrentTicket())
}

func TestReaderSlotClaim(t *testing.T) {
	seg, err := CreateSegment(newTestChannelName(t), totalSizeFor(1024, 4), 4)
	require.NoError(t, err)
	defer seg.Close()

	hdr := seg.hdr
	for i := 0; i < 4; i++ {
		require.Equal(t, freeSlot, hdr.ReaderSlot(i))
	}

	require.True(t, hdr.CasReaderSlot(1, freeSlot, 0))
	require.False(t, hdr.CasReaderSlot(1, freeSlot, 0), "occupied slot must not be claimable")

	hdr.SetReaderSlot(1, 77)
	require.Equal(t, int64(77), hdr.ReaderSlot(1))

	hdr.SetReaderSlot(1, freeSlot)
	require.True(t, hdr.CasReaderSlot(1, freeSlot, 0), "released slot must be claimable again")
}

func TestMinReaderPosition(t *testing.T) {
	seg, err := CreateSegment(newTestChannelName(t), totalSizeFor(1024, 4), 4)
	require.NoError(t, err)
	defer seg.Close()

	hdr := seg.hdr

	// No active reader: fall back to the write position, so a blocking
	// writer sees a full buffer's worth of free space.
	hdr.SetWriteState(packState(0, 500))
	require.Equal(t, int64(500), hdr.MinReaderPosition())
	require.Zero(t, hdr.ActiveReaders())

	hdr.SetReaderSlot(0, packState(0, 300))
	hdr.SetReaderSlot(2, packState(1, 100))
	require.Equal(t, int64(100), hdr.MinReaderPosition())
	require.Equal(t, 2, hdr.ActiveReaders())

	// Free slots are sentinels, never candidates for the minimum.
	require.Equal(t, freeSlot, hdr.ReaderSlot(1))

	hdr.SetReaderSlot(2, freeSlot)
	require.Equal(t, int64(300), hdr.MinReaderPosition())
}

func TestValidateHeaderRejectsCorruption(t *testing.T) {
	name := newTestChannelName(t)
	seg, err := CreateSegment(name, totalSizeFor(1024, 4), 4)
	require.NoError(t, err)

	// Corrupt the magic in place and detach.
	seg.mem[0] = 'X'
	require.NoError(t, seg.Close())

	_, err = OpenSegment(name)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid segment header")
}

func TestValidateHeaderRejectsBadVersion(t *testing.T) {
	name := newTestChannelName(t)
	seg, err := CreateSegment(name, totalSizeFor(1024, 4), 4)
	require.NoError(t, err)

	seg.hdr.SetVersion(99)
	require.NoError(t, seg.Close())

	_, err = OpenSegment(name)
	require.Error(t, err)
}

func TestValidateHeaderRejectsOversizedCapacity(t *testing.T) {
	name := newTestChannelName(t)
	seg, err := CreateSegment(name, totalSizeFor(1024, 4), 4)
	require.NoError(t, err)

	// Declare more data than the mapping holds.
	seg.hdr.SetCapacity(1 << 30)
	require.NoError(t, seg.Close())

	_, err = OpenSegment(name)
	require.Error(t, err)
}
