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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaderRegistryExhaustion(t *testing.T) {
	name := newTestChannelName(t)

	w, err := OpenWriter(name, ModeCreate, totalSizeFor(1024, 2), Overwrite, WithMaxReaders(2))
	require.NoError(t, err)
	defer w.Close()

	r1, err := OpenReader(name)
	require.NoError(t, err)
	defer r1.Close()

	r2, err := OpenReader(name)
	require.NoError(t, err)

	_, err = OpenReader(name)
	require.ErrorIs(t, err, ErrTooManyReaders)

	// Closing vacates the slot permanently for the next attach.
	require.NoError(t, r2.Close())

	r3, err := OpenReader(name)
	require.NoError(t, err)
	defer r3.Close()
}

func TestReaderStartsAtWritePosition(t *testing.T) {
	name := newTestChannelName(t)

	w, err := OpenWriter(name, ModeCreate, totalSizeFor(1024, 4), Overwrite, WithMaxReaders(4))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write([]byte("backlog")))

	r, err := OpenReader(name)
	require.NoError(t, err)
	defer r.Close()

	// No backlog replay: only messages written after the attach arrive.
	_, ok := r.Read()
	require.False(t, ok)

	require.NoError(t, w.Write([]byte("live")))
	msg, ok := r.Read()
	require.True(t, ok)
	require.Equal(t, []byte("live"), msg)
}

func TestReaderCloseReleasesSlot(t *testing.T) {
	name := newTestChannelName(t)

	w, err := OpenWriter(name, ModeCreate, totalSizeFor(1024, 4), Overwrite, WithMaxReaders(4))
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(name)
	require.NoError(t, err)

	require.Equal(t, 1, countActiveSlots(w.State()))
	require.NoError(t, r.Close())
	require.Zero(t, countActiveSlots(w.State()))
}

func countActiveSlots(state ChannelState) int {
	n := 0
	for _, pos := range state.ReaderSlots {
		if pos != freeSlot {
			n++
		}
	}
	return n
}

func TestReaderCursorStoreResume(t *testing.T) {
	name := newTestChannelName(t)
	store := NewFileCursorStore(filepath.Join(t.TempDir(), "cursor"))

	w, err := OpenWriter(name, ModeCreate, totalSizeFor(1024, 4), Overwrite, WithMaxReaders(4))
	require.NoError(t, err)
	defer w.Close()

	r1, err := OpenReader(name, WithCursorStore(store))
	require.NoError(t, err)

	require.NoError(t, w.Write([]byte("first")))
	require.NoError(t, w.Write([]byte("second")))

	msg, ok := r1.Read()
	require.True(t, ok)
	require.Equal(t, []byte("first"), msg)

	require.NoError(t, r1.PersistCursor())
	require.NoError(t, r1.Close())

	// A new reader seeded from the store resumes where the first stopped,
	// instead of skipping to the live position.
	r2, err := OpenReader(name, WithCursorStore(store))
	require.NoError(t, err)
	defer r2.Close()

	msg, ok = r2.Read()
	require.True(t, ok)
	require.Equal(t, []byte("second"), msg)
}

func TestReaderIgnoresImplausiblePersistedCursor(t *testing.T) {
	name := newTestChannelName(t)
	store := NewFileCursorStore(filepath.Join(t.TempDir(), "cursor"))
	require.NoError(t, store.Save(1 << 40))

	w, err := OpenWriter(name, ModeCreate, totalSizeFor(1024, 4), Overwrite, WithMaxReaders(4))
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(name, WithCursorStore(store))
	require.NoError(t, err)
	defer r.Close()

	// The bogus offset falls back to the no-backlog default.
	require.Zero(t, r.Cursor())
}

func TestReaderPersistWithoutStore(t *testing.T) {
	name := newTestChannelName(t)

	w, err := OpenWriter(name, ModeCreate, totalSizeFor(1024, 4), Overwrite, WithMaxReaders(4))
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(name)
	require.NoError(t, err)
	defer r.Close()

	require.ErrorIs(t, r.PersistCursor(), ErrNoCursorStore)
}
