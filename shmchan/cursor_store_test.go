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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileCursorStoreRoundTrip(t *testing.T) {
	store := NewFileCursorStore(filepath.Join(t.TempDir(), "cursor"))

	require.NoError(t, store.Save(42))
	offset, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, int64(42), offset)

	// Saves replace, never append.
	require.NoError(t, store.Save(7))
	offset, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, int64(7), offset)
}

func TestFileCursorStoreMissing(t *testing.T) {
	store := NewFileCursorStore(filepath.Join(t.TempDir(), "cursor"))

	_, err := store.Load()
	require.ErrorIs(t, err, ErrNoCursor)
}

func TestFileCursorStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor")
	require.NoError(t, os.WriteFile(path, []byte("not eight bytes at all"), 0600))

	_, err := NewFileCursorStore(path).Load()
	require.Error(t, err)
}
