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
	"fmt"
	"os"
)

// ErrNoCursor indicates that a store holds no persisted offset yet.
var ErrNoCursor = errors.New("no persisted cursor")

// CursorStore persists a reader's offset between process restarts. It is
// an optional collaborator: the channel itself never touches it, and
// readers call it only at attach time and on explicit PersistCursor.
type CursorStore interface {
	// Load returns the persisted offset, or ErrNoCursor when none exists.
	Load() (int64, error)
	// Save persists the offset durably.
	Save(offset int64) error
}

// FileCursorStore persists the offset as an 8-byte little-endian sidecar
// file, replaced atomically via rename.
type FileCursorStore struct {
	path string
}

// NewFileCursorStore returns a store backed by the given file path.
func NewFileCursorStore(path string) *FileCursorStore {
	return &FileCursorStore{path: path}
}

// Load reads the persisted offset.
func (s *FileCursorStore) Load() (int64, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoCursor
		}
		return 0, fmt.Errorf("failed to read cursor file %s: %w", s.path, err)
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("cursor file %s has unexpected size %d", s.path, len(b))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// Save writes the offset to a temporary file and renames it into place, so
// a crash mid-save never leaves a truncated cursor.
func (s *FileCursorStore) Save(offset int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(offset))

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b[:], 0600); err != nil {
		return fmt.Errorf("failed to write cursor file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}
	return nil
}
