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
	"runtime"
	"time"
)

// Writers wait by spinning, never through an OS blocking primitive: no
// named kernel object is portable across arbitrary cooperating processes,
// and the design keeps kernel calls off the hot path entirely.

// spinIterations is the number of tight spins before the waiter starts
// yielding its thread and checking the deadline.
const spinIterations = 64

// spinWait is one busy-wait episode with an optional deadline.
type spinWait struct {
	count    int
	deadline time.Time
}

func newSpinWait(timeout time.Duration) spinWait {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return spinWait{deadline: deadline}
}

// spin performs one wait step: tight at first, yielding after
// spinIterations. Returns false once the deadline has passed; a zero
// deadline never expires. The clock is consulted only on the yield path so
// the tight phase stays free of time syscalls.
func (s *spinWait) spin() bool {
	s.count++
	if s.count < spinIterations {
		return true
	}
	runtime.Gosched()
	if !s.deadline.IsZero() && time.Now().After(s.deadline) {
		return false
	}
	return true
}
