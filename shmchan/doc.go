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

// Package shmchan implements a multi-writer, multi-reader message channel
// over a named shared-memory segment, enabling high-frequency message
// passing between co-located processes without any kernel call on the hot
// path.
//
// A channel is one memory-mapped file: a fixed control header followed by a
// circular data region. Writers serialize through a ticket lock built from
// two atomic counters in the header, append length-prefixed frames, and
// publish each message with a single atomic store of the write position.
// Readers are wait-free: each claims a slot in a fixed-size registry,
// tracks its own cursor through the frame stream, and publishes progress
// back to its slot so writers in blocking mode can apply backpressure.
//
// Every reader observes every message written after it attaches; readers
// never affect one another. A reader that falls a full lap behind an
// Overwrite-mode writer loses the unread portion and resumes at the
// writer's current position.
package shmchan
