// Copyright 2026 The go-leia Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package firmware

import "github.com/h2lab/go-leia/internal/frame"

// DefaultRingCapacity holds one maximum frame plus header with power-of-two
// headroom.
const DefaultRingCapacity = 32768

// Ring is the bounded receive buffer between the byte producer and the
// frame parser. Push never blocks and never allocates: on overflow the
// oldest unread byte is evicted and a sticky overflow flag raises. Reads
// are explicit; nothing is consumed implicitly.
type Ring struct {
	buf      []byte
	head     int // next write position
	tail     int // next read position
	full     bool
	overflow bool
}

// NewRing creates a ring with the given capacity, rounded up to a power of
// two and never below one full frame.
func NewRing(capacity int) *Ring {
	min := frame.MaxFrame + frame.HeaderSize
	if capacity < min {
		capacity = min
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &Ring{buf: make([]byte, size)}
}

// Capacity returns the fixed byte capacity.
func (r *Ring) Capacity() int {
	return len(r.buf)
}

// Len returns the number of unread bytes.
func (r *Ring) Len() int {
	if r.full {
		return len(r.buf)
	}
	return (r.head - r.tail) & (len(r.buf) - 1)
}

// Push appends one byte. When the ring is full the oldest unread byte is
// overwritten and the overflow flag raises.
func (r *Ring) Push(b byte) {
	if r.full {
		r.overflow = true
		r.tail = (r.tail + 1) & (len(r.buf) - 1)
	}
	r.buf[r.head] = b
	r.head = (r.head + 1) & (len(r.buf) - 1)
	r.full = r.head == r.tail
}

// PushSlice appends each byte of p in order, with Push's eviction rule.
func (r *Ring) PushSlice(p []byte) {
	for _, b := range p {
		r.Push(b)
	}
}

// Peek returns the i-th unread byte without consuming it. i must be below
// Len.
func (r *Ring) Peek(i int) byte {
	return r.buf[(r.tail+i)&(len(r.buf)-1)]
}

// CopyTo copies up to n unread bytes into dst without consuming them and
// returns the number copied.
func (r *Ring) CopyTo(dst []byte, n int) int {
	if n > r.Len() {
		n = r.Len()
	}
	if n > len(dst) {
		n = len(dst)
	}
	for i := range n {
		dst[i] = r.Peek(i)
	}
	return n
}

// Discard consumes n unread bytes.
func (r *Ring) Discard(n int) {
	if n <= 0 {
		return
	}
	if n > r.Len() {
		n = r.Len()
	}
	r.tail = (r.tail + n) & (len(r.buf) - 1)
	r.full = false
}

// Overflowed reports whether any byte has been evicted since the last
// Reset.
func (r *Ring) Overflowed() bool {
	return r.overflow
}

// Reset drops all unread bytes and clears the overflow flag.
func (r *Ring) Reset() {
	r.head = 0
	r.tail = 0
	r.full = false
	r.overflow = false
}
