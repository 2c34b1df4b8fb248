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

package frame

import "sync"

// Buffer size tiers for the read paths. Small covers handshake and status
// reads, medium covers every fixed-size structure, large covers full
// extended-APDU responses.
const (
	SmallBufferSize  = 16
	MediumBufferSize = 512
	LargeBufferSize  = MaxFrame + HeaderSize
)

// BufferPool hands out reusable byte slices for transport read loops,
// keeping allocations out of the per-exchange hot path.
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

var defaultPool = NewBufferPool()

// NewBufferPool creates a pool with the three size tiers preconfigured.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small: sync.Pool{New: func() any {
			b := make([]byte, SmallBufferSize)
			return &b
		}},
		medium: sync.Pool{New: func() any {
			b := make([]byte, MediumBufferSize)
			return &b
		}},
		large: sync.Pool{New: func() any {
			b := make([]byte, LargeBufferSize)
			return &b
		}},
	}
}

// Get returns a buffer of at least the requested size.
func (p *BufferPool) Get(size int) *[]byte {
	switch {
	case size <= SmallBufferSize:
		return p.small.Get().(*[]byte)
	case size <= MediumBufferSize:
		return p.medium.Get().(*[]byte)
	default:
		return p.large.Get().(*[]byte)
	}
}

// Put returns a buffer to its tier. Buffers of non-tier sizes are dropped.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	switch cap(*buf) {
	case SmallBufferSize:
		*buf = (*buf)[:SmallBufferSize]
		p.small.Put(buf)
	case MediumBufferSize:
		*buf = (*buf)[:MediumBufferSize]
		p.medium.Put(buf)
	case LargeBufferSize:
		*buf = (*buf)[:LargeBufferSize]
		p.large.Put(buf)
	}
}

// GetBuffer returns a buffer from the package-level pool.
func GetBuffer(size int) *[]byte {
	return defaultPool.Get(size)
}

// PutBuffer returns a buffer to the package-level pool.
func PutBuffer(buf *[]byte) {
	defaultPool.Put(buf)
}
