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

package testing

import (
	"io"
	"math/rand/v2"
	"time"
)

// JitterConfig configures the behavior of JitteryConnection.
type JitterConfig struct {
	MaxLatencyMs     int
	FragmentMinBytes int
	StallAfterBytes  int
	StallDuration    time.Duration
	Seed             uint64
	FragmentReads    bool
}

// DefaultJitterConfig returns a sensible default configuration for testing.
func DefaultJitterConfig() JitterConfig {
	return JitterConfig{
		MaxLatencyMs:     20,
		FragmentReads:    true,
		FragmentMinBytes: 1,
	}
}

// JitteryConnection wraps an io.ReadWriter to simulate what a USB CDC-ACM
// link actually delivers: unpredictable latency and reads fragmented at
// arbitrary byte boundaries. Frame parsing and resynchronization must not
// depend on bytes arriving in convenient chunks, and this wrapper makes
// sure the tests say so.
type JitteryConnection struct {
	backend             io.ReadWriter
	rng                 *rand.Rand
	config              JitterConfig
	bytesReadSinceStall int
	stallTriggered      bool
}

// NewJitteryConnection creates a jittery wrapper around a backend.
func NewJitteryConnection(backend io.ReadWriter, config JitterConfig) *JitteryConnection {
	seed := config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &JitteryConnection{
		backend: backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed)),
	}
}

// Read reads from the backend with simulated latency and fragmentation.
func (j *JitteryConnection) Read(p []byte) (int, error) {
	if j.config.MaxLatencyMs > 0 {
		delay := time.Duration(j.rng.IntN(j.config.MaxLatencyMs)) * time.Millisecond
		time.Sleep(delay)
	}

	if j.config.StallAfterBytes > 0 && !j.stallTriggered &&
		j.bytesReadSinceStall >= j.config.StallAfterBytes {
		j.stallTriggered = true
		time.Sleep(j.config.StallDuration)
	}

	limit := len(p)
	if j.config.FragmentReads && limit > j.config.FragmentMinBytes {
		limit = j.config.FragmentMinBytes + j.rng.IntN(limit-j.config.FragmentMinBytes+1)
	}

	n, err := j.backend.Read(p[:limit])
	j.bytesReadSinceStall += n
	return n, err
}

// Write writes to the backend unchanged; the reader side is where real
// links misbehave.
func (j *JitteryConnection) Write(p []byte) (int, error) {
	n, err := j.backend.Write(p)
	if err != nil {
		return n, err
	}
	return n, nil
}
