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

package leia

import (
	"encoding/binary"
	"fmt"

	"github.com/h2lab/go-leia/internal/frame"
)

// TimersDepth mirrors the firmware's timer bank capacity.
const TimersDepth = frame.TimersDepth

// TimerSample is the elapsed cycle count recorded at one hook since the
// start of the current transaction.
type TimerSample struct {
	Point  uint32
	Cycles uint32
}

// Timers is the response of the 'm' command: the two aggregate counters and
// the per-hook samples of the current transaction.
//
// DeltaT counts transaction start to response complete; DeltaTAnswer counts
// last command byte to first response byte.
//
// Wire layout (little-endian):
//
//	deltaT:4 deltaTAnswer:4 n:1 n*(point:4 cycles:4)
type Timers struct {
	Samples      []TimerSample
	DeltaT       uint32
	DeltaTAnswer uint32
}

// Sample returns the recorded cycle count for a hook, if any.
func (t *Timers) Sample(point uint32) (uint32, bool) {
	for _, s := range t.Samples {
		if s.Point == point {
			return s.Cycles, true
		}
	}
	return 0, false
}

// Pack encodes the timers into their wire form.
func (t *Timers) Pack() ([]byte, error) {
	if len(t.Samples) > TimersDepth {
		return nil, fmt.Errorf("%w: %d samples exceed depth %d", ErrDataTooLarge, len(t.Samples), TimersDepth)
	}
	buf := make([]byte, frame.TimersHeaderSize+8*len(t.Samples))
	binary.LittleEndian.PutUint32(buf[0:4], t.DeltaT)
	binary.LittleEndian.PutUint32(buf[4:8], t.DeltaTAnswer)
	buf[8] = byte(len(t.Samples))
	for i, s := range t.Samples {
		off := frame.TimersHeaderSize + 8*i
		binary.LittleEndian.PutUint32(buf[off:off+4], s.Point)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], s.Cycles)
	}
	return buf, nil
}

// UnpackTimers decodes a timers payload.
func UnpackTimers(b []byte) (*Timers, error) {
	if len(b) < frame.TimersHeaderSize {
		return nil, fmt.Errorf("%w: timers need at least %d bytes, got %d",
			ErrInvalidFormat, frame.TimersHeaderSize, len(b))
	}
	n := int(b[8])
	if n > TimersDepth {
		return nil, fmt.Errorf("%w: %d samples exceed depth %d", ErrInvalidFormat, n, TimersDepth)
	}
	if len(b) != frame.TimersHeaderSize+8*n {
		return nil, fmt.Errorf("%w: %d samples need %d bytes, got %d",
			ErrInvalidFormat, n, frame.TimersHeaderSize+8*n, len(b))
	}
	t := &Timers{
		DeltaT:       binary.LittleEndian.Uint32(b[0:4]),
		DeltaTAnswer: binary.LittleEndian.Uint32(b[4:8]),
		Samples:      make([]TimerSample, n),
	}
	for i := range t.Samples {
		off := frame.TimersHeaderSize + 8*i
		t.Samples[i] = TimerSample{
			Point:  binary.LittleEndian.Uint32(b[off : off+4]),
			Cycles: binary.LittleEndian.Uint32(b[off+4 : off+8]),
		}
	}
	return t, nil
}
