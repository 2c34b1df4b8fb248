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

import (
	"time"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/internal/frame"
	"github.com/h2lab/go-leia/internal/syncutil"
)

// Clock provides the cycle counter sampled at instrumentation hooks. One
// tick is one microsecond on the default clock.
type Clock interface {
	Now() uint32
}

// MonotonicClock counts microseconds since its creation.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock creates a clock starting at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// Now implements Clock. The counter wraps after about 71 minutes, matching
// the width of the wire format.
func (c *MonotonicClock) Now() uint32 {
	return uint32(time.Since(c.start).Microseconds())
}

// ManualClock is a test clock advanced by hand.
type ManualClock struct {
	mu syncutil.Mutex
	t  uint32
}

// Now implements Clock.
func (c *ManualClock) Now() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by n ticks.
func (c *ManualClock) Advance(n uint32) {
	c.mu.Lock()
	c.t += n
	c.mu.Unlock()
}

// Set positions the clock at an absolute tick count.
func (c *ManualClock) Set(t uint32) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// TimerBank records elapsed cycle counts at instrumentation hooks, plus the
// two aggregate counters of the current transaction. It restarts at
// transaction start and is read out by the get-timers command. Sampling is
// independent of triggering: a hook is recorded whether or not a trigger
// fired there.
type TimerBank struct {
	clock         Clock
	samples       []leia.TimerSample
	mu            syncutil.RWMutex
	start         uint32
	deltaT        uint32
	deltaTAnswer  uint32
	lastCmdByte   uint32
	haveFirstResp bool
}

// NewTimerBank creates a timer bank on the given clock.
func NewTimerBank(clock Clock) *TimerBank {
	return &TimerBank{clock: clock}
}

// Restart zeroes the bank at the start of a transaction.
func (t *TimerBank) Restart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = t.clock.Now()
	t.samples = t.samples[:0]
	t.deltaT = 0
	t.deltaTAnswer = 0
	t.lastCmdByte = t.start
	t.haveFirstResp = false
}

// Sample records the elapsed cycles since transaction start for a hook. A
// later sample for the same hook overwrites the earlier one; beyond
// TimersDepth distinct hooks, samples are dropped.
func (t *TimerBank) Sample(point uint32) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := now - t.start
	for i := range t.samples {
		if t.samples[i].Point == point {
			t.samples[i].Cycles = elapsed
			return
		}
	}
	if len(t.samples) < frame.TimersDepth {
		t.samples = append(t.samples, leia.TimerSample{Point: point, Cycles: elapsed})
	}
}

// MarkCommandByte notes a byte going to the card. The last mark before the
// card answers anchors deltaTAnswer.
func (t *TimerBank) MarkCommandByte() {
	now := t.clock.Now()
	t.mu.Lock()
	t.lastCmdByte = now
	t.haveFirstResp = false
	t.mu.Unlock()
}

// MarkResponseByte notes a byte coming from the card, fixing deltaTAnswer
// on the first one after a command byte.
func (t *TimerBank) MarkResponseByte() {
	now := t.clock.Now()
	t.mu.Lock()
	if !t.haveFirstResp {
		t.deltaTAnswer = now - t.lastCmdByte
		t.haveFirstResp = true
	}
	t.mu.Unlock()
}

// Complete fixes deltaT at the end of a transaction.
func (t *TimerBank) Complete() {
	now := t.clock.Now()
	t.mu.Lock()
	t.deltaT = now - t.start
	t.mu.Unlock()
}

// Snapshot returns a copy of the bank for the get-timers command.
func (t *TimerBank) Snapshot() *leia.Timers {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &leia.Timers{
		DeltaT:       t.deltaT,
		DeltaTAnswer: t.deltaTAnswer,
		Samples:      append([]leia.TimerSample(nil), t.samples...),
	}
}

// Timings returns the two aggregate counters for embedding in an APDU
// response.
func (t *TimerBank) Timings() (deltaT, deltaTAnswer uint32) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deltaT, t.deltaTAnswer
}
