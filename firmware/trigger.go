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
	"fmt"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/internal/frame"
	"github.com/h2lab/go-leia/internal/syncutil"
)

// ErrBadStrategySlot reports a strategy index outside the bank.
var ErrBadStrategySlot = fmt.Errorf("strategy slot out of range (0..%d)", frame.StrategyCount-1)

// strategySlot holds one stored strategy plus its sequencing cursor. The
// cursor walks the point list in order; only the entry under the cursor can
// fire.
type strategySlot struct {
	strat leia.TriggerStrategy
	next  int
	done  bool
}

// TriggerBank stores the trigger strategies and evaluates protocol hooks
// against the armed one. Setting a slot arms it; empty slots never fire.
type TriggerBank struct {
	pulser Pulser
	clock  Clock
	mu     syncutil.Mutex
	slots  [frame.StrategyCount]strategySlot
	armed  int
}

// NewTriggerBank creates a bank with all slots empty and slot 0 armed.
func NewTriggerBank(pulser Pulser, clock Clock) *TriggerBank {
	if pulser == nil {
		pulser = NopPulser{}
	}
	return &TriggerBank{pulser: pulser, clock: clock}
}

// Set validates and stores a strategy, resets its counters, and arms its
// slot.
func (b *TriggerBank) Set(slot int, s *leia.TriggerStrategy) error {
	if slot < 0 || slot >= frame.StrategyCount {
		return ErrBadStrategySlot
	}
	if err := s.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := &b.slots[slot]
	st.strat = leia.TriggerStrategy{
		Points:     append([]uint32(nil), s.Points...),
		ApplyDelay: make([]uint32, len(s.Points)),
		Delay:      s.Delay,
		Single:     s.Single,
	}
	// An omitted apply-delay list means "fire on first occurrence".
	copy(st.strat.ApplyDelay, s.ApplyDelay)
	st.strat.ListTrigged = make([]uint32, len(s.Points))
	st.strat.CntTrigged = make([]uint32, len(s.Points))
	st.strat.EventTime = make([]uint32, len(s.Points))
	st.next = 0
	st.done = false
	b.armed = slot
	return nil
}

// Get returns a copy of a stored strategy with its live counters, for the
// get-strategy command.
func (b *TriggerBank) Get(slot int) (*leia.TriggerStrategy, error) {
	if slot < 0 || slot >= frame.StrategyCount {
		return nil, ErrBadStrategySlot
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slots[slot].strat
	out := &leia.TriggerStrategy{
		Points:      append([]uint32(nil), s.Points...),
		ApplyDelay:  append([]uint32(nil), s.ApplyDelay...),
		ListTrigged: append([]uint32(nil), s.ListTrigged...),
		CntTrigged:  append([]uint32(nil), s.CntTrigged...),
		EventTime:   append([]uint32(nil), s.EventTime...),
		Delay:       s.Delay,
		Single:      s.Single,
	}
	return out, nil
}

// Rearm restarts the armed strategy's sequencing for a new card session.
// The core calls this on every card reset.
func (b *TriggerBank) Rearm() {
	b.mu.Lock()
	slot := b.armed
	b.mu.Unlock()
	_ = b.Arm(slot)
}

// Arm selects a slot and resets its sequencing state and counters.
func (b *TriggerBank) Arm(slot int) error {
	if slot < 0 || slot >= frame.StrategyCount {
		return ErrBadStrategySlot
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed = slot
	b.rearmLocked(&b.slots[slot])
	return nil
}

func (b *TriggerBank) rearmLocked(st *strategySlot) {
	st.next = 0
	st.done = false
	for i := range st.strat.CntTrigged {
		st.strat.CntTrigged[i] = 0
	}
}

// Cross evaluates a protocol hook against the armed strategy. When the hook
// matches the point under the cursor, its occurrence counter increments;
// once the counter passes the entry's apply-delay the pulser fires, the
// match is recorded with the clock value, and the cursor advances. A
// completed single-shot strategy stays silent until rearmed; a repeating
// one restarts from the first entry.
func (b *TriggerBank) Cross(point uint32) {
	b.mu.Lock()
	st := &b.slots[b.armed]
	if st.done || st.next >= len(st.strat.Points) {
		b.mu.Unlock()
		return
	}
	i := st.next
	if st.strat.Points[i]&point == 0 {
		b.mu.Unlock()
		return
	}
	st.strat.CntTrigged[i]++
	if st.strat.CntTrigged[i] <= st.strat.ApplyDelay[i] {
		b.mu.Unlock()
		return
	}
	st.strat.ListTrigged[i] = point
	st.strat.EventTime[i] = b.clock.Now()
	delay := st.strat.Delay
	st.next++
	if st.next == len(st.strat.Points) {
		if st.strat.Single {
			st.done = true
		} else {
			st.next = 0
			for j := range st.strat.CntTrigged {
				st.strat.CntTrigged[j] = 0
			}
		}
	}
	b.mu.Unlock()

	// Fire outside the lock: the pulser may sleep for the delay.
	b.pulser.Pulse(delay)
}
