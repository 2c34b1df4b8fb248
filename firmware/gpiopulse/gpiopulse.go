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

// Package gpiopulse drives a hardware trigger line through a GPIO pin, for
// emulator hosts that feed an oscilloscope or glitcher the way the reader
// hardware does.
package gpiopulse

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// DefaultPulseWidth is how long the line stays high per trigger.
const DefaultPulseWidth = 10 * time.Microsecond

// Pulser raises a GPIO pin for a fixed width when a trigger fires. It
// implements the firmware's trigger output; firing is asynchronous so the
// protocol path never waits on the pin.
type Pulser struct {
	pin   gpio.PinIO
	width time.Duration
	fires chan uint32
}

// New opens the named GPIO pin (as known to periph.io, e.g. "GPIO17") and
// returns a pulser driving it active-high.
func New(name string, width time.Duration) (*Pulser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio host init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpio pin %q: %w", name, err)
	}
	if width <= 0 {
		width = DefaultPulseWidth
	}
	p := &Pulser{pin: pin, width: width, fires: make(chan uint32, 16)}
	go p.loop()
	return p, nil
}

// Pulse schedules one trigger pulse after delay ticks (microseconds).
// Pulses that arrive while the line is still busy queue up; the queue is
// bounded and overflow drops the pulse rather than stalling the protocol.
func (p *Pulser) Pulse(delay uint32) {
	select {
	case p.fires <- delay:
	default:
	}
}

// Close releases the pin, leaving it low.
func (p *Pulser) Close() error {
	close(p.fires)
	return p.pin.Out(gpio.Low)
}

func (p *Pulser) loop() {
	for delay := range p.fires {
		if delay > 0 {
			time.Sleep(time.Duration(delay) * time.Microsecond)
		}
		if err := p.pin.Out(gpio.High); err != nil {
			continue
		}
		time.Sleep(p.width)
		_ = p.pin.Out(gpio.Low)
	}
}
