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

// Package firmware implements the reader-side core of the LEIA protocol:
// byte reception, frame parsing, command dispatch, PTS/ETU negotiation, the
// T=0 and T=1 APDU transports, and the trigger/timer instrumentation.
//
// The core mirrors the device's execution model: a producer pushes raw bytes
// into a bounded ring without parsing, and a single-threaded loop extracts
// complete frames and dispatches them one at a time through a shared
// request/response buffer pair. It backs the emulator binary and the
// in-process simulator transport used by the test suite.
package firmware

import "context"

// CardIO is the byte-level interface to the smartcard contact. The soft
// card implements it in-process; hardware implementations drive the actual
// ISO 7816-3 line.
type CardIO interface {
	// Present reports whether a card is physically in the slot.
	Present() bool

	// ColdReset power-cycles the card and returns its raw ATR.
	ColdReset(ctx context.Context) ([]byte, error)

	// WarmReset resets the card without dropping power and returns its
	// raw ATR.
	WarmReset(ctx context.Context) ([]byte, error)

	// Put transmits one byte to the card.
	Put(ctx context.Context, b byte) error

	// Get receives one byte from the card, honoring the context deadline.
	Get(ctx context.Context) (byte, error)

	// SetTiming applies a negotiated ETU and clock frequency. A zero
	// value keeps the current setting.
	SetTiming(etu, freq uint32) error
}

// Pulser emits the physical trigger signal. Firing is a side effect only
// and must never alter protocol control flow; implementations should return
// quickly and do any waiting off the protocol path.
type Pulser interface {
	// Pulse fires the trigger after delay timer ticks.
	Pulse(delay uint32)
}

// NopPulser discards trigger pulses. It is the default when no hardware
// trigger line is attached.
type NopPulser struct{}

// Pulse implements Pulser.
func (NopPulser) Pulse(uint32) {}
