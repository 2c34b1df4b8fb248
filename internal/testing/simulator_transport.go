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

// Package testing provides an in-process reader simulator and wire-level
// test helpers: a leia.Transport backed by the real firmware core and a
// soft card, a jittery connection wrapper for parser robustness tests, and
// canned response payloads for mock transports.
package testing

import (
	"bytes"
	"context"
	"sync"
	"time"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/card/soft"
	"github.com/h2lab/go-leia/firmware"
	"github.com/h2lab/go-leia/internal/frame"
)

// CommandLogEntry records one command sent through the transport.
type CommandLogEntry struct {
	Timestamp time.Time
	Payload   []byte
	Opcode    byte
}

// SimulatorTransport implements leia.Transport against an in-process
// firmware core and soft card: full protocol coverage, no hardware, fully
// deterministic. Exchanges run synchronously on the caller's goroutine.
type SimulatorTransport struct {
	core       *firmware.Core
	card       *soft.Card
	CommandLog []CommandLogEntry
	timeout    time.Duration
	mu         sync.Mutex
	connected  bool
}

// NewSimulatorTransport creates a transport over a fresh core and the given
// soft card. Extra core options (manual clock, pulser) pass through.
func NewSimulatorTransport(card *soft.Card, opts ...firmware.CoreOption) (*SimulatorTransport, error) {
	// Wait flags are a timing artifact; the simulator stays deterministic.
	opts = append([]firmware.CoreOption{firmware.WithWaitInterval(0)}, opts...)
	core, err := firmware.NewCore(card, opts...)
	if err != nil {
		return nil, err
	}
	return &SimulatorTransport{
		core:      core,
		card:      card,
		timeout:   time.Second,
		connected: true,
	}, nil
}

// Core exposes the firmware core for white-box assertions.
func (t *SimulatorTransport) Core() *firmware.Core { return t.core }

// Card exposes the soft card for state manipulation mid-test.
func (t *SimulatorTransport) Card() *soft.Card { return t.card }

// Exchange implements leia.Transport.
func (t *SimulatorTransport) Exchange(opcode byte, payload []byte) ([]byte, error) {
	return t.ExchangeWithContext(context.Background(), opcode, payload)
}

// ExchangeWithContext implements leia.Transport by feeding the command
// frame straight into the core's ring and stepping it until the envelope
// comes out.
func (t *SimulatorTransport) ExchangeWithContext(ctx context.Context, opcode byte, payload []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, leia.NewTransportError("Exchange", "simulator", leia.ErrTransportClosed, leia.ErrorTypePermanent)
	}

	t.CommandLog = append(t.CommandLog, CommandLogEntry{
		Opcode:    opcode,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now(),
	})

	cmd, err := frame.BuildCommand(opcode, payload)
	if err != nil {
		return nil, leia.NewDataTooLargeError("Exchange", "simulator")
	}

	out, err := t.step(ctx, cmd)
	if err != nil {
		return nil, err
	}

	var scanner frame.EnvelopeScanner
	scanner.Feed(out)
	env, err := scanner.Envelope()
	if err != nil {
		return nil, leia.NewFrameCorruptedError("Exchange", "simulator")
	}
	if env == nil {
		return nil, leia.NewResponseTruncatedError("Exchange", "simulator")
	}
	if err := leia.ResultError(opcode, env.Flag, env.Status); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// step feeds raw bytes and drives the core until it stops making progress,
// returning everything it wrote.
func (t *SimulatorTransport) step(ctx context.Context, in []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t.core.Feed(in)
	var out bytes.Buffer
	for {
		progress, _, err := t.core.Step(ctx, &out)
		if err != nil {
			return nil, err
		}
		if !progress {
			return out.Bytes(), nil
		}
	}
}

// Ping implements leia.Transport through the real ready handshake.
func (t *SimulatorTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return leia.NewTransportError("Ping", "simulator", leia.ErrTransportClosed, leia.ErrorTypePermanent)
	}
	out, err := t.step(context.Background(), []byte{frame.ReadyByte})
	if err != nil {
		return err
	}
	for _, b := range out {
		if b == frame.ReadyAck {
			return nil
		}
	}
	return leia.NewNoReadyAckError("Ping", "simulator")
}

// Close implements leia.Transport.
func (t *SimulatorTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

// SetTimeout implements leia.Transport.
func (t *SimulatorTransport) SetTimeout(timeout time.Duration) error {
	t.mu.Lock()
	t.timeout = timeout
	t.mu.Unlock()
	return nil
}

// IsConnected implements leia.Transport.
func (t *SimulatorTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Type implements leia.Transport.
func (*SimulatorTransport) Type() leia.TransportType {
	return leia.TransportSimulator
}

// Ensure SimulatorTransport implements leia.Transport.
var _ leia.Transport = (*SimulatorTransport)(nil)
