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

// Package tcp implements the leia.Transport interface over a TCP
// connection, for readers reached through the emulator or a serial bridge.
// The byte protocol is identical to the serial one.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/internal/frame"
)

// DefaultExchangeTimeout bounds one command/response round trip when the
// caller sets nothing else.
const DefaultExchangeTimeout = 3 * time.Second

// DefaultDialTimeout bounds the connection attempt.
const DefaultDialTimeout = 5 * time.Second

// Transport implements the leia.Transport interface over a TCP connection.
type Transport struct {
	conn    net.Conn
	addr    string
	timeout time.Duration
	scanner frame.EnvelopeScanner
	mu      sync.Mutex
}

// New dials the reader at addr (host:port).
func New(addr string) (*Transport, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reader at %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Transport{
		conn:    conn,
		addr:    addr,
		timeout: DefaultExchangeTimeout,
	}, nil
}

// Exchange implements leia.Transport.
func (t *Transport) Exchange(opcode byte, payload []byte) ([]byte, error) {
	return t.ExchangeWithContext(context.Background(), opcode, payload)
}

// ExchangeWithContext sends one command frame and decodes the response
// envelope, honoring wait-extension flags from a busy reader.
func (t *Transport) ExchangeWithContext(ctx context.Context, opcode byte, payload []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, leia.NewTransportError("Exchange", t.addr, leia.ErrTransportClosed, leia.ErrorTypePermanent)
	}

	trace := leia.NewTraceBuffer(string(leia.TransportTCP), t.addr, 16)

	cmd, err := frame.BuildCommand(opcode, payload)
	if err != nil {
		return nil, leia.NewDataTooLargeError("Exchange", t.addr)
	}
	if _, err := t.conn.Write(cmd); err != nil {
		return nil, trace.WrapError(writeError(t.addr, err))
	}
	trace.RecordTX(cmd, frame.CommandName(opcode))
	leia.Debugf("tcp tx %s: %d bytes", frame.CommandName(opcode), len(cmd))

	env, err := t.readEnvelope(ctx, trace)
	if err != nil {
		return nil, trace.WrapError(err)
	}
	if err := leia.ResultError(opcode, env.Flag, env.Status); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (t *Transport) readEnvelope(ctx context.Context, trace *leia.TraceBuffer) (*frame.Envelope, error) {
	t.scanner.Reset()
	deadline := time.Now().Add(t.timeout)
	bufp := frame.GetBuffer(frame.MediumBufferSize)
	defer frame.PutBuffer(bufp)
	buf := *bufp

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			trace.RecordTimeout("envelope read")
			return nil, leia.NewTimeoutError("Exchange", t.addr)
		}

		// Short per-read deadline so wait flags and context cancellation
		// get a chance between chunks.
		_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := t.conn.Read(buf)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			if errors.Is(err, net.ErrClosed) {
				return nil, leia.NewTransportError("Exchange", t.addr, leia.ErrTransportClosed, leia.ErrorTypePermanent)
			}
			return nil, leia.NewTransportReadError("Exchange", t.addr)
		}
		if n == 0 {
			continue
		}
		trace.RecordRX(buf[:n], "")
		t.scanner.Feed(buf[:n])
		if waits := t.scanner.TakeWaits(); waits > 0 {
			leia.Debugf("tcp rx: %d wait flag(s), extending deadline", waits)
			deadline = time.Now().Add(t.timeout)
		}

		env, err := t.scanner.Envelope()
		if err != nil {
			return nil, leia.NewFrameCorruptedError("Exchange", t.addr)
		}
		if env != nil {
			return env, nil
		}
	}
}

// Ping probes the reader with the raw ready byte.
func (t *Transport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return leia.NewTransportError("Ping", t.addr, leia.ErrTransportClosed, leia.ErrorTypePermanent)
	}

	delays := []time.Duration{leia.ReadyProbeDelay1, leia.ReadyProbeDelay2, leia.ReadyProbeDelay3}
	bufp := frame.GetBuffer(frame.SmallBufferSize)
	defer frame.PutBuffer(bufp)
	buf := *bufp
	for attempt := 0; attempt < leia.TransportReadyRetries; attempt++ {
		if _, err := t.conn.Write([]byte{frame.ReadyByte}); err != nil {
			return writeError(t.addr, err)
		}
		deadline := time.Now().Add(leia.TransportReadyTimeout)
		for time.Now().Before(deadline) {
			_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, err := t.conn.Read(buf)
			if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
				return leia.NewTransportReadError("Ping", t.addr)
			}
			for _, b := range buf[:n] {
				if b == frame.ReadyAck {
					return nil
				}
			}
		}
		time.Sleep(delays[attempt%len(delays)])
	}
	return leia.NewNoReadyAckError("Ping", t.addr)
}

func writeError(addr string, err error) error {
	if errors.Is(err, net.ErrClosed) {
		return leia.NewTransportError("write", addr, leia.ErrTransportClosed, leia.ErrorTypePermanent)
	}
	return leia.NewTransportWriteError("write", addr)
}

// SetTimeout sets the exchange deadline.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	t.mu.Lock()
	t.timeout = timeout
	t.mu.Unlock()
	return nil
}

// Close closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return fmt.Errorf("tcp close failed: %w", err)
	}
	return nil
}

// IsConnected returns true while the connection is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Type returns the transport type.
func (*Transport) Type() leia.TransportType {
	return leia.TransportTCP
}

// HasCapability implements leia.TransportCapabilityChecker. TCP cannot see
// USB hotplug, but it honors wait extensions.
func (*Transport) HasCapability(capability leia.TransportCapability) bool {
	return capability == leia.CapabilityWaitExtension
}

// Ensure Transport implements leia.Transport.
var _ leia.Transport = (*Transport)(nil)
