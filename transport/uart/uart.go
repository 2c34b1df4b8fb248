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

// Package uart implements the leia.Transport interface over a serial port,
// the native connection of the reader hardware (USB CDC-ACM at 115200 8N1).
package uart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/internal/frame"
	"go.bug.st/serial"
)

const (
	// readChunkTimeout is the per-Read timeout; the exchange deadline is
	// enforced on top of it so a quiet port never blocks a whole exchange.
	readChunkTimeout = 50 * time.Millisecond

	// DefaultExchangeTimeout bounds one command/response round trip when
	// the caller sets nothing else.
	DefaultExchangeTimeout = 3 * time.Second
)

// Transport implements the leia.Transport interface over a serial port.
type Transport struct {
	port     serial.Port
	portName string
	timeout  time.Duration
	scanner  frame.EnvelopeScanner
	mu       sync.Mutex
}

// New opens the serial port and configures it for the reader.
func New(portName string) (*Transport, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(readChunkTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}
	return &Transport{
		port:     port,
		portName: portName,
		timeout:  DefaultExchangeTimeout,
	}, nil
}

// Exchange implements leia.Transport.
func (t *Transport) Exchange(opcode byte, payload []byte) ([]byte, error) {
	return t.ExchangeWithContext(context.Background(), opcode, payload)
}

// ExchangeWithContext sends one command frame and decodes the response
// envelope. Wait-extension flags from a busy reader stretch the deadline;
// a non-OK envelope comes back as an error from the shared taxonomy.
func (t *Transport) ExchangeWithContext(ctx context.Context, opcode byte, payload []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil, leia.NewTransportError("Exchange", t.portName, leia.ErrTransportClosed, leia.ErrorTypePermanent)
	}

	trace := leia.NewTraceBuffer(string(leia.TransportUART), t.portName, 16)

	cmd, err := frame.BuildCommand(opcode, payload)
	if err != nil {
		return nil, leia.NewDataTooLargeError("Exchange", t.portName)
	}

	if err := t.writeAll(cmd); err != nil {
		return nil, trace.WrapError(err)
	}
	trace.RecordTX(cmd, frame.CommandName(opcode))
	leia.Debugf("uart tx %s: %d bytes", frame.CommandName(opcode), len(cmd))

	env, err := t.readEnvelope(ctx, trace)
	if err != nil {
		return nil, trace.WrapError(err)
	}
	if err := leia.ResultError(opcode, env.Flag, env.Status); err != nil {
		return nil, err
	}
	return env.Data, nil
}

// readEnvelope reads until a complete envelope is decoded or the deadline
// passes. Each wait flag the reader emits restarts the deadline: the reader
// is alive, just busy with the card.
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
			return nil, leia.NewTimeoutError("Exchange", t.portName)
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if isInterruptedSystemCall(err) {
				continue
			}
			if isDeviceGone(err) {
				return nil, leia.NewTransportError("Exchange", t.portName, err, leia.ErrorTypePermanent)
			}
			return nil, leia.NewTransportReadError("Exchange", t.portName)
		}
		if n == 0 {
			continue
		}
		trace.RecordRX(buf[:n], "")
		t.scanner.Feed(buf[:n])
		if waits := t.scanner.TakeWaits(); waits > 0 {
			leia.Debugf("uart rx: %d wait flag(s), extending deadline", waits)
			deadline = time.Now().Add(t.timeout)
		}

		env, err := t.scanner.Envelope()
		if err != nil {
			return nil, leia.NewFrameCorruptedError("Exchange", t.portName)
		}
		if env != nil {
			return env, nil
		}
	}
}

// Ping probes the reader with the raw ready byte, outside any framing. Stale
// bytes from an interrupted exchange drain naturally: the reader's parser
// resynchronizes at the probe and anything buffered on our side is discarded
// while scanning for the acknowledgment.
func (t *Transport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return leia.NewTransportError("Ping", t.portName, leia.ErrTransportClosed, leia.ErrorTypePermanent)
	}

	delays := []time.Duration{leia.ReadyProbeDelay1, leia.ReadyProbeDelay2, leia.ReadyProbeDelay3}
	for attempt := 0; attempt < leia.TransportReadyRetries; attempt++ {
		if err := t.writeAll([]byte{frame.ReadyByte}); err != nil {
			return err
		}
		if t.awaitReadyAck() {
			return nil
		}
		time.Sleep(delays[attempt%len(delays)])
	}
	return leia.NewNoReadyAckError("Ping", t.portName)
}

// awaitReadyAck scans incoming bytes for the acknowledgment, discarding
// anything stale in front of it.
func (t *Transport) awaitReadyAck() bool {
	deadline := time.Now().Add(leia.TransportReadyTimeout)
	bufp := frame.GetBuffer(frame.SmallBufferSize)
	defer frame.PutBuffer(bufp)
	buf := *bufp
	for time.Now().Before(deadline) {
		n, err := t.port.Read(buf)
		if err != nil {
			if isInterruptedSystemCall(err) {
				continue
			}
			return false
		}
		for _, b := range buf[:n] {
			if b == frame.ReadyAck {
				return true
			}
		}
	}
	return false
}

func (t *Transport) writeAll(p []byte) error {
	n, err := t.port.Write(p)
	if err != nil {
		if isDeviceGone(err) {
			return leia.NewTransportError("write", t.portName, err, leia.ErrorTypePermanent)
		}
		return leia.NewTransportWriteError("write", t.portName)
	}
	if n != len(p) {
		return leia.NewTransportWriteError("write", t.portName)
	}
	return t.drainWithRetry()
}

// drainWithRetry flushes the port, retrying interrupted system calls with a
// short backoff.
func (t *Transport) drainWithRetry() error {
	delay := 2 * time.Millisecond
	for attempt := 0; attempt < leia.TransportDrainRetries; attempt++ {
		err := t.port.Drain()
		if err == nil {
			return nil
		}
		if !isInterruptedSystemCall(err) {
			return leia.NewTransportWriteError("drain", t.portName)
		}
		time.Sleep(delay)
		delay *= 2
	}
	return leia.NewTransportWriteError("drain", t.portName)
}

// SetTimeout sets the exchange deadline.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	t.mu.Lock()
	t.timeout = timeout
	t.mu.Unlock()
	return nil
}

// Close closes the serial port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("serial close failed: %w", err)
	}
	return nil
}

// IsConnected returns true while the port is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Type returns the transport type.
func (*Transport) Type() leia.TransportType {
	return leia.TransportUART
}

// HasCapability implements leia.TransportCapabilityChecker. Serial errno
// surfacing lets this transport tell an unplugged reader from a quiet one.
func (*Transport) HasCapability(capability leia.TransportCapability) bool {
	switch capability {
	case leia.CapabilityHotplugDetection, leia.CapabilityWaitExtension:
		return true
	default:
		return false
	}
}

// isInterruptedSystemCall checks if an error is caused by an interrupted
// system call.
func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EINTR) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "interrupted system call") ||
		strings.Contains(errStr, "eintr")
}

// isDeviceGone checks for errno values that mean the USB device vanished.
func isDeviceGone(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
			return true
		}
	}
	return false
}

// Ensure Transport implements leia.Transport.
var _ leia.Transport = (*Transport)(nil)
