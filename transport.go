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
	"context"
	"errors"
	"sync"
	"time"
)

// Transport defines the interface for communication with LEIA readers.
// This can be implemented by UART/serial or TCP backends.
type Transport interface {
	// Exchange sends one command frame and waits for the response payload.
	// A non-OK status in the response envelope is returned as an error.
	Exchange(opcode byte, payload []byte) ([]byte, error)

	// ExchangeWithContext sends a command frame with context support
	ExchangeWithContext(ctx context.Context, opcode byte, payload []byte) ([]byte, error)

	// Ping probes the reader with the ready byte and waits for its
	// acknowledgment. It bypasses framing entirely.
	Ping() error

	// Close closes the transport connection
	Close() error

	// SetTimeout sets the read timeout for one exchange
	SetTimeout(timeout time.Duration) error

	// IsConnected returns true if the transport is connected
	IsConnected() bool

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportUART represents UART/serial transport.
	TransportUART TransportType = "uart"
	// TransportTCP represents TCP transport to an emulated or bridged reader.
	TransportTCP TransportType = "tcp"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
	// TransportSimulator represents the in-process reader simulator.
	TransportSimulator TransportType = "simulator"
)

// TransportCapability represents specific capabilities or behaviors of a transport
type TransportCapability string

const (
	// CapabilityHotplugDetection indicates the transport can tell a vanished
	// device apart from a quiet one (USB unplug errno surfacing)
	CapabilityHotplugDetection TransportCapability = "hotplug_detection"

	// CapabilityWaitExtension indicates the transport honors the reader's
	// wait-extension flags by stretching the read deadline while the
	// reader reports it is still busy with the card
	CapabilityWaitExtension TransportCapability = "wait_extension"
)

// TransportCapabilityChecker defines an interface for querying transport capabilities
// This provides a clean, type-safe alternative to reflection-based mode detection
type TransportCapabilityChecker interface {
	// HasCapability returns true if the transport has the specified capability
	HasCapability(capability TransportCapability) bool
}

// TransportWithRetry wraps a Transport with retry capabilities
type TransportWithRetry struct {
	transport Transport
	config    *RetryConfig
}

// NewTransportWithRetry creates a new transport wrapper with retry logic
func NewTransportWithRetry(transport Transport, config *RetryConfig) *TransportWithRetry {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &TransportWithRetry{
		transport: transport,
		config:    config,
	}
}

// Exchange sends a command with retry logic
func (t *TransportWithRetry) Exchange(opcode byte, payload []byte) ([]byte, error) {
	return t.ExchangeWithContext(context.Background(), opcode, payload)
}

// ExchangeWithContext sends a command with context support and retry logic
func (t *TransportWithRetry) ExchangeWithContext(ctx context.Context, opcode byte, payload []byte) ([]byte, error) {
	var result []byte
	// Use command-specific retry configuration for better reliability
	retryConfig := GetRetryConfigForCommand(opcode)
	err := RetryWithConfig(ctx, retryConfig, func() error {
		var err error
		result, err = t.transport.ExchangeWithContext(ctx, opcode, payload)
		if err != nil {
			// Try recovery for recoverable errors
			if IsRecoverable(err) && t.attemptRecovery() == nil {
				// Recovery succeeded, retry once
				if retryResult, retryErr := t.transport.ExchangeWithContext(ctx, opcode, payload); retryErr == nil {
					result = retryResult
					return nil
				}
			}
			// Wrap transport errors for better error handling
			return &TransportError{
				Op:        "Exchange",
				Err:       err,
				Type:      GetErrorType(err),
				Retryable: IsRetryable(err),
			}
		}
		return nil
	})
	return result, err
}

// attemptRecovery attempts to recover a wedged exchange by re-running the
// ready handshake. The probe drains any stale envelope bytes on the reader
// side because the parser resynchronizes at the probe boundary.
func (t *TransportWithRetry) attemptRecovery() error {
	if err := t.transport.Ping(); err != nil {
		return err
	}
	return nil
}

// Ping forwards the ready probe to the underlying transport
func (t *TransportWithRetry) Ping() error {
	return t.transport.Ping()
}

// Close closes the transport connection
func (t *TransportWithRetry) Close() error {
	if err := t.transport.Close(); err != nil {
		return NewTransportError("Close", "", err, ErrorTypePermanent)
	}
	return nil
}

// SetTimeout sets the read timeout for the transport
func (t *TransportWithRetry) SetTimeout(timeout time.Duration) error {
	if err := t.transport.SetTimeout(timeout); err != nil {
		return NewTransportError("SetTimeout", "", err, ErrorTypePermanent)
	}
	return nil
}

// IsConnected returns true if the transport is connected
func (t *TransportWithRetry) IsConnected() bool {
	return t.transport.IsConnected()
}

// Type returns the transport type
func (t *TransportWithRetry) Type() TransportType {
	return t.transport.Type()
}

// HasCapability forwards capability checking to the underlying transport
func (t *TransportWithRetry) HasCapability(capability TransportCapability) bool {
	if capChecker, ok := t.transport.(TransportCapabilityChecker); ok {
		return capChecker.HasCapability(capability)
	}
	return false
}

// SetRetryConfig updates the retry configuration
func (t *TransportWithRetry) SetRetryConfig(config *RetryConfig) {
	t.config = config
}

// MockTransport provides a mock implementation of Transport for testing
type MockTransport struct {
	responses   map[byte][]byte
	callCount   map[byte]int
	errorMap    map[byte]error
	lastPayload map[byte][]byte
	pingErr     error
	timeout     time.Duration
	delay       time.Duration
	mu          sync.RWMutex
	connected   bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected:   true,
		timeout:     time.Second,
		responses:   make(map[byte][]byte),
		callCount:   make(map[byte]int),
		lastPayload: make(map[byte][]byte),
		delay:       0,
		errorMap:    make(map[byte]error),
	}
}

// Exchange implements Transport interface
func (m *MockTransport) Exchange(opcode byte, payload []byte) ([]byte, error) {
	return m.ExchangeWithContext(context.Background(), opcode, payload)
}

// ExchangeWithContext implements Transport interface with context support
func (m *MockTransport) ExchangeWithContext(ctx context.Context, opcode byte, payload []byte) ([]byte, error) {
	// Check context cancellation first
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.RLock()
	connected := m.connected
	delay := m.delay
	m.mu.RUnlock()

	if !connected {
		return nil, errors.New("transport not connected")
	}

	// Simulate hardware delay if configured with context awareness
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	// Track call count and capture the payload for assertions
	m.callCount[opcode]++
	m.lastPayload[opcode] = append([]byte(nil), payload...)

	// Check for injected error
	if err, exists := m.errorMap[opcode]; exists {
		m.mu.Unlock()
		return nil, err
	}

	// Return configured response
	if response, exists := m.responses[opcode]; exists {
		m.mu.Unlock()
		return response, nil
	}
	m.mu.Unlock()

	// Default to an empty successful payload for unconfigured opcodes
	return []byte{}, nil
}

// Ping implements Transport interface
func (m *MockTransport) Ping() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return errors.New("transport not connected")
	}
	return m.pingErr
}

// Close implements Transport interface
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// SetTimeout implements Transport interface
func (m *MockTransport) SetTimeout(timeout time.Duration) error {
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
	return nil
}

// IsConnected implements Transport interface
func (m *MockTransport) IsConnected() bool {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	return connected
}

// Type implements Transport interface
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Test helper methods

// SetResponse configures a response payload for a specific opcode
func (m *MockTransport) SetResponse(opcode byte, response []byte) {
	m.mu.Lock()
	m.responses[opcode] = response
	m.mu.Unlock()
}

// SetError configures an error to be returned for a specific opcode
func (m *MockTransport) SetError(opcode byte, err error) {
	m.mu.Lock()
	m.errorMap[opcode] = err
	m.mu.Unlock()
}

// ClearError removes error injection for an opcode
func (m *MockTransport) ClearError(opcode byte) {
	m.mu.Lock()
	delete(m.errorMap, opcode)
	m.mu.Unlock()
}

// SetPingError configures the error returned by Ping
func (m *MockTransport) SetPingError(err error) {
	m.mu.Lock()
	m.pingErr = err
	m.mu.Unlock()
}

// SetDelay configures a delay to simulate hardware response time
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	m.delay = delay
	m.mu.Unlock()
}

// GetCallCount returns how many times an opcode was exchanged
func (m *MockTransport) GetCallCount(opcode byte) int {
	m.mu.RLock()
	count := m.callCount[opcode]
	m.mu.RUnlock()
	return count
}

// GetLastPayload returns the most recent payload sent for an opcode
func (m *MockTransport) GetLastPayload(opcode byte) []byte {
	m.mu.RLock()
	payload := m.lastPayload[opcode]
	m.mu.RUnlock()
	return payload
}

// Reset clears all call counts and resets state
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.callCount = make(map[byte]int)
	m.lastPayload = make(map[byte][]byte)
	m.connected = true
	m.mu.Unlock()
}
