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
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/h2lab/go-leia/internal/frame"
)

// Error categories for better error handling and retry logic
var (
	// Transport errors - potentially retryable
	ErrTransportTimeout  = errors.New("transport timeout")
	ErrTransportWrite    = errors.New("transport write failed")
	ErrTransportRead     = errors.New("transport read failed")
	ErrTransportClosed   = errors.New("transport is closed")
	ErrTransportNotReady = errors.New("transport not ready")

	// Communication errors - potentially retryable
	ErrCommunicationFailed = errors.New("communication failed")
	ErrNoReadyAck          = errors.New("no ready acknowledgment received")
	ErrFrameCorrupted      = errors.New("frame corrupted")
	ErrResponseTruncated   = errors.New("response truncated")

	// Device errors - generally not retryable
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceNotSupported = errors.New("device not supported")
	ErrCommandFailed      = errors.New("command execution failed")
	ErrInvalidResponse    = errors.New("invalid response format")
	ErrUnknownCommand     = errors.New("unknown command opcode")

	// Reader status errors - reported by the device, not retryable
	ErrCardNotInserted   = errors.New("card not inserted")
	ErrPayloadTooLarge   = errors.New("payload exceeds command maximum")
	ErrNegotiationFailed = errors.New("protocol negotiation failed")
	ErrCardTransport     = errors.New("card transport exchange failed")
	ErrStrategyOverflow  = errors.New("trigger strategy exceeds depth")
	ErrBadParameter      = errors.New("bad command parameter")
	ErrDeviceFailure     = errors.New("device reported an unknown error")

	// Negotiation outcomes - surfaced as results, available as errors on demand
	ErrNegotiationRejected = errors.New("card rejected proposed parameters")
	ErrNegotiationTimeout  = errors.New("card did not answer negotiation")

	// Data errors - not retryable
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrDataTooLarge     = errors.New("data too large")
	ErrInvalidFormat    = errors.New("invalid data format")
)

// Reader status codes carried in the response envelope status byte.
const (
	StatusOK              byte = 0x00
	StatusCardNotInserted byte = 0x01
	StatusPayloadTooLarge byte = 0x02
	StatusNegotiation     byte = 0x03
	StatusCardTransport   byte = 0x04
	StatusStrategyError   byte = 0x05
	StatusBadParameter    byte = 0x06
	StatusUnknownError    byte = 0xFF
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// TransportError wraps transport-level errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Port      string    // Port or device identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DeviceError wraps a non-OK status byte reported by the reader for a
// command, keeping the command name for diagnostics.
type DeviceError struct {
	Command string
	Opcode  byte
	Status  byte
}

func (e *DeviceError) Error() string {
	meaning := statusMeaning(e.Status)
	return fmt.Sprintf("%s ('%c') failed with status 0x%02X (%s)", e.Command, e.Opcode, e.Status, meaning)
}

// Unwrap maps the status byte onto the matching sentinel so callers can use
// errors.Is against the taxonomy above.
func (e *DeviceError) Unwrap() error {
	switch e.Status {
	case StatusCardNotInserted:
		return ErrCardNotInserted
	case StatusPayloadTooLarge:
		return ErrPayloadTooLarge
	case StatusNegotiation:
		return ErrNegotiationFailed
	case StatusCardTransport:
		return ErrCardTransport
	case StatusStrategyError:
		return ErrStrategyOverflow
	case StatusBadParameter:
		return ErrBadParameter
	default:
		return ErrDeviceFailure
	}
}

// statusMeaning returns a human-readable meaning for reader status bytes
func statusMeaning(status byte) string {
	meanings := map[byte]string{
		StatusOK:              "success",
		StatusCardNotInserted: "no smartcard inserted",
		StatusPayloadTooLarge: "payload exceeds the command maximum",
		StatusNegotiation:     "PTS negotiation and fallback both failed",
		StatusCardTransport:   "T=0/T=1 exchange with the card failed",
		StatusStrategyError:   "trigger strategy rejected",
		StatusBadParameter:    "malformed command parameter",
		StatusUnknownError:    "unspecified device error",
	}
	if m, ok := meanings[status]; ok {
		return m
	}
	return "unknown status"
}

// ResultError maps a decoded response envelope onto the error taxonomy.
// It returns nil for a successful envelope. Transports call this so that
// every backend surfaces identical errors for identical reader answers.
func ResultError(opcode, flag, status byte) error {
	name := frame.CommandName(opcode)
	switch flag {
	case frame.FlagOK:
		if status == StatusOK {
			return nil
		}
		return NewDeviceError(name, opcode, status)
	case frame.FlagUnknown:
		return fmt.Errorf("%s ('%c'): %w", name, opcode, ErrUnknownCommand)
	case frame.FlagError:
		return NewDeviceError(name, opcode, status)
	default:
		return fmt.Errorf("%w: envelope flag 0x%02X", ErrInvalidResponse, flag)
	}
}

// IsCardAbsent returns true if the error indicates no card is inserted
func (e *DeviceError) IsCardAbsent() bool {
	return e.Status == StatusCardNotInserted
}

// IsNegotiationFailure returns true if the error is PTS-negotiation-related
func (e *DeviceError) IsNegotiationFailure() bool {
	return e.Status == StatusNegotiation
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	// Reader status errors describe card or parameter state; retrying the
	// same command cannot change them.
	var de *DeviceError
	if errors.As(err, &de) {
		return false
	}

	// Check for known retryable errors
	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportRead),
		errors.Is(err, ErrTransportWrite),
		errors.Is(err, ErrCommunicationFailed),
		errors.Is(err, ErrNoReadyAck),
		errors.Is(err, ErrFrameCorrupted),
		errors.Is(err, ErrResponseTruncated):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the device/connection is gone
// and polling should stop entirely. This is distinct from IsRetryable which
// indicates whether a single operation can be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	// Check for TransportError with permanent type
	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}

	// Check for OS-level errors that indicate device is gone
	if isDeviceGoneError(err) {
		return true
	}

	// Check for known fatal error conditions
	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrDeviceNotSupported),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// Windows error codes for device disconnection detection.
// These are defined here because they're not available on non-Windows platforms.
const (
	errAccessDenied syscall.Errno = 5   // ERROR_ACCESS_DENIED
	errGenFailure   syscall.Errno = 31  // ERROR_GEN_FAILURE
	errNoSuchDevice syscall.Errno = 433 // ERROR_NO_SUCH_DEVICE
)

// isDeviceGoneError checks for OS-level errors indicating device disconnection.
// These errors occur when a USB device is unplugged during I/O operations.
func isDeviceGoneError(err error) bool {
	if err == nil {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		// Check for Unix device-gone errors (Linux, macOS, BSD)
		//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
		switch errno {
		case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
			return true
		}

		// Check for Windows device-gone errors
		if runtime.GOOS == "windows" {
			//nolint:exhaustive // Only checking specific device-gone errors, not all errno values
			switch errno {
			case errAccessDenied, errGenFailure, errNoSuchDevice:
				return true
			}
		}
	}

	return false
}

// IsCardAbsentError checks if an error indicates the card is not inserted
func IsCardAbsentError(err error) bool {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.IsCardAbsent()
	}
	return errors.Is(err, ErrCardNotInserted)
}

// IsUnknownCommandError checks if an error indicates the opcode is not
// registered on the device
func IsUnknownCommandError(err error) bool {
	return errors.Is(err, ErrUnknownCommand)
}

// IsNegotiationError checks if an error came out of the PTS machinery
func IsNegotiationError(err error) bool {
	return errors.Is(err, ErrNegotiationFailed) ||
		errors.Is(err, ErrNegotiationRejected) ||
		errors.Is(err, ErrNegotiationTimeout)
}

// Error constructors for consistent error creation

// NewDeviceError creates a reader status error for the given command
func NewDeviceError(command string, opcode, status byte) *DeviceError {
	return &DeviceError{
		Command: command,
		Opcode:  opcode,
		Status:  status,
	}
}

// NewTransportError creates a standard transport error with consistent formatting
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTimeoutError creates a timeout error for transport operations
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportTimeout, ErrorTypeTimeout)
}

// NewFrameCorruptedError creates a frame corruption error
func NewFrameCorruptedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrFrameCorrupted, ErrorTypeTransient)
}

// NewDataTooLargeError creates a data too large error (permanent)
func NewDataTooLargeError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrDataTooLarge, ErrorTypePermanent)
}

// NewTransportWriteError creates a write error (transient)
func NewTransportWriteError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportWrite, ErrorTypeTransient)
}

// NewTransportReadError creates a read error (transient)
func NewTransportReadError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportRead, ErrorTypeTransient)
}

// NewNoReadyAckError creates a "ready probe unanswered" error (timeout)
func NewNoReadyAckError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrNoReadyAck, ErrorTypeTimeout)
}

// NewInvalidResponseError creates an invalid response error (permanent)
func NewInvalidResponseError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrInvalidResponse, ErrorTypePermanent)
}

// NewResponseTruncatedError creates a short-response error (transient)
func NewResponseTruncatedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrResponseTruncated, ErrorTypeTransient)
}

// NewTransportNotReadyError creates a transport not ready error (timeout)
func NewTransportNotReadyError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportNotReady, ErrorTypeTimeout)
}

// =============================================================================
// Wire Trace Logging
// =============================================================================
// TraceableError embeds wire-level trace data in errors, allowing consumer
// applications to access debug information when operations fail.

// TraceDirection indicates the direction of wire data
type TraceDirection string

const (
	// TraceTX indicates data sent to the reader
	TraceTX TraceDirection = "TX"
	// TraceRX indicates data received from the reader
	TraceRX TraceDirection = "RX"
)

// TraceEntry represents a single wire-level operation
type TraceEntry struct {
	Timestamp time.Time
	Direction TraceDirection
	Note      string
	Data      []byte
}

// String formats a trace entry for display
func (e TraceEntry) String() string {
	hexData := formatHexBytes(e.Data)
	if e.Note != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData, e.Note)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp.Format("15:04:05.000"), e.Direction, hexData)
}

// TraceableError wraps an error with wire-level trace data for debugging.
// Consumer applications can use errors.As() to extract trace information:
//
//	var te *leia.TraceableError
//	if errors.As(err, &te) {
//	    log.Printf("Wire trace:\n%s", te.FormatTrace())
//	}
type TraceableError struct {
	Err       error
	Transport string
	Port      string
	Trace     []TraceEntry
}

// Error implements the error interface
func (e *TraceableError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *TraceableError) Unwrap() error {
	return e.Err
}

// FormatTrace returns a human-readable formatted trace log
func (e *TraceableError) FormatTrace() string {
	if len(e.Trace) == 0 {
		return fmt.Sprintf("[%s:%s] (no trace data)", e.Transport, e.Port)
	}

	var sb strings.Builder
	_, _ = sb.WriteString(fmt.Sprintf("[%s:%s] Wire trace (%d entries):\n", e.Transport, e.Port, len(e.Trace)))

	for _, entry := range e.Trace {
		direction := ">"
		if entry.Direction == TraceRX {
			direction = "<"
		}
		hexData := formatHexBytes(entry.Data)
		if entry.Note != "" {
			_, _ = sb.WriteString(fmt.Sprintf("  %s %s (%s)\n", direction, hexData, entry.Note))
		} else {
			_, _ = sb.WriteString(fmt.Sprintf("  %s %s\n", direction, hexData))
		}
	}

	return sb.String()
}

// formatHexBytes formats a byte slice as space-separated hex values
func formatHexBytes(data []byte) string {
	if len(data) == 0 {
		return "(empty)"
	}
	if len(data) > 32 {
		// Truncate long data with ellipsis
		parts := make([]string, 32)
		for i := range 32 {
			parts[i] = fmt.Sprintf("%02X", data[i])
		}
		return strings.Join(parts, " ") + fmt.Sprintf(" ... (%d bytes total)", len(data))
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

// TraceBuffer collects trace entries during a command operation.
// It uses a fixed-size circular buffer to limit memory usage.
type TraceBuffer struct {
	transport string
	port      string
	entries   []TraceEntry
	maxSize   int
}

// NewTraceBuffer creates a new trace buffer with the specified capacity
func NewTraceBuffer(transport, port string, maxSize int) *TraceBuffer {
	if maxSize <= 0 {
		maxSize = 16 // Default to 16 entries
	}
	return &TraceBuffer{
		entries:   make([]TraceEntry, 0, maxSize),
		maxSize:   maxSize,
		transport: transport,
		port:      port,
	}
}

// RecordTX records a transmission to the reader
func (tb *TraceBuffer) RecordTX(data []byte, note string) {
	tb.record(TraceTX, data, note)
}

// RecordRX records data received from the reader
func (tb *TraceBuffer) RecordRX(data []byte, note string) {
	tb.record(TraceRX, data, note)
}

// RecordTimeout records a timeout event
func (tb *TraceBuffer) RecordTimeout(note string) {
	tb.record(TraceRX, nil, "TIMEOUT: "+note)
}

// record adds an entry to the buffer, evicting oldest if full
func (tb *TraceBuffer) record(dir TraceDirection, data []byte, note string) {
	// Make a copy of data to avoid aliasing issues
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	entry := TraceEntry{
		Direction: dir,
		Data:      dataCopy,
		Timestamp: time.Now(),
		Note:      note,
	}

	if len(tb.entries) >= tb.maxSize {
		// Shift entries to make room (evict oldest)
		copy(tb.entries, tb.entries[1:])
		tb.entries[len(tb.entries)-1] = entry
	} else {
		tb.entries = append(tb.entries, entry)
	}
}

// WrapError wraps an error with the collected trace data.
// Returns nil if err is nil.
func (tb *TraceBuffer) WrapError(err error) error {
	if err == nil {
		return nil
	}

	// Make a copy of entries
	entriesCopy := make([]TraceEntry, len(tb.entries))
	copy(entriesCopy, tb.entries)

	return &TraceableError{
		Err:       err,
		Trace:     entriesCopy,
		Transport: tb.transport,
		Port:      tb.port,
	}
}

// Clear resets the trace buffer
func (tb *TraceBuffer) Clear() {
	tb.entries = tb.entries[:0]
}

// HasTrace checks if an error contains trace data
func HasTrace(err error) bool {
	var te *TraceableError
	return errors.As(err, &te)
}

// GetTrace extracts trace data from an error, returning nil if not present
func GetTrace(err error) *TraceableError {
	var te *TraceableError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
