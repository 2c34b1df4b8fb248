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
	"fmt"
	"time"

	"github.com/h2lab/go-leia/detection"
)

// DeviceConfig contains configuration options for the Device.
type DeviceConfig struct {
	// RetryConfig configures retry behavior for transport operations.
	RetryConfig *RetryConfig
	// Timeout is the default timeout for one exchange.
	Timeout time.Duration
}

// DefaultDeviceConfig returns default device configuration.
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		RetryConfig: DefaultRetryConfig(),
		Timeout:     2 * time.Second,
	}
}

// Device represents a LEIA smartcard reader.
//
// Thread safety: Device is NOT thread-safe. The reader executes strictly one
// command at a time and never pipelines requests; call methods from a single
// goroutine or guard the Device with external synchronization.
type Device struct {
	transport Transport
	config    *DeviceConfig
}

// New creates a device on an already-open transport.
func New(transport Transport, opts ...Option) (*Device, error) {
	device := &Device{
		transport: transport,
		config:    DefaultDeviceConfig(),
	}
	for _, opt := range opts {
		if err := opt(device); err != nil {
			return nil, err
		}
	}
	return device, nil
}

// Transport returns the underlying transport.
func (d *Device) Transport() Transport {
	return d.transport
}

// Init probes the reader with the ready handshake.
func (d *Device) Init() error {
	return d.InitContext(context.Background())
}

// InitContext probes the reader with the ready handshake, honoring the
// context deadline through the transport timeout.
func (d *Device) InitContext(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := d.transport.SetTimeout(time.Until(deadline)); err != nil {
			return fmt.Errorf("failed to set handshake timeout: %w", err)
		}
		defer func() { _ = d.transport.SetTimeout(d.config.Timeout) }()
	}
	if err := d.transport.Ping(); err != nil {
		return fmt.Errorf("reader did not answer the ready probe: %w", err)
	}
	return nil
}

// SetTimeout sets the default timeout for one exchange.
func (d *Device) SetTimeout(timeout time.Duration) error {
	d.config.Timeout = timeout
	if err := d.transport.SetTimeout(timeout); err != nil {
		return fmt.Errorf("failed to set timeout on transport: %w", err)
	}
	return nil
}

// SetRetryConfig updates the retry configuration.
func (d *Device) SetRetryConfig(config *RetryConfig) {
	d.config.RetryConfig = config
	if tr, ok := d.transport.(*TransportWithRetry); ok {
		tr.SetRetryConfig(config)
	}
}

// Close closes the device connection.
func (d *Device) Close() error {
	if d.transport != nil {
		if err := d.transport.Close(); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}
	return nil
}

// exchange funnels every command through the transport.
func (d *Device) exchange(ctx context.Context, opcode byte, payload []byte) ([]byte, error) {
	Debugf("exchange '%c' with %d payload bytes", opcode, len(payload))
	resp, err := d.transport.ExchangeWithContext(ctx, opcode, payload)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// TransportFactory creates a transport for an explicit port path.
type TransportFactory func(path string) (Transport, error)

// TransportFromDeviceFactory creates a transport from a detected reader.
type TransportFromDeviceFactory func(device detection.DeviceInfo) (Transport, error)

// ConnectOption represents a functional option for Connect.
type ConnectOption func(*connectConfig) error

type connectConfig struct {
	transportFactory       TransportFactory
	transportDeviceFactory TransportFromDeviceFactory
	deviceDetector         func(*detection.Options) ([]detection.DeviceInfo, error)
	deviceOptions          []Option
	timeout                time.Duration
	connectionRetries      int
	autoDetect             bool
}

// WithAutoDetection enables automatic reader discovery instead of an
// explicit port path.
func WithAutoDetection() ConnectOption {
	return func(c *connectConfig) error {
		c.autoDetect = true
		return nil
	}
}

// WithDeviceOptions adds device-level options.
func WithDeviceOptions(opts ...Option) ConnectOption {
	return func(c *connectConfig) error {
		c.deviceOptions = append(c.deviceOptions, opts...)
		return nil
	}
}

// WithConnectTimeout sets the connection timeout.
func WithConnectTimeout(timeout time.Duration) ConnectOption {
	return func(c *connectConfig) error {
		c.timeout = timeout
		return nil
	}
}

// WithTransportFactory sets the transport factory for explicit paths.
func WithTransportFactory(factory TransportFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportFactory = factory
		return nil
	}
}

// WithTransportFromDeviceFactory sets the transport factory for detected
// readers.
func WithTransportFromDeviceFactory(factory TransportFromDeviceFactory) ConnectOption {
	return func(c *connectConfig) error {
		c.transportDeviceFactory = factory
		return nil
	}
}

// WithConnectionRetries sets the number of connection attempts.
func WithConnectionRetries(maxAttempts int) ConnectOption {
	return func(c *connectConfig) error {
		if maxAttempts < 1 {
			return fmt.Errorf("connection retries must be at least 1, got %d", maxAttempts)
		}
		c.connectionRetries = maxAttempts
		return nil
	}
}

// WithDeviceDetector sets a custom detector function for auto-detection.
func WithDeviceDetector(detector func(*detection.Options) ([]detection.DeviceInfo, error)) ConnectOption {
	return func(c *connectConfig) error {
		c.deviceDetector = detector
		return nil
	}
}

// Connect creates and initializes a reader from a port path or
// auto-detection.
//
// Example usage:
//
//	// Connect to a specific port
//	device, err := leia.Connect("/dev/ttyACM0", leia.WithTransportFactory(factory))
//
//	// Auto-detect a reader
//	device, err := leia.Connect("", leia.WithAutoDetection(),
//	    leia.WithTransportFromDeviceFactory(deviceFactory))
func Connect(path string, opts ...ConnectOption) (*Device, error) {
	config, err := applyConnectOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to apply connect options: %w", err)
	}

	transport, err := createTransport(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	device, err := setupDeviceWithRetry(transport, config)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	return device, nil
}

func applyConnectOptions(opts []ConnectOption) (*connectConfig, error) {
	config := &connectConfig{
		timeout:           10 * time.Second,
		connectionRetries: DefaultConnectionRetries,
	}
	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func createTransport(path string, config *connectConfig) (Transport, error) {
	if config.autoDetect || path == "" {
		return createAutoDetectedTransport(config.transportDeviceFactory, config.deviceDetector)
	}
	return createManualTransport(path, config.transportFactory)
}

func createManualTransport(path string, factory TransportFactory) (Transport, error) {
	if factory == nil {
		return nil, errors.New("transport factory not provided")
	}
	transport, err := factory(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for path %s: %w", path, err)
	}
	return transport, nil
}

func createAutoDetectedTransport(
	factory TransportFromDeviceFactory,
	detector func(*detection.Options) ([]detection.DeviceInfo, error),
) (Transport, error) {
	opts := detection.DefaultOptions()
	opts.Mode = detection.Safe

	var devices []detection.DeviceInfo
	var err error
	if detector != nil {
		devices, err = detector(&opts)
	} else {
		devices, err = detection.DetectAll(&opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to detect readers: %w", err)
	}
	if len(devices) == 0 {
		return nil, errors.New("no LEIA readers found")
	}
	if factory == nil {
		return nil, errors.New("transport device factory not provided")
	}
	return factory(devices[0])
}

func setupDevice(transport Transport, config *connectConfig) (*Device, error) {
	device, err := New(transport, config.deviceOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	if config.timeout > 0 {
		if err := device.SetTimeout(config.timeout); err != nil {
			return nil, fmt.Errorf("failed to set timeout: %w", err)
		}
	}
	if err := device.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize device: %w", err)
	}
	return device, nil
}

func setupDeviceWithRetry(transport Transport, config *connectConfig) (*Device, error) {
	// Auto-detection already probed the reader; single attempt only.
	if config.autoDetect {
		return setupDevice(transport, config)
	}

	retryConfig := ConnectionRetryConfig(config.connectionRetries)

	var device *Device
	err := RetryWithConfig(context.Background(), retryConfig, func() error {
		var err error
		device, err = setupDevice(transport, config)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup device after %d attempts: %w", config.connectionRetries, err)
	}
	return device, nil
}
