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
	"fmt"
	"time"
)

// Option configures a Device at construction time.
type Option func(*Device) error

// WithTimeout sets the default per-exchange timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: timeout %v", ErrInvalidParameter, timeout)
		}
		d.config.Timeout = timeout
		return d.transport.SetTimeout(timeout)
	}
}

// WithRetryConfig sets the retry policy for transport operations.
func WithRetryConfig(config *RetryConfig) Option {
	return func(d *Device) error {
		if config == nil {
			return fmt.Errorf("%w: nil retry config", ErrInvalidParameter)
		}
		d.config.RetryConfig = config
		return nil
	}
}

// WithRetryTransport wraps the device's transport with per-command retry
// logic.
func WithRetryTransport() Option {
	return func(d *Device) error {
		d.transport = NewTransportWithRetry(d.transport, d.config.RetryConfig)
		return nil
	}
}
