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

import "time"

// Connection retry constants control device connection behavior.
const (
	// DefaultConnectionRetries is the number of attempts to connect to a reader.
	DefaultConnectionRetries = 3
	// ConnectionInitialBackoff is the initial delay between connection attempts.
	ConnectionInitialBackoff = 100 * time.Millisecond
	// ConnectionMaxBackoff is the maximum delay between connection attempts.
	ConnectionMaxBackoff = 500 * time.Millisecond
	// ConnectionBackoffMultiplier is the exponential backoff multiplier.
	ConnectionBackoffMultiplier = 2.0
	// ConnectionJitter is the random jitter factor (0.0-1.0) to prevent thundering herd.
	ConnectionJitter = 0.1
	// ConnectionRetryTimeout is the overall timeout for all connection attempts.
	ConnectionRetryTimeout = 10 * time.Second
)

// Transport retry constants control low-level transport communication.
const (
	// TransportReadyRetries is the number of ready-probe attempts before the
	// reader is declared unresponsive.
	TransportReadyRetries = 3
	// TransportDrainRetries is the number of attempts to drain stale bytes
	// from the port before an exchange.
	TransportDrainRetries = 3
	// TransportReadyTimeout caps the wait for one ready acknowledgment.
	TransportReadyTimeout = 500 * time.Millisecond
)

// Ready probe delays use progressive timing: the reader may be mid-dispatch
// when probed and only scans for the ready byte between frames.
const (
	ReadyProbeDelay1 = 10 * time.Millisecond
	ReadyProbeDelay2 = 50 * time.Millisecond
	ReadyProbeDelay3 = 100 * time.Millisecond
)
