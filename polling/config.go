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

package polling

import "time"

// Config controls the polling loop.
type Config struct {
	// Interval between presence polls.
	Interval time.Duration

	// ErrorBackoff is the initial delay after a failed poll. It doubles on
	// consecutive failures up to MaxErrorBackoff and resets on success.
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration

	// RemovalDebounce is the number of consecutive absent polls required
	// before the card is reported removed. Contact bounce on the smartcard
	// connector can fake a removal for a single poll.
	RemovalDebounce int
}

// DefaultConfig returns polling defaults suitable for an interactive tool.
func DefaultConfig() *Config {
	return &Config{
		Interval:        250 * time.Millisecond,
		ErrorBackoff:    100 * time.Millisecond,
		MaxErrorBackoff: 5 * time.Second,
		RemovalDebounce: 2,
	}
}
