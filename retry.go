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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryConfig tunes the retry engine shared by connection setup and the
// per-command transport wrapper.
type RetryConfig struct {
	// MaxAttempts caps the total number of tries. Zero or negative runs
	// the function once without any retry machinery.
	MaxAttempts int
	// InitialBackoff is the pause after the first failure.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth of the pause.
	MaxBackoff time.Duration
	// BackoffMultiplier scales the pause after each failed attempt.
	BackoffMultiplier float64
	// Jitter (0..1) stretches each pause by a random fraction up to this
	// factor, so several hosts probing the same hub do not retry in
	// lockstep.
	Jitter float64
	// RetryTimeout bounds the whole attempt series, sleeps included.
	RetryTimeout time.Duration
}

// DefaultRetryConfig is tuned for a reader on USB CDC-ACM: a transient
// glitch clears within a few poll intervals, so the backoff starts at
// 10ms and the series gives up after 5s, before a card session upstream
// times out.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        1 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      5 * time.Second,
	}
}

// ConnectionRetryConfig is the slower profile for opening a device. A
// replugged reader needs re-enumeration before its port answers, so the
// backoff starts at 100ms and the series is given 10s overall.
func ConnectionRetryConfig(maxAttempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    ConnectionInitialBackoff,
		MaxBackoff:        ConnectionMaxBackoff,
		BackoffMultiplier: ConnectionBackoffMultiplier,
		Jitter:            ConnectionJitter,
		RetryTimeout:      ConnectionRetryTimeout,
	}
}

// queryRetryConfig is shared by commands that only read reader state and
// are safe to repeat.
var queryRetryConfig = &RetryConfig{
	MaxAttempts:       3,
	InitialBackoff:    20 * time.Millisecond,
	MaxBackoff:        200 * time.Millisecond,
	BackoffMultiplier: 2.0,
	Jitter:            0.1,
	RetryTimeout:      3 * time.Second,
}

// singleAttemptConfig disables retries for commands that change card or
// reader state: replaying an APDU or a reset after a transport hiccup
// could execute it twice on the card.
var singleAttemptConfig = &RetryConfig{
	MaxAttempts: 1,
}

// GetRetryConfigForCommand returns the retry policy for an opcode. Pure
// queries retry; state-changing commands get exactly one attempt and leave
// the decision to the caller.
func GetRetryConfigForCommand(opcode byte) *RetryConfig {
	switch opcode {
	case OpIsCardInserted, OpGetTimers, OpGetTriggerStrategy, OpGetATR:
		return queryRetryConfig
	default:
		return singleAttemptConfig
	}
}

// RetryableFunc is one attempt of the operation under retry.
type RetryableFunc func() error

// RetryWithConfig runs the function until it succeeds, fails permanently,
// or the attempt budget runs out. Only errors the taxonomy classes as
// transient or timeout are retried; a status the reader itself reported
// will not change by asking again, so it surfaces immediately.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		return fn()
	}
	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	var lastErr error
	backoff := config.InitialBackoff
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return fmt.Errorf("retry context cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == config.MaxAttempts-1 {
			break
		}
		if sleepErr := sleepBackoff(ctx, jittered(backoff, config.Jitter)); sleepErr != nil {
			return lastErr
		}
		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}
	return lastErr
}

// sleepBackoff pauses between attempts, aborting early when the context
// ends so a cancelled caller is not held hostage by the backoff.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jittered stretches a pause by a random fraction up to factor.
func jittered(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return d
	}
	f := float64(binary.LittleEndian.Uint64(raw[:])) / float64(1<<64)
	return d + time.Duration(f*factor*float64(d))
}
