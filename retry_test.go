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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		RetryTimeout:      time.Second,
	}
}

func TestRetryTransientErrorSucceedsEventually(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryWithConfig(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return NewTransportReadError("Exchange", "test")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentErrorStopsImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryWithConfig(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return NewDeviceError("reset-card", 'r', StatusBadParameter)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryBudgetExhaustedReturnsLastError(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryWithConfig(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return NewTransportReadError("Exchange", "test")
	})
	require.ErrorIs(t, err, ErrTransportRead)
	assert.Equal(t, 3, calls)
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryWithConfig(context.Background(), &RetryConfig{}, func() error {
		calls++
		return NewTransportReadError("Exchange", "test")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := RetryWithConfig(ctx, fastRetryConfig(3), func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Zero(t, calls)
}

func TestRetryPolicyPerOpcode(t *testing.T) {
	t.Parallel()

	// Pure queries are safe to replay; anything that touches the card gets
	// exactly one attempt.
	assert.Greater(t, GetRetryConfigForCommand(OpGetATR).MaxAttempts, 1)
	assert.Greater(t, GetRetryConfigForCommand(OpIsCardInserted).MaxAttempts, 1)
	assert.Equal(t, 1, GetRetryConfigForCommand(OpSendAPDU).MaxAttempts)
	assert.Equal(t, 1, GetRetryConfigForCommand(OpResetCard).MaxAttempts)
}

func TestConnectionRetryConfigProfile(t *testing.T) {
	t.Parallel()

	cfg := ConnectionRetryConfig(5)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, ConnectionInitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, ConnectionRetryTimeout, cfg.RetryTimeout)
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	for i := 0; i < 32; i++ {
		d := jittered(base, 0.5)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/2)
	}
	assert.Equal(t, base, jittered(base, 0))
}
