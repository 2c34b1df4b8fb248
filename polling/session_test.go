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

import (
	"context"
	"errors"
	"testing"
	"time"

	leia "github.com/h2lab/go-leia"
	simtest "github.com/h2lab/go-leia/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	return &Config{
		Interval:        time.Millisecond,
		ErrorBackoff:    time.Millisecond,
		MaxErrorBackoff: 5 * time.Millisecond,
		RemovalDebounce: 1,
	}
}

func newTestSession(t *testing.T, cfg *Config) (*Session, *leia.MockTransport) {
	t.Helper()
	mock := leia.NewMockTransport()
	mock.SetResponse(leia.OpIsCardInserted, simtest.BuildPresenceResponse(false))
	device, err := leia.New(mock)
	require.NoError(t, err)
	return NewSession(device, cfg), mock
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSessionInsertRemoveCallbacks(t *testing.T) {
	t.Parallel()

	session, mock := newTestSession(t, fastConfig())

	inserted := make(chan struct{}, 1)
	removed := make(chan struct{}, 1)
	session.OnCardInserted = func() error {
		inserted <- struct{}{}
		return nil
	}
	session.OnCardRemoved = func() {
		removed <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Start(ctx) }()

	mock.SetResponse(leia.OpIsCardInserted, simtest.BuildPresenceResponse(true))
	waitSignal(t, inserted, "insertion callback")
	assert.True(t, session.IsCardPresent())

	mock.SetResponse(leia.OpIsCardInserted, simtest.BuildPresenceResponse(false))
	waitSignal(t, removed, "removal callback")
	assert.False(t, session.IsCardPresent())

	cancel()
	require.NoError(t, <-done)
}

func TestSessionRemovalDebounce(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.RemovalDebounce = 1000000 // effectively never

	session, mock := newTestSession(t, cfg)
	mock.SetResponse(leia.OpIsCardInserted, simtest.BuildPresenceResponse(true))

	removed := make(chan struct{}, 1)
	session.OnCardRemoved = func() { removed <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Start(ctx) }()

	// Wait until the card registers as present.
	require.Eventually(t, session.IsCardPresent, 2*time.Second, time.Millisecond)

	// A short absence must not fire the removal callback.
	mock.SetResponse(leia.OpIsCardInserted, simtest.BuildPresenceResponse(false))
	time.Sleep(20 * time.Millisecond)
	select {
	case <-removed:
		t.Fatal("removal fired despite debounce")
	default:
	}
	assert.True(t, session.IsCardPresent())

	cancel()
	require.NoError(t, <-done)
}

func TestSessionCallbackErrorStopsLoop(t *testing.T) {
	t.Parallel()

	session, mock := newTestSession(t, fastConfig())
	mock.SetResponse(leia.OpIsCardInserted, simtest.BuildPresenceResponse(true))

	cbErr := errors.New("handler rejected card")
	session.OnCardInserted = func() error { return cbErr }

	err := session.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cbErr)
	assert.False(t, session.IsRunning())
}

func TestSessionErrorBackoffAndRecovery(t *testing.T) {
	t.Parallel()

	session, mock := newTestSession(t, fastConfig())
	mock.SetError(leia.OpIsCardInserted, errors.New("transient glitch"))

	errs := make(chan error, 16)
	inserted := make(chan struct{}, 1)
	session.OnError = func(err error) {
		select {
		case errs <- err:
		default:
		}
	}
	session.OnCardInserted = func() error {
		inserted <- struct{}{}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Start(ctx) }()

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "transient glitch")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error callback")
	}

	// The loop survives the failure and sees the card once it recovers.
	mock.ClearError(leia.OpIsCardInserted)
	mock.SetResponse(leia.OpIsCardInserted, simtest.BuildPresenceResponse(true))
	waitSignal(t, inserted, "insertion after recovery")

	cancel()
	require.NoError(t, <-done)
}

func TestSessionClose(t *testing.T) {
	t.Parallel()

	session, _ := newTestSession(t, fastConfig())

	done := make(chan error, 1)
	go func() { done <- session.Start(context.Background()) }()

	require.Eventually(t, session.IsRunning, 2*time.Second, time.Millisecond)
	require.NoError(t, session.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after Close")
	}

	// A closed session refuses to restart.
	require.Error(t, session.Start(context.Background()))
}

func TestSessionDoubleStart(t *testing.T) {
	t.Parallel()

	session, _ := newTestSession(t, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Start(ctx) }()

	require.Eventually(t, session.IsRunning, 2*time.Second, time.Millisecond)
	require.Error(t, session.Start(ctx))

	cancel()
	require.NoError(t, <-done)
}
