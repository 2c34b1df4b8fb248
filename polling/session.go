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

// Package polling monitors card presence on a reader. A Session polls the
// reader on an interval and fires callbacks on insertion and removal, with
// exponential backoff while the transport is failing.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/internal/syncutil"
)

// Session handles continuous card presence monitoring.
//
// Set the callbacks before calling Start. They run on the polling
// goroutine, so a slow callback delays the next poll.
type Session struct {
	// OnCardInserted fires when a card appears. Returning an error stops
	// the session.
	OnCardInserted func() error

	// OnCardRemoved fires when a card disappears, after debouncing.
	OnCardRemoved func()

	// OnError fires on poll failures. The session keeps running with
	// backoff unless the error is fatal.
	OnError func(error)

	device *leia.Device
	config *Config

	present       bool
	absentStreak  int
	callbackMutex syncutil.RWMutex
	stateMutex    syncutil.Mutex

	running atomic.Bool
	closed  atomic.Bool
}

// NewSession creates a card monitoring session.
func NewSession(device *leia.Device, config *Config) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	return &Session{
		device: device,
		config: config,
	}
}

// Start runs the polling loop until the context is canceled, Close is
// called, or a fatal error occurs. It returns nil on context cancellation
// and on Close.
func (s *Session) Start(ctx context.Context) error {
	if s.closed.Load() {
		return errors.New("session is closed")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer s.running.Store(false)

	backoff := s.config.ErrorBackoff
	for {
		if s.closed.Load() {
			return nil
		}

		err := s.pollOnce()
		switch {
		case err == nil:
			backoff = s.config.ErrorBackoff
			if !sleepCtx(ctx, s.config.Interval) {
				return nil
			}
		case leia.IsFatal(err):
			s.notifyError(err)
			return fmt.Errorf("polling stopped: %w", err)
		case errors.Is(err, errCallbackStop):
			return err
		default:
			s.notifyError(err)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > s.config.MaxErrorBackoff {
				backoff = s.config.MaxErrorBackoff
			}
		}
	}
}

// errCallbackStop marks an insertion callback error so the loop can tell it
// apart from transport failures.
var errCallbackStop = errors.New("insertion callback failed")

// pollOnce reads presence and applies the state transition.
func (s *Session) pollOnce() error {
	inserted, err := s.device.IsCardInserted()
	if err != nil {
		return err
	}

	s.stateMutex.Lock()
	wasPresent := s.present
	var fire func() error
	switch {
	case inserted && !wasPresent:
		s.present = true
		s.absentStreak = 0
		fire = s.insertedCallback()
	case inserted:
		s.absentStreak = 0
	case wasPresent:
		s.absentStreak++
		if s.absentStreak >= s.config.RemovalDebounce {
			s.present = false
			s.absentStreak = 0
			fire = s.removedCallback()
		}
	}
	s.stateMutex.Unlock()

	if fire != nil {
		if err := fire(); err != nil {
			return fmt.Errorf("%w: %w", errCallbackStop, err)
		}
	}
	return nil
}

func (s *Session) insertedCallback() func() error {
	s.callbackMutex.RLock()
	cb := s.OnCardInserted
	s.callbackMutex.RUnlock()
	if cb == nil {
		return nil
	}
	return cb
}

func (s *Session) removedCallback() func() error {
	s.callbackMutex.RLock()
	cb := s.OnCardRemoved
	s.callbackMutex.RUnlock()
	if cb == nil {
		return nil
	}
	return func() error {
		cb()
		return nil
	}
}

func (s *Session) notifyError(err error) {
	s.callbackMutex.RLock()
	cb := s.OnError
	s.callbackMutex.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// IsCardPresent returns the last observed presence state.
func (s *Session) IsCardPresent() bool {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	return s.present
}

// IsRunning reports whether the polling loop is active.
func (s *Session) IsRunning() bool {
	return s.running.Load()
}

// Close stops the session. The polling loop exits before its next poll.
// Close is idempotent and safe from any goroutine.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// sleepCtx sleeps for d unless the context ends first. It reports whether
// the full sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
