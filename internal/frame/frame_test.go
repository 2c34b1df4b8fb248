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

package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  []byte
		expected []byte
		opcode   byte
		wantErr  bool
	}{
		{
			name:     "EmptyPayload",
			opcode:   OpGetATR,
			payload:  nil,
			expected: []byte{'t', 0x00, 0x00, 0x00, 0x00},
		},
		{
			name:     "ShortPayload",
			opcode:   OpResetCard,
			payload:  []byte{0x01},
			expected: []byte{'r', 0x00, 0x00, 0x00, 0x01, 0x01},
		},
		{
			name:    "PayloadAtMaxFrame",
			opcode:  OpSendAPDU,
			payload: make([]byte, MaxFrame),
		},
		{
			name:    "PayloadOverMaxFrame",
			opcode:  OpSendAPDU,
			payload: make([]byte, MaxFrame+1),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf, err := BuildCommand(tt.opcode, tt.payload)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrPayloadTooLarge)
				return
			}
			require.NoError(t, err)
			if tt.expected != nil {
				assert.Equal(t, tt.expected, buf)
			}
			assert.Equal(t, tt.opcode, buf[0])
			assert.Equal(t, len(tt.payload), CommandLength(buf))
			assert.Len(t, buf, HeaderSize+len(tt.payload))
		})
	}
}

func TestEnvelopeScanner_CompleteEnvelope(t *testing.T) {
	t.Parallel()

	raw := EncodeEnvelope(FlagOK, 0x00, []byte{0xDE, 0xAD})

	var s EnvelopeScanner
	s.Feed(raw)

	env, err := s.Envelope()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, FlagOK, env.Flag)
	assert.Equal(t, byte(0x00), env.Status)
	assert.Equal(t, []byte{0xDE, 0xAD}, env.Data)
}

func TestEnvelopeScanner_ByteAtATime(t *testing.T) {
	t.Parallel()

	raw := EncodeEnvelope(FlagError, 0x01, nil)

	var s EnvelopeScanner
	for i, b := range raw {
		env, err := s.Envelope()
		require.NoError(t, err)
		require.Nil(t, env, "envelope complete too early at byte %d", i)
		s.Feed([]byte{b})
	}

	env, err := s.Envelope()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, FlagError, env.Flag)
	assert.Equal(t, byte(0x01), env.Status)
	assert.Empty(t, env.Data)
}

func TestEnvelopeScanner_WaitFlags(t *testing.T) {
	t.Parallel()

	raw := append([]byte{FlagWait, FlagWait, FlagWait}, EncodeEnvelope(FlagOK, 0x00, []byte{0x01})...)

	var s EnvelopeScanner
	s.Feed(raw)

	assert.Equal(t, 3, s.TakeWaits())
	assert.Equal(t, 0, s.TakeWaits(), "wait count must reset after taking")

	env, err := s.Envelope()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, []byte{0x01}, env.Data)
}

func TestEnvelopeScanner_WaitByteInsidePayloadIsData(t *testing.T) {
	t.Parallel()

	payload := []byte{FlagWait, FlagWait}
	raw := EncodeEnvelope(FlagOK, 0x00, payload)

	var s EnvelopeScanner
	s.Feed(raw)

	env, err := s.Envelope()
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, payload, env.Data)
	assert.Equal(t, 0, s.TakeWaits())
}

func TestEnvelopeScanner_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		wantErr error
		name    string
		input   []byte
	}{
		{
			name:    "BadFlag",
			input:   []byte{0x99},
			wantErr: ErrBadFlag,
		},
		{
			name:    "MissingMarker",
			input:   []byte{FlagOK, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			wantErr: ErrBadMarker,
		},
		{
			name:    "ResponseTooLarge",
			input:   []byte{FlagOK, 0x00, RespMarker, 0xFF, 0xFF, 0xFF, 0x00},
			wantErr: ErrResponseTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var s EnvelopeScanner
			s.Feed(tt.input)
			env, err := s.Envelope()
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, env)
		})
	}
}

func TestCommandName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SendAPDU", CommandName(OpSendAPDU))
	assert.Equal(t, "Unknown", CommandName(0x00))
	assert.True(t, KnownOpcode(OpConfigure))
	assert.False(t, KnownOpcode(ReadyByte))
}

func TestBufferPool_Tiers(t *testing.T) {
	t.Parallel()

	pool := NewBufferPool()

	small := pool.Get(8)
	require.GreaterOrEqual(t, cap(*small), 8)
	pool.Put(small)

	large := pool.Get(MaxFrame)
	require.GreaterOrEqual(t, cap(*large), MaxFrame)
	pool.Put(large)
}
