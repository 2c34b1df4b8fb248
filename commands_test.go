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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDevice(t *testing.T) (*Device, *MockTransport) {
	t.Helper()
	mock := NewMockTransport()
	device, err := New(mock)
	require.NoError(t, err)
	return device, mock
}

func TestIsCardInserted(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	mock.SetResponse(OpIsCardInserted, []byte{0x01})
	inserted, err := device.IsCardInserted()
	require.NoError(t, err)
	assert.True(t, inserted)

	mock.SetResponse(OpIsCardInserted, []byte{0x00})
	inserted, err = device.IsCardInserted()
	require.NoError(t, err)
	assert.False(t, inserted)

	// A malformed presence payload is an error, not a guess.
	mock.SetResponse(OpIsCardInserted, []byte{0x01, 0x02})
	_, err = device.IsCardInserted()
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestResetCardSendsMode(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	require.NoError(t, device.ResetCard(false))
	assert.Equal(t, []byte{ColdReset}, mock.GetLastPayload(OpResetCard))

	require.NoError(t, device.ResetCard(true))
	assert.Equal(t, []byte{WarmReset}, mock.GetLastPayload(OpResetCard))
}

func TestGetATR(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	atr, err := ParseATR([]byte{0x3B, 0x10, 0x96})
	require.NoError(t, err)
	mock.SetResponse(OpGetATR, atr.Pack())

	got, err := device.GetATR()
	require.NoError(t, err)
	assert.Equal(t, "3B1096", got.String())
	assert.Equal(t, uint32(16), got.DefaultETU())
}

func TestConfigure(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	report := &NegotiationReport{
		Outcome:  OutcomeAgreed,
		Protocol: ProtocolT1,
		ETU:      16,
		Freq:     5000000,
		IFSC:     254,
	}
	mock.SetResponse(OpConfigure, report.Pack())

	got, err := device.Configure(&CardConfig{
		Protocol:     ProtocolT1,
		NegotiatePTS: true,
	})
	require.NoError(t, err)
	assert.Equal(t, report, got)
	assert.False(t, got.FallbackActive())
	require.NoError(t, got.Err())

	// The wire payload carries the requested configuration verbatim.
	sent, err := UnpackCardConfig(mock.GetLastPayload(OpConfigure))
	require.NoError(t, err)
	assert.Equal(t, ProtocolT1, sent.Protocol)
	assert.True(t, sent.NegotiatePTS)
}

func TestConfigureFallbackReport(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	report := &NegotiationReport{
		Outcome:  OutcomeRejectedFallback,
		Protocol: ProtocolT0,
		ETU:      372,
		Freq:     5000000,
		IFSC:     32,
	}
	mock.SetResponse(OpConfigure, report.Pack())

	got, err := device.Configure(&CardConfig{Protocol: ProtocolT0, ETU: 16, NegotiatePTS: true})
	require.NoError(t, err)
	assert.True(t, got.FallbackActive())
	require.ErrorIs(t, got.Err(), ErrNegotiationRejected)
	// The report describes the active fallback, not the request.
	assert.Equal(t, uint32(372), got.ETU)
}

func TestSendAPDU(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	want := &Response{Data: []byte{0xCA, 0xFE}, SW1: 0x90, SW2: 0x00, DeltaT: 500}
	packed, err := want.Pack()
	require.NoError(t, err)
	mock.SetResponse(OpSendAPDU, packed)

	apdu := NewAPDUWithLe(0x00, 0xB0, 0x00, 0x00, nil, 2)
	got, err := device.SendAPDU(apdu)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The payload on the wire is the packed APDU.
	sent, err := UnpackAPDU(mock.GetLastPayload(OpSendAPDU))
	require.NoError(t, err)
	assert.Equal(t, apdu, sent)
}

func TestSendRawAPDU(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	resp := &Response{SW1: 0x90, SW2: 0x00}
	packed, err := resp.Pack()
	require.NoError(t, err)
	mock.SetResponse(OpSendAPDU, packed)

	_, err = device.SendRawAPDU([]byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0x3F, 0x00})
	require.NoError(t, err)

	sent, err := UnpackAPDU(mock.GetLastPayload(OpSendAPDU))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3F, 0x00}, sent.Data)
	assert.Equal(t, byte(0xA4), sent.Ins)

	_, err = device.SendRawAPDU([]byte{0x00, 0xA4})
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestTriggerStrategyCommands(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	strategy := &TriggerStrategy{
		Points:     []uint32{TrigGetATRPre, TrigPostResp},
		ApplyDelay: []uint32{0, 2},
		Delay:      10,
		Single:     true,
	}
	require.NoError(t, device.SetTriggerStrategy(2, strategy))

	payload := mock.GetLastPayload(OpSetTriggerStrategy)
	require.Len(t, payload, 207)
	assert.Equal(t, byte(2), payload[0])

	// Read-back goes through the 1-byte slot selector.
	packed, err := strategy.Pack()
	require.NoError(t, err)
	mock.SetResponse(OpGetTriggerStrategy, packed)
	got, err := device.GetTriggerStrategy(2)
	require.NoError(t, err)
	assert.Equal(t, strategy.Points, got.Points)
	assert.Equal(t, []byte{0x02}, mock.GetLastPayload(OpGetTriggerStrategy))

	// Slot bounds are enforced host-side.
	require.ErrorIs(t, device.SetTriggerStrategy(StrategyCount, strategy), ErrInvalidParameter)
	_, err = device.GetTriggerStrategy(-1)
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestGetTimers(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	timers := &Timers{
		DeltaT:       4000,
		DeltaTAnswer: 120,
		Samples: []TimerSample{
			{Point: TrigGetATRPre, Cycles: 12},
			{Point: TrigPostRespT0, Cycles: 3900},
		},
	}
	packed, err := timers.Pack()
	require.NoError(t, err)
	mock.SetResponse(OpGetTimers, packed)

	got, err := device.GetTimers()
	require.NoError(t, err)
	assert.Equal(t, timers, got)

	cycles, ok := got.Sample(TrigPostRespT0)
	require.True(t, ok)
	assert.Equal(t, uint32(3900), cycles)
	_, ok = got.Sample(TrigPreSendAPDUT1)
	assert.False(t, ok)
}

func TestEnterDFUClosesTransport(t *testing.T) {
	t.Parallel()

	device, mock := newMockDevice(t)

	require.NoError(t, device.EnterDFU())
	assert.False(t, mock.IsConnected())
}
