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

// Full-stack tests: the host library driving the real firmware core and a
// soft card through the in-process simulator transport.
package leia_test

import (
	"bytes"
	"testing"
	"time"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/card/soft"
	"github.com/h2lab/go-leia/firmware"
	simtest "github.com/h2lab/go-leia/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoApplet() soft.Applet {
	return soft.AppletFunc(func(_, _, _, _ byte, data []byte, le int) ([]byte, uint16) {
		out := append([]byte(nil), data...)
		if le > 0 && le < len(out) {
			out = out[:le]
		}
		return out, 0x9000
	})
}

func newSimDevice(t *testing.T, card *soft.Card, opts ...firmware.CoreOption) (*leia.Device, *simtest.SimulatorTransport) {
	t.Helper()
	sim, err := simtest.NewSimulatorTransport(card, opts...)
	require.NoError(t, err)
	device, err := leia.New(sim)
	require.NoError(t, err)
	return device, sim
}

func TestSimulatorResetAndATR(t *testing.T) {
	t.Parallel()

	device, _ := newSimDevice(t, soft.New(soft.NewFileApplet(64)))

	inserted, err := device.IsCardInserted()
	require.NoError(t, err)
	assert.True(t, inserted)

	require.NoError(t, device.ResetCard(false))
	atr, err := device.GetATR()
	require.NoError(t, err)
	assert.Equal(t, "3BD4960080B1FE4101534F4654C3", atr.String())
	assert.Equal(t, []leia.Protocol{leia.ProtocolT0, leia.ProtocolT1}, atr.OfferedProtocols())
	assert.Equal(t, byte(254), atr.IFSC)
	assert.Equal(t, uint32(16), atr.DefaultETU())
}

func TestSimulatorNegotiationAgreed(t *testing.T) {
	t.Parallel()

	card := soft.New(soft.NewFileApplet(64), soft.WithPPSPolicy(soft.PPSAccept))
	device, _ := newSimDevice(t, card)

	report, err := device.Configure(&leia.CardConfig{
		Protocol:     leia.ProtocolT1,
		NegotiatePTS: true,
	})
	require.NoError(t, err)
	assert.Equal(t, leia.OutcomeAgreed, report.Outcome)
	assert.Equal(t, leia.ProtocolT1, report.Protocol)
	assert.Equal(t, byte(254), report.IFSC)
	assert.Equal(t, uint32(16), report.ETU)
	assert.False(t, report.FallbackActive())

	// The card locked onto the negotiated protocol and timing.
	assert.Equal(t, leia.ProtocolT1, card.Protocol())
	etu, _ := card.Timing()
	assert.Equal(t, uint32(16), etu)
}

func TestSimulatorNegotiationBaudrateOptIn(t *testing.T) {
	t.Parallel()

	card := soft.New(soft.NewFileApplet(64), soft.WithPPSPolicy(soft.PPSAccept))
	device, _ := newSimDevice(t, card)

	// Without the baudrate leg only the protocol is negotiated: the
	// requested ETU is ignored and the ATR timing stays in force.
	require.NoError(t, device.ResetCard(false))
	report, err := device.Configure(&leia.CardConfig{
		Protocol:     leia.ProtocolT1,
		ETU:          8,
		NegotiatePTS: true,
	})
	require.NoError(t, err)
	assert.Equal(t, leia.OutcomeAgreed, report.Outcome)
	assert.Equal(t, uint32(16), report.ETU)

	// Opting in applies the requested timing on agreement.
	require.NoError(t, device.ResetCard(false))
	report, err = device.Configure(&leia.CardConfig{
		Protocol:          leia.ProtocolT1,
		ETU:               8,
		NegotiatePTS:      true,
		NegotiateBaudrate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, leia.OutcomeAgreed, report.Outcome)
	assert.Equal(t, uint32(8), report.ETU)
	etu, _ := card.Timing()
	assert.Equal(t, uint32(8), etu)
}

func TestSimulatorNegotiationRefusedFallsBack(t *testing.T) {
	t.Parallel()

	card := soft.New(soft.NewFileApplet(64), soft.WithPPSPolicy(soft.PPSRefuse))
	device, _ := newSimDevice(t, card)

	report, err := device.Configure(&leia.CardConfig{
		Protocol:     leia.ProtocolT1,
		NegotiatePTS: true,
	})
	require.NoError(t, err)
	assert.Equal(t, leia.OutcomeRejectedFallback, report.Outcome)
	assert.True(t, report.FallbackActive())
	require.ErrorIs(t, report.Err(), leia.ErrNegotiationRejected)
	// The report describes the ATR defaults actually in force.
	assert.Equal(t, leia.ProtocolT0, report.Protocol)
	assert.Equal(t, uint32(16), report.ETU)
	assert.Equal(t, leia.ProtocolT0, card.Protocol())
}

func TestSimulatorNegotiationSilentTimesOut(t *testing.T) {
	t.Parallel()

	card := soft.New(soft.NewFileApplet(64), soft.WithPPSPolicy(soft.PPSSilent))
	device, sim := newSimDevice(t, card)
	// Bound the exchange so the silent card fails fast.
	require.NoError(t, sim.SetTimeout(50*time.Millisecond))

	report, err := device.Configure(&leia.CardConfig{
		Protocol:     leia.ProtocolT1,
		NegotiatePTS: true,
	})
	require.NoError(t, err)
	assert.Equal(t, leia.OutcomeTimeoutFallback, report.Outcome)
	require.ErrorIs(t, report.Err(), leia.ErrNegotiationTimeout)
	assert.Equal(t, leia.ProtocolT0, report.Protocol)
}

func TestSimulatorFileSessionT0(t *testing.T) {
	t.Parallel()

	applet := soft.NewFileApplet(64)
	device, _ := newSimDevice(t, soft.New(applet))
	require.NoError(t, device.ResetCard(false))

	// SELECT by DF name answers the FCI template.
	resp, err := device.SendAPDU(leia.NewAPDUWithLe(0x00, 0xA4, 0x04, 0x00, soft.DefaultAID, 256))
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	require.NotEmpty(t, resp.Data)
	assert.Equal(t, byte(0x6F), resp.Data[0])
	assert.True(t, bytes.Contains(resp.Data, soft.DefaultAID))
	assert.True(t, bytes.Contains(resp.Data, []byte("leia-test")))

	// UPDATE BINARY writes through to the file.
	pattern := bytes.Repeat([]byte{0x5A, 0xA5}, 8)
	resp, err = device.SendAPDU(leia.NewAPDU(0x00, 0xD6, 0x00, 0x08, pattern))
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, pattern, applet.File()[8:24])

	// READ BINARY comes back through the outgoing-data path.
	resp, err = device.SendAPDU(leia.NewAPDUWithLe(0x00, 0xB0, 0x00, 0x08, nil, 16))
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, pattern, resp.Data)

	// Reading past the end exercises the 6C length correction: the card
	// names the right Le and the reader retries with it.
	resp, err = device.SendAPDU(leia.NewAPDUWithLe(0x00, 0xB0, 0x00, 0x38, nil, 32))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x6282), resp.SW())
	assert.Len(t, resp.Data, 8)
}

func TestSimulatorEnvelopeFragmentation(t *testing.T) {
	t.Parallel()

	device, _ := newSimDevice(t, soft.New(echoApplet()))
	require.NoError(t, device.ResetCard(false))

	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i * 7)
	}
	resp, err := device.SendAPDU(leia.NewAPDUWithLe(0x00, 0x10, 0x00, 0x00, data, 600))
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, data, resp.Data)

	// The exchange went through the fragmented T=0 path.
	timers, err := device.GetTimers()
	require.NoError(t, err)
	_, ok := timers.Sample(leia.TrigPreSendAPDUFragmentedT0)
	assert.True(t, ok)
}

func TestSimulatorT1ExchangeWithCorruption(t *testing.T) {
	t.Parallel()

	// Every third block the card sends carries a broken checksum; the
	// reader must recover through R-block retransmission requests.
	card := soft.New(echoApplet(), soft.WithCorruptEveryNthBlock(3))
	device, _ := newSimDevice(t, card)

	report, err := device.Configure(&leia.CardConfig{
		Protocol:     leia.ProtocolT1,
		NegotiatePTS: true,
	})
	require.NoError(t, err)
	require.Equal(t, leia.OutcomeAgreed, report.Outcome)

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	resp, err := device.SendAPDU(leia.NewAPDUWithLe(0x00, 0x10, 0x00, 0x00, data, 300))
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, data, resp.Data)

	// Sequence numbers survive across exchanges within the session.
	resp, err = device.SendAPDU(leia.NewAPDUWithLe(0x00, 0x10, 0x00, 0x00, []byte{1, 2, 3}, 3))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, resp.Data)
}

type simPulser struct {
	delays []uint32
}

func (p *simPulser) Pulse(delay uint32) { p.delays = append(p.delays, delay) }

func TestSimulatorTriggersAndTimers(t *testing.T) {
	t.Parallel()

	pulser := &simPulser{}
	device, _ := newSimDevice(t, soft.New(soft.NewFileApplet(64)), firmware.WithPulser(pulser))

	strategy := &leia.TriggerStrategy{
		Points: []uint32{leia.TrigGetATRPre},
		Delay:  5,
		Single: true,
	}
	require.NoError(t, device.SetTriggerStrategy(0, strategy))

	require.NoError(t, device.ResetCard(false))
	require.Len(t, pulser.delays, 1)
	assert.Equal(t, uint32(5), pulser.delays[0])

	got, err := device.GetTriggerStrategy(0)
	require.NoError(t, err)
	fired := got.FiredPoints()
	require.Len(t, fired, 1)
	assert.Equal(t, leia.TrigGetATRPre, fired[0].Point)

	timers, err := device.GetTimers()
	require.NoError(t, err)
	_, ok := timers.Sample(leia.TrigGetATRPre)
	assert.True(t, ok)

	// A new card session rearms the strategy: the single-shot sequence
	// fires once per reset, not once ever.
	require.NoError(t, device.ResetCard(false))
	require.Len(t, pulser.delays, 2)
}

func TestSimulatorCardRemoval(t *testing.T) {
	t.Parallel()

	card := soft.New(soft.NewFileApplet(64))
	device, _ := newSimDevice(t, card)
	require.NoError(t, device.ResetCard(false))

	card.Remove()
	inserted, err := device.IsCardInserted()
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = device.SendAPDU(leia.NewAPDUWithLe(0x00, 0xB0, 0x00, 0x00, nil, 16))
	require.ErrorIs(t, err, leia.ErrCardNotInserted)
	require.ErrorIs(t, device.ResetCard(false), leia.ErrCardNotInserted)

	card.Insert()
	require.NoError(t, device.ResetCard(false))
}

func TestSimulatorPingAndDFU(t *testing.T) {
	t.Parallel()

	device, sim := newSimDevice(t, soft.New(soft.NewFileApplet(64)))
	require.NoError(t, sim.Ping())

	require.NoError(t, device.EnterDFU())
	assert.False(t, sim.IsConnected())
	_, err := device.IsCardInserted()
	require.Error(t, err)
}
