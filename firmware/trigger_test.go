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

package firmware

import (
	"testing"

	leia "github.com/h2lab/go-leia"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPulser captures every pulse with its requested delay.
type recordingPulser struct {
	delays []uint32
}

func (p *recordingPulser) Pulse(delay uint32) {
	p.delays = append(p.delays, delay)
}

func TestTriggerBankSequenceFires(t *testing.T) {
	t.Parallel()

	pulser := &recordingPulser{}
	clk := &ManualClock{}
	bank := NewTriggerBank(pulser, clk)

	require.NoError(t, bank.Set(0, &leia.TriggerStrategy{
		Points: []uint32{leia.TrigGetATRPre, leia.TrigPostRespT0},
		Delay:  7,
		Single: true,
	}))

	// A hook that does not match the cursor entry is ignored, even if it
	// matches a later entry.
	bank.Cross(leia.TrigPostRespT0)
	assert.Empty(t, pulser.delays)

	clk.Set(100)
	bank.Cross(leia.TrigGetATRPre)
	require.Len(t, pulser.delays, 1)
	assert.Equal(t, uint32(7), pulser.delays[0])

	clk.Set(250)
	bank.Cross(leia.TrigPostRespT0)
	require.Len(t, pulser.delays, 2)

	// Single-shot: the sequence stays quiet after completing.
	bank.Cross(leia.TrigGetATRPre)
	assert.Len(t, pulser.delays, 2)

	got, err := bank.Get(0)
	require.NoError(t, err)
	fired := got.FiredPoints()
	require.Len(t, fired, 2)
	assert.Equal(t, leia.TrigGetATRPre, fired[0].Point)
	assert.Equal(t, uint32(100), fired[0].EventTime)
	assert.Equal(t, uint32(250), fired[1].EventTime)
}

func TestTriggerBankApplyDelaySkipsOccurrences(t *testing.T) {
	t.Parallel()

	pulser := &recordingPulser{}
	bank := NewTriggerBank(pulser, &ManualClock{})

	// ApplyDelay 2: the first two occurrences only count, the third fires.
	require.NoError(t, bank.Set(1, &leia.TriggerStrategy{
		Points:     []uint32{leia.TrigIRQPutc},
		ApplyDelay: []uint32{2},
		Single:     true,
	}))

	bank.Cross(leia.TrigIRQPutc)
	bank.Cross(leia.TrigIRQPutc)
	assert.Empty(t, pulser.delays)

	bank.Cross(leia.TrigIRQPutc)
	assert.Len(t, pulser.delays, 1)

	got, err := bank.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.CntTrigged[0])
}

func TestTriggerBankRepeatingRearms(t *testing.T) {
	t.Parallel()

	pulser := &recordingPulser{}
	bank := NewTriggerBank(pulser, &ManualClock{})

	require.NoError(t, bank.Set(0, &leia.TriggerStrategy{
		Points: []uint32{leia.TrigGetATRPre},
		Single: false,
	}))

	for i := 0; i < 3; i++ {
		bank.Cross(leia.TrigGetATRPre)
	}
	assert.Len(t, pulser.delays, 3)
}

func TestTriggerBankUnionPointMatchesAnyForm(t *testing.T) {
	t.Parallel()

	pulser := &recordingPulser{}
	bank := NewTriggerBank(pulser, &ManualClock{})

	// The pre-send union matches whichever transport form runs.
	require.NoError(t, bank.Set(0, &leia.TriggerStrategy{
		Points: []uint32{leia.TrigPreSendAPDU},
		Single: true,
	}))
	bank.Cross(leia.TrigPreSendAPDUT1)
	assert.Len(t, pulser.delays, 1)
}

func TestTriggerBankSlotManagement(t *testing.T) {
	t.Parallel()

	pulser := &recordingPulser{}
	bank := NewTriggerBank(pulser, &ManualClock{})

	strategy := &leia.TriggerStrategy{Points: []uint32{leia.TrigGetATRPre}, Single: true}
	require.ErrorIs(t, bank.Set(-1, strategy), ErrBadStrategySlot)
	require.ErrorIs(t, bank.Set(4, strategy), ErrBadStrategySlot)
	_, err := bank.Get(4)
	require.ErrorIs(t, err, ErrBadStrategySlot)

	// Depth overflow is refused before touching the bank.
	tooDeep := &leia.TriggerStrategy{Points: make([]uint32, leia.TriggerDepth+1)}
	for i := range tooDeep.Points {
		tooDeep.Points[i] = leia.TrigIRQPutc
	}
	require.ErrorIs(t, bank.Set(0, tooDeep), leia.ErrStrategyOverflow)

	// Setting a slot arms it; a fired single-shot rearms through Arm.
	require.NoError(t, bank.Set(2, strategy))
	bank.Cross(leia.TrigGetATRPre)
	bank.Cross(leia.TrigGetATRPre)
	require.Len(t, pulser.delays, 1)

	require.NoError(t, bank.Arm(2))
	bank.Cross(leia.TrigGetATRPre)
	assert.Len(t, pulser.delays, 2)
}

func TestTriggerBankRearmRestartsArmedSlot(t *testing.T) {
	t.Parallel()

	pulser := &recordingPulser{}
	bank := NewTriggerBank(pulser, &ManualClock{})

	require.NoError(t, bank.Set(1, &leia.TriggerStrategy{
		Points: []uint32{leia.TrigGetATRPre},
		Single: true,
	}))
	bank.Cross(leia.TrigGetATRPre)
	bank.Cross(leia.TrigGetATRPre)
	require.Len(t, pulser.delays, 1)

	// Rearm restarts whichever slot is armed, the way a card reset does.
	bank.Rearm()
	bank.Cross(leia.TrigGetATRPre)
	assert.Len(t, pulser.delays, 2)

	got, err := bank.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.CntTrigged[0])
}
