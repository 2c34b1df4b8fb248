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

func TestTimerBankTransaction(t *testing.T) {
	t.Parallel()

	clk := &ManualClock{}
	bank := NewTimerBank(clk)

	clk.Set(1000)
	bank.Restart()

	clk.Advance(50)
	bank.Sample(leia.TrigGetATRPre)

	// Command bytes go out; the last one anchors deltaTAnswer.
	clk.Advance(10)
	bank.MarkCommandByte()
	clk.Advance(10)
	bank.MarkCommandByte()

	// The card thinks for 25 ticks before its first response byte.
	clk.Advance(25)
	bank.MarkResponseByte()
	// Later response bytes must not move deltaTAnswer.
	clk.Advance(100)
	bank.MarkResponseByte()

	clk.Advance(5)
	bank.Complete()

	deltaT, deltaTAnswer := bank.Timings()
	assert.Equal(t, uint32(200), deltaT)
	assert.Equal(t, uint32(25), deltaTAnswer)

	snap := bank.Snapshot()
	cycles, ok := snap.Sample(leia.TrigGetATRPre)
	require.True(t, ok)
	assert.Equal(t, uint32(50), cycles)
}

func TestTimerBankSampleOverwritesSamePoint(t *testing.T) {
	t.Parallel()

	clk := &ManualClock{}
	bank := NewTimerBank(clk)
	bank.Restart()

	clk.Advance(10)
	bank.Sample(leia.TrigIRQPutc)
	clk.Advance(10)
	bank.Sample(leia.TrigIRQPutc)

	snap := bank.Snapshot()
	require.Len(t, snap.Samples, 1)
	assert.Equal(t, uint32(20), snap.Samples[0].Cycles)
}

func TestTimerBankDepthCap(t *testing.T) {
	t.Parallel()

	clk := &ManualClock{}
	bank := NewTimerBank(clk)
	bank.Restart()

	for i := 0; i < leia.TimersDepth+5; i++ {
		bank.Sample(uint32(1) << i)
	}
	snap := bank.Snapshot()
	assert.Len(t, snap.Samples, leia.TimersDepth)
}

func TestTimerBankRestartClears(t *testing.T) {
	t.Parallel()

	clk := &ManualClock{}
	bank := NewTimerBank(clk)
	bank.Restart()
	clk.Advance(42)
	bank.Sample(leia.TrigGetATRPre)
	bank.Complete()

	clk.Advance(100)
	bank.Restart()
	snap := bank.Snapshot()
	assert.Empty(t, snap.Samples)
	assert.Zero(t, snap.DeltaT)
	assert.Zero(t, snap.DeltaTAnswer)
}
