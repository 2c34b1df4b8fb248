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

package main

import (
	"testing"

	leia "github.com/h2lab/go-leia"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    leia.Protocol
		wantErr bool
	}{
		{name: "empty means auto", input: "", want: leia.ProtocolAuto},
		{name: "auto", input: "auto", want: leia.ProtocolAuto},
		{name: "t0", input: "t0", want: leia.ProtocolT0},
		{name: "T=0 alias", input: "T=0", want: leia.ProtocolT0},
		{name: "t1", input: "t1", want: leia.ProtocolT1},
		{name: "T=1 alias", input: "T=1", want: leia.ProtocolT1},
		{name: "garbage", input: "t2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseProtocol(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTriggerSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		spec       string
		wantSlot   int
		wantPoints []uint32
		wantDelay  uint32
		wantSingle bool
		wantErr    bool
	}{
		{
			name:       "single point",
			spec:       "0:0:true:0x1",
			wantSlot:   0,
			wantPoints: []uint32{0x1},
			wantSingle: true,
		},
		{
			name:       "multi point with delay",
			spec:       "2:100:false:0x2,0x40",
			wantSlot:   2,
			wantPoints: []uint32{0x2, 0x40},
			wantDelay:  100,
		},
		{name: "missing fields", spec: "0:0:true", wantErr: true},
		{name: "slot out of range", spec: "4:0:true:0x1", wantErr: true},
		{name: "bad point", spec: "0:0:true:zz", wantErr: true},
		{name: "empty points", spec: "0:0:true:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			slot, strategy, err := parseTriggerSpec(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSlot, slot)
			assert.Equal(t, tt.wantPoints, strategy.Points)
			assert.Equal(t, tt.wantDelay, strategy.Delay)
			assert.Equal(t, tt.wantSingle, strategy.Single)
		})
	}
}
