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

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseATR(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		raw           []byte
		wantProtocols []Protocol
		wantETU       uint32
		wantIFSC      byte
		wantErr       bool
	}{
		{
			name:          "minimal T=0 only",
			raw:           []byte{0x3B, 0x00},
			wantProtocols: []Protocol{ProtocolT0},
			wantETU:       372,
			wantIFSC:      32,
		},
		{
			name: "TA1 sets Fi/Di",
			// TA1=0x96: Fi=512, Di=32 -> ETU 16.
			raw:           []byte{0x3B, 0x10, 0x96},
			wantProtocols: []Protocol{ProtocolT0},
			wantETU:       16,
			wantIFSC:      32,
		},
		{
			name: "T=0 then T=1 with IFSC in TA3",
			// TD1=0x80 -> TD2 follows, T=0. TD2=0x11 -> TA3 follows, T=1.
			// TA3=0xFE is the card's IFSC. TCK closes the chain.
			raw:           []byte{0x3B, 0x80, 0x80, 0x11, 0xFE, 0xEF},
			wantProtocols: []Protocol{ProtocolT0, ProtocolT1},
			wantETU:       372,
			wantIFSC:      0xFE,
		},
		{
			name: "historical bytes",
			raw:  []byte{0x3B, 0x04, 'T', 'E', 'S', 'T'},

			wantProtocols: []Protocol{ProtocolT0},
			wantETU:       372,
			wantIFSC:      32,
		},
		{name: "empty", raw: nil, wantErr: true},
		{name: "bad TS", raw: []byte{0x42, 0x00}, wantErr: true},
		{name: "truncated interface bytes", raw: []byte{0x3B, 0x10}, wantErr: true},
		{name: "truncated historical bytes", raw: []byte{0x3B, 0x02, 'A'}, wantErr: true},
		{
			name: "bad TCK",
			// Same as the T=1 ATR above with the checksum flipped.
			raw:     []byte{0x3B, 0x80, 0x80, 0x11, 0xFE, 0x00},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			atr, err := ParseATR(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProtocols, atr.OfferedProtocols())
			assert.Equal(t, tt.wantETU, atr.DefaultETU())
			assert.Equal(t, tt.wantIFSC, atr.IFSC)

			// Normalized must reproduce what the card sent.
			assert.Equal(t, tt.raw, atr.Normalized())
		})
	}
}

func TestATRPackUnpack(t *testing.T) {
	t.Parallel()

	atr, err := ParseATR([]byte{0x3B, 0x14, 0x96, 'L', 'E', 'I', 'A'})
	require.NoError(t, err)

	got, err := UnpackATR(atr.Pack())
	require.NoError(t, err)
	if diff := cmp.Diff(atr, got); diff != "" {
		t.Errorf("ATR wire round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnpackATRRejectsBadSizes(t *testing.T) {
	t.Parallel()

	_, err := UnpackATR(make([]byte, 10))
	require.ErrorIs(t, err, ErrInvalidFormat)

	// Correct size but an impossible historical count.
	buf := make([]byte, 55)
	buf[38] = 17
	_, err = UnpackATR(buf)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestOffersProtocol(t *testing.T) {
	t.Parallel()

	t0only, err := ParseATR([]byte{0x3B, 0x00})
	require.NoError(t, err)
	assert.True(t, t0only.OffersProtocol(ProtocolT0))
	assert.False(t, t0only.OffersProtocol(ProtocolT1))
	assert.False(t, t0only.OffersProtocol(ProtocolAuto))

	both, err := ParseATR([]byte{0x3B, 0x80, 0x80, 0x11, 0xFE, 0xEF})
	require.NoError(t, err)
	assert.True(t, both.OffersProtocol(ProtocolT0))
	assert.True(t, both.OffersProtocol(ProtocolT1))
}
