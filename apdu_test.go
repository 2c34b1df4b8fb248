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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPDUEncodeISO(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		apdu *APDU
		want []byte
	}{
		{
			name: "case 1, header only",
			apdu: NewAPDU(0x00, 0xA4, 0x04, 0x00, nil),
			want: []byte{0x00, 0xA4, 0x04, 0x00},
		},
		{
			name: "case 2, le only",
			apdu: NewAPDUWithLe(0x00, 0xB0, 0x00, 0x00, nil, 16),
			want: []byte{0x00, 0xB0, 0x00, 0x00, 0x10},
		},
		{
			name: "case 2, le 256 encodes as zero",
			apdu: NewAPDUWithLe(0x00, 0xB0, 0x00, 0x00, nil, 256),
			want: []byte{0x00, 0xB0, 0x00, 0x00, 0x00},
		},
		{
			name: "case 3, data only",
			apdu: NewAPDU(0x00, 0xD6, 0x00, 0x00, []byte{0xDE, 0xAD}),
			want: []byte{0x00, 0xD6, 0x00, 0x00, 0x02, 0xDE, 0xAD},
		},
		{
			name: "case 4, data and le",
			apdu: NewAPDUWithLe(0x00, 0xA4, 0x04, 0x00, []byte{0xA0}, 32),
			want: []byte{0x00, 0xA4, 0x04, 0x00, 0x01, 0xA0, 0x20},
		},
		{
			name: "extended le",
			apdu: NewAPDUWithLe(0x00, 0xB0, 0x00, 0x00, nil, 1024),
			want: []byte{0x00, 0xB0, 0x00, 0x00, 0x00, 0x04, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.apdu.EncodeISO())
		})
	}
}

func TestAPDUEncodeISOExtendedData(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0x5A}, 300)
	apdu := NewAPDUWithLe(0x00, 0xC2, 0x00, 0x00, data, 512)
	require.True(t, apdu.Extended())

	iso := apdu.EncodeISO()
	// Extended Lc: 0x00 marker then 16-bit length.
	require.Equal(t, []byte{0x00, 0xC2, 0x00, 0x00, 0x00, 0x01, 0x2C}, iso[:7])
	assert.Equal(t, data, iso[7:7+300])
	// Extended Le rides on the extended Lc, 2 bytes without its own marker.
	assert.Equal(t, []byte{0x02, 0x00}, iso[307:])
}

func TestAPDUValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		apdu    APDU
		wantErr error
	}{
		{
			name: "valid short",
			apdu: APDU{Cla: 0x00, Ins: 0xB0, Le: 256, SendLE: LEShort},
		},
		{
			name:    "le without sendLE",
			apdu:    APDU{Le: 16, SendLE: LENone},
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "le too big for short form",
			apdu:    APDU{Le: 257, SendLE: LEShort},
			wantErr: ErrInvalidParameter,
		},
		{
			name:    "le beyond transport limit",
			apdu:    APDU{Le: 20000, SendLE: LEExtended},
			wantErr: ErrDataTooLarge,
		},
		{
			name:    "unknown sendLE",
			apdu:    APDU{SendLE: 9},
			wantErr: ErrInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.apdu.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAPDUWireForm(t *testing.T) {
	t.Parallel()

	apdu := NewAPDUWithLe(0x80, 0x10, 0x01, 0x02, []byte{0xAA, 0xBB}, 64)
	packed, err := apdu.Pack()
	require.NoError(t, err)
	require.Len(t, packed, 13)

	got, err := UnpackAPDU(packed)
	require.NoError(t, err)
	assert.Equal(t, apdu, got)

	// A header whose lc disagrees with the body is rejected.
	packed[4] = 0x05
	_, err = UnpackAPDU(packed)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestResponse(t *testing.T) {
	t.Parallel()

	resp := &Response{Data: []byte{0x01, 0x02}, SW1: 0x90, SW2: 0x00, DeltaT: 1200, DeltaTAnswer: 88}
	assert.Equal(t, uint16(0x9000), resp.SW())
	assert.True(t, resp.IsSuccess())

	packed, err := resp.Pack()
	require.NoError(t, err)
	got, err := UnpackResponse(packed)
	require.NoError(t, err)
	assert.Equal(t, resp, got)

	warn := &Response{SW1: 0x62, SW2: 0x82}
	assert.False(t, warn.IsSuccess())

	_, err = UnpackResponse([]byte{0x01})
	require.ErrorIs(t, err, ErrInvalidFormat)
}
