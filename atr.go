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
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/h2lab/go-leia/internal/frame"
)

// ISO 7816-3 clock-rate and baud-rate adjustment tables, indexed by the Fi
// and Di nibbles of TA1. Zero marks a reserved value.
var (
	fiTable = [16]uint32{372, 372, 558, 744, 1116, 1488, 1860, 0, 0, 512, 768, 1024, 1536, 2048, 0, 0}
	diTable = [16]uint32{0, 1, 2, 4, 8, 16, 32, 64, 12, 20, 0, 0, 0, 0, 0, 0}
	// Maximum card clock in Hz for each Fi nibble.
	fMaxTable = [16]uint32{
		4000000, 5000000, 6000000, 8000000, 12000000, 16000000, 20000000, 0,
		0, 5000000, 7500000, 10000000, 15000000, 20000000, 0, 0,
	}
)

// DefaultETU is the ETU before any TA1 adjustment (Fi/Di = 372/1).
const DefaultETU uint32 = 372

// ATR is the parsed Answer-To-Reset, padded to the reader's fixed wire
// layout. Interface bytes are stored by index: TA[i] is TA(i+1) of ISO
// 7816-3, and bit i of TMask[0] records its presence (likewise TB, TC, TD
// under TMask[1..3]).
//
// Wire layout (55 bytes, little-endian):
//
//	ts:1 t0:1 ta[4] tb[4] tc[4] td[4] h[16] tMask[4] hNum:1 tck:1
//	tckPresent:1 diCurr:4 fiCurr:4 fMaxCurr:4 tProtocolCurr:1 ifsc:1
type ATR struct {
	DiCurr        uint32
	FiCurr        uint32
	FMaxCurr      uint32
	TS            byte
	T0            byte
	TA            [4]byte
	TB            [4]byte
	TC            [4]byte
	TD            [4]byte
	H             [16]byte
	TMask         [4]byte
	HNum          byte
	TCK           byte
	TCKPresent    byte
	TProtocolCurr byte
	IFSC          byte
}

// ParseATR parses a raw ATR byte sequence into its structured form and
// derives the card's default protocol parameters.
func ParseATR(raw []byte) (*ATR, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: ATR needs at least TS and T0", ErrInvalidFormat)
	}
	if raw[0] != 0x3B && raw[0] != 0x3F {
		return nil, fmt.Errorf("%w: TS 0x%02X", ErrInvalidFormat, raw[0])
	}

	atr := &ATR{
		TS:       raw[0],
		T0:       raw[1],
		HNum:     raw[1] & 0x0F,
		DiCurr:   1,
		FiCurr:   DefaultETU,
		FMaxCurr: fMaxTable[0],
		// T=0 with IFSC irrelevant until TA3/T=1 say otherwise.
		IFSC: 32,
	}

	pos := 2
	y := raw[1] >> 4
	protoSeen := false

	for i := 0; i < 4 && y != 0; i++ {
		if y&0x1 != 0 {
			if pos >= len(raw) {
				return nil, fmt.Errorf("%w: truncated at TA%d", ErrInvalidFormat, i+1)
			}
			atr.TA[i] = raw[pos]
			atr.TMask[0] |= 1 << i
			pos++
		}
		if y&0x2 != 0 {
			if pos >= len(raw) {
				return nil, fmt.Errorf("%w: truncated at TB%d", ErrInvalidFormat, i+1)
			}
			atr.TB[i] = raw[pos]
			atr.TMask[1] |= 1 << i
			pos++
		}
		if y&0x4 != 0 {
			if pos >= len(raw) {
				return nil, fmt.Errorf("%w: truncated at TC%d", ErrInvalidFormat, i+1)
			}
			atr.TC[i] = raw[pos]
			atr.TMask[2] |= 1 << i
			pos++
		}
		if y&0x8 != 0 {
			if pos >= len(raw) {
				return nil, fmt.Errorf("%w: truncated at TD%d", ErrInvalidFormat, i+1)
			}
			atr.TD[i] = raw[pos]
			atr.TMask[3] |= 1 << i
			if !protoSeen {
				// The first offered protocol is the default.
				atr.TProtocolCurr = raw[pos] & 0x0F
				protoSeen = true
			}
			if raw[pos]&0x0F != 0 {
				atr.TCKPresent = 1
			}
			y = raw[pos] >> 4
			pos++
		} else {
			y = 0
		}
	}

	if atr.TMask[0]&0x1 != 0 {
		fi := atr.TA[0] >> 4
		di := atr.TA[0] & 0x0F
		if fiTable[fi] != 0 {
			atr.FiCurr = fiTable[fi]
			atr.FMaxCurr = fMaxTable[fi]
		}
		if diTable[di] != 0 {
			atr.DiCurr = diTable[di]
		}
	}

	// TA3 of a T=1 chain carries the card's IFSC.
	if atr.TMask[0]&0x4 != 0 && atr.OffersProtocol(ProtocolT1) {
		atr.IFSC = atr.TA[2]
	}

	if pos+int(atr.HNum) > len(raw) {
		return nil, fmt.Errorf("%w: truncated historical bytes", ErrInvalidFormat)
	}
	copy(atr.H[:], raw[pos:pos+int(atr.HNum)])
	pos += int(atr.HNum)

	if atr.TCKPresent != 0 {
		if pos >= len(raw) {
			return nil, fmt.Errorf("%w: missing TCK", ErrInvalidFormat)
		}
		atr.TCK = raw[pos]
		var sum byte
		for _, b := range raw[1 : pos+1] {
			sum ^= b
		}
		if sum != 0 {
			return nil, fmt.Errorf("%w: TCK checksum mismatch", ErrInvalidFormat)
		}
	}

	return atr, nil
}

// DefaultETU returns the ETU advertised by TA1 (Fi/Di), or 372/1 when TA1 is
// absent.
func (a *ATR) DefaultETU() uint32 {
	if a.DiCurr == 0 {
		return DefaultETU
	}
	return a.FiCurr / a.DiCurr
}

// OffersProtocol reports whether the TD chain advertises the protocol.
func (a *ATR) OffersProtocol(p Protocol) bool {
	var t byte
	switch p {
	case ProtocolT0:
		t = 0
	case ProtocolT1:
		t = 1
	default:
		return false
	}
	// No TD1 at all means T=0 only.
	if a.TMask[3] == 0 {
		return t == 0
	}
	for i := range 4 {
		if a.TMask[3]&(1<<i) != 0 && a.TD[i]&0x0F == t {
			return true
		}
	}
	return false
}

// OfferedProtocols lists the protocols advertised by the ATR, in chain
// order.
func (a *ATR) OfferedProtocols() []Protocol {
	if a.TMask[3] == 0 {
		return []Protocol{ProtocolT0}
	}
	var out []Protocol
	seen := map[byte]bool{}
	for i := range 4 {
		if a.TMask[3]&(1<<i) == 0 {
			continue
		}
		t := a.TD[i] & 0x0F
		if seen[t] {
			continue
		}
		seen[t] = true
		switch t {
		case 0:
			out = append(out, ProtocolT0)
		case 1:
			out = append(out, ProtocolT1)
		}
	}
	if len(out) == 0 {
		out = []Protocol{ProtocolT0}
	}
	return out
}

// Normalized reconstructs the raw ATR byte sequence the card actually sent.
func (a *ATR) Normalized() []byte {
	out := []byte{a.TS, a.T0}
	for i := range 4 {
		if a.TMask[0]&(1<<i) != 0 {
			out = append(out, a.TA[i])
		}
		if a.TMask[1]&(1<<i) != 0 {
			out = append(out, a.TB[i])
		}
		if a.TMask[2]&(1<<i) != 0 {
			out = append(out, a.TC[i])
		}
		if a.TMask[3]&(1<<i) != 0 {
			out = append(out, a.TD[i])
		}
	}
	out = append(out, a.H[:a.HNum]...)
	if a.TCKPresent != 0 {
		out = append(out, a.TCK)
	}
	return out
}

// String returns the normalized ATR as upper-case hex.
func (a *ATR) String() string {
	return strings.ToUpper(hex.EncodeToString(a.Normalized()))
}

// Pack encodes the ATR into its fixed wire form.
func (a *ATR) Pack() []byte {
	buf := make([]byte, frame.ATRSize)
	buf[0] = a.TS
	buf[1] = a.T0
	copy(buf[2:6], a.TA[:])
	copy(buf[6:10], a.TB[:])
	copy(buf[10:14], a.TC[:])
	copy(buf[14:18], a.TD[:])
	copy(buf[18:34], a.H[:])
	copy(buf[34:38], a.TMask[:])
	buf[38] = a.HNum
	buf[39] = a.TCK
	buf[40] = a.TCKPresent
	binary.LittleEndian.PutUint32(buf[41:45], a.DiCurr)
	binary.LittleEndian.PutUint32(buf[45:49], a.FiCurr)
	binary.LittleEndian.PutUint32(buf[49:53], a.FMaxCurr)
	buf[53] = a.TProtocolCurr
	buf[54] = a.IFSC
	return buf
}

// UnpackATR decodes an ATR from its fixed wire form.
func UnpackATR(b []byte) (*ATR, error) {
	if len(b) != frame.ATRSize {
		return nil, fmt.Errorf("%w: ATR needs %d bytes, got %d", ErrInvalidFormat, frame.ATRSize, len(b))
	}
	a := &ATR{
		TS:            b[0],
		T0:            b[1],
		HNum:          b[38],
		TCK:           b[39],
		TCKPresent:    b[40],
		DiCurr:        binary.LittleEndian.Uint32(b[41:45]),
		FiCurr:        binary.LittleEndian.Uint32(b[45:49]),
		FMaxCurr:      binary.LittleEndian.Uint32(b[49:53]),
		TProtocolCurr: b[53],
		IFSC:          b[54],
	}
	copy(a.TA[:], b[2:6])
	copy(a.TB[:], b[6:10])
	copy(a.TC[:], b[10:14])
	copy(a.TD[:], b[14:18])
	copy(a.H[:], b[18:34])
	copy(a.TMask[:], b[34:38])
	if a.HNum > 16 {
		return nil, fmt.Errorf("%w: %d historical bytes", ErrInvalidFormat, a.HNum)
	}
	return a, nil
}
