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
	"fmt"

	"github.com/h2lab/go-leia/internal/frame"
)

// SendLE values select how the expected-length field is encoded on the card
// side.
const (
	// LENone omits Le entirely (case 1 and case 3 APDUs).
	LENone byte = 0
	// LEShort encodes Le as a single byte (0x00 meaning 256).
	LEShort byte = 1
	// LEExtended forces the extended encoding (0x0000 meaning 65536).
	LEExtended byte = 2
)

// APDU is one command APDU, carried to the reader in the 'a' command.
//
// Wire layout (little-endian, 11-byte header followed by Lc data bytes):
//
//	cla:1 ins:1 p1:1 p2:1 lc:2 le:4 sendLE:1 data[lc]
type APDU struct {
	Data   []byte
	Le     uint32
	Cla    byte
	Ins    byte
	P1     byte
	P2     byte
	SendLE byte
}

// NewAPDU builds a command APDU without an expected-length field.
func NewAPDU(cla, ins, p1, p2 byte, data []byte) *APDU {
	return &APDU{Cla: cla, Ins: ins, P1: p1, P2: p2, Data: data}
}

// NewAPDUWithLe builds a command APDU expecting up to le response bytes.
// The short encoding is used when both lc and le fit; le of 256 encodes as
// the short 0x00.
func NewAPDUWithLe(cla, ins, p1, p2 byte, data []byte, le uint32) *APDU {
	sendLE := LEShort
	if le > 256 || len(data) > 255 {
		sendLE = LEExtended
	}
	return &APDU{Cla: cla, Ins: ins, P1: p1, P2: p2, Data: data, Le: le, SendLE: sendLE}
}

// Extended reports whether this APDU requires the extended (fragmented)
// transport form.
func (a *APDU) Extended() bool {
	return len(a.Data) > 255 || a.Le > 256 || a.SendLE == LEExtended
}

// Validate checks lc/le bounds and sendLE coherence.
func (a *APDU) Validate() error {
	if len(a.Data) > frame.MaxAPDUPayload {
		return fmt.Errorf("%w: lc %d exceeds %d", ErrDataTooLarge, len(a.Data), frame.MaxAPDUPayload)
	}
	if a.Le > frame.MaxAPDUPayload {
		return fmt.Errorf("%w: le %d exceeds %d", ErrDataTooLarge, a.Le, frame.MaxAPDUPayload)
	}
	switch a.SendLE {
	case LENone:
		if a.Le != 0 {
			return fmt.Errorf("%w: le set but sendLE is none", ErrInvalidParameter)
		}
	case LEShort:
		if a.Le > 256 {
			return fmt.Errorf("%w: le %d does not fit the short encoding", ErrInvalidParameter, a.Le)
		}
	case LEExtended:
	default:
		return fmt.Errorf("%w: sendLE 0x%02X", ErrInvalidParameter, a.SendLE)
	}
	return nil
}

// Pack encodes the APDU into its wire form.
func (a *APDU) Pack() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, frame.APDUHeaderSize+len(a.Data))
	buf[0] = a.Cla
	buf[1] = a.Ins
	buf[2] = a.P1
	buf[3] = a.P2
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(a.Data)))
	binary.LittleEndian.PutUint32(buf[6:10], a.Le)
	buf[10] = a.SendLE
	copy(buf[frame.APDUHeaderSize:], a.Data)
	return buf, nil
}

// UnpackAPDU decodes an APDU from its wire form.
func UnpackAPDU(b []byte) (*APDU, error) {
	if len(b) < frame.APDUHeaderSize {
		return nil, fmt.Errorf("%w: APDU header needs %d bytes, got %d",
			ErrInvalidFormat, frame.APDUHeaderSize, len(b))
	}
	lc := int(binary.LittleEndian.Uint16(b[4:6]))
	if len(b) != frame.APDUHeaderSize+lc {
		return nil, fmt.Errorf("%w: lc %d does not match %d data bytes",
			ErrInvalidFormat, lc, len(b)-frame.APDUHeaderSize)
	}
	a := &APDU{
		Cla:    b[0],
		Ins:    b[1],
		P1:     b[2],
		P2:     b[3],
		Le:     binary.LittleEndian.Uint32(b[6:10]),
		SendLE: b[10],
		Data:   append([]byte(nil), b[frame.APDUHeaderSize:]...),
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// EncodeISO renders the APDU as raw ISO 7816-4 bytes: header, then Lc and
// data, then Le. The extended encoding is chosen when the short one cannot
// carry the lengths.
func (a *APDU) EncodeISO() []byte {
	lc := len(a.Data)
	extended := a.Extended()

	buf := make([]byte, 0, 4+3+lc+3)
	buf = append(buf, a.Cla, a.Ins, a.P1, a.P2)

	if lc > 0 {
		if extended {
			buf = append(buf, 0x00, byte(lc>>8), byte(lc))
		} else {
			buf = append(buf, byte(lc))
		}
		buf = append(buf, a.Data...)
	}

	if a.SendLE != LENone {
		le := a.Le
		if extended {
			if lc == 0 {
				buf = append(buf, 0x00)
			}
			buf = append(buf, byte(le>>8), byte(le))
		} else {
			// Short Le: 256 encodes as 0x00.
			buf = append(buf, byte(le))
		}
	}
	return buf
}

// Response is the card's answer to one APDU, with the per-exchange timings
// measured by the reader.
//
// Wire layout (little-endian, 14-byte header followed by Le data bytes):
//
//	le:4 sw1:1 sw2:1 deltaT:4 deltaTAnswer:4 data[le]
type Response struct {
	Data         []byte
	DeltaT       uint32
	DeltaTAnswer uint32
	SW1          byte
	SW2          byte
}

// SW returns the status word as a 16-bit value (SW1 high byte).
func (r *Response) SW() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// IsSuccess reports a 9000 status word.
func (r *Response) IsSuccess() bool {
	return r.SW() == 0x9000
}

// Pack encodes the response into its wire form.
func (r *Response) Pack() ([]byte, error) {
	if len(r.Data) > frame.MaxAPDUPayload {
		return nil, fmt.Errorf("%w: response of %d bytes", ErrDataTooLarge, len(r.Data))
	}
	buf := make([]byte, frame.RespHeaderSize+len(r.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.Data)))
	buf[4] = r.SW1
	buf[5] = r.SW2
	binary.LittleEndian.PutUint32(buf[6:10], r.DeltaT)
	binary.LittleEndian.PutUint32(buf[10:14], r.DeltaTAnswer)
	copy(buf[frame.RespHeaderSize:], r.Data)
	return buf, nil
}

// UnpackResponse decodes a response from its wire form.
func UnpackResponse(b []byte) (*Response, error) {
	if len(b) < frame.RespHeaderSize {
		return nil, fmt.Errorf("%w: response header needs %d bytes, got %d",
			ErrInvalidFormat, frame.RespHeaderSize, len(b))
	}
	le := int(binary.LittleEndian.Uint32(b[0:4]))
	if len(b) != frame.RespHeaderSize+le {
		return nil, fmt.Errorf("%w: le %d does not match %d data bytes",
			ErrInvalidFormat, le, len(b)-frame.RespHeaderSize)
	}
	return &Response{
		SW1:          b[4],
		SW2:          b[5],
		DeltaT:       binary.LittleEndian.Uint32(b[6:10]),
		DeltaTAnswer: binary.LittleEndian.Uint32(b[10:14]),
		Data:         append([]byte(nil), b[frame.RespHeaderSize:]...),
	}, nil
}
