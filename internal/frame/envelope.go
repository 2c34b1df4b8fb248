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
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelope is a decoded reader response.
type Envelope struct {
	Data   []byte
	Flag   byte
	Status byte
}

// Envelope decoding errors.
var (
	ErrBadFlag          = errors.New("unexpected envelope flag")
	ErrBadMarker        = errors.New("missing response marker")
	ErrResponseTooLarge = errors.New("response length exceeds maximum frame size")
)

// EncodeEnvelope builds a complete response envelope. The data slice is
// copied into the result.
func EncodeEnvelope(flag, status byte, data []byte) []byte {
	buf := make([]byte, 0, 3+ResponseLenSize+len(data))
	buf = append(buf, flag, status, RespMarker)
	var lenBytes [ResponseLenSize]byte
	binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(data)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, data...)
	return buf
}

// EnvelopeScanner incrementally decodes a response envelope from a byte
// stream. Feed it whatever the transport reads; Envelope returns nil until a
// complete envelope is buffered. Wait-extension flags are counted and
// stripped so callers can stretch their read deadline while the reader is
// busy with the card.
type EnvelopeScanner struct {
	buf   []byte
	waits int
}

// Feed appends raw bytes read from the transport.
func (s *EnvelopeScanner) Feed(p []byte) {
	// Strip wait flags only while they are the very first byte: a 'w'
	// inside the response payload is data.
	for len(p) > 0 && len(s.buf) == 0 && p[0] == FlagWait {
		s.waits++
		p = p[1:]
	}
	s.buf = append(s.buf, p...)
}

// TakeWaits returns the number of wait flags seen since the last call and
// resets the counter.
func (s *EnvelopeScanner) TakeWaits() int {
	n := s.waits
	s.waits = 0
	return n
}

// Reset discards all buffered bytes and wait counts.
func (s *EnvelopeScanner) Reset() {
	s.buf = s.buf[:0]
	s.waits = 0
}

// Envelope returns the decoded envelope once complete. It returns (nil, nil)
// while more bytes are needed and an error when the buffered bytes cannot be
// a valid envelope.
func (s *EnvelopeScanner) Envelope() (*Envelope, error) {
	if len(s.buf) < 1 {
		return nil, nil
	}
	flag := s.buf[0]
	if flag != FlagOK && flag != FlagUnknown && flag != FlagError {
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadFlag, flag)
	}
	if len(s.buf) < 3+ResponseLenSize {
		return nil, nil
	}
	if s.buf[2] != RespMarker {
		return nil, fmt.Errorf("%w: got 0x%02X", ErrBadMarker, s.buf[2])
	}
	respLen := int(binary.LittleEndian.Uint32(s.buf[3 : 3+ResponseLenSize]))
	if respLen > MaxFrame {
		return nil, fmt.Errorf("%w: %d", ErrResponseTooLarge, respLen)
	}
	total := 3 + ResponseLenSize + respLen
	if len(s.buf) < total {
		return nil, nil
	}
	env := &Envelope{
		Flag:   flag,
		Status: s.buf[1],
		Data:   append([]byte(nil), s.buf[3+ResponseLenSize:total]...),
	}
	s.buf = s.buf[total:]
	return env, nil
}
