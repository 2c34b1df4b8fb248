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

// ErrPayloadTooLarge is returned when a command payload exceeds MaxFrame.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum frame size")

// BuildCommand encodes a command frame: opcode, 4-byte big-endian length,
// payload. A nil payload encodes as length zero.
func BuildCommand(opcode byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxFrame)
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = opcode
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// CommandLength decodes the declared payload length from a command header.
// The header slice must hold at least HeaderSize bytes.
func CommandLength(header []byte) int {
	return int(binary.BigEndian.Uint32(header[1:HeaderSize]))
}
