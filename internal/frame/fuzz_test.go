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
	"testing"

	"github.com/stretchr/testify/require"
)

// FuzzEnvelopeScanner feeds arbitrary byte streams to the envelope scanner.
// The scanner must never panic and must either stay incomplete, produce a
// bounded envelope, or report an error.
func FuzzEnvelopeScanner(f *testing.F) {
	f.Add(EncodeEnvelope(FlagOK, 0x00, []byte{0x01, 0x02}))
	f.Add(EncodeEnvelope(FlagError, 0x01, nil))
	f.Add([]byte{FlagWait, FlagWait, FlagOK, 0x00, RespMarker, 0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0xFF, 0x00, 0x41})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		var s EnvelopeScanner
		s.Feed(data)
		env, err := s.Envelope()
		if err != nil {
			return
		}
		if env != nil {
			require.LessOrEqual(t, len(env.Data), MaxFrame)
		}
	})
}

// FuzzBuildCommand checks that any payload within bounds round-trips through
// the command header.
func FuzzBuildCommand(f *testing.F) {
	f.Add(byte('a'), []byte{0x00, 0xA4, 0x04, 0x00})
	f.Add(byte('t'), []byte{})
	f.Add(byte(0x00), []byte{0xFF})

	f.Fuzz(func(t *testing.T, opcode byte, payload []byte) {
		buf, err := BuildCommand(opcode, payload)
		if len(payload) > MaxFrame {
			require.Error(t, err)
			return
		}
		require.NoError(t, err)
		require.Equal(t, opcode, buf[0])
		require.Equal(t, len(payload), CommandLength(buf))
	})
}
