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
	"context"
	"testing"

	"github.com/h2lab/go-leia/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBasics(t *testing.T) {
	t.Parallel()

	r := NewRing(0)
	// Capacity is a power of two holding at least one full frame.
	require.GreaterOrEqual(t, r.Capacity(), frame.MaxFrame+frame.HeaderSize)
	assert.Zero(t, r.Capacity()&(r.Capacity()-1))

	assert.Equal(t, 0, r.Len())
	r.PushSlice([]byte{1, 2, 3})
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, byte(1), r.Peek(0))
	assert.Equal(t, byte(3), r.Peek(2))

	r.Discard(2)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, byte(3), r.Peek(0))

	dst := make([]byte, 4)
	n := r.CopyTo(dst, 4)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(3), dst[0])
	// CopyTo does not consume.
	assert.Equal(t, 1, r.Len())
}

func TestRingOverflowEvictsOldest(t *testing.T) {
	t.Parallel()

	r := NewRing(0)
	size := r.Capacity()

	for i := 0; i < size; i++ {
		r.Push(byte(i))
	}
	require.Equal(t, size, r.Len())
	require.False(t, r.Overflowed())

	// One more byte evicts the oldest and raises the sticky flag.
	r.Push(0xAA)
	assert.Equal(t, size, r.Len())
	assert.True(t, r.Overflowed())
	assert.Equal(t, byte(1), r.Peek(0))

	// The flag stays up until Reset even after draining.
	r.Discard(size)
	assert.True(t, r.Overflowed())
	r.Reset()
	assert.False(t, r.Overflowed())
	assert.Equal(t, 0, r.Len())
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	table := NewTable()
	require.NoError(t, table.Register(&CommandEntry{
		Opcode:     frame.OpSendAPDU,
		Name:       "send-apdu",
		MaxPayload: 16,
		Handler:    func(_ context.Context, p []byte) ([]byte, byte) { return p, 0 },
	}))
	require.NoError(t, table.Register(&CommandEntry{
		Opcode:     frame.OpGetATR,
		Name:       "get-atr",
		MaxPayload: 0,
		Handler:    func(_ context.Context, p []byte) ([]byte, byte) { return nil, 0 },
	}))
	return table
}

func TestTableRegisterRejections(t *testing.T) {
	t.Parallel()

	table := NewTable()
	handler := func(_ context.Context, _ []byte) ([]byte, byte) { return nil, 0 }

	require.Error(t, table.Register(&CommandEntry{Opcode: frame.ReadyByte, Handler: handler}))
	require.Error(t, table.Register(&CommandEntry{Opcode: 'x', MaxPayload: frame.MaxFrame + 1, Handler: handler}))

	require.NoError(t, table.Register(&CommandEntry{Opcode: 'x', Handler: handler}))
	require.Error(t, table.Register(&CommandEntry{Opcode: 'x', Handler: handler}))

	assert.NotNil(t, table.Lookup('x'))
	assert.Nil(t, table.Lookup('y'))
}

func TestParserVerdicts(t *testing.T) {
	t.Parallel()

	ring := NewRing(0)
	parser := NewParser(ring, newTestTable(t))
	dst := make([]byte, frame.MaxFrame)

	// Empty ring: nothing to do.
	verdict, _, _ := parser.Next(dst)
	assert.Equal(t, VerdictIncomplete, verdict)

	// Ready probe consumes exactly one byte.
	ring.PushSlice([]byte{frame.ReadyByte})
	verdict, _, _ = parser.Next(dst)
	assert.Equal(t, VerdictReady, verdict)
	assert.Equal(t, 0, ring.Len())

	// Unknown opcode consumes one byte and resynchronizes at the next.
	ring.PushSlice([]byte{0xEE})
	cmd, err := frame.BuildCommand(frame.OpSendAPDU, []byte{0x01, 0x02})
	require.NoError(t, err)
	ring.PushSlice(cmd)
	verdict, opcode, _ := parser.Next(dst)
	assert.Equal(t, VerdictUnknown, verdict)
	assert.Equal(t, byte(0xEE), opcode)
	verdict, opcode, n := parser.Next(dst)
	assert.Equal(t, VerdictFrame, verdict)
	assert.Equal(t, frame.OpSendAPDU, opcode)
	assert.Equal(t, []byte{0x01, 0x02}, dst[:n])
	assert.Equal(t, 0, ring.Len())
}

func TestParserIncompleteConsumesNothing(t *testing.T) {
	t.Parallel()

	ring := NewRing(0)
	parser := NewParser(ring, newTestTable(t))
	dst := make([]byte, frame.MaxFrame)

	cmd, err := frame.BuildCommand(frame.OpSendAPDU, []byte{0xAA, 0xBB, 0xCC})
	require.NoError(t, err)

	// Deliver byte by byte: every partial view is incomplete and leaves
	// the ring untouched, so the frame assembles across pushes.
	for i, b := range cmd[:len(cmd)-1] {
		ring.Push(b)
		verdict, _, _ := parser.Next(dst)
		require.Equal(t, VerdictIncomplete, verdict, "after byte %d", i)
		require.Equal(t, i+1, ring.Len())
	}
	ring.Push(cmd[len(cmd)-1])
	verdict, _, n := parser.Next(dst)
	assert.Equal(t, VerdictFrame, verdict)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, dst[:n])
}

func TestParserTooLargeConsumesHeaderOnly(t *testing.T) {
	t.Parallel()

	ring := NewRing(0)
	parser := NewParser(ring, newTestTable(t))
	dst := make([]byte, frame.MaxFrame)

	// Declared length above the per-command maximum (16).
	header := []byte{frame.OpSendAPDU, 0x00, 0x00, 0x00, 0x11}
	ring.PushSlice(header)
	verdict, opcode, _ := parser.Next(dst)
	assert.Equal(t, VerdictTooLarge, verdict)
	assert.Equal(t, frame.OpSendAPDU, opcode)
	// Only the header was consumed; a following command still parses once
	// the oversize payload has drained through boundary scanning.
	assert.Equal(t, 0, ring.Len())

	cmd, err := frame.BuildCommand(frame.OpGetATR, nil)
	require.NoError(t, err)
	ring.PushSlice(cmd)
	verdict, opcode, n := parser.Next(dst)
	assert.Equal(t, VerdictFrame, verdict)
	assert.Equal(t, frame.OpGetATR, opcode)
	assert.Equal(t, 0, n)
}

func TestParserZeroMaxPayloadRejectsPayload(t *testing.T) {
	t.Parallel()

	ring := NewRing(0)
	parser := NewParser(ring, newTestTable(t))
	dst := make([]byte, frame.MaxFrame)

	cmd, err := frame.BuildCommand(frame.OpGetATR, []byte{0x01})
	require.NoError(t, err)
	ring.PushSlice(cmd)
	verdict, _, _ := parser.Next(dst)
	assert.Equal(t, VerdictTooLarge, verdict)
}
