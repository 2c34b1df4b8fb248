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

import "github.com/h2lab/go-leia/internal/frame"

// Verdict is the outcome of one parser step.
type Verdict int

const (
	// VerdictIncomplete means more bytes are needed; nothing was consumed,
	// so later bytes extend the same frame.
	VerdictIncomplete Verdict = iota
	// VerdictFrame means a complete, valid frame was extracted.
	VerdictFrame
	// VerdictReady means the raw ready-probe byte was consumed.
	VerdictReady
	// VerdictUnknown means the boundary byte is not a registered opcode.
	// One byte was consumed; scanning resumes at the next.
	VerdictUnknown
	// VerdictTooLarge means the declared length exceeds the per-command or
	// global maximum. The header was consumed; the oversize payload bytes
	// drain as they arrive, scanned for the next boundary.
	VerdictTooLarge
)

// Parser extracts command frames from the ring. It never consumes bytes of
// a partial frame, so a corrupt frame can discard at most its own bytes and
// parsing resynchronizes at the next boundary.
type Parser struct {
	ring  *Ring
	table *Table
}

// NewParser creates a parser over a ring, validating opcodes and payload
// bounds against the dispatch table.
func NewParser(ring *Ring, table *Table) *Parser {
	return &Parser{ring: ring, table: table}
}

// Next attempts to extract one frame, copying its payload into dst. It
// returns the verdict, the opcode at the boundary, and the payload length
// copied (for VerdictFrame). dst must hold at least frame.MaxFrame bytes.
func (p *Parser) Next(dst []byte) (verdict Verdict, opcode byte, n int) {
	if p.ring.Len() == 0 {
		return VerdictIncomplete, 0, 0
	}

	opcode = p.ring.Peek(0)

	if opcode == frame.ReadyByte {
		p.ring.Discard(1)
		return VerdictReady, opcode, 0
	}

	entry := p.table.Lookup(opcode)
	if entry == nil {
		p.ring.Discard(1)
		return VerdictUnknown, opcode, 0
	}

	if p.ring.Len() < frame.HeaderSize {
		return VerdictIncomplete, opcode, 0
	}

	var header [frame.HeaderSize]byte
	p.ring.CopyTo(header[:], frame.HeaderSize)
	length := frame.CommandLength(header[:])

	if length > frame.MaxFrame || length > entry.MaxPayload {
		// The payload was never buffered as a frame: consume the header
		// now and let the declared bytes drain through boundary scanning.
		p.ring.Discard(frame.HeaderSize)
		return VerdictTooLarge, opcode, 0
	}

	if p.ring.Len() < frame.HeaderSize+length {
		return VerdictIncomplete, opcode, 0
	}

	p.ring.Discard(frame.HeaderSize)
	for i := range length {
		dst[i] = p.ring.Peek(i)
	}
	p.ring.Discard(length)
	return VerdictFrame, opcode, length
}
