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

// Package soft implements an in-process ISO 7816-3 card. It answers at the
// byte level like a contact card: ATR on reset, PPS negotiation with a
// configurable policy, the T=0 procedure-byte machine with GET RESPONSE and
// ENVELOPE, and a T=1 block responder with optional checksum fault
// injection. It backs the emulator binary and the protocol test suites.
package soft

import (
	"context"
	"fmt"
	"sync/atomic"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/internal/syncutil"
)

// PPSPolicy selects how the card answers a PPS request.
type PPSPolicy int

const (
	// PPSAccept echoes the proposal, accepting it.
	PPSAccept PPSPolicy = iota
	// PPSRefuse answers with a deviating PPS, forcing the reader onto the
	// ATR defaults.
	PPSRefuse
	// PPSSilent never answers, forcing a negotiation timeout.
	PPSSilent
)

// DefaultATR offers T=0 then T=1 with TA1=0x96 (Fi=512, Di=32), an IFSC of
// 254, and "SOFT" as historical bytes.
var DefaultATR = []byte{
	0x3B, 0xD4, 0x96, 0x00, 0x80, 0xB1, 0xFE, 0x41, 0x01, 0x53, 0x4F, 0x46, 0x54, 0xC3,
}

type t0State int

const (
	t0Idle   t0State = iota
	t0Header         // collecting the 5-byte TPDU header
	t0Data           // collecting the announced data field
	ppsBody          // collecting the PPS request
	t1Block          // collecting a T=1 block
)

// Card is a software smartcard driven one byte at a time. It implements
// the firmware CardIO contract: Put feeds it, Get drains its prepared
// answer, and Get blocks on the context when the card has nothing to say
// (a silent card looks exactly like a timeout).
type Card struct {
	applet   Applet
	atr      []byte
	policy   PPSPolicy
	outgoing map[byte]bool
	present  atomic.Bool

	mu     syncutil.Mutex
	notify chan struct{}
	out    []byte

	state    t0State
	hdr      []byte
	data     []byte
	need     int
	pending  []byte // response bytes awaiting GET RESPONSE
	envelope []byte // accumulated ENVELOPE fragments

	proto     leia.Protocol
	ppsLocked bool
	etu, freq uint32

	// T=1 responder state.
	ifsc         int
	seqCard      byte
	seqReader    byte
	chain        []byte
	sendQueue    [][]byte
	lastBlock    []byte
	corruptEvery int
	blockCount   int
}

// Option configures a Card.
type Option func(*Card)

// WithATR substitutes the raw ATR the card answers on reset.
func WithATR(raw []byte) Option {
	return func(c *Card) { c.atr = append([]byte(nil), raw...) }
}

// WithPPSPolicy selects the negotiation behavior.
func WithPPSPolicy(p PPSPolicy) Option {
	return func(c *Card) { c.policy = p }
}

// WithOutgoingINS marks instructions whose data field flows card-to-reader
// under T=0 (case 2), in addition to the built-in set.
func WithOutgoingINS(ins ...byte) Option {
	return func(c *Card) {
		for _, i := range ins {
			c.outgoing[i] = true
		}
	}
}

// WithCorruptEveryNthBlock flips the checksum of every n-th T=1 block the
// card sends, exercising the reader's retransmission path. Zero disables
// injection.
func WithCorruptEveryNthBlock(n int) Option {
	return func(c *Card) { c.corruptEvery = n }
}

// New creates an inserted card running the given applet.
func New(applet Applet, opts ...Option) *Card {
	c := &Card{
		applet: applet,
		atr:    append([]byte(nil), DefaultATR...),
		outgoing: map[byte]bool{
			0xB0: true, // READ BINARY
			0xC0: true, // GET RESPONSE
			0xCA: true, // GET DATA
			0x84: true, // GET CHALLENGE
		},
		notify: make(chan struct{}, 1),
		ifsc:   254,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.present.Store(true)
	return c
}

// Insert puts the card in the slot.
func (c *Card) Insert() { c.present.Store(true) }

// Remove pulls the card from the slot.
func (c *Card) Remove() { c.present.Store(false) }

// Present implements the card slot presence contact.
func (c *Card) Present() bool { return c.present.Load() }

// ColdReset implements CardIO.
func (c *Card) ColdReset(_ context.Context) ([]byte, error) {
	return c.reset()
}

// WarmReset implements CardIO.
func (c *Card) WarmReset(_ context.Context) ([]byte, error) {
	return c.reset()
}

func (c *Card) reset() ([]byte, error) {
	if !c.present.Load() {
		return nil, fmt.Errorf("soft card: not inserted")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = nil
	c.state = t0Idle
	c.hdr = nil
	c.data = nil
	c.pending = nil
	c.envelope = nil
	c.chain = nil
	c.sendQueue = nil
	c.lastBlock = nil
	c.seqCard = 0
	c.seqReader = 0
	c.blockCount = 0
	c.ppsLocked = false
	c.proto = firstOffered(c.atr)
	return append([]byte(nil), c.atr...), nil
}

// firstOffered returns the first protocol in the ATR's TD chain.
func firstOffered(raw []byte) leia.Protocol {
	atr, err := leia.ParseATR(raw)
	if err != nil {
		return leia.ProtocolT0
	}
	protos := atr.OfferedProtocols()
	return protos[0]
}

// SetTiming implements CardIO; the soft card just records the values.
func (c *Card) SetTiming(etu, freq uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if etu != 0 {
		c.etu = etu
	}
	if freq != 0 {
		c.freq = freq
	}
	return nil
}

// Timing returns the last applied ETU and frequency, for assertions.
func (c *Card) Timing() (etu, freq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.etu, c.freq
}

// Protocol returns the protocol the card is currently speaking.
func (c *Card) Protocol() leia.Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proto
}

// Put implements CardIO: one byte from the reader.
func (c *Card) Put(_ context.Context, b byte) error {
	if !c.present.Load() {
		return fmt.Errorf("soft card: not inserted")
	}
	c.mu.Lock()
	before := len(c.out)
	c.consume(b)
	produced := len(c.out) > before
	c.mu.Unlock()
	if produced {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Get implements CardIO: one byte to the reader, or the context error when
// the card stays quiet.
func (c *Card) Get(ctx context.Context) (byte, error) {
	for {
		c.mu.Lock()
		if len(c.out) > 0 {
			b := c.out[0]
			c.out = c.out[1:]
			c.mu.Unlock()
			return b, nil
		}
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.notify:
		}
	}
}

// consume advances the byte-level state machine. Called with the lock held.
func (c *Card) consume(b byte) {
	switch c.state {
	case t0Idle:
		if c.proto == leia.ProtocolT1 {
			c.state = t1Block
			c.hdr = []byte{b}
			return
		}
		if b == 0xFF && !c.ppsLocked {
			c.state = ppsBody
			c.hdr = []byte{b}
			return
		}
		c.state = t0Header
		c.hdr = []byte{b}

	case t0Header:
		c.hdr = append(c.hdr, b)
		if len(c.hdr) == 5 {
			c.handleTPDU()
		}

	case t0Data:
		c.data = append(c.data, b)
		if len(c.data) == c.need {
			c.handleData()
		}

	case ppsBody:
		c.hdr = append(c.hdr, b)
		if len(c.hdr) >= 2 {
			want := 3 // PPSS PPS0 PCK
			for _, bit := range []byte{0x10, 0x20, 0x40} {
				if c.hdr[1]&bit != 0 {
					want++
				}
			}
			if len(c.hdr) == want {
				c.handlePPS()
			}
		}

	case t1Block:
		c.hdr = append(c.hdr, b)
		if len(c.hdr) >= 3 && len(c.hdr) == 3+int(c.hdr[2])+1 {
			c.handleBlock()
		}
	}
}

func (c *Card) handlePPS() {
	req := c.hdr
	c.hdr = nil
	c.state = t0Idle

	var sum byte
	for _, x := range req {
		sum ^= x
	}
	if sum != 0 {
		// Malformed request: stay silent, the reader will time out.
		return
	}

	switch c.policy {
	case PPSAccept:
		c.out = append(c.out, req...)
		c.ppsLocked = true
		if req[1]&0x0F == 1 {
			c.proto = leia.ProtocolT1
		} else {
			c.proto = leia.ProtocolT0
		}
	case PPSRefuse:
		// Echo a different protocol so the reader sees a refusal rather
		// than garbage.
		pps0 := (req[1] & 0x0F) ^ 0x01
		c.out = append(c.out, 0xFF, pps0, 0xFF^pps0)
	case PPSSilent:
	}
}

func (c *Card) handleTPDU() {
	hdr := c.hdr
	c.hdr = nil
	cla, ins, p3 := hdr[0], hdr[1], hdr[4]

	switch ins {
	case 0xC0: // GET RESPONSE
		n := int(p3)
		if n == 0 {
			n = 256
		}
		if n > len(c.pending) {
			n = len(c.pending)
		}
		c.out = append(c.out, ins)
		c.out = append(c.out, c.pending[:n]...)
		c.pending = c.pending[n:]
		c.queueRemaining()
		c.state = t0Idle

	case 0xC2: // ENVELOPE
		if p3 == 0 {
			c.out = append(c.out, 0x90, 0x00)
			c.state = t0Idle
			return
		}
		c.out = append(c.out, ins)
		c.need = int(p3)
		c.data = nil
		c.hdr = hdr
		c.state = t0Data

	default:
		if c.outgoing[ins] {
			le := int(p3)
			if le == 0 {
				le = 256
			}
			data, sw := c.applet.Process(cla, ins, hdr[2], hdr[3], nil, le)
			if len(data) == 0 && sw>>8 != 0x90 && sw>>8 != 0x61 {
				// A failed command answers its status word directly; 6C
				// length correction is only for successful reads.
				c.out = append(c.out, byte(sw>>8), byte(sw))
				c.state = t0Idle
				return
			}
			if len(data) != le && len(data) <= 255 {
				// Wrong-length case: tell the reader the right Le.
				c.out = append(c.out, 0x6C, byte(len(data)))
				c.state = t0Idle
				return
			}
			if len(data) > le {
				data = data[:le]
			}
			c.out = append(c.out, ins)
			c.out = append(c.out, data...)
			c.out = append(c.out, byte(sw>>8), byte(sw))
			c.state = t0Idle
			return
		}
		if p3 == 0 {
			// Case 1.
			data, sw := c.applet.Process(cla, ins, hdr[2], hdr[3], nil, 0)
			c.finishT0(data, sw)
			c.state = t0Idle
			return
		}
		c.out = append(c.out, ins)
		c.need = int(p3)
		c.data = nil
		c.hdr = hdr
		c.state = t0Data
	}
}

func (c *Card) handleData() {
	hdr := c.hdr
	data := c.data
	c.hdr = nil
	c.data = nil
	c.state = t0Idle

	if hdr[1] == 0xC2 {
		c.envelope = append(c.envelope, data...)
		apdu, err := leia.DecodeISO(c.envelope)
		if err != nil {
			// Not a complete APDU yet; acknowledge the fragment.
			c.out = append(c.out, 0x90, 0x00)
			return
		}
		c.envelope = nil
		le := 0
		if apdu.SendLE != leia.LENone {
			le = int(apdu.Le)
		}
		resp, sw := c.applet.Process(apdu.Cla, apdu.Ins, apdu.P1, apdu.P2, apdu.Data, le)
		c.finishT0(resp, sw)
		return
	}

	resp, sw := c.applet.Process(hdr[0], hdr[1], hdr[2], hdr[3], data, 0)
	c.finishT0(resp, sw)
}

// finishT0 stores a response body for GET RESPONSE windowing and queues
// either the availability status or the bare status word.
func (c *Card) finishT0(data []byte, sw uint16) {
	if len(data) == 0 {
		c.out = append(c.out, byte(sw>>8), byte(sw))
		return
	}
	c.pending = data
	c.pendingSW(sw)
	c.queueRemaining()
}

func (c *Card) pendingSW(sw uint16) {
	// The final status word surfaces after the data drains; a 61xx chain
	// always ends in 9000 for the test applets, so the card folds other
	// status words into the last window.
	if sw != 0x9000 {
		// Keep unusual status words only when no data competes with them.
		c.pending = nil
		c.out = append(c.out, byte(sw>>8), byte(sw))
	}
}

func (c *Card) queueRemaining() {
	switch rem := len(c.pending); {
	case rem == 0:
		c.out = append(c.out, 0x90, 0x00)
	case rem > 255:
		c.out = append(c.out, 0x61, 0x00) // 256 available
	default:
		c.out = append(c.out, 0x61, byte(rem))
	}
}

// handleBlock services one received T=1 block.
func (c *Card) handleBlock() {
	blk := c.hdr
	c.hdr = nil
	c.state = t0Idle

	var sum byte
	for _, x := range blk {
		sum ^= x
	}
	if sum != 0 {
		// Bad checksum from the reader: request retransmission.
		c.sendBlock(0x80|(c.seqReader<<4), nil)
		return
	}

	pcb := blk[1]
	inf := blk[3 : len(blk)-1]
	switch {
	case pcb&0x80 == 0: // I-block
		c.seqReader = ((pcb >> 6) & 0x1) ^ 1
		c.chain = append(c.chain, inf...)
		if pcb&0x20 != 0 {
			// More to come: acknowledge the chain so far.
			c.sendBlock(0x80|(c.seqReader<<4), nil)
			return
		}
		c.processChain()

	case pcb&0xC0 == 0x80: // R-block: retransmit or continue our chain
		want := (pcb >> 4) & 0x1
		if c.lastBlock != nil && c.lastBlock[1]&0x80 == 0 && (c.lastBlock[1]>>6)&0x1 == want {
			// The reader asked for our last block again; resend the
			// clean copy.
			c.out = append(c.out, c.lastBlock...)
			return
		}
		c.shiftQueue()

	default: // S-block
		switch pcb {
		case 0xC1, 0xC3: // IFS, WTX requests from the reader
			c.sendBlock(pcb|0x20, inf)
		case 0xE1, 0xE3: // responses to our requests; nothing pending
		}
	}
}

// processChain runs the reassembled APDU through the applet and queues the
// response as an I-block chain.
func (c *Card) processChain() {
	apduBytes := c.chain
	c.chain = nil

	var resp []byte
	apdu, err := leia.DecodeISO(apduBytes)
	if err != nil {
		resp = []byte{0x67, 0x00}
	} else {
		le := 0
		if apdu.SendLE != leia.LENone {
			le = int(apdu.Le)
		}
		data, sw := c.applet.Process(apdu.Cla, apdu.Ins, apdu.P1, apdu.P2, apdu.Data, le)
		resp = append(append([]byte(nil), data...), byte(sw>>8), byte(sw))
	}

	// Split into IFSC-sized I-blocks; the first goes out now, the rest
	// wait for the reader's R-block acks.
	for off := 0; off < len(resp) || off == 0; {
		n := len(resp) - off
		if n > c.ifsc {
			n = c.ifsc
		}
		pcb := c.seqCard << 6
		if off+n < len(resp) {
			pcb |= 0x20
		}
		c.sendQueue = append(c.sendQueue, c.buildBlock(pcb, resp[off:off+n]))
		c.seqCard ^= 1
		off += n
		if n == 0 {
			break
		}
	}
	c.shiftQueue()
}

func (c *Card) shiftQueue() {
	if len(c.sendQueue) == 0 {
		return
	}
	blk := c.sendQueue[0]
	c.sendQueue = c.sendQueue[1:]
	c.emitBlock(blk)
}

func (c *Card) sendBlock(pcb byte, inf []byte) {
	c.emitBlock(c.buildBlock(pcb, inf))
}

func (c *Card) buildBlock(pcb byte, inf []byte) []byte {
	blk := make([]byte, 0, 4+len(inf))
	blk = append(blk, 0x00, pcb, byte(len(inf)))
	blk = append(blk, inf...)
	var lrc byte
	for _, x := range blk {
		lrc ^= x
	}
	return append(blk, lrc)
}

// emitBlock queues a block for the reader, applying checksum fault
// injection. The clean copy is kept for retransmission.
func (c *Card) emitBlock(blk []byte) {
	c.lastBlock = append([]byte(nil), blk...)
	c.blockCount++
	wire := blk
	if c.corruptEvery > 0 && c.blockCount%c.corruptEvery == 0 {
		wire = append([]byte(nil), blk...)
		wire[len(wire)-1] ^= 0xA5
	}
	c.out = append(c.out, wire...)
}
