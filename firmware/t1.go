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
	"errors"
	"fmt"

	leia "github.com/h2lab/go-leia"
)

const (
	// t1Retries is how many times a block is retransmitted on EDC or
	// sequence errors before the exchange fails.
	t1Retries = 3

	t1MaxINF = 254

	sBlockResyncReq = 0xC0
	sBlockIFSReq    = 0xC1
	sBlockAbortReq  = 0xC2
	sBlockWTXReq    = 0xC3
	sBlockRespBit   = 0x20
)

// ErrBlockExchange reports a T=1 exchange that could not complete within
// the retransmission budget.
var ErrBlockExchange = errors.New("T=1 block exchange failed")

// ErrCardAbort reports a card-initiated S(ABORT).
var ErrCardAbort = errors.New("card aborted the chain")

var errBadEDC = errors.New("block checksum mismatch")

// t1Block is one decoded T=1 block.
type t1Block struct {
	nad byte
	pcb byte
	inf []byte
}

func (b *t1Block) isIBlock() bool { return b.pcb&0x80 == 0 }
func (b *t1Block) isRBlock() bool { return b.pcb&0xC0 == 0x80 }
func (b *t1Block) isSBlock() bool { return b.pcb&0xC0 == 0xC0 }
func (b *t1Block) seq() byte {
	if b.isIBlock() {
		return (b.pcb >> 6) & 0x1
	}
	return (b.pcb >> 4) & 0x1
}
func (b *t1Block) more() bool { return b.pcb&0x20 != 0 }

// T1 drives the block-oriented T=1 protocol: I-block chaining within the
// card's IFSC, R-block retransmission with LRC error detection, and the
// S-block requests a card may interleave (WTX, IFS, ABORT).
type T1 struct {
	io    byteIO
	ifsc  int
	seqTx byte
	seqRx byte
}

// NewT1 creates a T=1 engine over an instrumented byte channel. ifsc is the
// card's maximum information field size from its ATR.
func NewT1(io byteIO, ifsc byte) *T1 {
	n := int(ifsc)
	if n == 0 || n > t1MaxINF {
		n = 32
	}
	return &T1{io: io, ifsc: n}
}

// Reset returns the send sequence numbers to their post-ATR state.
func (t *T1) Reset() {
	t.seqTx = 0
	t.seqRx = 0
}

// Exchange sends a complete APDU as a chain of I-blocks and reassembles the
// card's response chain. The returned bytes are the response body followed
// by the status word.
func (t *T1) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	if err := t.sendChain(ctx, apdu); err != nil {
		return nil, err
	}
	return t.receiveChain(ctx)
}

// sendChain splits the APDU into IFSC-sized I-blocks. Every block except
// the last carries the more bit and must be acknowledged by R(next) before
// the chain continues.
func (t *T1) sendChain(ctx context.Context, apdu []byte) error {
	for off := 0; off < len(apdu) || off == 0; {
		n := len(apdu) - off
		if n > t.ifsc {
			n = t.ifsc
		}
		last := off+n == len(apdu)
		pcb := t.seqTx << 6
		if !last {
			pcb |= 0x20
		}
		chunk := apdu[off : off+n]

		if last {
			// The final block's acknowledgment is the response chain;
			// receiveChain handles it.
			if err := t.writeBlockRetry(ctx, pcb, chunk); err != nil {
				return err
			}
			t.seqTx ^= 1
			return nil
		}

		if err := t.writeBlockAcked(ctx, pcb, chunk); err != nil {
			return err
		}
		t.seqTx ^= 1
		off += n
	}
	return nil
}

// writeBlockRetry writes one block; a transmit error is terminal since the
// byte channel has no framing to recover into.
func (t *T1) writeBlockRetry(ctx context.Context, pcb byte, inf []byte) error {
	return t.writeBlock(ctx, pcb, inf)
}

// writeBlockAcked writes a chained block and waits for the card's R-block
// acknowledging the next sequence number, retransmitting on EDC or sequence
// errors. S-block requests arriving instead of the acknowledgment are
// serviced in place: the card received our block, so only the read is
// repeated, never the transmission.
func (t *T1) writeBlockAcked(ctx context.Context, pcb byte, inf []byte) error {
	next := (t.seqTx ^ 1) & 0x1
resend:
	for attempt := 0; attempt <= t1Retries; attempt++ {
		if err := t.writeBlock(ctx, pcb, inf); err != nil {
			return err
		}
		for {
			blk, err := t.readBlock(ctx)
			if errors.Is(err, errBadEDC) {
				continue resend
			}
			if err != nil {
				return err
			}
			if blk.isSBlock() {
				if _, err := t.handleSBlock(ctx, blk); err != nil {
					return err
				}
				continue
			}
			if blk.isRBlock() && blk.seq() == next {
				return nil
			}
			// R(same) or anything else: retransmit.
			continue resend
		}
	}
	return fmt.Errorf("%w: no acknowledgment after %d attempts", ErrBlockExchange, t1Retries+1)
}

// receiveChain collects the card's response I-blocks, acknowledging chained
// blocks with R-blocks and servicing S-block requests, until the block
// without the more bit arrives.
func (t *T1) receiveChain(ctx context.Context) ([]byte, error) {
	var out []byte
	errCount := 0
	for {
		blk, err := t.readBlock(ctx)
		if errors.Is(err, errBadEDC) {
			errCount++
			if errCount > t1Retries {
				return nil, fmt.Errorf("%w: persistent checksum errors", ErrBlockExchange)
			}
			// Ask for a retransmission of the expected block.
			if err := t.writeBlock(ctx, 0x80|(t.seqRx<<4), nil); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		errCount = 0

		if blk.isSBlock() {
			if _, err := t.handleSBlock(ctx, blk); err != nil {
				return nil, err
			}
			continue
		}
		if !blk.isIBlock() {
			// An R-block here means the card missed our last block; with
			// no transmit buffer left this is unrecoverable.
			return nil, fmt.Errorf("%w: unexpected R-block during response", ErrBlockExchange)
		}
		if blk.seq() != t.seqRx {
			errCount++
			if errCount > t1Retries {
				return nil, fmt.Errorf("%w: sequence error", ErrBlockExchange)
			}
			if err := t.writeBlock(ctx, 0x80|(t.seqRx<<4), nil); err != nil {
				return nil, err
			}
			continue
		}

		out = append(out, blk.inf...)
		t.seqRx ^= 1
		if !blk.more() {
			return out, nil
		}
		// Acknowledge and wait for the next block of the chain.
		if err := t.writeBlock(ctx, 0x80|(t.seqRx<<4), nil); err != nil {
			return nil, err
		}
	}
}

// handleSBlock services a card-initiated S-block request. WTX is granted as
// asked, an IFS request is adopted, ABORT fails the exchange. Returns true
// when the request was serviced and the caller should keep waiting.
func (t *T1) handleSBlock(ctx context.Context, blk *t1Block) (bool, error) {
	switch blk.pcb {
	case sBlockWTXReq:
		// Grant the multiplier; the context deadline still bounds us.
		if err := t.writeBlock(ctx, sBlockWTXReq|sBlockRespBit, blk.inf); err != nil {
			return false, err
		}
		return true, nil
	case sBlockIFSReq:
		if len(blk.inf) == 1 && blk.inf[0] > 0 && int(blk.inf[0]) <= t1MaxINF {
			t.ifsc = int(blk.inf[0])
		}
		if err := t.writeBlock(ctx, sBlockIFSReq|sBlockRespBit, blk.inf); err != nil {
			return false, err
		}
		return true, nil
	case sBlockAbortReq:
		// Acknowledge, then surface the failure.
		if err := t.writeBlock(ctx, sBlockAbortReq|sBlockRespBit, nil); err != nil {
			return false, err
		}
		return false, ErrCardAbort
	default:
		return false, fmt.Errorf("%w: S-block PCB 0x%02X", ErrBlockExchange, blk.pcb)
	}
}

// writeBlock emits NAD, PCB, LEN, INF and the LRC over all of them.
func (t *T1) writeBlock(ctx context.Context, pcb byte, inf []byte) error {
	if len(inf) > t1MaxINF {
		return fmt.Errorf("%w: INF %d bytes", leia.ErrDataTooLarge, len(inf))
	}
	lrc := byte(0) ^ pcb ^ byte(len(inf))
	hdr := []byte{0, pcb, byte(len(inf))}
	for _, b := range hdr {
		if err := t.io.put(ctx, b); err != nil {
			return err
		}
	}
	for _, b := range inf {
		lrc ^= b
		if err := t.io.put(ctx, b); err != nil {
			return err
		}
	}
	return t.io.put(ctx, lrc)
}

// readBlock reads one block and verifies its LRC, returning errBadEDC on
// mismatch so the caller can request retransmission.
func (t *T1) readBlock(ctx context.Context) (*t1Block, error) {
	var hdr [3]byte
	for i := range hdr {
		b, err := t.io.get(ctx)
		if err != nil {
			return nil, err
		}
		hdr[i] = b
	}
	n := int(hdr[2])
	inf := make([]byte, n)
	for i := range inf {
		b, err := t.io.get(ctx)
		if err != nil {
			return nil, err
		}
		inf[i] = b
	}
	lrc, err := t.io.get(ctx)
	if err != nil {
		return nil, err
	}
	sum := hdr[0] ^ hdr[1] ^ hdr[2]
	for _, b := range inf {
		sum ^= b
	}
	if sum != lrc {
		return nil, errBadEDC
	}
	return &t1Block{nad: hdr[0], pcb: hdr[1], inf: inf}, nil
}
