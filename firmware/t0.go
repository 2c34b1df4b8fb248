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
	"github.com/h2lab/go-leia/internal/frame"
)

const (
	insGetResponse = 0xC0
	insEnvelope    = 0xC2
	nullByte       = 0x60

	// maxNullBytes bounds the card's waiting-time extensions per TPDU so a
	// wedged card cannot stall the reader forever.
	maxNullBytes = 4096

	// maxShortData is the largest data field a single T=0 TPDU carries.
	maxShortData = 255
)

// ErrCardStalled reports a card that kept sending NULL procedure bytes past
// the reader's patience.
var ErrCardStalled = errors.New("card stalled on NULL procedure bytes")

// errBadProcedure reports a byte that is neither NULL, an INS
// acknowledgment, nor a status word.
var errBadProcedure = errors.New("invalid procedure byte")

// byteIO is the instrumented byte channel the transport engines run over.
// The core wraps CardIO so every byte crossing fires the IRQ hooks and
// feeds the timers.
type byteIO struct {
	put func(ctx context.Context, b byte) error
	get func(ctx context.Context) (byte, error)
}

// T0 drives the byte-oriented T=0 protocol: the procedure-byte state
// machine, GET RESPONSE chaining, Le correction, and ENVELOPE fragmentation
// for commands that exceed a single TPDU.
type T0 struct {
	io byteIO
}

// NewT0 creates a T=0 engine over an instrumented byte channel.
func NewT0(io byteIO) *T0 {
	return &T0{io: io}
}

// Exchange runs one APDU through the card. Commands that fit a single TPDU
// go through directly; larger ones are fragmented into ENVELOPE TPDUs and
// the response reassembled through GET RESPONSE.
func (t *T0) Exchange(ctx context.Context, apdu *leia.APDU) (data []byte, sw1, sw2 byte, err error) {
	if apdu.Extended() || len(apdu.Data) > maxShortData {
		return t.exchangeEnvelope(ctx, apdu)
	}
	return t.exchangeShort(ctx, apdu)
}

func (t *T0) exchangeShort(ctx context.Context, apdu *leia.APDU) (data []byte, sw1, sw2 byte, err error) {
	le := 0
	if apdu.SendLE != leia.LENone {
		le = int(apdu.Le)
		if le == 0 {
			le = 256
		}
	}

	switch {
	case len(apdu.Data) > 0:
		// Case 3/4: send the data field; a case 4 response comes back
		// through GET RESPONSE after 61xx.
		header := [5]byte{apdu.Cla, apdu.Ins, apdu.P1, apdu.P2, byte(len(apdu.Data))}
		_, sw1, sw2, err = t.transmit(ctx, header, apdu.Data, 0)
		if err != nil {
			return nil, 0, 0, err
		}
		if apdu.SendLE != leia.LENone && sw1 == 0x61 {
			return t.getResponse(ctx, apdu.Cla, sw2, le)
		}
		return nil, sw1, sw2, nil

	case apdu.SendLE != leia.LENone:
		// Case 2: receive up to le bytes. 6Cxx corrects the length; 61xx
		// asks for GET RESPONSE.
		p3 := byte(apdu.Le) // 256 encodes as 0
		header := [5]byte{apdu.Cla, apdu.Ins, apdu.P1, apdu.P2, p3}
		data, sw1, sw2, err = t.transmit(ctx, header, nil, le)
		if err != nil {
			return nil, 0, 0, err
		}
		if sw1 == 0x6C {
			header[4] = sw2
			return t.transmit(ctx, header, nil, int(sw2))
		}
		if sw1 == 0x61 {
			more, msw1, msw2, err := t.getResponse(ctx, apdu.Cla, sw2, le-len(data))
			if err != nil {
				return nil, 0, 0, err
			}
			return append(data, more...), msw1, msw2, nil
		}
		return data, sw1, sw2, nil

	default:
		// Case 1.
		header := [5]byte{apdu.Cla, apdu.Ins, apdu.P1, apdu.P2, 0}
		return t.transmit(ctx, header, nil, 0)
	}
}

// exchangeEnvelope fragments a long command into ENVELOPE TPDUs whose
// concatenated data fields reconstruct the full APDU on the card side, then
// reassembles the response through GET RESPONSE chaining.
func (t *T0) exchangeEnvelope(ctx context.Context, apdu *leia.APDU) (data []byte, sw1, sw2 byte, err error) {
	full := apdu.EncodeISO()
	for off := 0; off < len(full); {
		n := len(full) - off
		if n > maxShortData {
			n = maxShortData
		}
		header := [5]byte{apdu.Cla, insEnvelope, 0, 0, byte(n)}
		_, sw1, sw2, err = t.transmit(ctx, header, full[off:off+n], 0)
		if err != nil {
			return nil, 0, 0, err
		}
		off += n
		if off < len(full) {
			// Intermediate envelopes must come back clean.
			if sw1 != 0x90 || sw2 != 0x00 {
				return nil, sw1, sw2, nil
			}
		}
	}

	if sw1 == 0x61 {
		want := int(apdu.Le)
		if apdu.SendLE == leia.LENone {
			want = 0
		} else if want == 0 {
			want = frame.MaxAPDUPayload
		}
		return t.getResponse(ctx, apdu.Cla, sw2, want)
	}
	return nil, sw1, sw2, nil
}

// getResponse chains GET RESPONSE TPDUs while the card keeps answering
// 61xx, collecting up to want bytes.
func (t *T0) getResponse(ctx context.Context, cla, avail byte, want int) (data []byte, sw1, sw2 byte, err error) {
	sw1, sw2 = 0x61, avail
	for sw1 == 0x61 {
		n := int(sw2)
		if n == 0 {
			n = 256
		}
		if want > 0 && n > want-len(data) {
			n = want - len(data)
		}
		if n <= 0 {
			break
		}
		header := [5]byte{cla, insGetResponse, 0, 0, byte(n % 256)}
		var chunk []byte
		chunk, sw1, sw2, err = t.transmit(ctx, header, nil, n)
		if err != nil {
			return nil, 0, 0, err
		}
		data = append(data, chunk...)
	}
	return data, sw1, sw2, nil
}

// transmit runs one TPDU: send the 5-byte header, then obey procedure
// bytes until the status word. INS acknowledges the whole remaining
// transfer, INS^0xFF a single byte, 0x60 asks for more time.
func (t *T0) transmit(ctx context.Context, header [5]byte, send []byte, expect int) (data []byte, sw1, sw2 byte, err error) {
	for _, b := range header[:] {
		if err := t.io.put(ctx, b); err != nil {
			return nil, 0, 0, err
		}
	}

	ins := header[1]
	sent := 0
	nulls := 0
	if expect > 0 {
		data = make([]byte, 0, expect)
	}

	for {
		b, err := t.io.get(ctx)
		if err != nil {
			return nil, 0, 0, err
		}
		switch {
		case b == nullByte:
			nulls++
			if nulls > maxNullBytes {
				return nil, 0, 0, ErrCardStalled
			}

		case b == ins:
			// Transfer everything left in one burst.
			if sent < len(send) {
				for _, d := range send[sent:] {
					if err := t.io.put(ctx, d); err != nil {
						return nil, 0, 0, err
					}
				}
				sent = len(send)
			} else {
				for len(data) < expect {
					d, err := t.io.get(ctx)
					if err != nil {
						return nil, 0, 0, err
					}
					data = append(data, d)
				}
			}

		case b == ins^0xFF:
			// Transfer a single byte.
			if sent < len(send) {
				if err := t.io.put(ctx, send[sent]); err != nil {
					return nil, 0, 0, err
				}
				sent++
			} else if len(data) < expect {
				d, err := t.io.get(ctx)
				if err != nil {
					return nil, 0, 0, err
				}
				data = append(data, d)
			}

		case b&0xF0 == 0x60 || b&0xF0 == 0x90:
			sw1 = b
			sw2, err = t.io.get(ctx)
			if err != nil {
				return nil, 0, 0, err
			}
			return data, sw1, sw2, nil

		default:
			return nil, 0, 0, fmt.Errorf("%w: 0x%02X after INS 0x%02X", errBadProcedure, b, ins)
		}
	}
}
