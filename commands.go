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
	"context"
	"fmt"

	"github.com/h2lab/go-leia/internal/frame"
)

// Command opcodes, re-exported for callers that talk to the transport
// directly.
const (
	OpResetCard          = frame.OpResetCard
	OpConfigure          = frame.OpConfigure
	OpGetTriggerStrategy = frame.OpGetTriggerStrategy
	OpSetTriggerStrategy = frame.OpSetTriggerStrategy
	OpGetTimers          = frame.OpGetTimers
	OpGetATR             = frame.OpGetATR
	OpIsCardInserted     = frame.OpIsCardInserted
	OpSendAPDU           = frame.OpSendAPDU
	OpEnterDFU           = frame.OpEnterDFU
)

// Reset modes for the 'r' command.
const (
	ColdReset byte = 0
	WarmReset byte = 1
)

// ResetCard power-cycles (cold) or resets (warm) the card. The reader
// re-reads the ATR as part of the reset.
func (d *Device) ResetCard(warm bool) error {
	return d.ResetCardContext(context.Background(), warm)
}

// ResetCardContext is ResetCard with context support.
func (d *Device) ResetCardContext(ctx context.Context, warm bool) error {
	mode := ColdReset
	if warm {
		mode = WarmReset
	}
	_, err := d.exchange(ctx, OpResetCard, []byte{mode})
	return err
}

// Configure runs the PTS/ETU negotiation with the requested parameters. The
// returned report always describes the configuration actually in force: on
// rejection or timeout the reader falls back to the card's ATR defaults and
// says so in the outcome.
func (d *Device) Configure(cfg *CardConfig) (*NegotiationReport, error) {
	return d.ConfigureContext(context.Background(), cfg)
}

// ConfigureContext is Configure with context support.
func (d *Device) ConfigureContext(ctx context.Context, cfg *CardConfig) (*NegotiationReport, error) {
	payload, err := cfg.Pack()
	if err != nil {
		return nil, err
	}
	resp, err := d.exchange(ctx, OpConfigure, payload)
	if err != nil {
		return nil, err
	}
	return UnpackNegotiationReport(resp)
}

// GetATR returns the parsed ATR of the inserted card.
func (d *Device) GetATR() (*ATR, error) {
	return d.GetATRContext(context.Background())
}

// GetATRContext is GetATR with context support.
func (d *Device) GetATRContext(ctx context.Context) (*ATR, error) {
	resp, err := d.exchange(ctx, OpGetATR, nil)
	if err != nil {
		return nil, err
	}
	return UnpackATR(resp)
}

// IsCardInserted reports whether a card is physically present in the reader.
func (d *Device) IsCardInserted() (bool, error) {
	return d.IsCardInsertedContext(context.Background())
}

// IsCardInsertedContext is IsCardInserted with context support.
func (d *Device) IsCardInsertedContext(ctx context.Context) (bool, error) {
	resp, err := d.exchange(ctx, OpIsCardInserted, nil)
	if err != nil {
		return false, err
	}
	if len(resp) != 1 {
		return false, fmt.Errorf("%w: card presence needs 1 byte, got %d", ErrInvalidFormat, len(resp))
	}
	return resp[0] != 0, nil
}

// SendAPDU transmits one command APDU and returns the complete response.
// The reader handles fragmentation transparently: the returned response is
// always the full reassembled answer or an error, never a partial one.
func (d *Device) SendAPDU(apdu *APDU) (*Response, error) {
	return d.SendAPDUContext(context.Background(), apdu)
}

// SendAPDUContext is SendAPDU with context support.
func (d *Device) SendAPDUContext(ctx context.Context, apdu *APDU) (*Response, error) {
	payload, err := apdu.Pack()
	if err != nil {
		return nil, err
	}
	resp, err := d.exchange(ctx, OpSendAPDU, payload)
	if err != nil {
		return nil, err
	}
	return UnpackResponse(resp)
}

// SendRawAPDU parses raw ISO 7816-4 APDU bytes and transmits them. Short and
// extended encodings are both accepted.
func (d *Device) SendRawAPDU(raw []byte) (*Response, error) {
	return d.SendRawAPDUContext(context.Background(), raw)
}

// SendRawAPDUContext is SendRawAPDU with context support.
func (d *Device) SendRawAPDUContext(ctx context.Context, raw []byte) (*Response, error) {
	apdu, err := DecodeISO(raw)
	if err != nil {
		return nil, err
	}
	return d.SendAPDUContext(ctx, apdu)
}

// GetTimers reads the timer bank of the current transaction.
func (d *Device) GetTimers() (*Timers, error) {
	return d.GetTimersContext(context.Background())
}

// GetTimersContext is GetTimers with context support.
func (d *Device) GetTimersContext(ctx context.Context) (*Timers, error) {
	resp, err := d.exchange(ctx, OpGetTimers, nil)
	if err != nil {
		return nil, err
	}
	return UnpackTimers(resp)
}

// SetTriggerStrategy programs a strategy bank slot. The slot's occurrence
// counters reset; the strategy persists until overwritten or device reset.
func (d *Device) SetTriggerStrategy(slot int, s *TriggerStrategy) error {
	return d.SetTriggerStrategyContext(context.Background(), slot, s)
}

// SetTriggerStrategyContext is SetTriggerStrategy with context support.
func (d *Device) SetTriggerStrategyContext(ctx context.Context, slot int, s *TriggerStrategy) error {
	if slot < 0 || slot >= StrategyCount {
		return fmt.Errorf("%w: strategy slot %d", ErrInvalidParameter, slot)
	}
	packed, err := s.Pack()
	if err != nil {
		return err
	}
	payload := append([]byte{byte(slot)}, packed...)
	_, err = d.exchange(ctx, OpSetTriggerStrategy, payload)
	return err
}

// GetTriggerStrategy reads back a strategy bank slot, including its firing
// state.
func (d *Device) GetTriggerStrategy(slot int) (*TriggerStrategy, error) {
	return d.GetTriggerStrategyContext(context.Background(), slot)
}

// GetTriggerStrategyContext is GetTriggerStrategy with context support.
func (d *Device) GetTriggerStrategyContext(ctx context.Context, slot int) (*TriggerStrategy, error) {
	if slot < 0 || slot >= StrategyCount {
		return nil, fmt.Errorf("%w: strategy slot %d", ErrInvalidParameter, slot)
	}
	resp, err := d.exchange(ctx, OpGetTriggerStrategy, []byte{byte(slot)})
	if err != nil {
		return nil, err
	}
	return UnpackTriggerStrategy(resp)
}

// EnterDFU asks the reader to reboot into its firmware-update mode. The
// device acknowledges and then drops off the bus; the connection is closed
// afterwards.
func (d *Device) EnterDFU() error {
	return d.EnterDFUContext(context.Background())
}

// EnterDFUContext is EnterDFU with context support.
func (d *Device) EnterDFUContext(ctx context.Context) error {
	if _, err := d.exchange(ctx, OpEnterDFU, nil); err != nil {
		return err
	}
	return d.Close()
}

// DecodeISO parses raw ISO 7816-4 APDU bytes into an APDU structure,
// accepting case 1 through case 4 in both short and extended encodings.
func DecodeISO(raw []byte) (*APDU, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: APDU needs at least 4 header bytes", ErrInvalidFormat)
	}
	a := &APDU{Cla: raw[0], Ins: raw[1], P1: raw[2], P2: raw[3]}
	body := raw[4:]

	switch {
	case len(body) == 0:
		// Case 1.
	case len(body) == 1:
		// Case 2 short.
		a.SendLE = LEShort
		a.Le = uint32(body[0])
		if a.Le == 0 {
			a.Le = 256
		}
	case body[0] != 0x00 || len(body) < 3:
		if err := decodeShortBody(a, body); err != nil {
			return nil, err
		}
	default:
		if err := decodeExtendedBody(a, body[1:]); err != nil {
			return nil, err
		}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeShortBody(a *APDU, body []byte) error {
	lc := int(body[0])
	rest := body[1:]
	switch len(rest) {
	case lc:
		// Case 3 short.
		a.Data = append([]byte(nil), rest...)
	case lc + 1:
		// Case 4 short.
		a.Data = append([]byte(nil), rest[:lc]...)
		a.SendLE = LEShort
		a.Le = uint32(rest[lc])
		if a.Le == 0 {
			a.Le = 256
		}
	default:
		return fmt.Errorf("%w: lc %d does not match body of %d bytes", ErrInvalidFormat, lc, len(rest))
	}
	return nil
}

func decodeExtendedBody(a *APDU, body []byte) error {
	if len(body) == 2 {
		// Case 2 extended.
		a.SendLE = LEExtended
		a.Le = uint32(body[0])<<8 | uint32(body[1])
		if a.Le == 0 {
			a.Le = 65536
		}
		return nil
	}
	if len(body) < 2 {
		return fmt.Errorf("%w: truncated extended length", ErrInvalidFormat)
	}
	lc := int(body[0])<<8 | int(body[1])
	rest := body[2:]
	switch len(rest) {
	case lc:
		// Case 3 extended.
		a.Data = append([]byte(nil), rest...)
	case lc + 2:
		// Case 4 extended.
		a.Data = append([]byte(nil), rest[:lc]...)
		a.SendLE = LEExtended
		a.Le = uint32(rest[lc])<<8 | uint32(rest[lc+1])
		if a.Le == 0 {
			a.Le = 65536
		}
	default:
		return fmt.Errorf("%w: extended lc %d does not match body of %d bytes", ErrInvalidFormat, lc, len(rest))
	}
	return nil
}
