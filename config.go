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

// Protocol selects the smartcard transmission protocol.
type Protocol byte

const (
	// ProtocolAuto lets the reader pick from the card's ATR, preferring
	// T=1 when the card offers it.
	ProtocolAuto Protocol = iota
	// ProtocolT0 forces the byte-oriented T=0 protocol.
	ProtocolT0
	// ProtocolT1 forces the block-oriented T=1 protocol.
	ProtocolT1
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolAuto:
		return "auto"
	case ProtocolT0:
		return "T=0"
	case ProtocolT1:
		return "T=1"
	default:
		return fmt.Sprintf("protocol(%d)", byte(p))
	}
}

// CardConfig is the payload of the 'c' (configure) command.
//
// Wire layout (11 bytes, little-endian):
//
//	protocol:1 etu:4 freq:4 negotiatePTS:1 negotiateBaudrate:1
//
// A zero ETU or frequency means "derive from the ATR and negotiation".
type CardConfig struct {
	ETU               uint32
	Freq              uint32
	Protocol          Protocol
	NegotiatePTS      bool
	NegotiateBaudrate bool
}

// Pack encodes the configuration into its wire form.
func (c *CardConfig) Pack() ([]byte, error) {
	if c.Protocol > ProtocolT1 {
		return nil, fmt.Errorf("%w: protocol %d", ErrInvalidParameter, c.Protocol)
	}
	buf := make([]byte, frame.CardConfigSize)
	buf[0] = byte(c.Protocol)
	binary.LittleEndian.PutUint32(buf[1:5], c.ETU)
	binary.LittleEndian.PutUint32(buf[5:9], c.Freq)
	buf[9] = boolByte(c.NegotiatePTS)
	buf[10] = boolByte(c.NegotiateBaudrate)
	return buf, nil
}

// UnpackCardConfig decodes a configuration payload.
func UnpackCardConfig(b []byte) (*CardConfig, error) {
	if len(b) != frame.CardConfigSize {
		return nil, fmt.Errorf("%w: card config needs %d bytes, got %d",
			ErrInvalidFormat, frame.CardConfigSize, len(b))
	}
	if b[0] > byte(ProtocolT1) {
		return nil, fmt.Errorf("%w: protocol %d", ErrInvalidFormat, b[0])
	}
	return &CardConfig{
		Protocol:          Protocol(b[0]),
		ETU:               binary.LittleEndian.Uint32(b[1:5]),
		Freq:              binary.LittleEndian.Uint32(b[5:9]),
		NegotiatePTS:      b[9] != 0,
		NegotiateBaudrate: b[10] != 0,
	}, nil
}

// NegotiationOutcome reports how a configure command concluded.
type NegotiationOutcome byte

const (
	// OutcomeAgreed means the card accepted the proposed parameters.
	OutcomeAgreed NegotiationOutcome = iota
	// OutcomeRejectedFallback means the card refused and the reader fell
	// back to the card's ATR defaults.
	OutcomeRejectedFallback
	// OutcomeTimeoutFallback means the card did not answer the
	// negotiation in time and the reader fell back to the ATR defaults.
	OutcomeTimeoutFallback
)

// String returns the outcome name.
func (o NegotiationOutcome) String() string {
	switch o {
	case OutcomeAgreed:
		return "agreed"
	case OutcomeRejectedFallback:
		return "rejected (fallback active)"
	case OutcomeTimeoutFallback:
		return "timeout (fallback active)"
	default:
		return fmt.Sprintf("outcome(%d)", byte(o))
	}
}

// NegotiationReport is the response of the 'c' command. It always reflects
// the configuration actually in force, never the requested one.
//
// Wire layout (11 bytes, little-endian):
//
//	outcome:1 protocol:1 etu:4 freq:4 ifsc:1
type NegotiationReport struct {
	ETU      uint32
	Freq     uint32
	Outcome  NegotiationOutcome
	Protocol Protocol
	IFSC     byte
}

// FallbackActive reports whether the active parameters are the card's
// defaults rather than the requested ones.
func (r *NegotiationReport) FallbackActive() bool {
	return r.Outcome != OutcomeAgreed
}

// Err maps a fallback outcome onto the matching sentinel error, or nil when
// the negotiation succeeded. Callers that treat fallback as a failure can
// use this directly.
func (r *NegotiationReport) Err() error {
	switch r.Outcome {
	case OutcomeAgreed:
		return nil
	case OutcomeTimeoutFallback:
		return ErrNegotiationTimeout
	default:
		return ErrNegotiationRejected
	}
}

// Pack encodes the report into its wire form.
func (r *NegotiationReport) Pack() []byte {
	buf := make([]byte, frame.NegotiationReportSize)
	buf[0] = byte(r.Outcome)
	buf[1] = byte(r.Protocol)
	binary.LittleEndian.PutUint32(buf[2:6], r.ETU)
	binary.LittleEndian.PutUint32(buf[6:10], r.Freq)
	buf[10] = r.IFSC
	return buf
}

// UnpackNegotiationReport decodes a report payload.
func UnpackNegotiationReport(b []byte) (*NegotiationReport, error) {
	if len(b) != frame.NegotiationReportSize {
		return nil, fmt.Errorf("%w: negotiation report needs %d bytes, got %d",
			ErrInvalidFormat, frame.NegotiationReportSize, len(b))
	}
	return &NegotiationReport{
		Outcome:  NegotiationOutcome(b[0]),
		Protocol: Protocol(b[1]),
		ETU:      binary.LittleEndian.Uint32(b[2:6]),
		Freq:     binary.LittleEndian.Uint32(b[6:10]),
		IFSC:     b[10],
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
