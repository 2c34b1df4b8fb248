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
	"time"

	leia "github.com/h2lab/go-leia"
)

// PTSState tracks the negotiation state machine.
type PTSState int

const (
	// PTSIdle means no negotiation has been attempted since the last reset.
	PTSIdle PTSState = iota
	// PTSRequested means a configure command asked for negotiation.
	PTSRequested
	// PTSNegotiating means the PPS exchange is on the wire.
	PTSNegotiating
	// PTSAgreed means the card echoed the proposal and the new timing is
	// active.
	PTSAgreed
	// PTSRejected means the card refused, answered garbage, or stayed
	// silent; the ATR default timing is active.
	PTSRejected
)

// String returns the state name.
func (s PTSState) String() string {
	switch s {
	case PTSIdle:
		return "idle"
	case PTSRequested:
		return "requested"
	case PTSNegotiating:
		return "negotiating"
	case PTSAgreed:
		return "agreed"
	case PTSRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DefaultPTSTimeout bounds the wait for each PPS response byte.
const DefaultPTSTimeout = 500 * time.Millisecond

// DefaultCardFreq is the card clock assumed when neither the host nor the
// ATR constrains it, in Hz.
const DefaultCardFreq = 5000000

const ppsExchangeByte = 0xFF

// ActiveConfig is the communication configuration currently applied to the
// card line. After a rejected or timed-out negotiation it reflects the ATR
// defaults actually in force, never the refused request.
type ActiveConfig struct {
	ETU      uint32
	Freq     uint32
	Protocol leia.Protocol
	IFSC     byte
}

// PTS runs the protocol-and-timing negotiation after a card reset. One
// instance serves one card session; Negotiate drives the machine from idle
// through the PPS exchange to agreed or rejected.
type PTS struct {
	state    PTSState
	timedOut bool
	active   ActiveConfig
}

// NewPTS creates an idle negotiator.
func NewPTS() *PTS {
	return &PTS{}
}

// State returns the current machine state.
func (p *PTS) State() PTSState { return p.state }

// TimedOut reports whether the last rejection came from a silent card
// rather than an explicit refusal.
func (p *PTS) TimedOut() bool { return p.timedOut }

// Active returns the configuration in force on the card line.
func (p *PTS) Active() ActiveConfig { return p.active }

// Reset returns the machine to idle with ATR defaults derived from atr, or
// first-reset defaults when atr is nil.
func (p *PTS) Reset(atr *leia.ATR) {
	p.state = PTSIdle
	p.timedOut = false
	p.active = atrDefaults(atr)
}

func atrDefaults(atr *leia.ATR) ActiveConfig {
	cfg := ActiveConfig{
		ETU:      leia.DefaultETU,
		Freq:     DefaultCardFreq,
		Protocol: leia.ProtocolT0,
		IFSC:     32,
	}
	if atr == nil {
		return cfg
	}
	cfg.ETU = atr.DefaultETU()
	if atr.OffersProtocol(leia.ProtocolT1) && !atr.OffersProtocol(leia.ProtocolT0) {
		cfg.Protocol = leia.ProtocolT1
	}
	if atr.IFSC != 0 {
		cfg.IFSC = atr.IFSC
	}
	return cfg
}

// Negotiate applies a host configure request against the card behind io.
// The requested protocol (or the card's best offer under ProtocolAuto,
// preferring T=1) is proposed through a PPS exchange bounded by the context
// deadline. The PPS1 timing leg rides along only when the host set
// NegotiateBaudrate; otherwise the ATR timing stays untouched even on
// agreement. On refusal, garbage, or timeout the ATR defaults are kept and
// the report describes that fallback. A line failure during the exchange is
// returned as an error: the card's state is then unknown and not even the
// fallback can be vouched for.
func (p *PTS) Negotiate(ctx context.Context, io CardIO, cfg *leia.CardConfig, atr *leia.ATR) (*leia.NegotiationReport, error) {
	p.state = PTSRequested
	p.timedOut = false
	p.active = atrDefaults(atr)

	proto := cfg.Protocol
	if proto == leia.ProtocolAuto {
		proto = preferredProtocol(atr)
	}

	if !cfg.NegotiatePTS {
		// Explicit opt-out: stay on ATR defaults, honoring only the
		// protocol choice when the card offers it.
		if atr == nil || atr.OffersProtocol(proto) {
			p.active.Protocol = proto
		}
		p.state = PTSAgreed
		return p.report(leia.OutcomeAgreed), nil
	}

	if atr != nil && !atr.OffersProtocol(proto) {
		p.state = PTSRejected
		return p.report(leia.OutcomeRejectedFallback), nil
	}

	p.state = PTSNegotiating
	agreed, timedOut, err := p.exchangePPS(ctx, io, atr, proto, cfg.NegotiateBaudrate)
	if timedOut {
		p.state = PTSRejected
		p.timedOut = true
		return p.report(leia.OutcomeTimeoutFallback), nil
	}
	if err != nil {
		p.state = PTSRejected
		return nil, err
	}
	if !agreed {
		p.state = PTSRejected
		return p.report(leia.OutcomeRejectedFallback), nil
	}

	p.state = PTSAgreed
	p.active.Protocol = proto
	if cfg.NegotiateBaudrate {
		if cfg.ETU != 0 {
			p.active.ETU = cfg.ETU
		}
		if cfg.Freq != 0 {
			p.active.Freq = cfg.Freq
		}
	}
	if err := io.SetTiming(p.active.ETU, p.active.Freq); err != nil {
		// The card agreed but the line refused the new timing; report
		// the fallback that is actually driving the contact.
		p.state = PTSRejected
		p.active = atrDefaults(atr)
		return p.report(leia.OutcomeRejectedFallback), nil
	}
	return p.report(leia.OutcomeAgreed), nil
}

func preferredProtocol(atr *leia.ATR) leia.Protocol {
	if atr != nil && atr.OffersProtocol(leia.ProtocolT1) {
		return leia.ProtocolT1
	}
	return leia.ProtocolT0
}

// exchangePPS sends PPSS PPS0 [PPS1] PCK and matches the card's echo. The
// PPS1 byte is proposed only when the baudrate leg was requested. A
// deviating echo is a refusal; a context expiry while waiting is a timeout.
func (p *PTS) exchangePPS(ctx context.Context, io CardIO, atr *leia.ATR, proto leia.Protocol, withBaud bool) (agreed, timedOut bool, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultPTSTimeout)
	defer cancel()

	pps1 := byte(0x11) // Fi=1 Di=1 fallback
	if atr != nil && atr.TMask[0]&0x1 != 0 {
		pps1 = atr.TA[0]
	}
	pps0 := wireT(proto)
	req := []byte{ppsExchangeByte, pps0}
	if withBaud {
		req[1] |= 0x10
		req = append(req, pps1)
	}
	pck := byte(0)
	for _, b := range req {
		pck ^= b
	}
	req = append(req, pck)

	for _, b := range req {
		if err := io.Put(ctx, b); err != nil {
			return false, isTimeout(err), err
		}
	}

	resp := make([]byte, 0, 4)
	for i := 0; i < 2; i++ {
		b, err := io.Get(ctx)
		if err != nil {
			return false, isTimeout(err), err
		}
		resp = append(resp, b)
	}
	if resp[0] != ppsExchangeByte {
		return false, false, nil
	}
	want := 1 // PCK
	if resp[1]&0x10 != 0 {
		want++ // PPS1 echoed
	}
	for i := 0; i < want; i++ {
		b, err := io.Get(ctx)
		if err != nil {
			return false, isTimeout(err), err
		}
		resp = append(resp, b)
	}

	sum := byte(0)
	for _, b := range resp {
		sum ^= b
	}
	if sum != 0 {
		return false, false, nil
	}
	if resp[1]&0x0F != wireT(proto) {
		return false, false, nil
	}
	// A PPS1 echo is only valid when one was proposed, and must match it.
	if resp[1]&0x10 != 0 && (!withBaud || resp[2] != pps1) {
		return false, false, nil
	}
	return true, false, nil
}

// wireT is the ISO 7816-3 T number carried in PPS0.
func wireT(p leia.Protocol) byte {
	if p == leia.ProtocolT1 {
		return 1
	}
	return 0
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (p *PTS) report(outcome leia.NegotiationOutcome) *leia.NegotiationReport {
	return &leia.NegotiationReport{
		ETU:      p.active.ETU,
		Freq:     p.active.Freq,
		Outcome:  outcome,
		Protocol: p.active.Protocol,
		IFSC:     p.active.IFSC,
	}
}
