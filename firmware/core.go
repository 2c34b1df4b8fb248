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
	"io"
	"time"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/internal/frame"
	"github.com/h2lab/go-leia/internal/syncutil"
)

// Handler processes one command payload and returns the response payload
// and a status byte. A non-OK status turns into an error envelope; the
// payload is still sent when non-nil.
type Handler func(ctx context.Context, payload []byte) ([]byte, byte)

// CommandEntry describes one dispatchable command.
type CommandEntry struct {
	Handler    Handler
	Name       string
	MaxPayload int
	Opcode     byte
}

// Table is the opcode dispatch table. The parser consults it to validate
// boundaries; the core consults it to run handlers.
type Table struct {
	entries map[byte]*CommandEntry
}

// NewTable creates an empty dispatch table.
func NewTable() *Table {
	return &Table{entries: make(map[byte]*CommandEntry)}
}

// Register adds a command. Duplicate opcodes, the reserved ready byte, and
// per-command maxima beyond the global frame bound are rejected.
func (t *Table) Register(e *CommandEntry) error {
	if e.Opcode == frame.ReadyByte {
		return fmt.Errorf("opcode 0x%02X is reserved for the ready handshake", e.Opcode)
	}
	if e.MaxPayload > frame.MaxFrame {
		return fmt.Errorf("command %s: max payload %d exceeds frame bound %d",
			e.Name, e.MaxPayload, frame.MaxFrame)
	}
	if _, dup := t.entries[e.Opcode]; dup {
		return fmt.Errorf("opcode '%c' registered twice", e.Opcode)
	}
	t.entries[e.Opcode] = e
	return nil
}

// Lookup returns the entry for an opcode, or nil.
func (t *Table) Lookup(opcode byte) *CommandEntry {
	return t.entries[opcode]
}

// WaitInterval is how often a busy core emits a wait-extension flag so the
// host keeps its read deadline open during a slow card exchange.
const WaitInterval = 100 * time.Millisecond

// CoreOption configures a Core.
type CoreOption func(*Core)

// WithPulser attaches a hardware trigger line.
func WithPulser(p Pulser) CoreOption {
	return func(c *Core) { c.pulser = p }
}

// WithClock substitutes the instrumentation clock.
func WithClock(clk Clock) CoreOption {
	return func(c *Core) { c.clock = clk }
}

// WithRingCapacity sizes the receive ring.
func WithRingCapacity(n int) CoreOption {
	return func(c *Core) { c.ringCap = n }
}

// WithWaitInterval changes the busy-flag cadence. Zero disables wait
// flags entirely.
func WithWaitInterval(d time.Duration) CoreOption {
	return func(c *Core) { c.waitEvery = d }
}

// Core is the reader firmware: it owns the receive ring, the dispatch
// table, the negotiation machine, the transport engines, and the
// trigger/timer banks. One core serves one card slot.
//
// Feed may be called from a different goroutine than Step; everything else
// runs on the dispatch goroutine.
type Core struct {
	card      CardIO
	pulser    Pulser
	clock     Clock
	timers    *TimerBank
	triggers  *TriggerBank
	pts       *PTS
	table     *Table
	ring      *Ring
	parser    *Parser
	t1        *T1
	atr       *leia.ATR
	reqBuf    []byte
	ringMu    syncutil.Mutex
	ringCap   int
	waitEvery time.Duration
	dfu       bool
}

// NewCore assembles a core around a card slot.
func NewCore(card CardIO, opts ...CoreOption) (*Core, error) {
	c := &Core{
		card:      card,
		pulser:    NopPulser{},
		ringCap:   DefaultRingCapacity,
		waitEvery: WaitInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = NewMonotonicClock()
	}
	c.timers = NewTimerBank(c.clock)
	c.triggers = NewTriggerBank(c.pulser, c.clock)
	c.pts = NewPTS()
	c.pts.Reset(nil)
	c.ring = NewRing(c.ringCap)
	c.reqBuf = make([]byte, frame.MaxFrame)

	c.table = NewTable()
	entries := []*CommandEntry{
		{Opcode: frame.OpResetCard, Name: "reset-card", MaxPayload: 1, Handler: c.handleResetCard},
		{Opcode: frame.OpConfigure, Name: "configure", MaxPayload: frame.CardConfigSize, Handler: c.handleConfigure},
		{Opcode: frame.OpGetATR, Name: "get-atr", MaxPayload: 0, Handler: c.handleGetATR},
		{Opcode: frame.OpIsCardInserted, Name: "is-card-inserted", MaxPayload: 0, Handler: c.handleIsCardInserted},
		{Opcode: frame.OpSendAPDU, Name: "send-apdu", MaxPayload: frame.APDUHeaderSize + frame.MaxAPDUPayload, Handler: c.handleSendAPDU},
		{Opcode: frame.OpGetTimers, Name: "get-timers", MaxPayload: 0, Handler: c.handleGetTimers},
		{Opcode: frame.OpSetTriggerStrategy, Name: "set-trigger-strategy", MaxPayload: 1 + frame.TriggerStrategySize, Handler: c.handleSetTriggerStrategy},
		{Opcode: frame.OpGetTriggerStrategy, Name: "get-trigger-strategy", MaxPayload: 1, Handler: c.handleGetTriggerStrategy},
		{Opcode: frame.OpEnterDFU, Name: "enter-dfu", MaxPayload: 0, Handler: c.handleEnterDFU},
	}
	for _, e := range entries {
		if err := c.table.Register(e); err != nil {
			return nil, err
		}
	}
	c.parser = NewParser(c.ring, c.table)
	return c, nil
}

// Triggers exposes the trigger bank, mainly for tests and the emulator.
func (c *Core) Triggers() *TriggerBank { return c.triggers }

// Timers exposes the timer bank.
func (c *Core) Timers() *TimerBank { return c.timers }

// Overflowed reports whether the receive ring has dropped bytes.
func (c *Core) Overflowed() bool {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()
	return c.ring.Overflowed()
}

// Feed pushes raw received bytes into the ring without parsing them.
func (c *Core) Feed(p []byte) {
	c.ringMu.Lock()
	c.ring.PushSlice(p)
	c.ringMu.Unlock()
}

// Step extracts and services at most one boundary from the ring, writing
// whatever the protocol requires to w. It reports whether it made progress
// and whether the core should shut down (after a DFU acknowledgment).
func (c *Core) Step(ctx context.Context, w io.Writer) (progress, shutdown bool, err error) {
	c.ringMu.Lock()
	verdict, opcode, n := c.parser.Next(c.reqBuf)
	c.ringMu.Unlock()

	switch verdict {
	case VerdictIncomplete:
		return false, false, nil

	case VerdictReady:
		_, err = w.Write([]byte{frame.ReadyAck})
		return true, false, err

	case VerdictUnknown:
		_, err = w.Write(frame.EncodeEnvelope(frame.FlagUnknown, leia.StatusUnknownError, nil))
		return true, false, err

	case VerdictTooLarge:
		_, err = w.Write(frame.EncodeEnvelope(frame.FlagError, leia.StatusPayloadTooLarge, nil))
		return true, false, err
	}

	entry := c.table.Lookup(opcode)
	payload, status := c.dispatch(ctx, entry, c.reqBuf[:n], w)

	flag := frame.FlagOK
	if status != leia.StatusOK {
		flag = frame.FlagError
	}
	if _, err := w.Write(frame.EncodeEnvelope(flag, status, payload)); err != nil {
		return true, false, err
	}
	return true, c.dfu, nil
}

// dispatch runs a handler while a side goroutine emits wait flags at the
// configured cadence, so slow card exchanges do not starve the host.
func (c *Core) dispatch(ctx context.Context, entry *CommandEntry, payload []byte, w io.Writer) ([]byte, byte) {
	if c.waitEvery <= 0 {
		return entry.Handler(ctx, payload)
	}
	done := make(chan struct{})
	flagged := make(chan struct{})
	go func() {
		defer close(flagged)
		t := time.NewTicker(c.waitEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if _, err := w.Write([]byte{frame.FlagWait}); err != nil {
					return
				}
			}
		}
	}()
	resp, status := entry.Handler(ctx, payload)
	close(done)
	<-flagged
	return resp, status
}

// Run feeds the core from rw until the context ends, the stream closes, or
// a DFU command shuts the reader down.
func (c *Core) Run(ctx context.Context, rw io.ReadWriter) error {
	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, rerr := rw.Read(buf)
		if n > 0 {
			c.Feed(buf[:n])
		}
		for {
			progress, shutdown, err := c.Step(ctx, rw)
			if err != nil {
				return err
			}
			if shutdown {
				return nil
			}
			if !progress {
				break
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

// hook fires one instrumentation point: the timer bank samples it and the
// trigger bank evaluates it, in that order so a pulse delay cannot skew
// the sample.
func (c *Core) hook(point uint32) {
	c.timers.Sample(point)
	c.triggers.Cross(point)
}

// cardIO returns the instrumented byte channel the transport engines use.
// Every byte crossing fires the IRQ hooks and feeds the answer timer.
func (c *Core) cardIO() byteIO {
	return byteIO{
		put: func(ctx context.Context, b byte) error {
			c.hook(leia.TrigIRQPutc)
			c.timers.MarkCommandByte()
			return c.card.Put(ctx, b)
		},
		get: func(ctx context.Context) (byte, error) {
			b, err := c.card.Get(ctx)
			if err == nil {
				c.timers.MarkResponseByte()
				c.hook(leia.TrigIRQGetc)
			}
			return b, err
		},
	}
}

func (c *Core) handleResetCard(ctx context.Context, payload []byte) ([]byte, byte) {
	warm := false
	if len(payload) == 1 {
		switch payload[0] {
		case leia.ColdReset:
		case leia.WarmReset:
			warm = true
		default:
			return nil, leia.StatusBadParameter
		}
	}
	if !c.card.Present() {
		c.atr = nil
		return nil, leia.StatusCardNotInserted
	}

	// A reset opens a new card session: the armed trigger strategy starts
	// its sequence over, so a single-shot strategy fires once per session.
	c.triggers.Rearm()
	c.timers.Restart()
	c.hook(leia.TrigGetATRPre)
	var raw []byte
	var err error
	if warm {
		raw, err = c.card.WarmReset(ctx)
	} else {
		raw, err = c.card.ColdReset(ctx)
	}
	c.hook(leia.TrigGetATRPost)
	c.timers.Complete()
	if err != nil {
		c.atr = nil
		return nil, leia.StatusCardTransport
	}

	atr, err := leia.ParseATR(raw)
	if err != nil {
		c.atr = nil
		return nil, leia.StatusCardTransport
	}
	c.atr = atr
	c.pts.Reset(atr)
	c.t1 = nil
	// A reset falls back to the ATR's first-offered timing.
	if err := c.card.SetTiming(atr.DefaultETU(), 0); err != nil {
		return nil, leia.StatusCardTransport
	}
	return nil, leia.StatusOK
}

func (c *Core) handleConfigure(ctx context.Context, payload []byte) ([]byte, byte) {
	cfg, err := leia.UnpackCardConfig(payload)
	if err != nil {
		return nil, leia.StatusBadParameter
	}
	if !c.card.Present() {
		return nil, leia.StatusCardNotInserted
	}
	if c.atr == nil {
		// Negotiation needs a fresh ATR; configure implies a cold reset
		// when none was done.
		if _, status := c.handleResetCard(ctx, nil); status != leia.StatusOK {
			return nil, status
		}
	}

	report, err := c.pts.Negotiate(ctx, c.card, cfg, c.atr)
	c.t1 = nil
	if err != nil {
		// The PPS exchange died on the line; neither the request nor the
		// fallback is known to be in force.
		return nil, leia.StatusNegotiation
	}
	return report.Pack(), leia.StatusOK
}

func (c *Core) handleGetATR(_ context.Context, _ []byte) ([]byte, byte) {
	if c.atr == nil {
		return nil, leia.StatusCardNotInserted
	}
	return c.atr.Pack(), leia.StatusOK
}

func (c *Core) handleIsCardInserted(_ context.Context, _ []byte) ([]byte, byte) {
	b := byte(0)
	if c.card.Present() {
		b = 1
	}
	return []byte{b}, leia.StatusOK
}

func (c *Core) handleSendAPDU(ctx context.Context, payload []byte) ([]byte, byte) {
	if !c.card.Present() || c.atr == nil {
		return nil, leia.StatusCardNotInserted
	}
	apdu, err := leia.UnpackAPDU(payload)
	if err != nil {
		if errors.Is(err, leia.ErrDataTooLarge) {
			return nil, leia.StatusPayloadTooLarge
		}
		return nil, leia.StatusBadParameter
	}

	active := c.pts.Active()
	c.timers.Restart()

	var data []byte
	var sw1, sw2 byte
	switch active.Protocol {
	case leia.ProtocolT1:
		c.hook(leia.TrigPreSendAPDUT1)
		data, sw1, sw2, err = c.exchangeT1(ctx, apdu, active.IFSC)
		c.hook(leia.TrigPostRespT1)
	default:
		if apdu.Extended() || len(apdu.Data) > maxShortData {
			c.hook(leia.TrigPreSendAPDUFragmentedT0)
		} else {
			c.hook(leia.TrigPreSendAPDUShortT0)
		}
		t0 := NewT0(c.cardIO())
		data, sw1, sw2, err = t0.Exchange(ctx, apdu)
		c.hook(leia.TrigPostRespT0)
	}
	c.timers.Complete()
	if err != nil {
		return nil, leia.StatusCardTransport
	}

	deltaT, deltaTAnswer := c.timers.Timings()
	resp := &leia.Response{
		Data:         data,
		DeltaT:       deltaT,
		DeltaTAnswer: deltaTAnswer,
		SW1:          sw1,
		SW2:          sw2,
	}
	packed, err := resp.Pack()
	if err != nil {
		return nil, leia.StatusCardTransport
	}
	return packed, leia.StatusOK
}

// exchangeT1 runs an APDU over the block protocol, keeping the engine and
// its sequence numbers alive across calls within one card session.
func (c *Core) exchangeT1(ctx context.Context, apdu *leia.APDU, ifsc byte) ([]byte, byte, byte, error) {
	if c.t1 == nil {
		c.t1 = NewT1(c.cardIO(), ifsc)
	}
	raw, err := c.t1.Exchange(ctx, apdu.EncodeISO())
	if err != nil {
		return nil, 0, 0, err
	}
	if len(raw) < 2 {
		return nil, 0, 0, fmt.Errorf("%w: response shorter than a status word", ErrBlockExchange)
	}
	n := len(raw)
	return raw[:n-2], raw[n-2], raw[n-1], nil
}

func (c *Core) handleGetTimers(_ context.Context, _ []byte) ([]byte, byte) {
	packed, err := c.timers.Snapshot().Pack()
	if err != nil {
		return nil, leia.StatusUnknownError
	}
	return packed, leia.StatusOK
}

func (c *Core) handleSetTriggerStrategy(_ context.Context, payload []byte) ([]byte, byte) {
	if len(payload) != 1+frame.TriggerStrategySize {
		return nil, leia.StatusBadParameter
	}
	strat, err := leia.UnpackTriggerStrategy(payload[1:])
	if err != nil {
		if errors.Is(err, leia.ErrStrategyOverflow) {
			return nil, leia.StatusStrategyError
		}
		return nil, leia.StatusBadParameter
	}
	if err := c.triggers.Set(int(payload[0]), strat); err != nil {
		return nil, leia.StatusStrategyError
	}
	return nil, leia.StatusOK
}

func (c *Core) handleGetTriggerStrategy(_ context.Context, payload []byte) ([]byte, byte) {
	if len(payload) != 1 {
		return nil, leia.StatusBadParameter
	}
	strat, err := c.triggers.Get(int(payload[0]))
	if err != nil {
		return nil, leia.StatusBadParameter
	}
	packed, err := strat.Pack()
	if err != nil {
		return nil, leia.StatusStrategyError
	}
	return packed, leia.StatusOK
}

func (c *Core) handleEnterDFU(_ context.Context, _ []byte) ([]byte, byte) {
	c.dfu = true
	return nil, leia.StatusOK
}
