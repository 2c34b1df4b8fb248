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

// Package pcsc bridges a real smartcard behind a PC/SC reader into the soft
// card's applet layer: the emulator keeps speaking the byte-level protocols
// while the application traffic is answered by actual hardware.
package pcsc

import (
	"errors"
	"fmt"

	"github.com/ebfe/scard"
)

// ErrNoReaders reports that PC/SC knows no connected readers.
var ErrNoReaders = errors.New("no PC/SC readers available")

// ListReaders returns the names of the connected PC/SC readers.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc context: %w", err)
	}
	defer ctx.Release()
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("pcsc list readers: %w", err)
	}
	if len(readers) == 0 {
		return nil, ErrNoReaders
	}
	return readers, nil
}

// Applet forwards APDUs to a card in a PC/SC reader. It satisfies the soft
// card's Applet interface so a hardware card can sit behind the emulated
// transports.
type Applet struct {
	ctx  *scard.Context
	card *scard.Card
}

// Connect opens the named reader, or the first available one when name is
// empty.
func Connect(name string) (*Applet, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("pcsc context: %w", err)
	}
	if name == "" {
		readers, err := ctx.ListReaders()
		if err != nil || len(readers) == 0 {
			ctx.Release()
			return nil, ErrNoReaders
		}
		name = readers[0]
	}
	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("pcsc connect %q: %w", name, err)
	}
	return &Applet{ctx: ctx, card: card}, nil
}

// ATR returns the raw ATR of the connected card, so the emulator can
// advertise the real card's parameters.
func (a *Applet) ATR() ([]byte, error) {
	status, err := a.card.Status()
	if err != nil {
		return nil, fmt.Errorf("pcsc status: %w", err)
	}
	return status.Atr, nil
}

// Process implements the applet contract by transmitting a rebuilt APDU
// through PC/SC and splitting the status word off the answer.
func (a *Applet) Process(cla, ins, p1, p2 byte, data []byte, le int) ([]byte, uint16) {
	apdu := []byte{cla, ins, p1, p2}
	if len(data) > 0 {
		apdu = append(apdu, byte(len(data)))
		apdu = append(apdu, data...)
	}
	if le > 0 {
		apdu = append(apdu, byte(le%256))
	}
	resp, err := a.card.Transmit(apdu)
	if err != nil || len(resp) < 2 {
		return nil, 0x6F00
	}
	n := len(resp)
	sw := uint16(resp[n-2])<<8 | uint16(resp[n-1])
	return resp[:n-2], sw
}

// Close disconnects the card and releases the PC/SC context.
func (a *Applet) Close() error {
	cardErr := a.card.Disconnect(scard.LeaveCard)
	ctxErr := a.ctx.Release()
	if cardErr != nil {
		return cardErr
	}
	return ctxErr
}
