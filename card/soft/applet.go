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

package soft

import (
	"bytes"

	"github.com/moov-io/bertlv"
)

// Applet is the application layer of a soft card: one call per reassembled
// command APDU, independent of the transport protocol that carried it. le
// is the decoded expected length (0 when the command expects no data).
type Applet interface {
	Process(cla, ins, p1, p2 byte, data []byte, le int) ([]byte, uint16)
}

// AppletFunc adapts a function to the Applet interface.
type AppletFunc func(cla, ins, p1, p2 byte, data []byte, le int) ([]byte, uint16)

// Process implements Applet.
func (f AppletFunc) Process(cla, ins, p1, p2 byte, data []byte, le int) ([]byte, uint16) {
	return f(cla, ins, p1, p2, data, le)
}

// Status words used by the file applet.
const (
	swOK               uint16 = 0x9000
	swFileNotFound     uint16 = 0x6A82
	swWrongP1P2        uint16 = 0x6B00
	swWrongLength      uint16 = 0x6700
	swInsNotSupported  uint16 = 0x6D00
	swClaNotSupported  uint16 = 0x6E00
	swSecurityStatus   uint16 = 0x6982
	swEndOfFileWarning uint16 = 0x6282
)

// Instruction bytes the file applet services.
const (
	insSelect       = 0xA4
	insReadBinary   = 0xB0
	insUpdateBinary = 0xD6
	insGetData      = 0xCA
	insEcho         = 0x10 // proprietary: echoes the command data back
)

// FileApplet is a minimal ISO 7816-4 file-system applet: SELECT by DF name
// answering an FCI template, READ/UPDATE BINARY over one transparent file,
// GET DATA for a few data objects, and a proprietary echo instruction used
// to exercise large transfers.
type FileApplet struct {
	aid      []byte
	label    string
	file     []byte
	selected bool
	objects  map[uint16][]byte
}

// DefaultAID identifies the built-in test application.
var DefaultAID = []byte{0xA0, 0x00, 0x00, 0x06, 0x2A, 0x4C, 0x45, 0x49, 0x41}

// NewFileApplet creates an applet holding a transparent file of the given
// size.
func NewFileApplet(fileSize int) *FileApplet {
	return &FileApplet{
		aid:   append([]byte(nil), DefaultAID...),
		label: "leia-test",
		file:  make([]byte, fileSize),
		objects: map[uint16][]byte{
			0x9F7F: {0x4C, 0x45, 0x49, 0x41}, // "LEIA"
		},
	}
}

// File exposes the transparent file for test assertions.
func (a *FileApplet) File() []byte { return a.file }

// Process implements Applet.
func (a *FileApplet) Process(cla, ins, p1, p2 byte, data []byte, le int) ([]byte, uint16) {
	if cla != 0x00 && cla != 0x80 {
		return nil, swClaNotSupported
	}
	switch ins {
	case insSelect:
		return a.selectFile(p1, data)
	case insReadBinary:
		return a.readBinary(p1, p2, le)
	case insUpdateBinary:
		return a.updateBinary(p1, p2, data)
	case insGetData:
		return a.getData(p1, p2)
	case insEcho:
		out := append([]byte(nil), data...)
		if le > 0 && le < len(out) {
			out = out[:le]
		}
		return out, swOK
	default:
		return nil, swInsNotSupported
	}
}

// selectFile answers SELECT by DF name with a BER-TLV FCI template.
func (a *FileApplet) selectFile(p1 byte, name []byte) ([]byte, uint16) {
	if p1 != 0x04 {
		return nil, swWrongP1P2
	}
	if !bytes.Equal(name, a.aid) {
		return nil, swFileNotFound
	}
	a.selected = true
	fci := []bertlv.TLV{
		bertlv.NewComposite("6F",
			bertlv.NewTag("84", a.aid),
			bertlv.NewComposite("A5",
				bertlv.NewTag("50", []byte(a.label)),
			),
		),
	}
	encoded, err := bertlv.Encode(fci)
	if err != nil {
		return nil, swInsNotSupported
	}
	return encoded, swOK
}

func (a *FileApplet) readBinary(p1, p2 byte, le int) ([]byte, uint16) {
	if !a.selected {
		return nil, swSecurityStatus
	}
	off := int(p1)<<8 | int(p2)
	if off >= len(a.file) {
		return nil, swWrongP1P2
	}
	if le == 0 {
		le = 256
	}
	end := off + le
	sw := swOK
	if end > len(a.file) {
		end = len(a.file)
		sw = swEndOfFileWarning
	}
	return append([]byte(nil), a.file[off:end]...), sw
}

func (a *FileApplet) updateBinary(p1, p2 byte, data []byte) ([]byte, uint16) {
	if !a.selected {
		return nil, swSecurityStatus
	}
	off := int(p1)<<8 | int(p2)
	if off+len(data) > len(a.file) {
		return nil, swWrongLength
	}
	copy(a.file[off:], data)
	return nil, swOK
}

func (a *FileApplet) getData(p1, p2 byte) ([]byte, uint16) {
	tag := uint16(p1)<<8 | uint16(p2)
	obj, ok := a.objects[tag]
	if !ok {
		return nil, swFileNotFound
	}
	return append([]byte(nil), obj...), swOK
}
