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

// Package frame implements the LEIA reader wire protocol: the command frame
// sent by the host and the response envelope sent back by the reader.
//
// Command frame (host to reader):
//
//	[opcode:1][length:4 BE][payload:length]
//
// Response envelope (reader to host):
//
//	['w']...                 wait-extension flags, repeated while busy
//	[flag:1]                 'S' ok | 'U' unknown command | 'E' error
//	[status:1]               status code
//	['R':1]                  response marker
//	[length:4 LE][payload]
//
// The command length is big-endian and the response length is little-endian.
// This asymmetry matches the reader firmware and is kept as-is.
package frame

// Command opcodes recognized by the reader.
const (
	OpResetCard          byte = 'r'
	OpConfigure          byte = 'c'
	OpGetTriggerStrategy byte = 'o'
	OpSetTriggerStrategy byte = 'O'
	OpGetTimers          byte = 'm'
	OpGetATR             byte = 't'
	OpIsCardInserted     byte = '?'
	OpSendAPDU           byte = 'a'
	OpEnterDFU           byte = 'u'
)

// Ready handshake bytes. ReadyByte is sent raw, outside any frame, and is
// reserved: it is never a command opcode.
const (
	ReadyByte byte = ' '
	ReadyAck  byte = 'W'
)

// Response envelope flags.
const (
	FlagWait    byte = 'w' // wait extension, repeated while the reader is busy
	FlagOK      byte = 'S'
	FlagUnknown byte = 'U' // opcode not registered
	FlagError   byte = 'E'

	// RespMarker separates the status byte from the response length.
	RespMarker byte = 'R'
)

// Frame geometry.
const (
	CommandLenSize  = 4
	ResponseLenSize = 4
	// HeaderSize is opcode + command length.
	HeaderSize = 1 + CommandLenSize
)

// Protocol limits shared by the host library and the firmware core.
const (
	// MaxFrame bounds every command and response payload. It is sized for
	// the largest command the reader accepts: an extended APDU plus its
	// header, with headroom for the trigger strategy commands.
	MaxFrame = 16911

	// MaxAPDUPayload bounds APDU command data and expected response length.
	MaxAPDUPayload = 16384

	// TriggerDepth is the maximum number of points in one trigger strategy.
	TriggerDepth = 10

	// TimersDepth is the maximum number of sampled hooks in the timer bank.
	TimersDepth = 10

	// StrategyCount is the number of trigger strategy bank slots.
	StrategyCount = 4
)

// Packed structure sizes, in bytes.
const (
	CardConfigSize        = 11
	NegotiationReportSize = 11
	APDUHeaderSize        = 11
	RespHeaderSize        = 14
	ATRSize               = 55
	TriggerStrategySize   = 206
	TimersHeaderSize      = 9
)

// commandNames maps opcodes to diagnostic names.
var commandNames = map[byte]string{
	OpResetCard:          "ResetCard",
	OpConfigure:          "Configure",
	OpGetTriggerStrategy: "GetTriggerStrategy",
	OpSetTriggerStrategy: "SetTriggerStrategy",
	OpGetTimers:          "GetTimers",
	OpGetATR:             "GetATR",
	OpIsCardInserted:     "IsCardInserted",
	OpSendAPDU:           "SendAPDU",
	OpEnterDFU:           "EnterDFU",
}

// CommandName returns the diagnostic name for an opcode, or "Unknown".
func CommandName(opcode byte) string {
	if name, ok := commandNames[opcode]; ok {
		return name
	}
	return "Unknown"
}

// KnownOpcode reports whether the opcode belongs to the command set.
func KnownOpcode(opcode byte) bool {
	_, ok := commandNames[opcode]
	return ok
}
