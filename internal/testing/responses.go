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

package testing

import (
	leia "github.com/h2lab/go-leia"
)

// Canned response payloads for wiring into a MockTransport. These are the
// payloads as the transport returns them, after envelope decoding.

// BuildPresenceResponse creates an is-card-inserted payload.
func BuildPresenceResponse(inserted bool) []byte {
	if inserted {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// BuildNegotiationReportResponse creates a configure response payload.
func BuildNegotiationReportResponse(outcome leia.NegotiationOutcome, proto leia.Protocol, etu, freq uint32, ifsc byte) []byte {
	r := &leia.NegotiationReport{
		Outcome:  outcome,
		Protocol: proto,
		ETU:      etu,
		Freq:     freq,
		IFSC:     ifsc,
	}
	return r.Pack()
}

// BuildATRResponse creates a get-ATR payload from raw ATR bytes. It panics
// on an unparseable ATR, which in tests is what you want.
func BuildATRResponse(raw []byte) []byte {
	atr, err := leia.ParseATR(raw)
	if err != nil {
		panic("testing: invalid ATR: " + err.Error())
	}
	return atr.Pack()
}

// BuildAPDUResponse creates a send-APDU payload with the given body and
// status word.
func BuildAPDUResponse(data []byte, sw1, sw2 byte) []byte {
	r := &leia.Response{Data: data, SW1: sw1, SW2: sw2}
	packed, err := r.Pack()
	if err != nil {
		panic("testing: response too large: " + err.Error())
	}
	return packed
}
