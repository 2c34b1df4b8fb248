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

// Trigger points name the instrumented execution hooks inside the reader
// firmware. They are bit flags: one strategy entry may OR several points
// together to match any of them.
const (
	TrigGetATRPre               uint32 = 1 << 0
	TrigGetATRPost              uint32 = 1 << 1
	TrigPreSendAPDUShortT0      uint32 = 1 << 2
	TrigPreSendAPDUFragmentedT0 uint32 = 1 << 3
	TrigPreSendAPDUT1           uint32 = 1 << 4
	TrigPostRespT0              uint32 = 1 << 6
	TrigPostRespT1              uint32 = 1 << 7
	TrigIRQPutc                 uint32 = 1 << 8
	TrigIRQGetc                 uint32 = 1 << 9

	// TrigPreSendAPDU matches the pre-send hook of any transport form.
	TrigPreSendAPDU = TrigPreSendAPDUShortT0 | TrigPreSendAPDUFragmentedT0 | TrigPreSendAPDUT1
	// TrigPostResp matches the post-response hook of either protocol.
	TrigPostResp = TrigPostRespT0 | TrigPostRespT1
)

// TriggerDepth and StrategyCount mirror the firmware limits for callers that
// size strategies without importing internal packages.
const (
	TriggerDepth  = frame.TriggerDepth
	StrategyCount = frame.StrategyCount
)

// TriggerStrategy is one programmable sequence of trigger points.
//
// Points holds the ordered trigger-point sequence and ApplyDelay the
// per-entry occurrence-skip count: an entry fires on occurrence
// ApplyDelay[i]+1 of its point. Delay is the reader-side temporal delay in
// timer ticks between the match and the pulse. Single marks one-shot
// strategies; otherwise the sequence re-arms after completing.
//
// ListTrigged, CntTrigged and EventTime are read-back state reported by the
// reader: the point value once fired (else zero), the running occurrence
// counters, and the cycle timestamp of each firing.
//
// Wire layout (206 bytes, little-endian):
//
//	size:1 delay:4 single:1 list[10]:4 listTrigged[10]:4 cntTrigged[10]:4
//	eventTime[10]:4 applyDelay[10]:4
type TriggerStrategy struct {
	Points      []uint32
	ApplyDelay  []uint32
	ListTrigged []uint32
	CntTrigged  []uint32
	EventTime   []uint32
	Delay       uint32
	Single      bool
}

// FiredPoint is one fired strategy entry with its firing timestamp.
type FiredPoint struct {
	Point     uint32
	EventTime uint32
}

// Validate checks the sequence depth and entry coherence.
func (s *TriggerStrategy) Validate() error {
	if len(s.Points) == 0 {
		return fmt.Errorf("%w: empty trigger sequence", ErrInvalidParameter)
	}
	if len(s.Points) > TriggerDepth {
		return fmt.Errorf("%w: %d points exceed depth %d", ErrStrategyOverflow, len(s.Points), TriggerDepth)
	}
	if len(s.ApplyDelay) != 0 && len(s.ApplyDelay) != len(s.Points) {
		return fmt.Errorf("%w: %d delays for %d points", ErrInvalidParameter, len(s.ApplyDelay), len(s.Points))
	}
	return nil
}

// FiredPoints lists the entries that have fired, in sequence order.
func (s *TriggerStrategy) FiredPoints() []FiredPoint {
	var out []FiredPoint
	for i, p := range s.ListTrigged {
		if p != 0 {
			var at uint32
			if i < len(s.EventTime) {
				at = s.EventTime[i]
			}
			out = append(out, FiredPoint{Point: p, EventTime: at})
		}
	}
	return out
}

// Pack encodes the strategy into its fixed wire form.
func (s *TriggerStrategy) Pack() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, frame.TriggerStrategySize)
	buf[0] = byte(len(s.Points))
	binary.LittleEndian.PutUint32(buf[1:5], s.Delay)
	buf[5] = boolByte(s.Single)
	packU32s(buf[6:46], s.Points)
	packU32s(buf[46:86], s.ListTrigged)
	packU32s(buf[86:126], s.CntTrigged)
	packU32s(buf[126:166], s.EventTime)
	packU32s(buf[166:206], s.ApplyDelay)
	return buf, nil
}

// UnpackTriggerStrategy decodes a strategy from its fixed wire form.
func UnpackTriggerStrategy(b []byte) (*TriggerStrategy, error) {
	if len(b) != frame.TriggerStrategySize {
		return nil, fmt.Errorf("%w: trigger strategy needs %d bytes, got %d",
			ErrInvalidFormat, frame.TriggerStrategySize, len(b))
	}
	size := int(b[0])
	if size > TriggerDepth {
		return nil, fmt.Errorf("%w: size %d exceeds depth %d", ErrStrategyOverflow, size, TriggerDepth)
	}
	s := &TriggerStrategy{
		Delay:       binary.LittleEndian.Uint32(b[1:5]),
		Single:      b[5] != 0,
		Points:      unpackU32s(b[6:46], size),
		ListTrigged: unpackU32s(b[46:86], size),
		CntTrigged:  unpackU32s(b[86:126], size),
		EventTime:   unpackU32s(b[126:166], size),
		ApplyDelay:  unpackU32s(b[166:206], size),
	}
	return s, nil
}

func packU32s(dst []byte, src []uint32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], v)
	}
}

func unpackU32s(src []byte, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(src[i*4:])
	}
	return out
}

// TriggerPointName returns a readable name for a single trigger point bit or
// known union.
func TriggerPointName(point uint32) string {
	switch point {
	case TrigGetATRPre:
		return "get-ATR-pre"
	case TrigGetATRPost:
		return "get-ATR-post"
	case TrigPreSendAPDUShortT0:
		return "pre-send-APDU-short-T0"
	case TrigPreSendAPDUFragmentedT0:
		return "pre-send-APDU-fragmented-T0"
	case TrigPreSendAPDUT1:
		return "pre-send-APDU-T1"
	case TrigPreSendAPDU:
		return "pre-send-APDU"
	case TrigPostRespT0:
		return "post-resp-T0"
	case TrigPostRespT1:
		return "post-resp-T1"
	case TrigPostResp:
		return "post-resp"
	case TrigIRQPutc:
		return "irq-putc"
	case TrigIRQGetc:
		return "irq-getc"
	default:
		return fmt.Sprintf("point(0x%X)", point)
	}
}
