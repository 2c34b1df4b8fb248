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

package detection

import (
	"time"

	"github.com/h2lab/go-leia/internal/frame"
	"go.bug.st/serial"
)

// probeReady opens the port and performs the ready handshake: send the
// ready byte, expect the acknowledgment. The reader answers this from any
// parser state, so a positive answer identifies it conclusively. Anything
// stale in the receive buffer is skipped while scanning.
func probeReady(path string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	port, err := serial.Open(path, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return false
	}
	defer func() { _ = port.Close() }()

	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		return false
	}
	if _, err := port.Write([]byte{frame.ReadyByte}); err != nil {
		return false
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil {
			return false
		}
		for _, b := range buf[:n] {
			if b == frame.ReadyAck {
				return true
			}
		}
	}
	return false
}
