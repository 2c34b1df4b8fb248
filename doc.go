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

// Package leia is a host library for LEIA-class smartcard analysis readers:
// ISO 7816-3 instrumentation devices exposed as a USB-CDC serial port.
//
// The reader executes one named command at a time over a framed byte
// protocol: APDU transmission, ATR retrieval, card reset, PTS/ETU
// negotiation, trigger-strategy configuration and timer readout. This
// package provides the typed command surface (Device), the wire structures,
// and transports for real hardware (transport/uart) and emulated readers
// (transport/tcp, the in-process simulator under internal/testing).
//
// The firmware package implements the reader-side core of that protocol
// and backs the emulator and the test suite.
//
// Basic usage:
//
//	transport, err := uart.New("/dev/ttyACM0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	device, err := leia.New(transport)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer device.Close()
//
//	atr, err := device.GetATR()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("ATR:", atr)
package leia
