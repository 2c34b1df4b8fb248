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

// leia-emulator hosts the reader firmware core in software, fronted by a
// simulated card. It speaks the reader wire protocol on a TCP listener or
// a PTY, so host tools connect to it exactly as they would to hardware.
// The card behind it is either the built-in file applet or, with -pcsc, a
// real card in a PC/SC reader.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/card/pcsc"
	"github.com/h2lab/go-leia/card/soft"
	"github.com/h2lab/go-leia/firmware"
	"github.com/h2lab/go-leia/firmware/gpiopulse"
)

// Package-level flag variables
var (
	flagListen    string
	flagPTY       bool
	flagPCSC      bool
	flagPCSCName  string
	flagGPIO      string
	flagGPIOWidth time.Duration
	flagCorrupt   int
	flagDebug     bool
)

func init() {
	flag.StringVar(&flagListen, "listen", "", "TCP address to listen on (e.g. 127.0.0.1:5000)")
	flag.BoolVar(&flagPTY, "pty", false, "Expose the emulator on a PTY instead of TCP (Linux)")
	flag.BoolVar(&flagPCSC, "pcsc", false, "Back the emulated card with a real card in a PC/SC reader")
	flag.StringVar(&flagPCSCName, "pcsc-reader", "", "PC/SC reader name (first reader if empty)")
	flag.StringVar(&flagGPIO, "gpio", "", "GPIO pin name for hardware trigger pulses (e.g. GPIO17)")
	flag.DurationVar(&flagGPIOWidth, "gpio-width", gpiopulse.DefaultPulseWidth, "Trigger pulse width")
	flag.IntVar(&flagCorrupt, "corrupt-every", 0, "Corrupt every Nth T=1 block the card sends (0 = never)")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
}

// buildCard assembles the simulated card and its applet backend.
func buildCard() (*soft.Card, func(), error) {
	cleanup := func() {}

	var applet soft.Applet
	var cardOpts []soft.Option
	if flagPCSC {
		bridge, err := pcsc.Connect(flagPCSCName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to PC/SC reader: %w", err)
		}
		cleanup = func() { _ = bridge.Close() }
		applet = bridge
		// The emulated card answers with the real card's ATR so the host
		// sees consistent protocol parameters.
		if atr, err := bridge.ATR(); err == nil && len(atr) > 0 {
			cardOpts = append(cardOpts, soft.WithATR(atr))
		}
	} else {
		applet = soft.NewFileApplet(256)
	}

	if flagCorrupt > 0 {
		cardOpts = append(cardOpts, soft.WithCorruptEveryNthBlock(flagCorrupt))
	}

	card := soft.New(applet, cardOpts...)
	card.Insert()
	return card, cleanup, nil
}

func coreOptions() ([]firmware.CoreOption, func(), error) {
	cleanup := func() {}
	var opts []firmware.CoreOption
	if flagGPIO != "" {
		pulser, err := gpiopulse.New(flagGPIO, flagGPIOWidth)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open GPIO pin %s: %w", flagGPIO, err)
		}
		cleanup = func() { _ = pulser.Close() }
		opts = append(opts, firmware.WithPulser(pulser))
	}
	return opts, cleanup, nil
}

// serveTCP accepts connections one at a time. Each connection gets a fresh
// core over the same card, mirroring a reader that keeps card state across
// host reconnects.
func serveTCP(ctx context.Context, addr string, card *soft.Card, opts []firmware.CoreOption) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer func() { _ = listener.Close() }()
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	fmt.Printf("Emulated reader listening on %s\n", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		fmt.Printf("Host connected from %s\n", conn.RemoteAddr())
		if err := serveConn(ctx, conn, card, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Session ended: %v\n", err)
		} else {
			fmt.Println("Host disconnected")
		}
	}
}

func serveConn(ctx context.Context, conn net.Conn, card *soft.Card, opts []firmware.CoreOption) error {
	defer func() { _ = conn.Close() }()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	core, err := firmware.NewCore(card, opts...)
	if err != nil {
		return err
	}
	return core.Run(ctx, conn)
}

func servePTY(ctx context.Context, card *soft.Card, opts []firmware.CoreOption) error {
	master, slaveName, err := openPTY()
	if err != nil {
		return err
	}
	defer func() { _ = master.Close() }()
	go func() {
		<-ctx.Done()
		_ = master.Close()
	}()

	fmt.Printf("Emulated reader on %s\n", slaveName)
	core, err := firmware.NewCore(card, opts...)
	if err != nil {
		return err
	}
	err = core.Run(ctx, master)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func run(ctx context.Context) error {
	if flagListen == "" && !flagPTY {
		return errors.New("nothing to serve: use -listen or -pty")
	}

	card, cardCleanup, err := buildCard()
	if err != nil {
		return err
	}
	defer cardCleanup()

	opts, optsCleanup, err := coreOptions()
	if err != nil {
		return err
	}
	defer optsCleanup()

	if flagPTY {
		return servePTY(ctx, card, opts)
	}
	return serveTCP(ctx, flagListen, card, opts)
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	if flagDebug {
		leia.SetDebugEnabled(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Print("\nShutting down...\n")
		cancel()
	}()

	if err := run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
