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

// leia-reader is a command-line tool for driving a LEIA smartcard reader:
// reset the card, read its ATR, negotiate the protocol, send APDUs, read
// back timing measurements and program trigger strategies.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	leia "github.com/h2lab/go-leia"
	"github.com/h2lab/go-leia/detection"
	"github.com/h2lab/go-leia/polling"
	"github.com/h2lab/go-leia/transport/tcp"
	"github.com/h2lab/go-leia/transport/uart"
)

type config struct {
	port       string
	apduHex    string
	protocol   string
	triggerSet string
	etu        uint
	freq       uint
	triggerGet int
	autoDetect bool
	atr        bool
	configure  bool
	timers     bool
	poll       bool
	dfu        bool
	warm       bool
	debug      bool
}

// Package-level flag variables
var (
	flagPort       string
	flagAutoDetect bool
	flagATR        bool
	flagAPDU       string
	flagProtocol   string
	flagETU        uint
	flagFreq       uint
	flagConfigure  bool
	flagTimers     bool
	flagTriggerSet string
	flagTriggerGet int
	flagPoll       bool
	flagDFU        bool
	flagWarm       bool
	flagDebug      bool
)

func init() {
	flag.StringVar(&flagPort, "port", "", "Serial port of the reader, or host:port for TCP (auto-detect if empty)")
	flag.BoolVar(&flagAutoDetect, "auto-detect", false, "Auto-detect the reader")
	flag.BoolVar(&flagATR, "atr", false, "Reset the card and print its ATR")
	flag.StringVar(&flagAPDU, "apdu", "", "Hex-encoded APDU to send (e.g. 00A4040005A000000001)")
	flag.StringVar(&flagProtocol, "protocol", "auto", "Protocol to negotiate: auto, t0 or t1")
	flag.UintVar(&flagETU, "etu", 0, "ETU to negotiate (0 = from ATR)")
	flag.UintVar(&flagFreq, "freq", 0, "Card clock frequency in Hz (0 = reader default)")
	flag.BoolVar(&flagConfigure, "configure", false, "Run protocol negotiation before other operations")
	flag.BoolVar(&flagTimers, "timers", false, "Print timing measurements of the last APDU")
	flag.StringVar(&flagTriggerSet, "trigger-set", "", "Program a trigger strategy: slot:delay:single:point[,point...]")
	flag.IntVar(&flagTriggerGet, "trigger-get", -1, "Read back the trigger strategy in a slot")
	flag.BoolVar(&flagPoll, "poll", false, "Monitor card presence until interrupted")
	flag.BoolVar(&flagDFU, "dfu", false, "Put the reader into DFU mode and exit")
	flag.BoolVar(&flagWarm, "warm", false, "Use a warm reset instead of a cold one")
	flag.BoolVar(&flagDebug, "debug", false, "Enable debug output")
}

func parseConfig() *config {
	cfg := &config{
		port:       flagPort,
		autoDetect: flagAutoDetect,
		atr:        flagATR,
		apduHex:    flagAPDU,
		protocol:   flagProtocol,
		etu:        flagETU,
		freq:       flagFreq,
		configure:  flagConfigure || flagETU != 0 || flagFreq != 0 || flagProtocol != "auto",
		timers:     flagTimers,
		triggerSet: flagTriggerSet,
		triggerGet: flagTriggerGet,
		poll:       flagPoll,
		dfu:        flagDFU,
		warm:       flagWarm,
		debug:      flagDebug,
	}
	if cfg.debug {
		leia.SetDebugEnabled(true)
		if path, err := leia.InitSessionLog(); err == nil {
			fmt.Printf("Session log: %s\n", path)
		}
	}
	return cfg
}

// newTransport opens a transport for an explicit path: host:port means TCP,
// anything else is a serial port.
func newTransport(path string) (leia.Transport, error) {
	if strings.Contains(path, ":") && !strings.HasPrefix(path, "/") {
		transport, err := tcp.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create TCP transport for %s: %w", path, err)
		}
		return transport, nil
	}
	transport, err := uart.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create serial transport for %s: %w", path, err)
	}
	return transport, nil
}

func newTransportFromDevice(device detection.DeviceInfo) (leia.Transport, error) {
	transport, err := uart.New(device.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open detected reader at %s: %w", device.Path, err)
	}
	return transport, nil
}

func connectToReader(cfg *config) (*leia.Device, error) {
	opts := []leia.ConnectOption{
		leia.WithConnectTimeout(5 * time.Second),
	}
	if cfg.port == "" || cfg.autoDetect {
		opts = append(opts,
			leia.WithAutoDetection(),
			leia.WithTransportFromDeviceFactory(newTransportFromDevice))
		if cfg.debug {
			fmt.Println("Auto-detecting LEIA readers...")
		}
		return leia.Connect("", opts...)
	}
	opts = append(opts, leia.WithTransportFactory(newTransport))
	return leia.Connect(cfg.port, opts...)
}

func parseProtocol(name string) (leia.Protocol, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return leia.ProtocolAuto, nil
	case "t0", "t=0":
		return leia.ProtocolT0, nil
	case "t1", "t=1":
		return leia.ProtocolT1, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q (want auto, t0 or t1)", name)
	}
}

// parseTriggerSpec parses slot:delay:single:point[,point...]. Points are
// given as hex bit values, e.g. 0x1 for the pre-ATR hook.
func parseTriggerSpec(spec string) (int, *leia.TriggerStrategy, error) {
	parts := strings.SplitN(spec, ":", 4)
	if len(parts) != 4 {
		return 0, nil, errors.New("trigger spec must be slot:delay:single:point[,point...]")
	}
	slot, err := strconv.Atoi(parts[0])
	if err != nil || slot < 0 || slot >= leia.StrategyCount {
		return 0, nil, fmt.Errorf("bad slot %q (0..%d)", parts[0], leia.StrategyCount-1)
	}
	delay, err := strconv.ParseUint(parts[1], 0, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("bad delay %q: %w", parts[1], err)
	}
	single, err := strconv.ParseBool(parts[2])
	if err != nil {
		return 0, nil, fmt.Errorf("bad single flag %q: %w", parts[2], err)
	}
	var points []uint32
	for _, p := range strings.Split(parts[3], ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 0, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("bad trigger point %q: %w", p, err)
		}
		points = append(points, uint32(v))
	}
	strategy := &leia.TriggerStrategy{
		Points: points,
		Delay:  uint32(delay),
		Single: single,
	}
	if err := strategy.Validate(); err != nil {
		return 0, nil, err
	}
	return slot, strategy, nil
}

func runATR(device *leia.Device, warm bool) error {
	if err := device.ResetCard(warm); err != nil {
		return fmt.Errorf("card reset failed: %w", err)
	}
	atr, err := device.GetATR()
	if err != nil {
		return fmt.Errorf("failed to read ATR: %w", err)
	}
	fmt.Printf("ATR: %s\n", atr)
	fmt.Printf("Protocols: ")
	for i, p := range atr.OfferedProtocols() {
		if i > 0 {
			fmt.Print(", ")
		}
		fmt.Print(p)
	}
	fmt.Printf("\nDefault ETU: %d\n", atr.DefaultETU())
	return nil
}

func runConfigure(device *leia.Device, cfg *config) error {
	proto, err := parseProtocol(cfg.protocol)
	if err != nil {
		return err
	}
	report, err := device.Configure(&leia.CardConfig{
		Protocol:     proto,
		ETU:          uint32(cfg.etu),
		Freq:         uint32(cfg.freq),
		NegotiatePTS: true,
		// The timing leg only makes sense when the user asked for one.
		NegotiateBaudrate: cfg.etu != 0 || cfg.freq != 0,
	})
	if err != nil {
		return fmt.Errorf("configure failed: %w", err)
	}
	fmt.Printf("Negotiation: %s\n", report.Outcome)
	fmt.Printf("Active: %s, ETU %d, freq %d Hz, IFSC %d\n",
		report.Protocol, report.ETU, report.Freq, report.IFSC)
	if report.FallbackActive() {
		fmt.Println("Card refused the request; ATR defaults are in force.")
	}
	return nil
}

func runAPDU(device *leia.Device, apduHex string) error {
	raw, err := hex.DecodeString(strings.ReplaceAll(apduHex, " ", ""))
	if err != nil {
		return fmt.Errorf("bad APDU hex: %w", err)
	}
	resp, err := device.SendRawAPDU(raw)
	if err != nil {
		return fmt.Errorf("APDU exchange failed: %w", err)
	}
	if len(resp.Data) > 0 {
		fmt.Printf("Data: %X\n", resp.Data)
	}
	fmt.Printf("SW: %04X\n", resp.SW())
	fmt.Printf("Timing: deltaT=%d deltaTAnswer=%d cycles\n", resp.DeltaT, resp.DeltaTAnswer)
	return nil
}

func runTimers(device *leia.Device) error {
	timers, err := device.GetTimers()
	if err != nil {
		return fmt.Errorf("failed to read timers: %w", err)
	}
	fmt.Printf("deltaT=%d deltaTAnswer=%d cycles\n", timers.DeltaT, timers.DeltaTAnswer)
	for _, s := range timers.Samples {
		fmt.Printf("  %-28s %d\n", leia.TriggerPointName(s.Point), s.Cycles)
	}
	return nil
}

func runTriggerGet(device *leia.Device, slot int) error {
	strategy, err := device.GetTriggerStrategy(slot)
	if err != nil {
		return fmt.Errorf("failed to read trigger slot %d: %w", slot, err)
	}
	fmt.Printf("Slot %d: %d point(s), delay %d, single %v\n",
		slot, len(strategy.Points), strategy.Delay, strategy.Single)
	for _, fired := range strategy.FiredPoints() {
		fmt.Printf("  fired %-28s at cycle %d\n", leia.TriggerPointName(fired.Point), fired.EventTime)
	}
	return nil
}

func runPoll(ctx context.Context, device *leia.Device) error {
	session := polling.NewSession(device, polling.DefaultConfig())
	defer func() {
		if err := session.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close session: %v\n", err)
		}
	}()

	session.OnCardInserted = func() error {
		fmt.Println("Card inserted")
		return nil
	}
	session.OnCardRemoved = func() {
		fmt.Println("Card removed")
	}
	session.OnError = func(err error) {
		fmt.Fprintf(os.Stderr, "Poll error: %v\n", err)
	}

	fmt.Println("Monitoring card presence. Press Ctrl+C to stop...")
	return session.Start(ctx)
}

func run(ctx context.Context, cfg *config) error {
	device, err := connectToReader(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to reader: %w", err)
	}
	defer func() {
		if err := device.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close device: %v\n", err)
		}
	}()

	if cfg.dfu {
		if err := device.EnterDFU(); err != nil {
			return fmt.Errorf("failed to enter DFU mode: %w", err)
		}
		fmt.Println("Reader is in DFU mode.")
		return nil
	}

	if cfg.triggerSet != "" {
		slot, strategy, err := parseTriggerSpec(cfg.triggerSet)
		if err != nil {
			return err
		}
		if err := device.SetTriggerStrategy(slot, strategy); err != nil {
			return fmt.Errorf("failed to program trigger slot %d: %w", slot, err)
		}
		fmt.Printf("Trigger slot %d programmed.\n", slot)
	}

	if cfg.atr || cfg.configure || cfg.apduHex != "" {
		if err := runATR(device, cfg.warm); err != nil {
			return err
		}
	}
	if cfg.configure {
		if err := runConfigure(device, cfg); err != nil {
			return err
		}
	}
	if cfg.apduHex != "" {
		if err := runAPDU(device, cfg.apduHex); err != nil {
			return err
		}
	}
	if cfg.timers {
		if err := runTimers(device); err != nil {
			return err
		}
	}
	if cfg.triggerGet >= 0 {
		if err := runTriggerGet(device, cfg.triggerGet); err != nil {
			return err
		}
	}
	if cfg.poll {
		return runPoll(ctx, device)
	}
	return nil
}

func main() {
	flag.Parse()
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	cfg := parseConfig()
	defer func() { _ = leia.CloseSessionLog() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Print("\nShutting down...\n")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
