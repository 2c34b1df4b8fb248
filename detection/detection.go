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

// Package detection discovers LEIA readers attached to the host. On Linux
// it walks sysfs for USB serial devices and matches the reader's VID:PID;
// elsewhere it falls back to enumerating serial ports. Safe mode probes
// uncertain candidates with the ready handshake before reporting them.
package detection

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Mode controls how aggressively detection probes candidate devices.
type Mode int

const (
	// Passive only inspects USB descriptors, never opening a port.
	Passive Mode = iota
	// Safe probes candidates that descriptors alone cannot confirm.
	Safe
	// Full probes every candidate, including confirmed ones.
	Full
)

// Confidence expresses how sure detection is that a device is a reader.
type Confidence int

const (
	// Low means the port exists but nothing identifies it.
	Low Confidence = iota
	// Medium means the descriptors are plausible (CDC-ACM class device).
	Medium
	// High means the VID:PID matched or the reader answered a probe.
	High
)

// String returns a human-readable confidence level.
func (c Confidence) String() string {
	switch c {
	case High:
		return "high"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

// LEIA enumerates as a USB CDC-ACM device with this VID:PID.
const leiaVIDPID = "3483:0BB9"

// DeviceInfo describes a detected reader candidate.
type DeviceInfo struct {
	// Metadata carries USB descriptor fields when available
	// (vid, pid, manufacturer, product, serial).
	Metadata   map[string]string
	Path       string
	Name       string
	Confidence Confidence
}

// VIDPID returns the candidate's VID:PID in canonical uppercase form, or
// an empty string when the descriptors were unavailable.
func (d *DeviceInfo) VIDPID() string {
	vid := d.Metadata["vid"]
	pid := d.Metadata["pid"]
	if vid == "" || pid == "" {
		return ""
	}
	return strings.ToUpper(vid + ":" + pid)
}

// Options configures device detection.
type Options struct {
	Blocklist   []string
	IgnorePaths []string
	CacheTTL    time.Duration
	Timeout     time.Duration
	Mode        Mode
	EnableCache bool
}

// DefaultOptions returns the default detection options.
func DefaultOptions() Options {
	return Options{
		Blocklist:   DefaultBlocklist(),
		CacheTTL:    5 * time.Second,
		Timeout:     2 * time.Second,
		Mode:        Safe,
		EnableCache: true,
	}
}

// ErrNoDevicesFound indicates that no serial ports were present at all.
var ErrNoDevicesFound = errors.New("no serial devices found")

// DetectAll returns every reader candidate, best confidence first. An empty
// slice with a nil error means ports exist but none look like a reader.
func DetectAll(opts *Options) ([]DeviceInfo, error) {
	if opts == nil {
		o := DefaultOptions()
		opts = &o
	}

	if opts.EnableCache {
		if devices, ok := getCached(opts.CacheTTL); ok {
			return devices, nil
		}
	}

	ports, err := listSerialPorts()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, ErrNoDevicesFound
	}

	devices := make([]DeviceInfo, 0, len(ports))
	for _, port := range ports {
		dev, ok := classifyPort(port, opts)
		if !ok {
			continue
		}
		if !confirmCandidate(&dev, opts) {
			continue
		}
		devices = append(devices, dev)
	}

	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].Confidence > devices[j].Confidence
	})

	if opts.EnableCache {
		setCached(devices)
	}
	return devices, nil
}

// classifyPort turns an enumerated port into a candidate, or rejects it via
// the blocklist and ignore list. Probing happens later.
func classifyPort(port portInfo, opts *Options) (DeviceInfo, bool) {
	if IsPathIgnored(port.path, opts.IgnorePaths) {
		return DeviceInfo{}, false
	}

	dev := DeviceInfo{
		Path:     port.path,
		Name:     port.name,
		Metadata: port.metadata,
	}
	if dev.Metadata == nil {
		dev.Metadata = map[string]string{}
	}

	vidpid := dev.VIDPID()
	if vidpid != "" && IsBlocked(vidpid, opts.Blocklist) {
		return DeviceInfo{}, false
	}

	switch {
	case vidpid == leiaVIDPID:
		dev.Confidence = High
	case port.cdcACM:
		dev.Confidence = Medium
	default:
		dev.Confidence = Low
	}
	return dev, true
}

// confirmCandidate decides whether a classified candidate makes the final
// list, probing it when the mode calls for that. A probe that answers lifts
// the confidence to High; one that stays silent drops the candidate.
func confirmCandidate(dev *DeviceInfo, opts *Options) bool {
	probe := false
	switch opts.Mode {
	case Passive:
		// Descriptor-only: unidentifiable ports are noise, not candidates.
		return dev.Confidence > Low
	case Safe:
		probe = dev.Confidence < High
	case Full:
		probe = true
	}
	if !probe {
		return true
	}
	if !probeReady(dev.Path, opts.Timeout) {
		return dev.Confidence == High
	}
	dev.Confidence = High
	return true
}

// ClearCache removes all cached detection results. Call after plugging or
// unplugging a reader to force re-enumeration.
func ClearCache() {
	clearCache()
}
