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

//go:build linux

package detection

import (
	"os"
	"path/filepath"
	"strings"
)

const sysClassTTY = "/sys/class/tty"

// listSerialPorts enumerates USB serial ports through sysfs, recovering the
// USB descriptors detection matches against. When sysfs is unreadable it
// falls back to globbing /dev.
func listSerialPorts() ([]portInfo, error) {
	entries, err := os.ReadDir(sysClassTTY)
	if err != nil {
		return globSerialPorts(), nil
	}

	var ports []portInfo
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "ttyACM") && !strings.HasPrefix(name, "ttyUSB") {
			continue
		}
		devPath := filepath.Join("/dev", name)
		if _, err := os.Stat(devPath); err != nil {
			continue
		}
		port := portInfo{
			path:     devPath,
			name:     name,
			cdcACM:   strings.HasPrefix(name, "ttyACM"),
			metadata: readUSBAttributes(filepath.Join(sysClassTTY, name)),
		}
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return globSerialPorts(), nil
	}
	return ports, nil
}

// readUSBAttributes walks up from a tty's sysfs node to the USB device that
// owns it and reads its descriptors. The tty sits a few levels below the
// device directory that carries idVendor/idProduct.
func readUSBAttributes(ttyPath string) map[string]string {
	devLink := filepath.Join(ttyPath, "device")
	resolved, err := filepath.EvalSymlinks(devLink)
	if err != nil {
		return nil
	}

	dir := resolved
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return map[string]string{
				"vid":          readSysAttr(dir, "idVendor"),
				"pid":          readSysAttr(dir, "idProduct"),
				"manufacturer": readSysAttr(dir, "manufacturer"),
				"product":      readSysAttr(dir, "product"),
				"serial":       readSysAttr(dir, "serial"),
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

func readSysAttr(dir, attr string) string {
	data, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// globSerialPorts is the descriptor-less fallback. Candidates found this
// way carry no metadata, so they only surface in probing modes.
func globSerialPorts() []portInfo {
	var ports []portInfo
	for _, pattern := range []string{"/dev/ttyACM*", "/dev/ttyUSB*"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, path := range matches {
			ports = append(ports, portInfo{
				path:   path,
				name:   filepath.Base(path),
				cdcACM: strings.HasPrefix(filepath.Base(path), "ttyACM"),
			})
		}
	}
	return ports
}
