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
	"path/filepath"
	"strings"
)

// DefaultBlocklist returns VID:PID pairs of devices that must never be
// probed. These are serial devices known to misbehave when unsolicited
// bytes arrive on their control channel.
func DefaultBlocklist() []string {
	return []string{
		"0403:6001", // FTDI FT232R, common on hobby boards that reset on open
		"2341:0043", // Arduino Uno, auto-resets on DTR toggle
	}
}

// IsBlocked checks if a VID:PID is in the blocklist. Comparison is
// case-insensitive.
func IsBlocked(vidpid string, blocklist []string) bool {
	vidpid = strings.ToUpper(strings.TrimSpace(vidpid))
	for _, blocked := range blocklist {
		if vidpid == strings.ToUpper(strings.TrimSpace(blocked)) {
			return true
		}
	}
	return false
}

// IsPathIgnored checks if a device path is on the caller's ignore list.
func IsPathIgnored(devicePath string, ignorePaths []string) bool {
	if devicePath == "" || len(ignorePaths) == 0 {
		return false
	}
	normalized := filepath.Clean(devicePath)
	for _, ignore := range ignorePaths {
		if ignore == "" {
			continue
		}
		if normalized == filepath.Clean(ignore) || devicePath == ignore {
			return true
		}
	}
	return false
}
