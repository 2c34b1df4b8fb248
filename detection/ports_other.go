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

//go:build !linux

package detection

import (
	"path/filepath"

	"go.bug.st/serial"
)

// listSerialPorts enumerates serial ports through the serial library. No
// USB descriptors are available this way, so every candidate starts at low
// confidence and relies on probing.
func listSerialPorts() ([]portInfo, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]portInfo, 0, len(names))
	for _, name := range names {
		ports = append(ports, portInfo{
			path: name,
			name: filepath.Base(name),
		})
	}
	return ports, nil
}
