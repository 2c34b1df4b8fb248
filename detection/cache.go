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

	"github.com/h2lab/go-leia/internal/syncutil"
)

// detectionCache holds the last detection result. Enumeration and probing
// touch hardware, so repeated DetectAll calls within the TTL reuse it.
type detectionCache struct {
	timestamp time.Time
	devices   []DeviceInfo
	valid     bool
	mu        syncutil.RWMutex
}

var cache detectionCache

func getCached(ttl time.Duration) ([]DeviceInfo, bool) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	if !cache.valid || time.Since(cache.timestamp) > ttl {
		return nil, false
	}
	devices := make([]DeviceInfo, len(cache.devices))
	copy(devices, cache.devices)
	return devices, true
}

func setCached(devices []DeviceInfo) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	cache.devices = make([]DeviceInfo, len(devices))
	copy(cache.devices, devices)
	cache.timestamp = time.Now()
	cache.valid = true
}

func clearCache() {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	cache.devices = nil
	cache.valid = false
}
