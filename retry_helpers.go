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
	"errors"
	"os"
)

// GetErrorType classifies an error into an ErrorType for retry decisions.
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type
	}

	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrNoReadyAck),
		errors.Is(err, os.ErrDeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, ErrTransportRead),
		errors.Is(err, ErrTransportWrite),
		errors.Is(err, ErrCommunicationFailed),
		errors.Is(err, ErrFrameCorrupted),
		errors.Is(err, ErrResponseTruncated):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}

// IsRecoverable reports whether an exchange failure can plausibly be cured
// by re-running the ready handshake before retrying. Timeouts and corrupted
// envelopes qualify: the probe boundary resynchronizes the reader's parser
// and drains stale response bytes. Device-reported statuses and gone devices
// do not.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if isDeviceGoneError(err) {
		return false
	}

	var de *DeviceError
	if errors.As(err, &de) {
		return false
	}

	switch GetErrorType(err) {
	case ErrorTypeTimeout, ErrorTypeTransient:
		return true
	default:
		return false
	}
}

// IsTimeoutError reports whether the error is a timeout of any layer.
func IsTimeoutError(err error) bool {
	return GetErrorType(err) == ErrorTypeTimeout
}
