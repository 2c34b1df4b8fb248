//go:build !deadlock

// Package syncutil provides the mutex types used across the module. The
// default build aliases the standard sync primitives with zero overhead;
// building with -tags=deadlock swaps in github.com/sasha-s/go-deadlock so
// lock-ordering bugs in the firmware core and transports surface loudly.
package syncutil

import "sync"

// Mutex is sync.Mutex unless the deadlock tag is set.
type Mutex struct {
	sync.Mutex
}

// RWMutex is sync.RWMutex unless the deadlock tag is set.
type RWMutex struct {
	sync.RWMutex
}
