//go:build deadlock

// Deadlock-detecting variant, selected with -tags=deadlock.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex reports lock-ordering violations at runtime.
type Mutex struct {
	deadlock.Mutex
}

// RWMutex reports lock-ordering violations at runtime.
type RWMutex struct {
	deadlock.RWMutex
}
