package serverstate

import (
	"sync/atomic"
)

// Server states reported by /healthz.
const (
	StateNotReady = "not_ready"
	StateReady    = "ready"
	StateDraining = "draining"
)

var state atomic.Value
var draining atomic.Bool

func init() {
	state.Store(StateNotReady)
}

// SetState sets the server state string.
func SetState(s string) {
	state.Store(s)
}

// GetState returns the current server state.
func GetState() string {
	if v, ok := state.Load().(string); ok {
		return v
	}
	return "unknown"
}

// StartDrain marks the server as draining.
func StartDrain() {
	draining.Store(true)
	SetState(StateDraining)
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return draining.Load()
}

// Reset clears the draining flag and returns to not_ready.
func Reset() {
	draining.Store(false)
	SetState(StateNotReady)
}
