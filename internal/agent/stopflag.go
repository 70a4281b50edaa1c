package agent

import (
	"sync/atomic"

	"github.com/opsani/servo/internal/protocol"
)

const (
	stopNone int32 = iota
	stopExit
	stopRestart
)

// StopFlag is a process-wide tri-state cell, written only by signal
// handlers and read only by the main loop. It transitions monotonically
// from none to a terminal value: the first signal to arrive wins, and
// later signals of a different kind are ignored rather than overriding it.
type StopFlag struct {
	v atomic.Int32
}

// RequestExit moves the flag to "exit" if it is still unset.
func (f *StopFlag) RequestExit() {
	f.v.CompareAndSwap(stopNone, stopExit)
}

// RequestRestart moves the flag to "restart" if it is still unset.
func (f *StopFlag) RequestRestart() {
	f.v.CompareAndSwap(stopNone, stopRestart)
}

// Reason reports the current terminal value, or protocol.StopNone if no
// stop has been requested yet.
func (f *StopFlag) Reason() protocol.StopReason {
	switch f.v.Load() {
	case stopExit:
		return protocol.StopExit
	case stopRestart:
		return protocol.StopRestart
	default:
		return protocol.StopNone
	}
}
