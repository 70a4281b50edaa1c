package agent

import (
	"testing"

	"github.com/opsani/servo/internal/protocol"
)

func TestStopFlagMonotonic(t *testing.T) {
	var f StopFlag
	if f.Reason() != protocol.StopNone {
		t.Fatalf("zero value Reason() = %q, want StopNone", f.Reason())
	}

	f.RequestExit()
	if f.Reason() != protocol.StopExit {
		t.Fatalf("Reason() = %q, want StopExit", f.Reason())
	}

	// A later, different request must not override the first.
	f.RequestRestart()
	if f.Reason() != protocol.StopExit {
		t.Fatalf("Reason() = %q, want StopExit to remain sticky", f.Reason())
	}
}

func TestStopFlagRestart(t *testing.T) {
	var f StopFlag
	f.RequestRestart()
	if f.Reason() != protocol.StopRestart {
		t.Fatalf("Reason() = %q, want StopRestart", f.Reason())
	}
}
