package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opsani/servo/internal/protocol"
)

type fakePoster struct {
	resp map[string]any
	err  error
	gotRetries int
}

func (f *fakePoster) Post(_ context.Context, _ string, _ any, retries int, _ bool) (map[string]any, error) {
	f.gotRetries = retries
	return f.resp, f.err
}

func TestReportNoOpWhenOperationEmpty(t *testing.T) {
	fp := &fakePoster{resp: map[string]any{"status": "cancel"}}
	r := New(context.Background(), fp, "", time.Now(), nil)

	if err := r.Report(protocol.ProgressRecord{Progress: 10}); err != nil {
		t.Fatalf("expected no-op, got err = %v", err)
	}
}

func TestReportRaisesCancellation(t *testing.T) {
	fp := &fakePoster{resp: map[string]any{"status": "cancel", "reason": "user stop"}}
	r := New(context.Background(), fp, "MEASUREMENT", time.Now(), nil)

	err := r.Report(protocol.ProgressRecord{Progress: 50})
	if !errors.Is(err, protocol.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if fp.gotRetries != 1 {
		t.Fatalf("retries = %d, want 1", fp.gotRetries)
	}
}

func TestReportTransportErrorIsSwallowed(t *testing.T) {
	fp := &fakePoster{err: errors.New("connection refused")}
	r := New(context.Background(), fp, "MEASUREMENT", time.Now(), nil)

	if err := r.Report(protocol.ProgressRecord{Progress: 20}); err != nil {
		t.Fatalf("expected nil (best-effort), got %v", err)
	}
}
