// Package progress implements the progress reporter (C3): a closure bound
// to an operation name and a start time, invoked by the driver runner (C2)
// on every ProgressRecord line a driver emits.
package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsani/servo/internal/driver"
	"github.com/opsani/servo/internal/protocol"
	"github.com/opsani/servo/internal/transport"
)

// Poster is the subset of transport.Client a Reporter needs.
type Poster interface {
	Post(ctx context.Context, event string, param any, retries int, backoff bool) (map[string]any, error)
}

// Reporter posts progress events for a single driver invocation and turns
// a service-issued cancel directive into protocol.ErrCancelled.
type Reporter struct {
	ctx       context.Context
	client    Poster
	operation string
	startedAt time.Time
	logger    *slog.Logger
}

// New builds a Reporter for operation, started at startedAt. If operation
// is empty the returned Reporter is a no-op, letting callers suppress
// progress reporting per-invocation (e.g. for the environment preflight,
// which expects no progress stream).
func New(ctx context.Context, client Poster, operation string, startedAt time.Time, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{ctx: ctx, client: client, operation: operation, startedAt: startedAt, logger: logger}
}

// Report implements driver.ProgressFunc. Progress posts use retries=1:
// progress is best-effort and must not stall the driver on a flaky
// network.
func (r *Reporter) Report(pr protocol.ProgressRecord) error {
	if r.operation == "" {
		return nil
	}

	param := map[string]any{
		"progress": pr.Progress,
		"runtime":  time.Since(r.startedAt).Seconds(),
	}
	if pr.Message != "" {
		param["message"] = pr.Message
	}

	resp, err := r.client.Post(r.ctx, r.operation, param, 1, true)
	if err != nil {
		r.logger.Warn("progress post failed", "operation", r.operation, "err", err)
		return nil
	}

	if status, _ := resp["status"].(string); status == protocol.StatusCancel {
		r.logger.Info("service requested cancellation", "operation", r.operation, "reason", resp["reason"])
		return protocol.ErrCancelled
	}

	return nil
}

// AsProgressFunc adapts a (possibly nil) Reporter to driver.ProgressFunc.
// A nil Reporter is a no-op.
func AsProgressFunc(r *Reporter) driver.ProgressFunc {
	if r == nil {
		return nil
	}
	return r.Report
}
