package agent

import (
	"context"
	"os"

	"github.com/opsani/servo/internal/protocol"
	"github.com/opsani/servo/internal/transport"
)

// goodbyeRetries bounds GOODBYE posts per section 4.6: best-effort, the
// process is leaving either way.
const goodbyeRetries = 3

// hello posts the startup identification event. Failure is logged, not
// fatal: a service that never sees HELLO will still answer WHATS_NEXT.
func (a *Agent) hello(ctx context.Context) {
	param := map[string]any{
		"agent":   a.cfg.AgentName,
		"version": a.cfg.Version,
		"pid":     os.Getpid(),
	}
	if _, err := a.poster.Post(ctx, protocol.EventHello, param, transport.RetryForever, true); err != nil {
		a.logger.Warn("HELLO failed", "err", err)
	}
}

// goodbye posts the shutdown event with a bounded retry budget, per
// section 4.1's rationale: progress reports and GOODBYE must not stall
// process exit on a flaky network.
func (a *Agent) goodbye(ctx context.Context) {
	if _, err := a.poster.Post(ctx, protocol.EventGoodbye, nil, goodbyeRetries, true); err != nil {
		a.logger.Warn("GOODBYE failed", "err", err)
	}
}
