package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"

	"github.com/opsani/servo/internal/metrics"
	"github.com/opsani/servo/internal/progress"
	"github.com/opsani/servo/internal/protocol"
)

// defaultSleepSeconds is used when a SLEEP command's param.duration is
// absent or fails to parse.
const defaultSleepSeconds = 120

// Handlers is the subset of operations.Handler the dispatcher needs; an
// interface here lets tests fake driver behavior instead of spawning real
// subprocesses.
type Handlers interface {
	Describe(ctx context.Context, appID string) (protocol.OperationResult, error)
	Measure(ctx context.Context, appID string, param json.RawMessage) (protocol.OperationResult, error)
	Adjust(ctx context.Context, appID string, param json.RawMessage) (protocol.OperationResult, error)
	Environment(ctx context.Context, appID string, param json.RawMessage) error
}

// Config holds the lifecycle and dispatch knobs C5/C6 need; everything
// about how they were parsed (flags, env vars, files) lives in cmd/servo.
type Config struct {
	AppID       string
	AgentName   string
	Version     string
	Delay       time.Duration
	Interactive bool

	// PollRate/PollBurst bound how often the loop may issue WHATS_NEXT,
	// so a service answering instantly cannot spin the loop unbounded.
	// PollRate <= 0 disables throttling.
	PollRate  int
	PollBurst int
}

// Agent ties the command dispatcher (C5) and lifecycle (C6) together: one
// poster (C1) for the whole process, one Handler (C4) per app, an optional
// metrics sink, and the signal-driven StopFlag.
type Agent struct {
	cfg      Config
	poster   progress.Poster
	handlers Handlers
	metrics  *metrics.Metrics
	logger   *slog.Logger
	limiter  *ratelimit.Limiter
	stop     StopFlag
	prompt   *bufio.Scanner
}

// New builds an Agent. stdin feeds the --interactive inter-command prompt;
// pass nil to disable that prompt. SLEEP commands are still ignored
// whenever cfg.Interactive is set, with or without stdin.
func New(cfg Config, poster progress.Poster, handlers Handlers, m *metrics.Metrics, logger *slog.Logger, stdin io.Reader) *Agent {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{cfg: cfg, poster: poster, handlers: handlers, metrics: m, logger: logger}

	if cfg.PollRate > 0 {
		a.limiter = ratelimit.New(&ratelimit.Config{
			Rate:     cfg.PollRate,
			Burst:    cfg.PollBurst,
			Interval: time.Second,
		})
	}

	if stdin != nil {
		a.prompt = bufio.NewScanner(stdin)
	}

	return a
}

// Run installs signal handling, posts HELLO, runs the command loop until
// the StopFlag is set or ctx is cancelled, then posts GOODBYE and either
// exits (the caller should follow a nil return with os.Exit(0)) or
// re-executes the program image for a restart.
func (a *Agent) Run(ctx context.Context) error {
	a.watchSignals(ctx)
	a.hello(ctx)

	if err := a.runLoop(ctx); err != nil {
		a.logger.Error("command loop stopped", "err", err)
	}

	a.goodbye(context.Background())

	if a.stop.Reason() == protocol.StopRestart {
		a.logger.Info("re-executing program image for restart")
		return reExec()
	}
	return nil
}
