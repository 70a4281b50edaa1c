package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"log/slog"
	"os"
	"time"

	"github.com/opsani/servo/internal/driver"
	"github.com/opsani/servo/internal/metrics"
	"github.com/opsani/servo/internal/progress"
	"github.com/opsani/servo/internal/protocol"
)

// legacyThroughputKey is the metric name some drivers still emit instead of
// "perf".
const legacyThroughputKey = "requests throughput"

// Paths locates the three driver executables a Handler invokes.
type Paths struct {
	Adjust      string
	Measure     string
	Environment string
}

// Handler implements C4: describe, measure, adjust, environment. Each
// method binds a driver path and request shape to driver.Run. Measure,
// Adjust and Describe's adjust leg post progress through a Reporter scoped
// to the matching result event; Environment and Describe's measure leg
// post none.
type Handler struct {
	paths       Paths
	poster      progress.Poster
	logger      *slog.Logger
	ioTimeout   time.Duration
	exitTimeout time.Duration
	verbose     driver.VerboseStderr
	chunkSize   int
	metrics     *metrics.Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithIOTimeout bounds every driver invocation's idle-I/O window.
func WithIOTimeout(d time.Duration) Option {
	return func(h *Handler) { h.ioTimeout = d }
}

// WithExitTimeout bounds how long a driver is given to exit after its
// stdin/stdout phase completes before being force-killed.
func WithExitTimeout(d time.Duration) Option {
	return func(h *Handler) { h.exitTimeout = d }
}

// WithVerboseStderr sets how much driver stderr survives into a failure
// message.
func WithVerboseStderr(v driver.VerboseStderr) Option {
	return func(h *Handler) { h.verbose = v }
}

// WithChunkSize overrides the stdin write chunk size (mainly for tests).
func WithChunkSize(n int) Option {
	return func(h *Handler) { h.chunkSize = n }
}

// WithMetrics attaches a metrics sink recording one invocation count and
// duration sample per driver.Run call.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New builds a Handler. poster is the HTTP client (C1), used to construct
// a per-invocation progress Reporter (C3).
func New(paths Paths, poster progress.Poster, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{paths: paths, poster: poster, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) invoke(ctx context.Context, kind, driverPath, appID string, req invokeShape, event string) (protocol.DriverResponse, error) {
	startedAt := time.Now()
	reporter := progress.New(ctx, h.poster, event, startedAt, h.logger)

	opts := driver.InvokeOptions{
		DriverPath:   driverPath,
		AppID:        appID,
		Describe:     req.describe,
		DescribeFlag: req.describeFlag,
		Request:      req.request,
		IOTimeout:    h.ioTimeout,
		ExitTimeout:  h.exitTimeout,
		ChunkSize:    h.chunkSize,
		Verbose:      h.verbose,
		Progress:     progress.AsProgressFunc(reporter),
		Logger:       h.logger,
	}

	resp, err := driver.Run(ctx, opts)

	h.metrics.RecordDriverDuration(ctx, kind, time.Since(startedAt).Seconds())
	status := "error"
	if err == nil {
		status = resp.Status()
	}
	h.metrics.RecordDriverInvocation(ctx, kind, status)

	return resp, err
}

type invokeShape struct {
	describe     bool
	describeFlag string
	request      json.RawMessage
}

// Environment runs the environment driver synchronously as a preflight
// check, no progress stream expected. param is the raw command param fed
// to the driver verbatim. A non-ok status is surfaced as a *protocol.DriverError
// so the caller can fold it into a {status: environment-mismatch} result.
func (h *Handler) Environment(ctx context.Context, appID string, param json.RawMessage) error {
	if h.paths.Environment == "" {
		return &protocol.GenericError{Message: "no environment driver configured"}
	}

	resp, err := h.invoke(ctx, "environment", h.paths.Environment, appID, invokeShape{request: nonNilRequest(param)}, "")
	if err != nil {
		return fmt.Errorf("environment preflight: %w", err)
	}
	if resp.Status() != protocol.StatusOK {
		return protocol.NewDriverError(resp)
	}
	return nil
}

// Describe runs the adjust driver with --query and the measure driver with
// --describe, combining their output into {application, measurement:
// {metrics}}, with OPTUNE_PERF surfaced under optimization.perf when set.
func (h *Handler) Describe(ctx context.Context, appID string) (protocol.OperationResult, error) {
	adjResp, err := h.invoke(ctx, "adjust", h.paths.Adjust, appID, invokeShape{describe: true, describeFlag: "--query"}, protocol.EventDescription)
	if err != nil {
		return nil, fmt.Errorf("adjust --query: %w", err)
	}
	if adjResp.Status() != "" && adjResp.Status() != protocol.StatusOK && adjResp.Status() != protocol.StatusNoData {
		return nil, protocol.NewDriverError(adjResp)
	}

	measResp, err := h.invoke(ctx, "measure", h.paths.Measure, appID, invokeShape{describe: true, describeFlag: "--describe"}, "")
	if err != nil {
		return nil, fmt.Errorf("measure --describe: %w", err)
	}
	if measResp.Status() != "" && measResp.Status() != protocol.StatusOK && measResp.Status() != protocol.StatusNoData {
		return nil, protocol.NewDriverError(measResp)
	}

	metrics := map[string]any{}
	if m, ok := measResp["metrics"].(map[string]any); ok {
		for k, v := range m {
			metrics[k] = v
		}
	}
	if m, ok := adjResp["metrics"].(map[string]any); ok {
		for k, v := range m {
			metrics[k] = v
		}
	}
	applyPerfAlias(metrics)

	descriptor := protocol.OperationResult{
		"application": adjResp["application"],
		"measurement": map[string]any{"metrics": metrics},
	}

	if perf, ok := os.LookupEnv("OPTUNE_PERF"); ok {
		if _, err := parser.ParseExpr(perf); err != nil {
			h.logger.Warn("OPTUNE_PERF does not parse as an expression, forwarding anyway", "err", err)
		}
		descriptor["optimization"] = map[string]any{"perf": perf}
	}

	return descriptor, nil
}

// Measure runs the measure driver with the service-supplied request,
// expecting {metrics, annotations?}. Empty metrics is an error.
func (h *Handler) Measure(ctx context.Context, appID string, param json.RawMessage) (protocol.OperationResult, error) {
	resp, err := h.invoke(ctx, "measure", h.paths.Measure, appID, invokeShape{request: nonNilRequest(param)}, protocol.EventMeasurement)
	if err != nil {
		return nil, fmt.Errorf("measure: %w", err)
	}
	if resp.Status() != protocol.StatusOK {
		return nil, protocol.NewDriverError(resp)
	}

	metrics, _ := resp["metrics"].(map[string]any)
	if len(metrics) == 0 {
		return nil, &protocol.GenericError{Message: "measure driver returned no metrics"}
	}
	applyPerfAlias(metrics)

	result := protocol.OperationResult{"status": resp.Status(), "metrics": metrics}
	if ann, ok := resp["annotations"]; ok {
		result["annotations"] = ann
	}
	return result, nil
}

// adjustParam is the shape of an ADJUST command's param: state to reach,
// plus driver control knobs (e.g. duration).
type adjustParam struct {
	State   json.RawMessage `json:"state"`
	Control json.RawMessage `json:"control"`
}

// Adjust spreads param.state's top-level keys and nests param.control
// verbatim under a "control" key, runs the adjust driver against the
// result, and returns its response, defaulting a missing "state" field to
// the requested state. Per spec.md section 8 S3,
// {state:{application:{...}}, control:{duration:60}} must reach the
// driver's stdin as {application:{...}, control:{duration:60}} — control
// is a nested sub-object, not flattened alongside state's fields.
func (h *Handler) Adjust(ctx context.Context, appID string, param json.RawMessage) (protocol.OperationResult, error) {
	var ap adjustParam
	if err := json.Unmarshal(param, &ap); err != nil {
		return nil, fmt.Errorf("decode adjust param: %w", err)
	}

	merged, err := mergeStateAndControl(ap.State, ap.Control)
	if err != nil {
		return nil, fmt.Errorf("merge adjust param: %w", err)
	}

	resp, err := h.invoke(ctx, "adjust", h.paths.Adjust, appID, invokeShape{request: merged}, protocol.EventAdjustment)
	if err != nil {
		return nil, fmt.Errorf("adjust: %w", err)
	}
	if resp.Status() != protocol.StatusOK {
		return nil, protocol.NewDriverError(resp)
	}

	result := protocol.OperationResult(resp)
	if _, ok := result["state"]; !ok {
		var state any
		if len(ap.State) > 0 {
			_ = json.Unmarshal(ap.State, &state)
		}
		result["state"] = state
	}
	return result, nil
}

// applyPerfAlias renames "requests throughput" to "perf" in place when
// "perf" is absent, per the legacy compatibility rule.
func applyPerfAlias(metrics map[string]any) {
	if metrics == nil {
		return
	}
	if _, hasPerf := metrics["perf"]; hasPerf {
		return
	}
	if v, ok := metrics[legacyThroughputKey]; ok {
		metrics["perf"] = v
	}
}

// mergeStateAndControl spreads state's top-level keys into the result and
// nests control verbatim under "control" (not spread alongside state's
// keys), per the ADJUST wire shape in spec.md section 8 S3. Either may be
// empty/nil; an empty/nil control omits the "control" key entirely.
func mergeStateAndControl(state, control json.RawMessage) (json.RawMessage, error) {
	merged := map[string]any{}

	if len(state) > 0 {
		var sm map[string]any
		if err := json.Unmarshal(state, &sm); err != nil {
			return nil, fmt.Errorf("state is not a JSON object: %w", err)
		}
		for k, v := range sm {
			merged[k] = v
		}
	}
	if len(control) > 0 {
		var cm map[string]any
		if err := json.Unmarshal(control, &cm); err != nil {
			return nil, fmt.Errorf("control is not a JSON object: %w", err)
		}
		merged["control"] = cm
	}

	return json.Marshal(merged)
}

// nonNilRequest guarantees a non-nil JSON payload for request-mode
// invocations, per driver.Run's precondition.
func nonNilRequest(param json.RawMessage) json.RawMessage {
	if len(param) == 0 {
		return json.RawMessage("{}")
	}
	return param
}
