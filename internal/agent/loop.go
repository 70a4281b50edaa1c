package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsani/servo/internal/protocol"
	"github.com/opsani/servo/internal/transport"
)

// resultRetries bounds a terminal result post's retries. Unlike progress
// and GOODBYE (retries=1/3), result events are part of the main loop's own
// protocol shape — losing one silently would desync the service's view of
// the command it just issued — so they share WHATS_NEXT's forever-retry
// policy.
const resultRetries = transport.RetryForever

// runLoop is the command dispatcher (C5): fetch → (preflight →) dispatch →
// post, until the StopFlag is set or ctx is cancelled.
func (a *Agent) runLoop(ctx context.Context) error {
	for a.stop.Reason() == protocol.StopNone {
		if err := a.throttle(ctx); err != nil {
			return err
		}

		// Each iteration gets its own correlation ID, stamped on every log
		// line the iteration produces, so a support engineer can grep one
		// command's fetch/preflight/dispatch/post sequence out of an
		// otherwise interleaved-looking log stream.
		iterLogger := a.logger.With("correlation_id", uuid.NewString())
		origLogger := a.logger
		a.logger = iterLogger

		stop, err := a.runIteration(ctx)

		a.logger = origLogger
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// runIteration runs one fetch → (preflight →) dispatch → post cycle. The
// returned bool reports whether the loop should stop immediately after
// (the StopFlag was set by a signal while the command was being handled).
func (a *Agent) runIteration(ctx context.Context) (bool, error) {
	cmdKind, paramRaw, err := a.fetchCommand(ctx)
	if err != nil {
		return false, err
	}

	if cmdKind == "" {
		a.logger.Warn("WHATS_NEXT response carried no cmd")
		a.interCommandPause(ctx)
		return false, nil
	}

	if hasControlEnvironment(paramRaw) {
		if err := a.handlers.Environment(ctx, a.cfg.AppID, paramRaw); err != nil {
			a.logger.Warn("environment preflight failed", "cmd", cmdKind, "err", err)
			a.postEnvironmentMismatch(ctx, cmdKind, err)
			a.interCommandPause(ctx)
			return false, nil
		}
	}

	a.dispatch(ctx, cmdKind, paramRaw)

	if a.stop.Reason() != protocol.StopNone {
		return true, nil
	}
	a.interCommandPause(ctx)
	return false, nil
}

// fetchCommand issues WHATS_NEXT (forever-retry) and splits the response
// into the bare cmd kind and its param, re-encoded for handler consumption.
func (a *Agent) fetchCommand(ctx context.Context) (string, json.RawMessage, error) {
	resp, err := a.poster.Post(ctx, protocol.EventWhatsNext, nil, transport.RetryForever, true)
	if err != nil {
		return "", nil, err
	}

	cmdKind, _ := resp["cmd"].(string)
	paramRaw, err := json.Marshal(resp["param"])
	if err != nil {
		paramRaw = json.RawMessage("null")
	}
	return cmdKind, paramRaw, nil
}

// dispatch routes one command to its handler and posts the matching
// result event, per section 4.5 step 4. SLEEP posts no result event.
//
// A recovered panic (e.g. a driver.Run precondition violation) is folded
// into a failed result for the command's own event rather than crashing
// the loop: "the loop never dies on a per-command error" extends to
// programmer errors surfacing as panics, not only handler-returned errors.
func (a *Agent) dispatch(ctx context.Context, cmdKind string, paramRaw json.RawMessage) {
	defer a.recoverDispatch(ctx, cmdKind)

	a.metrics.RecordCommand(ctx, cmdKind)

	switch cmdKind {
	case protocol.CmdDescribe:
		result, err := a.handlers.Describe(ctx, a.cfg.AppID)
		a.postResult(ctx, protocol.EventDescription, describeParam(result, err))

	case protocol.CmdMeasure:
		result, err := a.handlers.Measure(ctx, a.cfg.AppID, paramRaw)
		a.postResult(ctx, protocol.EventMeasurement, resultOrError(result, err))

	case protocol.CmdAdjust:
		result, err := a.handlers.Adjust(ctx, a.cfg.AppID, paramRaw)
		a.postResult(ctx, protocol.EventAdjustment, resultOrError(result, err))

	case protocol.CmdSleep:
		a.sleep(ctx, paramRaw)

	default:
		a.logger.Warn("unknown command", "cmd", cmdKind)
	}
}

// recoverDispatch catches a panic escaping dispatch's switch arm and posts
// it as a failed result for cmdKind's event, instead of letting it
// propagate out of runLoop and take the whole process down with it.
func (a *Agent) recoverDispatch(ctx context.Context, cmdKind string) {
	r := recover()
	if r == nil {
		return
	}

	a.logger.Error("recovered panic in command dispatch", "cmd", cmdKind, "panic", r)

	event, ok := resultEventFor(cmdKind)
	if !ok {
		return
	}
	a.postResult(ctx, event, protocol.OperationResult{
		"status":  protocol.StatusFailed,
		"message": fmt.Sprintf("panic: %v", r),
	})
}

func describeParam(result protocol.OperationResult, err error) protocol.OperationResult {
	if err != nil {
		return protocol.ResultFromError(err)
	}
	return protocol.OperationResult{"descriptor": result, "status": protocol.StatusOK}
}

func resultOrError(result protocol.OperationResult, err error) protocol.OperationResult {
	if err != nil {
		return protocol.ResultFromError(err)
	}
	return result
}

// postResult posts a terminal result event, logging (not failing) on
// error: the loop must never die on a per-command failure.
func (a *Agent) postResult(ctx context.Context, event string, param protocol.OperationResult) {
	if _, err := a.poster.Post(ctx, event, param, resultRetries, true); err != nil {
		a.logger.Error("failed to post result", "event", event, "err", err)
	}
}

// postEnvironmentMismatch posts the matching result event with
// status=environment-mismatch per section 4.5 step 3, without ever
// invoking the command's own driver.
func (a *Agent) postEnvironmentMismatch(ctx context.Context, cmdKind string, cause error) {
	event, ok := resultEventFor(cmdKind)
	if !ok {
		return
	}

	param := protocol.OperationResult{"status": protocol.StatusEnvironmentMismatch}
	var derr *protocol.DriverError
	if errors.As(cause, &derr) {
		if derr.Message != "" {
			param["message"] = derr.Message
		}
		if derr.Reason != "" {
			param["reason"] = derr.Reason
		}
	} else {
		param["message"] = cause.Error()
	}

	a.postResult(ctx, event, param)
}

func resultEventFor(cmdKind string) (string, bool) {
	switch cmdKind {
	case protocol.CmdDescribe:
		return protocol.EventDescription, true
	case protocol.CmdMeasure:
		return protocol.EventMeasurement, true
	case protocol.CmdAdjust:
		return protocol.EventAdjustment, true
	default:
		return "", false
	}
}

// controlEnvelope detects the presence of control.environment in a
// command's param without committing to the rest of its shape.
type controlEnvelope struct {
	Control struct {
		Environment json.RawMessage `json:"environment"`
	} `json:"control"`
}

// hasControlEnvironment reports whether param.control.environment is
// present and non-null, per section 4.5 step 3's preflight trigger. The
// environment driver is still invoked with the command's full, unmodified
// param (section 4.5 step 3: "run environment(cmd.param)"), not just the
// narrowed environment sub-object, since an environment driver may need
// other fields of the same param to perform its check.
func hasControlEnvironment(paramRaw json.RawMessage) bool {
	var env controlEnvelope
	if err := json.Unmarshal(paramRaw, &env); err != nil {
		return false
	}
	return len(env.Control.Environment) > 0 && string(env.Control.Environment) != "null"
}

// sleep blocks for param.duration seconds (default 120 on parse failure),
// per section 4.5 step 4. In interactive mode, sleeps are ignored.
func (a *Agent) sleep(ctx context.Context, paramRaw json.RawMessage) {
	if a.cfg.Interactive {
		a.logger.Debug("interactive mode: ignoring SLEEP")
		return
	}

	var p struct {
		Duration float64 `json:"duration"`
	}
	d := time.Duration(defaultSleepSeconds) * time.Second
	if err := json.Unmarshal(paramRaw, &p); err == nil && p.Duration > 0 {
		d = time.Duration(p.Duration * float64(time.Second))
	}

	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// interCommandPause implements section 4.5 step 5: either a fixed delay,
// an interactive stdin prompt, or nothing.
func (a *Agent) interCommandPause(ctx context.Context) {
	if a.cfg.Interactive && a.prompt != nil {
		a.logger.Info("press enter to continue")
		a.prompt.Scan()
		return
	}
	if a.cfg.Delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(a.cfg.Delay):
	}
}

// throttle blocks until the poll rate limiter admits another WHATS_NEXT,
// or ctx is cancelled. No-op if no limiter was configured.
func (a *Agent) throttle(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	for !a.limiter.Allow(ctx, "whats_next") {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	return nil
}
