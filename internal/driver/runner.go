package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/opsani/servo/internal/protocol"
)

const (
	defaultChunkSize  = 512
	defaultExitTimeout = 3 * time.Second
)

// ProgressFunc is invoked for every ProgressRecord line a driver emits.
// Returning protocol.ErrCancelled requests cancellation of the in-flight
// invocation; any other error is logged and ignored (progress reporting is
// best-effort).
type ProgressFunc func(protocol.ProgressRecord) error

// InvokeOptions configures a single driver invocation (C2's `run`).
type InvokeOptions struct {
	DriverPath string
	AppID      string

	// Describe, when true, runs the driver in descriptor mode with
	// DescribeFlag (e.g. "--describe" or "--query") and no stdin.
	Describe     bool
	DescribeFlag string

	// Request is the JSON payload written to stdin when Describe is
	// false. May be an empty object but must be non-nil in request mode.
	Request json.RawMessage

	IOTimeout   time.Duration // 0 = infinite
	ExitTimeout time.Duration // default 3s if zero
	ChunkSize   int           // default 512 if zero
	Verbose     VerboseStderr

	Progress ProgressFunc
	Logger   *slog.Logger
}

// Run spawns the driver, feeds it the configured request or describe flag,
// and returns its terminal DriverResponse. Exactly one of opts.Describe or
// a non-nil opts.Request must be set; violating this is a programmer error
// and panics, per section 4.2's stated precondition.
func Run(ctx context.Context, opts InvokeOptions) (protocol.DriverResponse, error) {
	if opts.Describe == (len(opts.Request) > 0) {
		panic("driver.Run: exactly one of Describe or Request must be set")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	info, err := probeInfo(ctx, opts.DriverPath, opts.AppID)
	if err != nil {
		return nil, fmt.Errorf("probe driver info: %w", err)
	}

	args := make([]string, 0, 2)
	if opts.Describe {
		args = append(args, opts.DescribeFlag)
	}
	args = append(args, opts.AppID)

	cmd := exec.Command(opts.DriverPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := startInGroup(cmd); err != nil {
		return nil, fmt.Errorf("start driver: %w", err)
	}

	pid := cmd.Process.Pid
	mx := multiplex(ctx, pid, stdin, stdout, stderr, opts, info, logger)

	exitErr, killedOnExit := waitWithTimeout(cmd, exitTimeoutOrDefault(opts.ExitTimeout))
	if killedOnExit {
		logger.Warn("driver did not exit within grace period, killed", "pid", pid)
	}

	if mx.ctxCancelled {
		return nil, ctx.Err()
	}
	if mx.decodeErr != nil {
		return nil, mx.decodeErr
	}
	if mx.timedOut {
		return nil, fmt.Errorf("%w after %s", protocol.ErrDriverTimeout, opts.IOTimeout)
	}

	return finalize(mx.response, cmd, exitErr, mx.stderr, opts.Verbose), nil
}

func exitTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultExitTimeout
	}
	return d
}

// finalize applies the postprocessing rules of section 4.2 step 6/7: a
// missing status on non-zero exit defaults to "failed", and captured
// stderr is folded into the message per the verbosity setting.
func finalize(resp protocol.DriverResponse, cmd *exec.Cmd, exitErr error, stderr []byte, verbose VerboseStderr) protocol.DriverResponse {
	if resp == nil {
		resp = protocol.DriverResponse{}
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if exitErr != nil {
		exitCode = -1
	}

	if exitCode == 0 {
		if _, ok := resp["status"]; !ok {
			resp["status"] = protocol.StatusNoData
		}
		return resp
	}

	if _, ok := resp["status"]; !ok {
		resp["status"] = protocol.StatusFailed
	}
	resp.SetMessage(appendStderr(resp.Message(), stderr, verbose))

	return resp
}

// multiplexResult is the outcome of draining a driver's stdout/stderr.
type multiplexResult struct {
	response     protocol.DriverResponse
	stderr       []byte
	decodeErr    error
	timedOut     bool
	ctxCancelled bool
}

// multiplex runs the select-style event loop described in section 4.2
// step 4: a writer goroutine feeding stdin in bounded chunks, a line
// reader on stdout distinguishing ProgressRecord from the terminal
// DriverResponse, and a block reader accumulating stderr — all coordinated
// through a pulse channel that resets a single idle-timeout watchdog
// covering the whole I/O phase.
func multiplex(ctx context.Context, pid int, stdin io.WriteCloser, stdout, stderr io.ReadCloser, opts InvokeOptions, info protocol.DriverInfo, logger *slog.Logger) multiplexResult {
	pulse := make(chan struct{}, 64)
	stdinDone := make(chan error, 1)
	stdoutDone := make(chan error, 1)
	stderrDone := make(chan []byte, 1)

	var mu sync.Mutex
	var response protocol.DriverResponse
	var decodeErr error

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	go func() {
		defer stdin.Close()
		data := []byte(opts.Request)
		for len(data) > 0 {
			n := chunkSize
			if n > len(data) {
				n = len(data)
			}
			if _, err := stdin.Write(data[:n]); err != nil {
				stdinDone <- err
				return
			}
			select {
			case pulse <- struct{}{}:
			default:
			}
			data = data[n:]
		}
		stdinDone <- nil
	}()

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

		for scanner.Scan() {
			select {
			case pulse <- struct{}{}:
			default:
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var obj map[string]any
			if err := json.Unmarshal(line, &obj); err != nil {
				mu.Lock()
				decodeErr = fmt.Errorf("%w: %v", protocol.ErrDriverDecode, err)
				mu.Unlock()
				_ = killGroup(pid)
				break
			}

			if protocol.IsProgress(obj) {
				if opts.Progress != nil {
					if cbErr := opts.Progress(recordFromMap(obj)); cbErr != nil {
						if errors.Is(cbErr, protocol.ErrCancelled) {
							logger.Info("cancelling driver invocation", "pid", pid, "has_cancel", info.HasCancel)
							_ = cancelGroup(pid, info.HasCancel)
						} else {
							logger.Warn("progress callback failed", "pid", pid, "err", cbErr)
						}
					}
				}
				continue
			}

			mu.Lock()
			response = protocol.DriverResponse(obj) // last non-progress line wins
			mu.Unlock()
		}
		stdoutDone <- scanner.Err()
	}()

	go func() {
		buf, _ := readAllPulsed(stderr, pulse)
		stderrDone <- buf
	}()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if opts.IOTimeout > 0 {
		timer = time.NewTimer(opts.IOTimeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	var stderrBuf []byte
	stdoutFinished, stderrFinished := false, false
	timedOut := false
	ctxCancelled := false
	ctxDone := ctx.Done()

	for !stdoutFinished || !stderrFinished {
		select {
		case <-pulse:
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(opts.IOTimeout)
			}
		case <-stdinDone:
			stdinDone = nil
		case <-stdoutDone:
			stdoutFinished = true
			stdoutDone = nil
		case buf := <-stderrDone:
			stderrBuf = buf
			stderrFinished = true
			stderrDone = nil
		case <-timeoutCh:
			timedOut = true
			timeoutCh = nil
			_ = killGroup(pid)
		case <-ctxDone:
			ctxCancelled = true
			ctxDone = nil
			_ = killGroup(pid)
		}
	}

	return multiplexResult{
		response:     response,
		stderr:       stderrBuf,
		decodeErr:    decodeErr,
		timedOut:     timedOut,
		ctxCancelled: ctxCancelled,
	}
}

// readAllPulsed reads r to EOF in bounded chunks, signaling pulse after
// every successful read so the idle-timeout watchdog sees stderr activity.
func readAllPulsed(r io.Reader, pulse chan<- struct{}) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			select {
			case pulse <- struct{}{}:
			default:
			}
		}
		if err != nil {
			if err == io.EOF {
				return buf.Bytes(), nil
			}
			return buf.Bytes(), err
		}
	}
}

func recordFromMap(obj map[string]any) protocol.ProgressRecord {
	pr := protocol.ProgressRecord{}
	if v, ok := obj["progress"].(float64); ok {
		pr.Progress = int(v)
	}
	if v, ok := obj["message"].(string); ok {
		pr.Message = v
	}
	if v, ok := obj["stage"].(string); ok {
		pr.Stage = v
	}
	if v, ok := obj["stageprogress"].(float64); ok {
		pr.StageProgress = int(v)
	}
	return pr
}
