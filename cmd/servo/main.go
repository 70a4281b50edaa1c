// Command servo runs the optimization agent: it polls an Opsani-compatible
// service for commands and carries them out against three driver
// executables (adjust, measure, environment) found on PATH.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/opsani/servo/internal/agent"
	"github.com/opsani/servo/internal/driver"
	"github.com/opsani/servo/internal/metrics"
	"github.com/opsani/servo/internal/operations"
	"github.com/opsani/servo/internal/transport"
)

// CLI is the flat flag/env surface kong parses. Section 6's "EXTERNAL
// INTERFACES" names app_id plus --interactive/--delay/--verbose/--agent/
// --account/--url/--auth-token/--no-auth; everything else here is the
// ambient logging/CLI-ergonomics layer this style of CLI always carries.
type CLI struct {
	AppID string `arg:"" name:"app_id" help:"Application identifier the service and drivers operate on."`

	Interactive bool          `help:"Prompt on stdin between commands instead of sleeping."`
	Delay       time.Duration `help:"Fixed pause between commands when not interactive." default:"0s"`
	Verbose     bool          `help:"Enable debug-level logging."`

	Agent   string `help:"Agent identity sent in the HELLO event." default:"servo"`
	Account string `help:"Opsani account name, used to derive the service URL." env:"OPTUNE_ACCOUNT"`
	URL     string `help:"Explicit service URL, overriding --account derivation."`

	AuthToken string `name:"auth-token" help:"Path to the bearer auth token file." default:"/run/secrets/optune_auth_token"`
	NoAuth    bool   `name:"no-auth" help:"Disable bearer authentication entirely."`

	AdjustDriver      string `help:"Path or PATH-resolved name of the adjust driver." default:"adjust"`
	MeasureDriver     string `help:"Path or PATH-resolved name of the measure driver." default:"measure"`
	EnvironmentDriver string `help:"Path or PATH-resolved name of the environment driver." default:"environment"`

	VerboseStderr  driver.VerboseStderr `name:"verbose-stderr" help:"How much failing-driver stderr to fold into results (all, minimal, none)." enum:"all,minimal,none" default:"all" env:"OPTUNE_VERBOSE_STDERR"`
	IOTimeout      time.Duration        `name:"io-timeout" help:"Idle I/O timeout for a driver invocation; 0 = infinite." env:"OPTUNE_IO_TIMEOUT"`
	RetryDelaySec  int                  `name:"retry-delay-sec" help:"Delay in seconds between failed service-request retries." default:"20" env:"SERVO_RETRY_DELAY_SEC"`
	PollRate       int                  `name:"poll-rate" help:"Maximum WHATS_NEXT polls per second; 0 disables throttling." default:"0"`
	PollBurst      int                  `name:"poll-burst" help:"Burst size for --poll-rate." default:"1"`

	LogLevel  slog.Level `default:"info" env:"SERVO_LOG_LEVEL" help:"Set the log level (debug, info, warn, error)."`
	LogFormat string     `default:"text" env:"SERVO_LOG_FORMAT" enum:"text,json" help:"Set the log format (text, json)."`
}

// Fatal startup errors, per section 6's exit-code contract: the process
// exits non-zero before ever entering the command loop.
var (
	errAppIDRequired        = errors.New("app_id is required")
	errAccountOrURLRequired = errors.New("one of --account or --url is required")
)

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli, kong.Description("Servo optimization agent"))

	logger := setupLogger(cli)
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(run(cli, logger))
}

func setupLogger(cli *CLI) *slog.Logger {
	level := cli.LogLevel
	if cli.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	if cli.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}

// run wires C1 through C6 together and blocks until the agent stops
// gracefully or a fatal startup error occurs (per section 6's exit code
// contract: 0 on graceful stop, non-zero reserved for startup failures).
func run(cli *CLI, logger *slog.Logger) error {
	if strings.TrimSpace(cli.AppID) == "" {
		return errAppIDRequired
	}

	url := cli.URL
	if url == "" {
		if cli.Account == "" {
			return errAccountOrURLRequired
		}
		url = transport.AccountURL(cli.Account, cli.AppID)
	}

	meter, err := metrics.New(metrics.NewNoopProvider())
	if err != nil {
		return err
	}

	clientOpts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithRetryDelay(time.Duration(cli.RetryDelaySec) * time.Second),
		transport.WithMetrics(meter),
	}
	if !cli.NoAuth {
		token, err := readAuthToken(cli.AuthToken)
		if err != nil {
			return err
		}
		clientOpts = append(clientOpts, transport.WithAuthToken(token))
	}
	client := transport.New(url, clientOpts...)

	handler := operations.New(
		operations.Paths{
			Adjust:      cli.AdjustDriver,
			Measure:     cli.MeasureDriver,
			Environment: cli.EnvironmentDriver,
		},
		client,
		logger,
		operations.WithIOTimeout(cli.IOTimeout),
		operations.WithVerboseStderr(cli.VerboseStderr),
		operations.WithMetrics(meter),
	)

	a := agent.New(agent.Config{
		AppID:       cli.AppID,
		AgentName:   cli.Agent,
		Version:     version,
		Delay:       cli.Delay,
		Interactive: cli.Interactive,
		PollRate:    cli.PollRate,
		PollBurst:   cli.PollBurst,
	}, client, handler, meter, logger, stdinForInteractive(cli.Interactive))

	// Signal handling (SIGTERM/SIGINT/SIGUSR1/SIGHUP) is owned entirely by
	// Agent.Run itself; ctx here only carries a background lifetime, not
	// cancellation, to avoid a second, redundant signal watcher racing the
	// agent's own GOODBYE-then-exit path.
	return a.Run(context.Background())
}

// version is the agent's reported build version; overridden at link time
// via -ldflags "-X main.version=...".
var version = "dev"

func stdinForInteractive(interactive bool) io.Reader {
	if !interactive {
		return nil
	}
	return os.Stdin
}

func readAuthToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
