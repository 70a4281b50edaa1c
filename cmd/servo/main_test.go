package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestRunRequiresAppID(t *testing.T) {
	cli := &CLI{Account: "acme"}
	if err := run(cli, slog.Default()); err != errAppIDRequired {
		t.Fatalf("run() error = %v, want errAppIDRequired", err)
	}
}

func TestRunRequiresAccountOrURL(t *testing.T) {
	cli := &CLI{AppID: "app1"}
	if err := run(cli, slog.Default()); err != errAccountOrURLRequired {
		t.Fatalf("run() error = %v, want errAccountOrURLRequired", err)
	}
}

func TestReadAuthTokenTrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("s3cr3t\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	token, err := readAuthToken(path)
	if err != nil {
		t.Fatalf("readAuthToken() error = %v", err)
	}
	if token != "s3cr3t" {
		t.Fatalf("readAuthToken() = %q, want %q", token, "s3cr3t")
	}
}

func TestReadAuthTokenMissingFile(t *testing.T) {
	if _, err := readAuthToken(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing auth token file")
	}
}

func TestSetupLoggerSelectsHandlerByFormat(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		t.Run(format, func(t *testing.T) {
			cli := &CLI{LogFormat: format, LogLevel: slog.LevelInfo}
			if l := setupLogger(cli); l == nil {
				t.Fatal("setupLogger() returned nil")
			}
		})
	}
}

func TestSetupLoggerVerboseForcesDebug(t *testing.T) {
	cli := &CLI{LogFormat: "json", LogLevel: slog.LevelInfo, Verbose: true}
	logger := setupLogger(cli)
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected --verbose to enable debug-level logging")
	}
}

func TestStdinForInteractive(t *testing.T) {
	if stdinForInteractive(false) != nil {
		t.Fatal("expected nil reader when not interactive")
	}
	if stdinForInteractive(true) == nil {
		t.Fatal("expected os.Stdin when interactive")
	}
}
