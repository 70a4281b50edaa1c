//go:build !windows

package agent

import (
	"fmt"
	"os"
	"syscall"
)

// reExec replaces the current process image with a fresh invocation of
// the same program, preserving argv and envv exactly, per section 4.6's
// restart contract.
func reExec() error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	if err := syscall.Exec(path, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}
