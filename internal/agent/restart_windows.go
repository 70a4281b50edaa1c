//go:build windows

package agent

import (
	"fmt"
	"os"
	"os/exec"
)

// reExec has no true process-image replacement on Windows, so it spawns a
// fresh child with the same argv/envv, waits for it to be launched, and
// exits this process — the closest equivalent to section 4.6's restart
// contract on a platform without exec(2).
func reExec() error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	cmd := exec.Command(path, os.Args[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn replacement process: %w", err)
	}

	os.Exit(0)
	return nil
}
