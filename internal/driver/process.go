package driver

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// startInGroup configures cmd to run as the leader of its own process
// group, so that a cancellation can reach any children the driver itself
// spawns, not just the driver process.
func startInGroup(cmd *exec.Cmd) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd.Start()
}

// signalGroup delivers sig to every process in the child's process group.
// The pgid equals the leader's pid by construction of startInGroup.
func signalGroup(pid int, sig unix.Signal) error {
	return unix.Kill(-pid, sig)
}

// killGroup forcibly terminates the child's entire process group.
func killGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

// cancelGroup delivers SIGUSR1 (cooperative cancellation) when the driver
// advertised has_cancel, otherwise kills the group outright.
func cancelGroup(pid int, hasCancel bool) error {
	if hasCancel {
		return signalGroup(pid, unix.SIGUSR1)
	}
	return killGroup(pid)
}

// waitWithTimeout waits for cmd to exit, killing its process group if it
// has not exited within d. Returns the wait error (possibly from the kill
// path) and whether a kill was required.
func waitWithTimeout(cmd *exec.Cmd, d time.Duration) (err error, killed bool) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		return err, false
	case <-timer.C:
		_ = killGroup(cmd.Process.Pid)
		return <-done, true
	}
}
