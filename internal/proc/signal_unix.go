//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

// killGroup signals the whole process group so shell-wrapped children do not
// outlive their parent.
func killGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// processExists checks whether a PID is still present.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// runShell executes one cleanup command, ignoring its outcome.
func runShell(command string) {
	// #nosec G204
	_ = exec.Command("/bin/sh", "-c", command).Run()
}
