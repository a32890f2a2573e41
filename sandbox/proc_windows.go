//go:build windows

package sandbox

import "os/exec"

// setProcGroup is a no-op on Windows; only the direct child can be targeted.
func setProcGroup(cmd *exec.Cmd) {}

// killProcessGroup force-kills the child process.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
