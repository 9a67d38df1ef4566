//go:build !unix

package sandbox

import "os/exec"

// killGroup kills the child. Without process groups its descendants may survive.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
