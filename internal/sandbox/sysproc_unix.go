//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// killGroup sends SIGKILL to the child's whole process group.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
