//go:build !linux

package sandbox

import (
	"fmt"
	"os/exec"
	"runtime"
)

func isolatedCommand(dir, script string) (*exec.Cmd, error) {
	return nil, fmt.Errorf("%w: no mount and network namespaces on %s", errIsolationUnavailable, runtime.GOOS)
}
