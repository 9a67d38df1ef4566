package sandbox

import (
	"os"
	"testing"

	"github.com/docker/docker/pkg/reexec"
)

// TestMain lets the test binary act as the sandbox init process when re-executed.
func TestMain(m *testing.M) {
	if reexec.Init() {
		os.Exit(0)
	}
	os.Exit(m.Run())
}
