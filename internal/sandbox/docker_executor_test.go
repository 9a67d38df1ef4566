package sandbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// setupDockerExecutor skips unless EVOLVER_DOCKER_TESTS is set and a daemon is reachable.
func setupDockerExecutor(t *testing.T) *DockerExecutor {
	t.Helper()
	if os.Getenv("EVOLVER_DOCKER_TESTS") == "" {
		t.Skip("EVOLVER_DOCKER_TESTS not set, skipping Docker sandbox tests")
	}

	cfg := config.Default().Sandbox
	cfg.Image = "alpine:3.20"
	cfg.Command = []string{"sh", "{entrypoint}"}
	cfg.MemoryLimit = "128m"
	cfg.ScratchRoot = t.TempDir()
	cfg.CleanupStaleAge = ""

	e, err := NewDockerExecutor(&cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("Docker daemon not available: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestDockerExecutor_Isolation(t *testing.T) {
	e := setupDockerExecutor(t)

	// The root filesystem is read-only and there is no network; only /scratch is writable.
	code := `touch /etc/canary 2>/dev/null && exit 10
wget -q -T 2 -O /dev/null http://example.com 2>/dev/null && exit 11
echo '{"returns": [0.5]}' > "$RESULT_PATH"`
	c := domain.NewCandidate("iso", code, "run.sh", nil, domain.GenerationModeMutation, nil)

	res := e.Execute(context.Background(), c, time.Minute)
	require.True(t, res.Success, res.ErrorMessage)
	assert.JSONEq(t, `{"returns":[0.5]}`, string(res.RawOutput))
}

func TestDockerExecutor_Timeout(t *testing.T) {
	e := setupDockerExecutor(t)

	c := domain.NewCandidate("slow", "sleep 60", "run.sh", nil, domain.GenerationModeMutation, nil)
	res := e.Execute(context.Background(), c, 2*time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorKindTimeout, res.ErrorKind)
}

func TestDockerExecutor_OversizedResult(t *testing.T) {
	e := setupDockerExecutor(t)

	// 8 MiB of JSON stays under the file size ulimit but over the read cap.
	code := `{ printf '{"pad":"'; head -c 8388608 /dev/zero | tr '\0' 'a'; printf '"}'; } > "$RESULT_PATH"`
	c := domain.NewCandidate("big", code, "run.sh", nil, domain.GenerationModeMutation, nil)

	res := e.Execute(context.Background(), c, time.Minute)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorKindRuntime, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "result too large")
	assert.Empty(t, res.RawOutput)
}
