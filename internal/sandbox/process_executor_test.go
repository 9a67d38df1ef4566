//go:build linux

package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

func newTestProcessExecutor(t *testing.T) (*ProcessExecutor, string) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	root := t.TempDir()
	cfg := config.Default().Sandbox
	cfg.Backend = BackendProcess
	cfg.ProcessCommand = []string{"sh", "{entrypoint}"}
	cfg.ScratchRoot = root

	e, err := NewProcessExecutor(&cfg, zaptest.NewLogger(t))
	if errors.Is(err, errIsolationUnavailable) {
		t.Skipf("host does not allow unprivileged namespaces: %v", err)
	}
	require.NoError(t, err)
	return e, root
}

func shellCandidate(code string) *domain.Candidate {
	return domain.NewCandidate("test", code, "strategy.sh", nil, domain.GenerationModeMutation, nil)
}

func TestProcessExecutor_ResultFile(t *testing.T) {
	e, root := newTestProcessExecutor(t)

	c := shellCandidate(`test -f "$CANDIDATE_PATH" || exit 9
echo '{"returns": [0.01, -0.02]}' > "$RESULT_PATH"`)
	res := e.Execute(context.Background(), c, 10*time.Second)

	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, c.ID, res.CandidateID)
	assert.Equal(t, domain.ErrorKindNone, res.ErrorKind)
	assert.JSONEq(t, `{"returns":[0.01,-0.02]}`, string(res.RawOutput))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch dir must be removed after execution")
}

func TestProcessExecutor_StdoutFallback(t *testing.T) {
	e, _ := newTestProcessExecutor(t)

	res := e.Execute(context.Background(), shellCandidate(`echo "warming up"
echo '{"sharpe_ratio": 1.25}'`), 10*time.Second)

	require.True(t, res.Success, res.ErrorMessage)
	assert.JSONEq(t, `{"sharpe_ratio":1.25}`, string(res.RawOutput))
}

func TestProcessExecutor_RuntimeError(t *testing.T) {
	e, root := newTestProcessExecutor(t)

	res := e.Execute(context.Background(), shellCandidate(`echo "Traceback: boom" >&2
exit 3`), 10*time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorKindRuntime, res.ErrorKind)
	assert.Equal(t, int64(3), res.ExitCode)
	assert.Contains(t, res.ErrorMessage, "boom")

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessExecutor_TruncatesMessage(t *testing.T) {
	e, _ := newTestProcessExecutor(t)

	long := strings.Repeat("x", 2000)
	res := e.Execute(context.Background(), shellCandidate(`echo "`+long+`END" >&2
exit 1`), 10*time.Second)

	assert.Equal(t, domain.ErrorKindRuntime, res.ErrorKind)
	assert.Len(t, res.ErrorMessage, domain.MaxErrorMessageLen)
	assert.True(t, strings.HasSuffix(res.ErrorMessage, "END"))
}

func TestProcessExecutor_NoResult(t *testing.T) {
	e, _ := newTestProcessExecutor(t)

	res := e.Execute(context.Background(), shellCandidate(`echo "nothing useful"`), 10*time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorKindRuntime, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "no JSON result")
}

func TestProcessExecutor_Timeout(t *testing.T) {
	e, root := newTestProcessExecutor(t)

	start := time.Now()
	res := e.Execute(context.Background(), shellCandidate(`sleep 30 &
sleep 30`), 300*time.Millisecond)

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorKindTimeout, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "timeout")
	assert.Less(t, time.Since(start), 10*time.Second, "process group must be killed")

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessExecutor_WritesOutsideScratchFail(t *testing.T) {
	e, _ := newTestProcessExecutor(t)

	outside := filepath.Join(t.TempDir(), "iterations.jsonl")
	require.NoError(t, os.WriteFile(outside, []byte(`{"iteration_num":0}`+"\n"), 0o644))

	c := shellCandidate(`if echo CORRUPTED >> '` + outside + `' 2>/dev/null; then wrote=true; else wrote=false; fi
touch "$SCRATCH_DIR/ok" || exit 7
echo "{\"wrote\": $wrote}" > "$RESULT_PATH"`)
	res := e.Execute(context.Background(), c, 10*time.Second)

	require.True(t, res.Success, res.ErrorMessage)
	assert.JSONEq(t, `{"wrote":false}`, string(res.RawOutput))

	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, `{"iteration_num":0}`+"\n", string(data))
}

func TestProcessExecutor_NoNetworkInterfaces(t *testing.T) {
	e, _ := newTestProcessExecutor(t)

	// /proc/net/dev lists the interfaces of the reader's network namespace.
	c := shellCandidate(`ifaces=$(tail -n +3 /proc/net/dev | cut -d: -f1 | tr -d ' ' | tr '\n' ',')
echo "{\"ifaces\": \"$ifaces\"}" > "$RESULT_PATH"`)
	res := e.Execute(context.Background(), c, 10*time.Second)

	require.True(t, res.Success, res.ErrorMessage)
	assert.JSONEq(t, `{"ifaces":"lo,"}`, string(res.RawOutput))
}

func TestProcessExecutor_OversizedResult(t *testing.T) {
	e, _ := newTestProcessExecutor(t)

	c := shellCandidate(`{ printf '{"pad":"'; head -c 8388608 /dev/zero | tr '\0' 'a'; printf '"}'; } > "$RESULT_PATH"`)
	res := e.Execute(context.Background(), c, 30*time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorKindRuntime, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "result too large")
	assert.Empty(t, res.RawOutput)
}

func TestProcessExecutor_FileSizeLimit(t *testing.T) {
	e, _ := newTestProcessExecutor(t)

	// Writing past the file size limit kills the writer with SIGXFSZ.
	c := shellCandidate(`head -c 134217728 /dev/zero > "$SCRATCH_DIR/huge" || exit 4
echo '{"returns": [0.1]}' > "$RESULT_PATH"`)
	res := e.Execute(context.Background(), c, 30*time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorKindRuntime, res.ErrorKind)
	assert.Equal(t, int64(4), res.ExitCode)
}

func TestProcessExecutor_LimitPrelude(t *testing.T) {
	e, _ := newTestProcessExecutor(t)

	prelude := e.limitPrelude(10 * time.Second)
	assert.Contains(t, prelude, "ulimit -f 65536 ")
	assert.Contains(t, prelude, "ulimit -v ")
	assert.Contains(t, prelude, "ulimit -c 0")
}
