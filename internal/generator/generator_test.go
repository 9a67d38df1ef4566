package generator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

func TestSpec_ToCandidate(t *testing.T) {
	parent := uuid.New()
	spec := &Spec{Name: "x", Code: "pass", Factors: []string{"rsi"}, ParentID: &parent}

	c, err := spec.ToCandidate(Feedback{Mode: domain.GenerationModeSynthesis})
	require.NoError(t, err)
	assert.Equal(t, domain.GenerationModeSynthesis, c.Origin)
	assert.Equal(t, "strategy.py", c.Entrypoint)
	require.NotNil(t, c.ParentID)
	assert.Equal(t, parent, *c.ParentID)

	_, err = (&Spec{Name: "empty", Code: "  "}).ToCandidate(Feedback{})
	assert.Error(t, err)
}

func TestOriginOf_Hybrid(t *testing.T) {
	fb := Feedback{Mode: domain.GenerationModeHybrid, Search: domain.SearchModeExplore}
	assert.Equal(t, domain.GenerationModeSynthesis, originOf("", fb))
	assert.Equal(t, domain.GenerationModeMutation, originOf("mutation", fb))

	fb.Search = domain.SearchModeExploit
	assert.Equal(t, domain.GenerationModeMutation, originOf("", fb))

	fb.Mode = domain.GenerationModeSynthesis
	assert.Equal(t, domain.GenerationModeSynthesis, originOf("mutation", fb))
}

func TestDirectoryGenerator(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01_first.json"), []byte(`{"code":"print(1)","factors":["rsi"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02_broken.json"), []byte(`{not json`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "03_raw.py"), []byte("print(3)"), 0o644))

	g, err := NewDirectoryGenerator(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	fb := Feedback{Mode: domain.GenerationModeMutation}

	c, err := g.Generate(context.Background(), fb)
	require.NoError(t, err)
	assert.Equal(t, "01_first", c.Name)
	assert.Equal(t, []string{"rsi"}, c.Factors)

	c, err = g.Generate(context.Background(), fb)
	require.NoError(t, err)
	assert.Equal(t, "03_raw", c.Name)
	assert.Equal(t, "03_raw.py", c.Entrypoint)
	assert.Equal(t, "print(3)", c.Code)

	_, err = g.Generate(context.Background(), fb)
	assert.ErrorIs(t, err, ErrExhausted)

	consumed, err := os.ReadDir(filepath.Join(dir, consumedDir))
	require.NoError(t, err)
	assert.Len(t, consumed, 3)
}

func TestCommandGenerator(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	script := `read -r line; case "$line" in *'"search":"explore"'*) echo '{"name":"explored","code":"x = 1"}';; *) exit 3;; esac`
	g, err := NewCommandGenerator([]string{"/bin/sh", "-c", script}, 10*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	c, err := g.Generate(context.Background(), Feedback{Iteration: 4, Mode: domain.GenerationModeSynthesis, Search: domain.SearchModeExplore})
	require.NoError(t, err)
	assert.Equal(t, "explored", c.Name)
	assert.Equal(t, "x = 1", c.Code)

	_, err = g.Generate(context.Background(), Feedback{Search: domain.SearchModeExploit})
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestCommandGenerator_Failure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	g, err := NewCommandGenerator([]string{"/bin/sh", "-c", "echo oops >&2; exit 1"}, 10*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Feedback{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

type failingGenerator struct {
	calls int
	err   error
}

func (f *failingGenerator) Generate(ctx context.Context, fb Feedback) (*domain.Candidate, error) {
	f.calls++
	return nil, f.err
}

func TestBreakerGenerator_OpensAfterFailures(t *testing.T) {
	inner := &failingGenerator{err: errors.New("llm unavailable")}
	g := NewBreakerGenerator(inner, 2, time.Minute, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		_, err := g.Generate(context.Background(), Feedback{})
		assert.EqualError(t, err, "llm unavailable")
	}
	assert.Equal(t, "open", g.State())

	_, err := g.Generate(context.Background(), Feedback{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, inner.calls, "open breaker fails fast")
}

func TestBreakerGenerator_FailuresAreNotUnavailable(t *testing.T) {
	inner := &failingGenerator{err: errors.New("bad proposal")}
	g := NewBreakerGenerator(inner, 3, time.Minute, zaptest.NewLogger(t))

	_, err := g.Generate(context.Background(), Feedback{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestBreakerGenerator_ExhaustedIsNotFailure(t *testing.T) {
	inner := &failingGenerator{err: ErrExhausted}
	g := NewBreakerGenerator(inner, 1, time.Minute, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_, err := g.Generate(context.Background(), Feedback{})
		assert.ErrorIs(t, err, ErrExhausted)
	}
	assert.Equal(t, "closed", g.State())
}

func TestNew_UsesSpoolWithoutCommand(t *testing.T) {
	cfg := config.Default().Generation
	cfg.SpoolDir = t.TempDir()

	g, err := New(context.Background(), &cfg, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), Feedback{})
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestNew_QueueWithoutBroker(t *testing.T) {
	cfg := config.Default().Generation
	cfg.Queue = "evolver.candidates"

	_, err := New(context.Background(), &cfg, nil, nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, errNoBroker)
}
