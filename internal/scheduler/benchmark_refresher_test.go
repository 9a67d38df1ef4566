package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingTarget struct {
	calls atomic.Int32
	err   error
}

func (c *countingTarget) Refresh() error {
	c.calls.Add(1)
	return c.err
}

func TestNewBenchmarkRefresher_InvalidSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{name: "every five minutes", spec: "*/5 * * * *"},
		{name: "daily at midnight", spec: "0 0 * * *"},
		{name: "descriptor", spec: "@hourly"},
		{name: "invalid", spec: "invalid", wantErr: true},
		{name: "seconds field rejected", spec: "0 0 0 * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewBenchmarkRefresher(tt.spec, &countingTarget{}, zaptest.NewLogger(t))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, r.cron)
		})
	}
}

func TestBenchmarkRefresher_Runs(t *testing.T) {
	target := &countingTarget{}
	r, err := NewBenchmarkRefresher("@every 1s", target, zaptest.NewLogger(t))
	require.NoError(t, err)

	r.Start()
	assert.Eventually(t, func() bool { return target.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	r.Stop()

	runs, failures := r.Stats()
	assert.GreaterOrEqual(t, runs, 1)
	assert.Zero(t, failures)
}

func TestBenchmarkRefresher_CountsFailures(t *testing.T) {
	target := &countingTarget{err: errors.New("prices unavailable")}
	r, err := NewBenchmarkRefresher("@hourly", target, zaptest.NewLogger(t))
	require.NoError(t, err)

	r.run()
	r.run()

	runs, failures := r.Stats()
	assert.Equal(t, 2, runs)
	assert.Equal(t, 2, failures)
}
