package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/freqsearch/go-evolver/internal/config"
)

// fakeTx records how a transaction ended. Methods it does not override panic
// through the nil embedded interface.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.committed = true
	return tx.commitErr
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	tx.rolledBack = true
	return nil
}

type fakeStarter struct {
	tx       *fakeTx
	beginErr error
}

func (s *fakeStarter) Begin(ctx context.Context) (pgx.Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return s.tx, nil
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	starter := &fakeStarter{tx: &fakeTx{}}
	var seen pgx.Tx

	err := withTx(context.Background(), starter, zaptest.NewLogger(t), func(tx pgx.Tx) error {
		seen = tx
		return nil
	})

	require.NoError(t, err)
	assert.Same(t, starter.tx, seen)
	assert.True(t, starter.tx.committed)
	assert.False(t, starter.tx.rolledBack)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	starter := &fakeStarter{tx: &fakeTx{}}
	boom := errors.New("insert failed")

	err := withTx(context.Background(), starter, zaptest.NewLogger(t), func(pgx.Tx) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.True(t, starter.tx.rolledBack)
	assert.False(t, starter.tx.committed)
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	starter := &fakeStarter{tx: &fakeTx{}}

	assert.PanicsWithValue(t, "bad row", func() {
		_ = withTx(context.Background(), starter, zaptest.NewLogger(t), func(pgx.Tx) error { panic("bad row") })
	})
	assert.True(t, starter.tx.rolledBack)
}

func TestWithTx_BeginAndCommitErrors(t *testing.T) {
	refused := errors.New("connection refused")
	err := withTx(context.Background(), &fakeStarter{beginErr: refused}, zaptest.NewLogger(t), func(pgx.Tx) error {
		t.Fatal("fn must not run without a transaction")
		return nil
	})
	assert.ErrorIs(t, err, refused)

	serialization := errors.New("could not serialize access")
	starter := &fakeStarter{tx: &fakeTx{commitErr: serialization}}
	err = withTx(context.Background(), starter, zaptest.NewLogger(t), func(pgx.Tx) error { return nil })
	assert.ErrorIs(t, err, serialization)
	assert.Contains(t, err.Error(), "commit")
}

func TestPoolConfig(t *testing.T) {
	cfg := config.Default().Database
	cfg.Host = "db.local"
	cfg.MaxConnections = 8
	cfg.MaxIdleConnections = 2
	cfg.ConnMaxLifetime = "15m"

	poolCfg, err := poolConfig(&cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(8), poolCfg.MaxConns)
	assert.Equal(t, int32(2), poolCfg.MinConns)
	assert.Equal(t, 15*time.Minute, poolCfg.MaxConnLifetime)
	assert.Equal(t, connectTimeout, poolCfg.ConnConfig.ConnectTimeout)
	assert.Equal(t, "db.local", poolCfg.ConnConfig.Host)

	cfg.ConnMaxLifetime = "forever"
	_, err = poolConfig(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conn_max_lifetime")
}
