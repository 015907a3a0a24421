package slayers

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewDBNotifier(t *testing.T) {
	n, err := NewDBNotifier(dbTypeSQLite, "", nil, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &sqliteNotifier{}, n)
	assert.Len(t, n.ID(), 16)

	other, err := NewDBNotifier(dbTypePostgres, "postgres://localhost/slayers", nil, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &postgresNotifier{}, other)
	assert.NotEqual(t, n.ID(), other.ID())

	_, err = NewDBNotifier("mysql", "", nil, nil, nil)
	assert.ErrorContains(t, err, "invalid database type")
}

func TestSQLiteNotifier(t *testing.T) {
	ctx := context.Background()

	sendOnly, err := NewDBNotifier(dbTypeSQLite, "", nil, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, sendOnly.Stop(ctx), errNotifierUnsupported)

	var stops atomic.Int64
	n, err := NewDBNotifier(dbTypeSQLite, "", nil, func() { stops.Add(1) }, nil)
	require.NoError(t, err)
	require.NoError(t, n.Stop(ctx))
	assert.Equal(t, int64(1), stops.Load())
	assert.NoError(t, n.Listen(ctx))
}

func TestPostgresNotifier_HandleNotification(t *testing.T) {
	var stops atomic.Int64
	n, err := NewDBNotifier(
		dbTypePostgres,
		"postgres://localhost/slayers",
		nil,
		func() { stops.Add(1) },
		nil,
	)
	require.NoError(t, err)
	pn := n.(*postgresNotifier)
	ctx := context.Background()

	assert.False(t, pn.handleNotification(ctx, postgresNotifyChannelStop, pn.ID()))
	assert.Zero(t, stops.Load())

	assert.False(t, pn.handleNotification(ctx, "slayers_other", "abc123"))
	assert.Zero(t, stops.Load())

	assert.True(t, pn.handleNotification(ctx, postgresNotifyChannelStop, "abc123"))
	assert.Equal(t, int64(1), stops.Load())
}

func TestPostgresNotifier_ListenInvalidDSN(t *testing.T) {
	n, err := NewDBNotifier(dbTypePostgres, "not a dsn ://", nil, nil, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, n.Listen(context.Background()), "error parsing database config")
}

func TestBot_StopSignal(t *testing.T) {
	bot, err := New(DefaultTestConfig(t))
	require.NoError(t, err)
	bot.signalStop = make(chan struct{}, 1)

	n, err := NewDBNotifier(dbTypePostgres, "postgres://localhost/slayers", nil, func() { bot.Stop() }, nil)
	require.NoError(t, err)
	require.True(t, n.(*postgresNotifier).handleNotification(
		context.Background(),
		postgresNotifyChannelStop,
		"abc123",
	))

	select {
	case <-bot.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}

// Requires a postgres server, given by SLAYERS_TEST_POSTGRES_DSN
func TestPostgresNotifier_StopPeers(t *testing.T) {
	dsn := os.Getenv("SLAYERS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SLAYERS_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	db, err := CreateDB(ctx, dbTypePostgres, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)
	writeDB := NewDatabase(db, nil, true)

	var stops atomic.Int64
	listener, err := NewDBNotifier(dbTypePostgres, dsn, writeDB, func() { stops.Add(1) }, nil)
	require.NoError(t, err)
	sender, err := NewDBNotifier(dbTypePostgres, dsn, writeDB, nil, nil)
	require.NoError(t, err)

	listenCtx, listenCancel := context.WithCancel(ctx)
	listenDone := make(chan error, 1)
	go func() {
		listenDone <- listener.Listen(listenCtx)
	}()

	// the listener ignores its own notifications
	require.NoError(t, listener.Stop(ctx))

	require.Eventually(
		t,
		func() bool {
			if err := sender.Stop(ctx); err != nil {
				return false
			}
			return stops.Load() > 0
		},
		10*time.Second,
		200*time.Millisecond,
	)

	listenCancel()
	select {
	case err = <-listenDone:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for listener to stop")
	}
}
