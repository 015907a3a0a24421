package slayers

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestNew_ConfigErrors(t *testing.T) {
	_, err := New(nil)
	assert.EqualError(t, err, "no config given")

	cfg := DefaultTestConfig(t)
	cfg.Requests = nil
	_, err = New(cfg)
	assert.EqualError(t, err, "incomplete config")

	cfg = DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err = New(cfg)
	assert.ErrorContains(t, err, "invalid database type")
}

func TestBot_StopNotRunning(t *testing.T) {
	bot, err := New(DefaultTestConfig(t))
	require.NoError(t, err)
	assert.False(t, bot.Stop())
}

func TestBot_RunInvalidConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	bot, err := New(cfg)
	require.NoError(t, err)

	assert.Error(t, bot.Run(context.Background()))
}

func TestBot_RunAndStop(t *testing.T) {
	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)

	session := newFakeGuildSession(cfg.Discord.GuildID, cfg.Discord.ApplicationID)
	session.addMember("100", "jon", "")
	bot.discord.session = session

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(context.Background())
	}()

	select {
	case <-bot.signalReady:
	case err = <-runErr:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}
	t.Cleanup(
		func() {
			sqlDB, _ := bot.db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	bot.handleMessageCreate(
		context.Background(),
		newDiscordMessage("m1", testRequestChannel, "100", "Jon Snow\n445566"),
	)
	require.Eventually(
		t,
		func() bool { return session.member("100").Nick == "Jon Snow | 445566" },
		5*time.Second,
		10*time.Millisecond,
	)

	assert.True(t, bot.Stop())

	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	select {
	case <-bot.eventShutdown:
	default:
		t.Fatal("expected shutdown event")
	}

	assert.Zero(t, bot.submitterWorkerCount())
	err = bot.enqueueRequest(
		context.Background(),
		NewRequest(newDiscordMessage("m2", testRequestChannel, "100", "x").Message),
	)
	assert.ErrorIs(t, err, errShuttingDown)
}

func TestBot_RunContextCanceled(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.API.Enabled = false
	bot, err := New(cfg)
	require.NoError(t, err)
	bot.discord.session = newFakeGuildSession(cfg.Discord.GuildID, cfg.Discord.ApplicationID)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}
	t.Cleanup(
		func() {
			sqlDB, _ := bot.db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	cancel()
	select {
	case err = <-runErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}
