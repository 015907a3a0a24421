package slayers

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	postgresNotifyChannelStop = "slayers_stop"

	dbNotifierSendTimeout   = 15 * time.Second
	dbNotifierRetryInterval = 5 * time.Second
)

var errNotifierUnsupported = errors.New(
	"stop notifications require a postgres database",
)

// DBNotifier passes signals between bot processes sharing a database
type DBNotifier interface {
	// ID identifies this notifier. Notifications it sends carry the ID,
	// and its own listener ignores them.
	ID() string

	// Stop asks every bot listening on the database to shut down
	Stop(ctx context.Context) error

	// Listen blocks until ctx is done, calling the stop handler for each
	// stop notification sent by another process
	Listen(ctx context.Context) error
}

// NewDBNotifier returns a notifier for the given database. onStop is
// called when another process sends a stop notification, and may be nil
// for send-only use.
func NewDBNotifier(
	databaseType string,
	dsn string,
	db DBI,
	onStop func(),
	logger *slog.Logger,
) (DBNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := generateRandomHexString(16)
	if err != nil {
		return nil, fmt.Errorf("error generating notifier id: %w", err)
	}
	logger = logger.With(loggerNameKey, "db_notifier", "notifier_id", id)

	switch databaseType {
	case dbTypePostgres:
		return &postgresNotifier{
			id:     id,
			dsn:    dsn,
			db:     db,
			onStop: onStop,
			logger: logger,
		}, nil
	case dbTypeSQLite:
		return &sqliteNotifier{id: id, onStop: onStop}, nil
	default:
		return nil, fmt.Errorf("invalid database type: %q", databaseType)
	}
}

// sqliteNotifier only reaches the current process, since sqlite has no
// way to signal other connections
type sqliteNotifier struct {
	id     string
	onStop func()
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

func (s *sqliteNotifier) Stop(context.Context) error {
	if s.onStop == nil {
		return errNotifierUnsupported
	}
	s.onStop()
	return nil
}

func (s *sqliteNotifier) Listen(context.Context) error {
	return nil
}

// postgresNotifier sends notifications with pg_notify, and listens for
// them on a dedicated pgx connection
type postgresNotifier struct {
	id     string
	dsn    string
	db     DBI
	onStop func()
	logger *slog.Logger
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
	defer cancel()

	p.logger.InfoContext(ctx, "sending stop notification")
	err := p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelStop,
		p.id,
	).Error
	if err != nil {
		return fmt.Errorf("error sending stop notification: %w", err)
	}
	return nil
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	logger := p.logger.With("channel", postgresNotifyChannelStop)
	for ctx.Err() == nil {
		err = p.listen(ctx, pool, logger)
		if err == nil || ctx.Err() != nil {
			continue
		}
		logger.ErrorContext(
			ctx,
			"listener error, reconnecting",
			tint.Err(err),
			"retry_in", dbNotifierRetryInterval,
		)
		select {
		case <-ctx.Done():
		case <-time.After(dbNotifierRetryInterval):
		}
	}
	logger.InfoContext(ctx, "stopped listening")
	return nil
}

// listen holds one connection until it fails or ctx is done
func (p *postgresNotifier) listen(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *slog.Logger,
) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannelStop); err != nil {
		return fmt.Errorf("error listening: %w", err)
	}
	logger.InfoContext(ctx, "listening for notifications")

	for {
		n, waitErr := conn.Conn().WaitForNotification(ctx)
		if waitErr != nil {
			return waitErr
		}
		p.handleNotification(ctx, n.Channel, n.Payload)
	}
}

// handleNotification reports whether the notification was acted on
func (p *postgresNotifier) handleNotification(
	ctx context.Context,
	channel string,
	payload string,
) bool {
	logger := p.logger.With("channel", channel, "sender_id", payload)
	if payload == p.id {
		logger.DebugContext(ctx, "ignoring own notification")
		return false
	}

	switch channel {
	case postgresNotifyChannelStop:
		logger.WarnContext(ctx, "got stop notification")
		if p.onStop != nil {
			p.onStop()
		}
		return true
	default:
		logger.WarnContext(ctx, "unknown notification channel")
		return false
	}
}
