package slayers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnSubmitterID = "submitter_id"
	columnExpiresAt   = "expires_at"
	columnWarnedAt    = "warned_at"
	columnGameID      = "game_id"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
//
// Fields:
//   - CreatedAt: The timestamp when the record was created, stored in milliseconds.
//   - UpdatedAt: The timestamp when the record was last updated, stored in milliseconds.
//   - DeletedAt: The timestamp when the record was deleted, stored as a gorm.DeletedAt type.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// MemberRecord is the registry entry for a member whose request was
// accepted, keyed by their Discord user ID. Later requests overwrite it,
// and it's hard-deleted when the member's role is removed.
type MemberRecord struct {
	SubmitterID string `gorm:"primaryKey" json:"submitter_id"`
	Name        string `json:"name"`
	GameID      string `gorm:"index" json:"id"`
	Rank        string `json:"rank,omitempty"`
	Nickname    string `json:"nickname"`
	Username    string `json:"username,omitempty"`
	GuildID     string `json:"guild_id,omitempty"`

	// RecordedAt is when the request was accepted (or the nickname was
	// found by a registry rebuild), in unix milliseconds
	RecordedAt int64 `json:"recorded_at"`

	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (m MemberRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnSubmitterID, m.SubmitterID),
		slog.String("name", m.Name),
		slog.String("id", m.GameID),
		slog.String("rank", m.Rank),
		slog.String("nickname", m.Nickname),
	)
}

// CooldownEntry holds the time (unix milliseconds) at which a
// submitter's cooldown ends. Expired entries are overwritten in place.
type CooldownEntry struct {
	SubmitterID string `gorm:"primaryKey" json:"submitter_id"`
	ExpiresAt   int64  `gorm:"not null;index" json:"expires_at"`
}

// NameWarning holds the last time a submitter was warned about a
// similar existing name
type NameWarning struct {
	SubmitterID string `gorm:"primaryKey" json:"submitter_id"`
	WarnedAt    int64  `gorm:"not null" json:"warned_at"`
}

// dbModels returns the models migrated by CreateDB and initDB
func dbModels() []any {
	return []any{
		&MemberRecord{},
		&CooldownEntry{},
		&NameWarning{},
		&RequestLog{},
	}
}

// TableNames returns the name of each table the bot migrates
func TableNames(db *gorm.DB) ([]string, error) {
	models := dbModels()
	names := make([]string, 0, len(models))
	for _, m := range models {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(m); err != nil {
			return nil, fmt.Errorf("error parsing model %T: %w", m, err)
		}
		names = append(names, stmt.Schema.Table)
	}
	return names, nil
}

// database wraps a gorm.DB. When writes aren't safe to run concurrently
// (sqlite), they're serialized with a mutex.
//
// Every method that doesn't receive a context with a deadline applies
// dbOperationTimeout.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI for the given connection. Set
// enableConcurrentWrites for backends that handle concurrent writers
// (postgres).
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

// Upsert inserts value with the given ON CONFLICT clause. Rows affected
// is 0 when the conflict's WHERE condition blocked the update.
func (d *database) Upsert(
	ctx context.Context,
	value any,
	onConflict clause.OnConflict,
) (rowsAffected int64, err error) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Clauses(onConflict).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(
	ctx context.Context,
	value any,
	conds ...any,
) (rowsAffected int64, err error) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// DBI defines the interface for database write operations. This is here
// primarily to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Upsert(ctx context.Context, value any, onConflict clause.OnConflict) (
		rowsAffected int64,
		err error,
	)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// gormStore implements CooldownStore, WarningStore and MemberRegistry on
// top of a DBI
type gormStore struct {
	db DBI
}

// NewGormStore returns a store backed by the given database, which must
// already be migrated
func NewGormStore(db DBI) *gormStore {
	return &gormStore{db: db}
}

// AcquireCooldown inserts the cooldown row, or overwrites it only if the
// existing one has expired. A conflict with an active cooldown affects
// no rows.
func (g *gormStore) AcquireCooldown(
	ctx context.Context,
	submitterID string,
	now time.Time,
	d time.Duration,
) (time.Duration, bool, error) {
	if d <= 0 {
		remaining, err := g.CooldownRemaining(ctx, submitterID, now)
		return remaining, remaining == 0, err
	}

	nowMilli := now.UnixMilli()
	entry := CooldownEntry{
		SubmitterID: submitterID,
		ExpiresAt:   now.Add(d).UnixMilli(),
	}
	rows, err := g.db.Upsert(
		ctx,
		&entry,
		clause.OnConflict{
			Columns: []clause.Column{{Name: columnSubmitterID}},
			DoUpdates: clause.Assignments(
				map[string]any{columnExpiresAt: entry.ExpiresAt},
			),
			Where: clause.Where{
				Exprs: []clause.Expression{
					clause.Lte{
						Column: clause.Column{
							Table: "cooldown_entries",
							Name:  columnExpiresAt,
						},
						Value: nowMilli,
					},
				},
			},
		},
	)
	if err != nil {
		return 0, false, fmt.Errorf("error acquiring cooldown: %w", err)
	}
	if rows > 0 {
		return 0, true, nil
	}

	remaining, err := g.CooldownRemaining(ctx, submitterID, now)
	if err != nil {
		return 0, false, err
	}
	if remaining == 0 {
		// expired between the upsert and the read
		remaining = time.Millisecond
	}
	return remaining, false, nil
}

func (g *gormStore) ReleaseCooldown(
	ctx context.Context,
	submitterID string,
	until time.Time,
) error {
	_, err := g.db.Delete(
		ctx,
		&CooldownEntry{},
		"submitter_id = ? AND expires_at = ?",
		submitterID,
		until.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("error releasing cooldown: %w", err)
	}
	return nil
}

func (g *gormStore) CooldownRemaining(
	ctx context.Context,
	submitterID string,
	now time.Time,
) (time.Duration, error) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var entry CooldownEntry
	err := g.db.DB().WithContext(ctx).Take(
		&entry,
		"submitter_id = ?",
		submitterID,
	).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("error reading cooldown: %w", err)
	}
	remaining := time.UnixMilli(entry.ExpiresAt).Sub(now)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (g *gormStore) TryWarn(
	ctx context.Context,
	submitterID string,
	now time.Time,
	interval time.Duration,
) (bool, error) {
	if interval <= 0 {
		return false, nil
	}
	warning := NameWarning{SubmitterID: submitterID, WarnedAt: now.UnixMilli()}
	rows, err := g.db.Upsert(
		ctx,
		&warning,
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnSubmitterID}},
			DoUpdates: clause.Assignments(map[string]any{columnWarnedAt: warning.WarnedAt}),
			Where: clause.Where{
				Exprs: []clause.Expression{
					clause.Lte{
						Column: clause.Column{Table: "name_warnings", Name: columnWarnedAt},
						Value:  now.Add(-interval).UnixMilli(),
					},
				},
			},
		},
	)
	if err != nil {
		return false, fmt.Errorf("error recording name warning: %w", err)
	}
	return rows > 0, nil
}

func (g *gormStore) SaveMember(ctx context.Context, record MemberRecord) error {
	if record.SubmitterID == "" {
		return errors.New("member record missing submitter id")
	}
	_, err := g.db.Upsert(
		ctx,
		&record,
		clause.OnConflict{
			Columns: []clause.Column{{Name: columnSubmitterID}},
			DoUpdates: clause.AssignmentColumns(
				[]string{
					"name",
					columnGameID,
					"rank",
					"nickname",
					"username",
					"guild_id",
					"recorded_at",
					"updated_at",
				},
			),
		},
	)
	if err != nil {
		return fmt.Errorf("error saving member record: %w", err)
	}
	return nil
}

func (g *gormStore) GetMember(
	ctx context.Context,
	submitterID string,
) (*MemberRecord, error) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var record MemberRecord
	err := g.db.DB().WithContext(ctx).Take(
		&record,
		"submitter_id = ?",
		submitterID,
	).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (g *gormStore) DeleteMember(ctx context.Context, submitterID string) (bool, error) {
	rows, err := g.db.Delete(ctx, &MemberRecord{}, "submitter_id = ?", submitterID)
	if err != nil {
		return false, fmt.Errorf("error deleting member record: %w", err)
	}
	return rows > 0, nil
}

func (g *gormStore) ListMembers(ctx context.Context) ([]MemberRecord, error) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var records []MemberRecord
	err := g.db.DB().WithContext(ctx).Order("name asc, submitter_id asc").Find(&records).Error
	return records, err
}

func (g *gormStore) CountMembers(ctx context.Context) (int64, error) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var count int64
	err := g.db.DB().WithContext(ctx).Model(&MemberRecord{}).Count(&count).Error
	return count, err
}

// CreateDB opens the database and migrates every model. It's used by the
// `init` and `export` commands, which run without the bot.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
//
// Returns:
//   - *gorm.DB: A pointer to the initialized GORM database connection.
//   - error: An error object if any error occurs during the initialization or migration.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	logLevel slog.Leveler,
) (*gorm.DB, error) {
	if logLevel == nil {
		logLevel = DefaultDatabaseLogLevel
	}
	handler := newLogHandler(logLevel)

	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = configureDB(ctx, db, databaseType); err != nil {
		return db, err
	}
	if err = migrateDB(ctx, db); err != nil {
		dbLogger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return db, err
	}
	return db, nil
}

// configureDB applies the connection limits and pragmas sqlite needs to
// be shared by the bot's goroutines
func configureDB(ctx context.Context, db *gorm.DB, databaseType string) error {
	if databaseType != dbTypeSQLite {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return txn.Error
	}
	if err := txn.Migrator().AutoMigrate(dbModels()...); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}
	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
