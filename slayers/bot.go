package slayers

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var errShuttingDown = errors.New("bot is shutting down")

// Bot watches the request channel for role requests, and serves the
// message and slash commands used to manage role holders.
//
// Requests are handled by a worker per submitter, so one member's
// requests are processed in order while different members' requests
// run concurrently.
type Bot struct {
	config *Config

	// Read connection. When using sqlite, writes go through writeDB
	// instead, which serializes them.
	db      *gorm.DB
	writeDB DBI

	// relays stop signals from other processes sharing the database
	dbNotifier DBNotifier

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	// Handles the discord session and gateway events
	discord *Discord

	// session is the same session held by discord, set once Run
	// creates it
	session DiscordSessionHandler

	platform   Platform
	notifier   Notifier
	registry   MemberRegistry
	cooldowns  CooldownStore
	warnings   WarningStore
	classifier *Classifier

	// set when redis is enabled, closed on shutdown
	redis *redis.Client

	// health/stats server
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has connected to
	// discord and registered commands
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// runtimeCtx is the context workers are started with. It isn't
	// canceled by shutdown, so in-flight requests can finish.
	runtimeCtx context.Context

	// tracks goroutines spawned by gateway handlers
	runtimeWG *sync.WaitGroup

	// A map of submitter IDs to their workers
	submitterWorkers map[string]*submitterWorker
	workerMu         sync.Mutex
	workerWG         sync.WaitGroup
	stopping         atomic.Bool

	workersRunning        atomic.Int64
	requestsInProgress    atomic.Int64
	metricRequestsHandled atomic.Int64

	// set once the registry has been rebuilt after the first Ready
	registryRebuilt atomic.Bool
}

// New creates a Bot from the given config. The bot doesn't connect to
// anything until Run is called.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("no config given")
	}
	if config.Discord == nil || config.Requests == nil || config.API == nil ||
		config.Redis == nil {
		return nil, errors.New("incomplete config")
	}

	var errs []error
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:           config,
		signalReady:      make(chan struct{}, 1),
		eventShutdown:    make(chan struct{}, 1),
		submitterWorkers: map[string]*submitterWorker{},
		runtimeWG:        &sync.WaitGroup{},
	}

	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	config.Discord.httpClient = config.HTTPClient
	disc := newDiscord(config.Discord)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	disc.logger = slog.New(newLogHandler(config.Discord.LogLevel)).With(loggerNameKey, "discord")
	disc.bot = b
	b.discord = disc

	if config.API.Enabled {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// ValidateConfig validates the bot's configuration
func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RegisterSlashCommands registers the bot's slash commands with discord
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// Stop sends a stop signal to a running bot. Returns false if the bot
// isn't running, or a stop was already requested.
func (b *Bot) Stop() bool {
	if b.signalStop == nil {
		return false
	}
	select {
	case b.signalStop <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run initializes the database (and redis, if enabled), connects to
// discord, and handles requests until ctx is canceled or Stop is called.
// It then shuts down, waiting up to ShutdownTimeout for in-flight
// requests to finish.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.stopping.Store(false)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	if b.runtimeWG == nil {
		b.runtimeWG = &sync.WaitGroup{}
	}
	runtimeWG := b.runtimeWG
	b.runtimeCtx = context.WithoutCancel(ctx)

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	notifier, err := NewDBNotifier(
		b.config.DatabaseType,
		b.config.Database,
		b.writeDB,
		func() { b.Stop() },
		logger,
	)
	if err != nil {
		return err
	}
	b.dbNotifier = notifier
	go func() {
		if listenErr := notifier.Listen(ctx); listenErr != nil {
			logger.ErrorContext(ctx, "error listening for db notifications", tint.Err(listenErr))
		}
	}()

	if b.api != nil {
		go func() {
			if httpErr := b.api.Serve(ctx); httpErr != nil {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return errors.Join(err, b.shutdown(ctx, runtimeWG))
	}

	if err := b.discordInit(ctx, logger); err != nil {
		return errors.Join(err, b.shutdown(ctx, runtimeWG))
	}

	select {
	case b.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database and, when enabled, connects to redis.
// Both happen concurrently, bounded by startCtx.
func (b *Bot) initRun(startCtx context.Context) error {
	g, gctx := errgroup.WithContext(startCtx)
	g.Go(
		func() error {
			if err := b.initDB(gctx); err != nil {
				return fmt.Errorf("error initializing database: %w", err)
			}
			return nil
		},
	)
	if b.config.Redis.Enabled && b.redis == nil {
		g.Go(
			func() error {
				client, err := connectRedis(
					gctx,
					b.config.Redis,
					b.logger.With(loggerNameKey, "redis"),
				)
				if err != nil {
					return fmt.Errorf("error connecting to redis: %w", err)
				}
				b.redis = client
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	store := NewGormStore(b.writeDB)
	if b.registry == nil {
		b.registry = store
	}
	if b.redis != nil {
		rs := newRedisStore(b.redis, b.config.Redis.KeyPrefix, b.logger)
		if b.cooldowns == nil {
			b.cooldowns = rs
		}
		if b.warnings == nil {
			b.warnings = rs
		}
	}
	if b.cooldowns == nil {
		b.cooldowns = store
	}
	if b.warnings == nil {
		b.warnings = store
	}
	return nil
}

// initDB opens and migrates the database, unless a connection was
// already set
func (b *Bot) initDB(ctx context.Context) error {
	if b.db != nil {
		if b.writeDB == nil {
			b.writeDB = NewDatabase(b.db, nil, b.config.DatabaseType == dbTypePostgres)
		}
		return nil
	}
	logger := contextLoggerOr(ctx, b.logger)

	gormLogger := newGORMLogger(
		newLogHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if err = configureDB(ctx, db, b.config.DatabaseType); err != nil {
		return err
	}

	logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")

	b.db = db
	b.writeDB = NewDatabase(db, nil, b.config.DatabaseType == dbTypePostgres)
	return nil
}

// initDiscordSession creates the discord session (if one wasn't already
// set), adds the gateway handlers, and builds the request pipeline on
// top of the session
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = session
	}
	b.session = b.discord.session

	ctx = WithLogger(ctx, logger)

	if len(b.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	b.session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.session.AddHandler(b.discord.handlerConnect()),
		b.session.AddHandler(b.discord.handlerDisconnect()),
		b.session.AddHandler(b.discord.handlerReady()),
		b.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							b.handleRecover(ctx, rc)
						}
					}()
					b.handleInteraction(ctx, i)
				}()
			},
		),
		b.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							b.handleRecover(ctx, rc)
						}
					}()
					b.handleMessageCreate(ctx, m)
				}()
			},
		),
	}

	b.initPipeline()
	return nil
}

// initPipeline builds the platform, notifier and classifier, keeping
// any that were already set
func (b *Bot) initPipeline() {
	if b.platform == nil {
		b.platform = newDiscordPlatform(b.session, b.config.Discord.ApplicationID, b.logger)
	}
	if b.notifier == nil {
		b.notifier = newDiscordNotifier(b.session, b.logger)
	}
	if b.classifier == nil {
		b.classifier = &Classifier{
			Platform:  b.platform,
			Cooldowns: b.cooldowns,
			Warnings:  b.warnings,
			Registry:  b.registry,
			Notifier:  b.notifier,
			Config:    *b.config.Requests,
			Logger:    b.logger.With(loggerNameKey, "classifier"),
		}
	}
}

// discordInit opens the discord websocket connection and registers
// slash commands
func (b *Bot) discordInit(ctx context.Context, logger *slog.Logger) error {
	logger.InfoContext(ctx, "connecting to discord")
	if err := b.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := b.RegisterSlashCommands(discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

// runtimeContext returns the context submitter workers run with. Outside
// of Run, ctx is used without its cancellation.
func (b *Bot) runtimeContext(ctx context.Context) context.Context {
	if b.runtimeCtx != nil {
		return b.runtimeCtx
	}
	return context.WithoutCancel(ctx)
}

// onReady rebuilds the member registry from nicknames the first time the
// gateway is ready, if configured to
func (b *Bot) onReady(r *discordgo.Ready) {
	if !b.config.Requests.RebuildRegistryOnStart {
		return
	}
	if !b.registryRebuilt.CompareAndSwap(false, true) {
		return
	}

	guildIDs := []string{}
	if b.config.Discord.GuildID != "" {
		guildIDs = append(guildIDs, b.config.Discord.GuildID)
	} else if r != nil {
		for _, g := range r.Guilds {
			guildIDs = append(guildIDs, g.ID)
		}
	}

	ctx := b.runtimeContext(context.Background())
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		for _, guildID := range guildIDs {
			if _, err := b.RebuildRegistry(ctx, guildID); err != nil {
				b.logger.ErrorContext(
					ctx,
					"error rebuilding registry",
					"guild_id", guildID,
					tint.Err(err),
				)
			}
		}
	}()
}

// shutdown disconnects from discord, then waits for in-flight requests
// to finish before stopping the workers and the api server. If that
// takes longer than ShutdownTimeout, remaining work is abandoned.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()
	b.stopping.Store(true)

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		if b.session != nil {
			b.logger.InfoContext(ctx, "closing discord session")
			_ = b.session.Close()
			for _, h := range b.discord.discordgoRemoveHandlerFuncs {
				h()
			}
			b.discord.discordgoRemoveHandlerFuncs = nil
		}

		// wait for gateway handlers, then for the workers to finish
		// what they're doing
		runtimeWG.Wait()
		b.stopSubmitterWorkers(closeCtx)
		b.workerWG.Wait()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"duration", time.Since(shutdownStart),
		)

		if b.api != nil {
			b.logger.InfoContext(ctx, "stopping http server")
			_ = b.api.httpServer.Shutdown(closeCtx)
		}
		if b.redis != nil {
			if err := b.redis.Close(); err != nil {
				b.logger.WarnContext(ctx, "error closing redis", tint.Err(err))
			}
		}
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		b.logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", time.Since(shutdownStart),
		)
		return nil
	case <-closeCtx.Done():
		b.logger.Warn("request workers did not stop in time, forcing close")
		if b.api != nil {
			go func() {
				_ = b.api.httpServer.Close()
			}()
		}
		return fmt.Errorf("request workers did not stop in time")
	}
}

func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
