//nolint:lll // struct tags can't be split
package slayers

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "SLAYERS_ENV_PREFIX"
	DefaultEnvPrefix       = "SL"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "slayers.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordStartupMessage = ""

	DefaultNameChangeCooldown         = 5 * time.Minute
	DefaultNameMaxLength              = 32
	DefaultSimilarNameWarningInterval = 24 * time.Hour
	DefaultWorkerIdleTimeout          = 2 * time.Minute
	DefaultDMBroadcastPerSecond       = 1.0

	DefaultAPIListen        = ":3000"
	DefaultAPILogLevel      = slog.LevelInfo
	DefaultAPITLSMinVersion = tls.VersionTLS12
	defaultListenNetwork    = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	DefaultRedisKeyPrefix      = "slayers:"
	DefaultRedisConnectTimeout = 15 * time.Second
	DefaultRedisDialTimeout    = 5 * time.Second

	DefaultCORSMaxAge = 12 * time.Hour

	// discordNicknameMaxLength is the platform limit on member nicknames
	discordNicknameMaxLength = 32
)

var (
	// the API is read-only
	DefaultCORSAllowMethods  = []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	DefaultCORSAllowHeaders  = []string{"Origin", "Content-Type", "Accept"}
	DefaultCORSExposeHeaders = []string{xRequestIDHeader}
)

type Config struct {
	// Database connection string (postgres), or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the bot's connection to Discord
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Requests configures the role request channel and its policies
	Requests *RequestConfig `yaml:"requests" mapstructure:"requests" json:"requests" binding:"required"`

	// API configures the health/stats HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// Redis, when enabled, backs cooldowns and name warnings
	Redis *RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for in-flight requests to
	// finish. After this elapses, remaining work is abandoned.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables pprof endpoints and disables gin's recovery middleware
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID, which is also the bot's user ID
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If set, sent to the operator log channel whenever the bot
	// connects to the gateway
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// Discord gateway intents. Guild members and message content are
	// privileged, and must be enabled in the dev portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// RequestConfig configures how role requests are received and
// applied.
type RequestConfig struct {
	// ChannelID is the channel monitored for role requests
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id" binding:"required"`

	// LogChannelID is the operator log channel
	LogChannelID string `yaml:"log_channel_id" mapstructure:"log_channel_id" json:"log_channel_id"`

	// AdminLogChannelID receives privileged command audit messages.
	// Falls back to LogChannelID when empty.
	AdminLogChannelID string `yaml:"admin_log_channel_id" mapstructure:"admin_log_channel_id" json:"admin_log_channel_id"`

	// RoleID is assigned to members on a successful request
	RoleID string `yaml:"role_id" mapstructure:"role_id" json:"role_id" binding:"required"`

	// HighCommandRoleID gates privileged slash commands. Administrators
	// are always allowed.
	HighCommandRoleID string `yaml:"high_command_role_id" mapstructure:"high_command_role_id" json:"high_command_role_id"`

	// Cooldown is the minimum interval between accepted requests from
	// the same member
	Cooldown time.Duration `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"min=0"`

	// NameMaxLength caps the name segment of the formatted nickname
	NameMaxLength int `yaml:"name_max_length" mapstructure:"name_max_length" json:"name_max_length" binding:"min=1,max=32"`

	// FitNickname shortens the name segment further when the full
	// "Name | ID" nickname would exceed Discord's nickname limit
	FitNickname bool `yaml:"fit_nickname" mapstructure:"fit_nickname" json:"fit_nickname"`

	// SimilarNameWarningInterval is the minimum time between warnings
	// about a similar existing name, per member. 0 disables warnings.
	SimilarNameWarningInterval time.Duration `yaml:"similar_name_warning_interval" mapstructure:"similar_name_warning_interval" json:"similar_name_warning_interval" binding:"min=0"`

	// RebuildRegistryOnStart rescans member nicknames into the
	// registry once the gateway is ready
	RebuildRegistryOnStart bool `yaml:"rebuild_registry_on_start" mapstructure:"rebuild_registry_on_start" json:"rebuild_registry_on_start"`

	// WorkerIdleTimeout is how long a per-member worker lingers
	// without new requests
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout" mapstructure:"worker_idle_timeout" json:"worker_idle_timeout" binding:"min=1s"`

	// DMBroadcastPerSecond paces bulk DMs sent by /dm_name_notice
	DMBroadcastPerSecond float64 `yaml:"dm_broadcast_per_second" mapstructure:"dm_broadcast_per_second" json:"dm_broadcast_per_second" binding:"gt=0"`
}

// adminLogChannel returns the channel for privileged command audit
// messages
func (c RequestConfig) adminLogChannel() string {
	if c.AdminLogChannelID != "" {
		return c.AdminLogChannelID
	}
	return c.LogChannelID
}

// APIConfig configures the health/stats HTTP server
type APIConfig struct {
	// Enabled starts the HTTP server
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., ":3000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS. Plain HTTP is served when unset.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// Cross-origin configuration, for dashboards reading /stats
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings. No CORS
// headers are sent unless AllowOrigins is set (or in development mode).
type CORSConfig struct {
	AllowOrigins  []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods  []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders  []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	MaxAge        time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:  c.AllowOrigins,
		AllowMethods:  c.AllowMethods,
		AllowHeaders:  c.AllowHeaders,
		ExposeHeaders: c.ExposeHeaders,
		MaxAge:        c.MaxAge,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowMethods:  slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:  slices.Clone(DefaultCORSAllowHeaders),
		ExposeHeaders: slices.Clone(DefaultCORSExposeHeaders),
		MaxAge:        DefaultCORSMaxAge,
	}
}

// RedisConfig configures the optional redis backend for cooldowns and
// similar-name warnings. The member registry always lives in the
// database.
type RedisConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Addr           string        `yaml:"addr" mapstructure:"addr" json:"addr" binding:"required_if=Enabled true"`
	Username       string        `yaml:"username" mapstructure:"username" json:"username"`
	Password       string        `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	DB             int           `yaml:"db" mapstructure:"db" json:"db" binding:"min=0"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix"`
	DialTimeout    time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout" json:"dial_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" json:"connect_timeout"`
}

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateRequestConfig, RequestConfig{})
}

// validateRequestConfig rejects an operator log channel that's also the
// request channel
func validateRequestConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(RequestConfig)
	if !ok {
		return
	}
	if cfg.LogChannelID != "" && cfg.LogChannelID == cfg.ChannelID {
		sl.ReportError(
			cfg.LogChannelID,
			"LogChannelID",
			"log_channel_id",
			"nefield",
			"ChannelID",
		)
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		Requests: &RequestConfig{
			Cooldown:                   DefaultNameChangeCooldown,
			NameMaxLength:              DefaultNameMaxLength,
			FitNickname:                true,
			SimilarNameWarningInterval: DefaultSimilarNameWarningInterval,
			WorkerIdleTimeout:          DefaultWorkerIdleTimeout,
			DMBroadcastPerSecond:       DefaultDMBroadcastPerSecond,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			CORS:              DefaultCORSConfig(),
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
		Redis: &RedisConfig{
			KeyPrefix:      DefaultRedisKeyPrefix,
			DialTimeout:    DefaultRedisDialTimeout,
			ConnectTimeout: DefaultRedisConnectTimeout,
		},
	}
}
