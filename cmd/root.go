package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/meetvora1883/slayers/slayers"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	cfg        = slayers.DefaultConfig()
	configFile string
)

// legacyEnvNames are env vars recognized in addition to the prefixed
// name for each key
var legacyEnvNames = map[string][]string{
	"discord.token":                 {"TOKEN"},
	"requests.channel_id":           {"ROLE_REQUEST_CHANNEL_ID", "ROLE_REQUEST_CHANNEL"},
	"requests.log_channel_id":       {"NAME_CHANGE_OUTPUT_CHANNEL_ID", "LOG_CHANNEL"},
	"requests.admin_log_channel_id": {"ADMIN_LOG_CHANNEL_ID"},
	"requests.role_id":              {"SLAYER_ROLE_ID"},
	"requests.high_command_role_id": {"HIGH_COMMAND_ROLE_ID"},
	"requests.cooldown":             {"NAME_CHANGE_COOLDOWN"},
	"api.listen":                    {"PORT"},
}

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "slayers [flags]",
	Short: "Discord bot that assigns the slayer role from name change requests",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := decodeConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func decodeConfig(c *slayers.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				MillisecondDurationHookFunc(),
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// MillisecondDurationHookFunc decodes a bare integer string into a
// time.Duration as a number of milliseconds, so `NAME_CHANGE_COOLDOWN=300000`
// means five minutes. Strings with a unit are left for
// StringToTimeDurationHookFunc.
func MillisecondDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(data.(string)), 10, 64)
		if err != nil {
			return data, nil
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", slayers.DefaultDatabase)
	viper.SetDefault("database_type", slayers.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", slayers.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", slayers.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", slayers.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", slayers.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", slayers.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", slayers.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		slayers.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", slayers.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", slayers.DefaultDiscordStartupMessage)

	// Request channel config
	viper.SetDefault("requests.channel_id", "")
	viper.SetDefault("requests.log_channel_id", "")
	viper.SetDefault("requests.admin_log_channel_id", "")
	viper.SetDefault("requests.role_id", "")
	viper.SetDefault("requests.high_command_role_id", "")
	viper.SetDefault("requests.cooldown", slayers.DefaultNameChangeCooldown)
	viper.SetDefault("requests.name_max_length", slayers.DefaultNameMaxLength)
	viper.SetDefault("requests.fit_nickname", true)
	viper.SetDefault(
		"requests.similar_name_warning_interval",
		slayers.DefaultSimilarNameWarningInterval,
	)
	viper.SetDefault("requests.rebuild_registry_on_start", false)
	viper.SetDefault("requests.worker_idle_timeout", slayers.DefaultWorkerIdleTimeout)
	viper.SetDefault(
		"requests.dm_broadcast_per_second",
		slayers.DefaultDMBroadcastPerSecond,
	)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", slayers.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", slayers.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", slayers.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", slayers.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", slayers.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", slayers.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", slayers.DefaultAPITLSMinVersion)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", slayers.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", slayers.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", slayers.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", slayers.DefaultCORSMaxAge)

	// Redis config
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", slayers.DefaultRedisKeyPrefix)
	viper.SetDefault("redis.dial_timeout", slayers.DefaultRedisDialTimeout)
	viper.SetDefault("redis.connect_timeout", slayers.DefaultRedisConnectTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	envPrefix := os.Getenv(slayers.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = slayers.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// keys without defaults aren't picked up by AutomaticEnv
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("redis.username"))
	fatalErr(viper.BindEnv("redis.password"))

	// explicit names replace the automatic one, so the prefixed name
	// is bound first, taking precedence over the legacy names
	for key, names := range legacyEnvNames {
		prefixed := strings.ToUpper(envPrefix + "_" + replacer.Replace(key))
		fatalErr(viper.BindEnv(append([]string{key, prefixed}, names...)...))
	}

	// a bare port (from PORT) listens on all interfaces
	if listen := viper.GetString("api.listen"); listen != "" && !strings.Contains(listen, ":") {
		viper.Set("api.listen", ":"+listen)
	}

	for _, key := range logLevelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
