package slayers

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"log/slog"
	"strconv"
	"time"
)

const (
	redisKeyCooldown = "cooldown:"
	redisKeyWarning  = "warning:"

	redisPingTimeout       = 2 * time.Second
	redisRetryInterval     = 500 * time.Millisecond
	redisMaxRetryInterval  = 5 * time.Second
	redisRetryWarnAttempts = 3
)

// acquireCooldownScript sets the cooldown key unless an unexpired one
// exists, returning the existing key's remaining milliseconds, or 0 when
// the key was set.
//
// KEYS[1]: cooldown key
// ARGV[1]: value (cooldown end, unix milliseconds)
// ARGV[2]: cooldown length in milliseconds
var acquireCooldownScript = redis.NewScript(`
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
	return ttl
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 0
`)

// releaseCooldownScript deletes the cooldown key only if it still holds
// the given value
var releaseCooldownScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisStore implements CooldownStore and WarningStore with expiring
// redis keys. Cooldown checks are a single script call, so they're
// atomic across bot processes sharing the same redis.
type redisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

func newRedisStore(client redis.UniversalClient, keyPrefix string, logger *slog.Logger) *redisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(loggerNameKey, "redis"),
	}
}

func (r *redisStore) cooldownKey(submitterID string) string {
	return r.keyPrefix + redisKeyCooldown + submitterID
}

func (r *redisStore) warningKey(submitterID string) string {
	return r.keyPrefix + redisKeyWarning + submitterID
}

func (r *redisStore) AcquireCooldown(
	ctx context.Context,
	submitterID string,
	now time.Time,
	d time.Duration,
) (time.Duration, bool, error) {
	if d <= 0 {
		remaining, err := r.CooldownRemaining(ctx, submitterID, now)
		return remaining, remaining == 0, err
	}
	until := now.Add(d).UnixMilli()
	ttl, err := acquireCooldownScript.Run(
		ctx,
		r.client,
		[]string{r.cooldownKey(submitterID)},
		strconv.FormatInt(until, 10),
		expiryMilliseconds(d),
	).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("error acquiring cooldown: %w", err)
	}
	if ttl > 0 {
		return time.Duration(ttl) * time.Millisecond, false, nil
	}
	return 0, true, nil
}

// expiryMilliseconds rounds d up to whole milliseconds, since redis
// rejects a PX of 0
func expiryMilliseconds(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	return max(ms, 1)
}

func (r *redisStore) ReleaseCooldown(
	ctx context.Context,
	submitterID string,
	until time.Time,
) error {
	err := releaseCooldownScript.Run(
		ctx,
		r.client,
		[]string{r.cooldownKey(submitterID)},
		strconv.FormatInt(until.UnixMilli(), 10),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("error releasing cooldown: %w", err)
	}
	return nil
}

func (r *redisStore) CooldownRemaining(
	ctx context.Context,
	submitterID string,
	_ time.Time,
) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, r.cooldownKey(submitterID)).Result()
	if err != nil {
		return 0, fmt.Errorf("error getting cooldown: %w", err)
	}
	// -1 and -2 mean no expiry and no key
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (r *redisStore) TryWarn(
	ctx context.Context,
	submitterID string,
	now time.Time,
	interval time.Duration,
) (bool, error) {
	if interval <= 0 {
		return false, nil
	}
	ok, err := r.client.SetNX(
		ctx,
		r.warningKey(submitterID),
		now.UnixMilli(),
		interval,
	).Result()
	if err != nil {
		return false, fmt.Errorf("error recording name warning: %w", err)
	}
	return ok, nil
}

// connectRedis creates a redis client and pings it until it responds,
// backing off between attempts. It gives up once ConnectTimeout has
// elapsed, or ctx is done.
func connectRedis(
	ctx context.Context,
	cfg *RedisConfig,
	logger *slog.Logger,
) (*redis.Client, error) {
	client := redis.NewClient(
		&redis.Options{
			Addr:        cfg.Addr,
			Username:    cfg.Username,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
		},
	)

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultRedisConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	logger.InfoContext(ctx, "connecting to redis", "addr", cfg.Addr, "timeout", connectTimeout)
	attempt := 0
	wait := redisRetryInterval
	for {
		attempt++
		pingCtx, pingCancel := context.WithTimeout(ctx, redisPingTimeout)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err == nil {
			logger.InfoContext(ctx, "connected to redis", "addr", cfg.Addr, "attempts", attempt)
			return client, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = client.Close()
			return nil, fmt.Errorf(
				"redis unavailable at %s after %d attempts: %w",
				cfg.Addr, attempt, err,
			)
		case <-timer.C:
			level := slog.LevelWarn
			if attempt > redisRetryWarnAttempts {
				level = slog.LevelError
			}
			logger.Log(
				ctx,
				level,
				"redis connection failed, retrying",
				"attempt", attempt,
				"next_retry_in", wait,
				tint.Err(err),
			)
			wait *= 2
			if wait > redisMaxRetryInterval {
				wait = redisMaxRetryInterval
			}
		}
	}
}
