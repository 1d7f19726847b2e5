// Package greylist defers first contact from unknown senders. A triple
// of client IP, sender and recipient must retry after a short delay
// before it is accepted; spamware that never retries loses. Triples
// that pass are remembered long enough that regular correspondents are
// never delayed again.
package greylist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var timeNow = time.Now

// Checker decides whether a sender triple must wait. A zero duration
// means pass.
type Checker interface {
	Check(ctx context.Context, ip, sender, rcpt string) (time.Duration, error)
}

// Config holds the greylisting windows.
type Config struct {
	// Delay is how long a new triple must wait before retrying.
	Delay time.Duration

	// Window is how long a delayed triple may take to retry before it
	// is forgotten and starts over.
	Window time.Duration

	// Retain is how long a passed triple stays known.
	Retain time.Duration
}

// DefaultConfig mirrors the traditional deployment: five minutes
// delay, six hours to retry, pass remembered for 36 days.
func DefaultConfig() Config {
	return Config{
		Delay:  5 * time.Minute,
		Window: 6 * time.Hour,
		Retain: 36 * 24 * time.Hour,
	}
}

// RedisChecker keeps greylist state in redis, shared between filter
// instances.
type RedisChecker struct {
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger
}

// New returns a checker backed by the redis server at addr.
func New(addr string, cfg Config, logger *slog.Logger) *RedisChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChecker{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		cfg:    cfg,
		logger: logger,
	}
}

// NewFromClient wraps an existing redis client, for tests.
func NewFromClient(rdb *redis.Client, cfg Config, logger *slog.Logger) *RedisChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChecker{rdb: rdb, cfg: cfg, logger: logger}
}

func key(ip, sender, rcpt string) string {
	return fmt.Sprintf("grey:%s/%s/%s", ip, sender, rcpt)
}

// Check records or consults the triple. First contact starts the delay
// clock and returns the full delay; an early retry returns the time
// remaining without resetting the clock; a retry after the delay passes
// and extends the triple's life to the retain window.
func (g *RedisChecker) Check(ctx context.Context, ip, sender, rcpt string) (time.Duration, error) {
	k := key(ip, sender, rcpt)
	now := timeNow()

	val, err := g.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// First sight. SetNX so a concurrent first contact does not
		// restart the clock.
		ok, err := g.rdb.SetNX(ctx, k, strconv.FormatInt(now.Unix(), 10), g.cfg.Window).Result()
		if err != nil {
			return 0, fmt.Errorf("greylist: record %s: %w", k, err)
		}
		if !ok {
			// Lost the race; the clock is already running.
			return g.cfg.Delay, nil
		}
		return g.cfg.Delay, nil
	}
	if err != nil {
		return 0, fmt.Errorf("greylist: get %s: %w", k, err)
	}

	first, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("greylist: bad entry %s: %w", k, err)
	}
	elapsed := now.Sub(time.Unix(first, 0))
	if elapsed < g.cfg.Delay {
		return g.cfg.Delay - elapsed, nil
	}

	// Passed. Keep the triple alive for the retain window.
	if err := g.rdb.Expire(ctx, k, g.cfg.Retain).Err(); err != nil {
		g.logger.Warn("greylist: extend failed", slog.String("key", k),
			slog.String("error", err.Error()))
	}
	return 0, nil
}

// Close releases the redis connection.
func (g *RedisChecker) Close() error {
	return g.rdb.Close()
}
