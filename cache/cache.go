// Package cache provides a TTL keyed cache with append-only log
// persistence. Entries expire after a renewal window; reading a stale
// entry reports it absent and writing always refreshes the timestamp.
//
// The process keeps three instances: the recipient auto-whitelist, the
// sender blacklist, and the callback-verification result cache.
package cache

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Mocked for tests.
var timeNow = time.Now

type entry struct {
	value   string
	touched time.Time
}

// AddrCache maps addresses (or domains) to opaque result strings with
// per-entry expiry. Safe for concurrent use. The zero value is not
// usable; call New.
type AddrCache struct {
	mu      sync.Mutex
	renew   time.Duration
	entries map[string]entry
	log     *os.File
	w       *bufio.Writer
	logger  *slog.Logger
}

// New returns an in-memory cache whose entries expire renew after their
// last Set. Attach persistence with Load.
func New(renew time.Duration, logger *slog.Logger) *AddrCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &AddrCache{
		renew:   renew,
		entries: make(map[string]entry),
		logger:  logger,
	}
}

// Load replays the append-only log at path, keeping the last value per
// key and dropping entries older than maxAge, then keeps the file open
// for appending. The file is created when missing. maxAge 0 means the
// cache's renewal window.
func (c *AddrCache) Load(path string, maxAge time.Duration) error {
	if maxAge == 0 {
		maxAge = c.renew
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("cache: open %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	oldest := timeNow().Add(-maxAge)
	skipped := 0

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ts, key, value, ok := parseLine(line)
		if !ok {
			skipped++
			continue
		}
		if ts.Before(oldest) {
			// A later line for the same key may still resurrect it.
			delete(c.entries, key)
			continue
		}
		c.entries[key] = entry{value: value, touched: ts}
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return fmt.Errorf("cache: read %s: %w", path, err)
	}
	if skipped > 0 {
		c.logger.Warn("cache: skipped malformed log lines",
			slog.String("path", path), slog.Int("lines", skipped))
	}
	c.logger.Info("cache: loaded",
		slog.String("path", path), slog.Int("entries", len(c.entries)))

	c.log = f
	c.w = bufio.NewWriter(f)
	return nil
}

// parseLine splits a "timestamp,key,value" log line. The value may
// itself contain commas; keys may not.
func parseLine(line string) (ts time.Time, key, value string, ok bool) {
	parts := strings.SplitN(line, ",", 3)
	if len(parts) < 2 {
		return time.Time{}, "", "", false
	}
	t, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return time.Time{}, "", "", false
	}
	if len(parts) == 3 {
		value = parts[2]
	}
	return t, parts[1], value, true
}

// Get returns the cached value for key. An entry older than the renewal
// window is absent and is dropped.
func (c *AddrCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if timeNow().Sub(e.touched) > c.renew {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

// Has reports whether key is cached and fresh.
func (c *AddrCache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores value under key, refreshing its timestamp, and appends the
// entry to the log when one is attached. The value must not contain
// newlines; the key must not contain commas.
func (c *AddrCache) Set(key, value string) {
	now := timeNow()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, touched: now}
	if c.w == nil {
		return
	}
	fmt.Fprintf(c.w, "%s,%s,%s\n", now.Format(time.RFC3339), key, value)
	if err := c.w.Flush(); err != nil {
		c.logger.Error("cache: append failed", slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Len returns the number of entries, fresh or not.
func (c *AddrCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close detaches and closes the log file.
func (c *AddrCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.log == nil {
		return nil
	}
	if err := c.w.Flush(); err != nil {
		c.log.Close()
		c.log, c.w = nil, nil
		return err
	}
	err := c.log.Close()
	c.log, c.w = nil, nil
	return err
}
