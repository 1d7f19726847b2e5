// Package ban maintains persistent IP and domain ban sets plus the
// per-connection offense counter that feeds them. Ban files are
// append-only, one entry per line, written immediately on each ban.
package ban

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// multiMX recognizes hostnames from multi-exchanger farms, where banning
// one host is pointless.
var multiMX = regexp.MustCompile(`^(mail|smtp|mx)[0-9]{1,3}\.`)

// Set is a concurrent-safe string set persisted to an append-only file.
type Set struct {
	mu      sync.RWMutex
	entries map[string]struct{}
	f       *os.File
	w       *bufio.Writer
	logger  *slog.Logger
}

// NewSet returns an empty in-memory set. Attach persistence with Load.
func NewSet(logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{entries: make(map[string]struct{}), logger: logger}
}

// Load reads one entry per line from path, then keeps the file open for
// appending. The file is created when missing.
func (s *Set) Load(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("ban: open %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		entry := strings.TrimSpace(sc.Text())
		if entry == "" {
			continue
		}
		s.entries[entry] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return fmt.Errorf("ban: read %s: %w", path, err)
	}
	s.logger.Info("ban: loaded", slog.String("path", path),
		slog.Int("entries", len(s.entries)))

	s.f = f
	s.w = bufio.NewWriter(f)
	return nil
}

// Add inserts entry and persists it, reporting whether it was new.
func (s *Set) Add(entry string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry]; ok {
		return false
	}
	s.entries[entry] = struct{}{}
	if s.w != nil {
		fmt.Fprintln(s.w, entry)
		if err := s.w.Flush(); err != nil {
			s.logger.Error("ban: append failed",
				slog.String("entry", entry), slog.String("error", err.Error()))
		}
	}
	return true
}

// Contains reports whether entry is in the set, exactly.
func (s *Set) Contains(entry string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[entry]
	return ok
}

// ContainsDomain reports whether domain or any progressive wildcard of
// it is in the set: a.b.example.com is banned by any of a.b.example.com,
// *.b.example.com, *.example.com.
func (s *Set) ContainsDomain(domain string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	domain = strings.ToLower(domain)
	for {
		if _, ok := s.entries[domain]; ok {
			return true
		}
		labels := strings.Split(domain, ".")
		if labels[0] == "*" {
			labels = labels[1:]
		}
		if len(labels) < 2 {
			return false
		}
		labels[0] = "*"
		domain = strings.Join(labels, ".")
	}
}

// Len returns the number of entries.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close detaches and closes the ban file.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		s.f, s.w = nil, nil
		return err
	}
	err := s.f.Close()
	s.f, s.w = nil, nil
	return err
}

// Generalize returns the ban entry for a forged-sender domain. Hosts
// named like one of a farm (mail07.example.com) widen to a wildcard one
// label up; wild > 0 forces dropping that many leading labels. The
// wildcard never rises above a registrable domain: when generalization
// would ban *.<public suffix>, the exact domain is banned instead.
func Generalize(domain string, wild int) string {
	domain = strings.ToLower(domain)

	if m := multiMX.FindString(domain); m != "" {
		rest := domain[len(m):]
		if registrable(rest) {
			return "*." + rest
		}
		return domain
	}

	if wild > 0 {
		labels := strings.Split(domain, ".")
		if wild < len(labels) {
			rest := strings.Join(labels[wild:], ".")
			if len(labels)-wild > 1 && registrable(rest) {
				return "*." + rest
			}
		}
	}
	return domain
}

// registrable reports whether name is at or below a registrable
// (public suffix + 1) domain.
func registrable(name string) bool {
	_, err := publicsuffix.EffectiveTLDPlusOne(name)
	return err == nil
}

// Tracker counts protocol offenses on one connection. When the count
// exceeds the ceiling on an untrusted connection, the client IP enters
// the persistent ban set. Trusted relays are never banned.
type Tracker struct {
	IPs     *Set
	IP      string
	Ceiling int
	Trusted bool
	Logger  *slog.Logger

	count int
}

// Offend adds inc offenses, raising the count to at least floor.
func (t *Tracker) Offend(inc, floor int) {
	t.count += inc
	if t.count < floor {
		t.count = floor
	}
	if t.count > t.Ceiling && !t.Trusted && t.IPs != nil {
		if t.IPs.Add(t.IP) && t.Logger != nil {
			t.Logger.Warn("banned ip", slog.String("ip", t.IP),
				slog.Int("offenses", t.count))
		}
	}
}

// Count returns the running offense total.
func (t *Tracker) Count() int { return t.count }
