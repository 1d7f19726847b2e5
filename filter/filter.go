// Package filter implements the mail transaction state machine. A
// Filter holds the process-wide services; each milter connection gets
// a Session whose callbacks return a Verdict with an optional SMTP
// reply and accumulate message mutations.
package filter

import (
	"io"
	"log/slog"

	"github.com/sdgathman/bmsmilter/access"
	"github.com/sdgathman/bmsmilter/ban"
	"github.com/sdgathman/bmsmilter/cache"
	"github.com/sdgathman/bmsmilter/config"
	"github.com/sdgathman/bmsmilter/dns"
	"github.com/sdgathman/bmsmilter/gossip"
	"github.com/sdgathman/bmsmilter/greylist"
	"github.com/sdgathman/bmsmilter/metrics"
	"github.com/sdgathman/bmsmilter/probe"
	"github.com/sdgathman/bmsmilter/srs"
)

// Classifier scores a message's headers for spamminess. Optional.
type Classifier interface {
	Score(msg io.Reader) (float64, error)
}

// Filter carries the shared services. Optional fields may be nil; the
// corresponding checks are skipped.
type Filter struct {
	Config   *config.Config
	Resolver dns.Resolver
	Access   *access.Store

	BannedIPs     *ban.Set
	BannedDomains *ban.Set

	// AutoWhitelist holds correspondents we have sent mail to.
	AutoWhitelist *cache.AddrCache

	// CBVCache holds callback verification outcomes.
	CBVCache *cache.AddrCache

	// Blacklist holds senders whose delayed bounces came back to us.
	Blacklist *cache.AddrCache

	Greylist   greylist.Checker
	Gossip     *gossip.Client
	Prober     *probe.Prober
	Rewriter   *srs.Rewriter
	Classifier Classifier

	Metrics metrics.Collector
	Logger  *slog.Logger
}

func (f *Filter) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

func (f *Filter) metrics() metrics.Collector {
	if f.Metrics == nil {
		return metrics.NoopCollector{}
	}
	return f.Metrics
}

// NewSession starts the state machine for one milter connection.
func (f *Filter) NewSession() *Session {
	f.metrics().ConnectionOpened()
	return &Session{f: f, log: f.logger()}
}

// Macros exposes the MTA macro values for the current callback.
type Macros map[string]string

// Get returns the macro value or "".
func (m Macros) Get(name string) string { return m[name] }
