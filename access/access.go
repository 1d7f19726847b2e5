// Package access maps sender-authentication results to dispositions
// through a local override store, in the manner of a sendmail access
// file. Keys are looked up most-specific first: an exact sender entry
// beats its domain entry, which beats the bare prefix default.
package access

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/sdgathman/bmsmilter/spf"
)

// Decision is a policy outcome for a sender.
type Decision string

const (
	// OK accepts the sender outright.
	OK Decision = "OK"

	// Reject refuses the sender with a permanent failure.
	Reject Decision = "REJECT"

	// Ban refuses the sender and charges a large offense increment.
	Ban Decision = "BAN"

	// CBV defers the verdict to a live callback verification.
	CBV Decision = "CBV"

	// DSN defers the verdict to a delivery-status-notification probe.
	DSN Decision = "DSN"

	// Whitelist forces the sender into the whitelisted outcome.
	Whitelist Decision = "WHITELIST"
)

var ErrBadDecision = errors.New("access: unknown decision")

// ParseDecision validates a decision string from the override store.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToUpper(s))
	switch d {
	case OK, Reject, Ban, CBV, DSN, Whitelist:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadDecision, s)
}

// Store is a read-only keyed override table.
type Store struct {
	entries map[string]Decision
}

// NewStore returns an empty store. A nil *Store is valid and holds no
// overrides.
func NewStore() *Store {
	return &Store{entries: make(map[string]Decision)}
}

// Load reads overrides from a file of "key decision" lines. Blank lines
// and #-comments are skipped; an invalid decision is a load error, not
// a lookup-time surprise.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("access: open %s: %w", path, err)
	}
	defer f.Close()

	s := NewStore()
	sc := bufio.NewScanner(f)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("access: %s:%d: want \"key decision\", got %q",
				path, lineno, line)
		}
		d, err := ParseDecision(fields[1])
		if err != nil {
			return nil, fmt.Errorf("access: %s:%d: %w", path, lineno, err)
		}
		s.entries[strings.ToLower(fields[0])] = d
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("access: read %s: %w", path, err)
	}
	return s, nil
}

// Set inserts an override, for tests and programmatic construction.
func (s *Store) Set(key string, d Decision) {
	s.entries[strings.ToLower(key)] = d
}

// Lookup returns the override stored under exactly key.
func (s *Store) Lookup(key string) (Decision, bool) {
	if s == nil {
		return "", false
	}
	d, ok := s.entries[strings.ToLower(key)]
	return d, ok
}

// Config carries the deployment-wide defaults consulted when the store
// has no override for a sender.
type Config struct {
	// AcceptFail lists domains whose SPF fail downgrades to a callback
	// verification instead of an outright reject.
	AcceptFail []string

	// AcceptSoftfail lists domains whose softfail is accepted.
	AcceptSoftfail []string

	// RejectNeutral lists frequently forged domains for which neutral
	// and softfail results are rejected.
	RejectNeutral []string

	// RejectNoPTR rejects senders with no SPF record instead of
	// verifying them, for deployments that demand working reverse DNS.
	RejectNoPTR bool
}

// Policy resolves decisions for one sender.
type Policy struct {
	store  *Store
	cfg    Config
	sender string
	domain string
}

// NewPolicy prepares lookups for sender (a mailbox or a bare domain).
func NewPolicy(store *Store, cfg Config, sender string) *Policy {
	sender = strings.ToLower(sender)
	domain := sender
	if i := strings.LastIndexByte(sender, '@'); i >= 0 {
		domain = sender[i+1:]
	}
	return &Policy{store: store, cfg: cfg, sender: sender, domain: domain}
}

// Domain returns the sender domain the policy applies to.
func (p *Policy) Domain() string { return p.domain }

// lookup finds the most specific override under prefix.
func (p *Policy) lookup(prefix string) (Decision, bool) {
	if d, ok := p.store.Lookup(prefix + p.sender); ok {
		return d, ok
	}
	if d, ok := p.store.Lookup(prefix + p.domain); ok {
		return d, ok
	}
	return p.store.Lookup(prefix)
}

// ForResult maps an SPF result for the envelope sender to a decision,
// consulting spf-<result>: overrides before the built-in defaults.
func (p *Policy) ForResult(res spf.Status) Decision {
	if d, ok := p.lookup("spf-" + string(res) + ":"); ok {
		return d
	}

	switch res {
	case spf.StatusPass:
		return OK
	case spf.StatusFail:
		if slices.Contains(p.cfg.AcceptFail, p.domain) {
			return CBV
		}
		return Reject
	case spf.StatusSoftfail:
		if slices.Contains(p.cfg.AcceptSoftfail, p.domain) {
			return OK
		}
		if slices.Contains(p.cfg.RejectNeutral, p.domain) {
			return Reject
		}
		return CBV
	case spf.StatusNeutral:
		if slices.Contains(p.cfg.RejectNeutral, p.domain) {
			return Reject
		}
		return OK
	case spf.StatusNone:
		if p.cfg.RejectNoPTR {
			return Reject
		}
		return CBV
	}
	// permerror, temperror
	return Reject
}

// ForHelo maps an SPF result for the HELO identity to a decision,
// consulting helo-<result>: overrides. By default an unfavorable HELO
// result is rejected: no legitimate MTA names a host whose SPF record
// disowns it.
func (p *Policy) ForHelo(res spf.Status) Decision {
	if d, ok := p.lookup("helo-" + string(res) + ":"); ok {
		return d
	}
	switch res {
	case spf.StatusFail, spf.StatusSoftfail, spf.StatusNeutral:
		return Reject
	}
	return OK
}

// SMTPAuth returns the smtp-auth: override for an authenticated user,
// when one is configured.
func (p *Policy) SMTPAuth() (Decision, bool) {
	return p.lookup("smtp-auth:")
}
