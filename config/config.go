// Package config loads the filter's TOML configuration and validates
// it at startup, so bad CIDR ranges or durations fail the process
// instead of a transaction.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the full filter configuration.
type Config struct {
	LogLevel string `toml:"log_level"`

	Milter   MilterConfig   `toml:"milter"`
	DNS      DNSConfig      `toml:"dns"`
	SPF      SPFConfig      `toml:"spf"`
	SRS      SRSConfig      `toml:"srs"`
	Scan     ScanConfig     `toml:"scan"`
	Gossip   GossipConfig   `toml:"gossip"`
	Greylist GreylistConfig `toml:"greylist"`
	CBV      CBVConfig      `toml:"cbv"`
	Metrics  MetricsConfig  `toml:"metrics"`

	internalNets  []*net.IPNet
	trustedNets   []*net.IPNet
	mtaNets       []*net.IPNet
	dnsTimeout    time.Duration
	gossipTimeout time.Duration
	cbvTimeout    time.Duration
	greyDelay     time.Duration
	greyWindow    time.Duration
	greyRetain    time.Duration
}

// DNSConfig covers the resolver.
type DNSConfig struct {
	// Nameservers to query, "host:port". Empty means the system
	// resolvers.
	Nameservers []string `toml:"nameservers"`

	// Timeout per DNS query.
	Timeout string `toml:"timeout"`
}

// MilterConfig covers the connection-level options.
type MilterConfig struct {
	// Socket the milter listens on, "tcp:host:port" or "unix:path".
	Socket string `toml:"socket"`

	// DataDir holds the ban files and cache logs.
	DataDir string `toml:"datadir"`

	// TempDir holds in-flight message buffers and crash captures.
	TempDir string `toml:"tempdir"`

	// InternalConnect lists CIDR ranges whose clients are our own.
	InternalConnect []string `toml:"internal_connect"`

	// TrustedRelay lists CIDR ranges of relays whose verdicts we trust.
	TrustedRelay []string `toml:"trusted_relay"`

	// InternalMTA lists CIDR ranges of internal hosts allowed to send
	// the null reverse-path. Empty allows all internal hosts.
	InternalMTA []string `toml:"internal_mta"`

	// PrivateRelay lists recipient domains that only internal
	// connections may submit to.
	PrivateRelay []string `toml:"private_relay"`

	// InternalDomains lists glob patterns of domains this deployment
	// sends for.
	InternalDomains []string `toml:"internal_domains"`

	// HelloBlacklist lists HELO names that are always forgeries here,
	// such as our own hostname.
	HelloBlacklist []string `toml:"hello_blacklist"`

	// CheckUser maps a recipient domain to its valid local parts.
	// Empty list means any local part.
	CheckUser map[string][]string `toml:"check_user"`

	// MaxDemerits is the connection offense ceiling before an IP ban.
	MaxDemerits int `toml:"max_demerits"`

	// SupplySender adds a Sender header carrying the envelope sender
	// when neither From nor Sender matches its domain.
	SupplySender bool `toml:"supply_sender"`

	// WhitelistSenders maps a domain to local parts whose recipients
	// get auto-whitelisted. An empty local part covers the whole
	// domain.
	WhitelistSenders map[string][]string `toml:"whitelist_senders"`
}

// SPFConfig covers sender authentication options.
type SPFConfig struct {
	// BestGuess evaluates a synthetic policy for domains publishing
	// none.
	BestGuess bool `toml:"best_guess"`

	// RejectNoPTR rejects unauthenticated senders outright instead of
	// verifying them.
	RejectNoPTR bool `toml:"reject_noptr"`

	AcceptFail     []string `toml:"accept_fail"`
	AcceptSoftfail []string `toml:"accept_softfail"`
	RejectNeutral  []string `toml:"reject_neutral"`

	// TrustedForwarder lists forwarding services checked by HELO
	// identity before the sender is blamed for SPF failures.
	TrustedForwarder []string `toml:"trusted_forwarder"`

	// AccessFile is the policy override store.
	AccessFile string `toml:"access_file"`

	// Delegate is an optional fallback namespace for unpublished
	// domains.
	Delegate string `toml:"delegate"`
}

// SRSConfig covers forwarding signatures.
type SRSConfig struct {
	Secret     string `toml:"secret"`
	MaxAge     int    `toml:"maxage"`
	HashLength int    `toml:"hashlength"`

	// FWDomain is the domain signed addresses live under.
	FWDomain string `toml:"fwdomain"`

	// SignDomains lists sender domains whose mail gets SRS treatment.
	SignDomains []string `toml:"sign_domains"`

	// BannedUsers lists local parts that mark a message as a probable
	// bounce (mailer-daemon and friends).
	BannedUsers []string `toml:"banned_users"`
}

// ScanConfig covers the header heuristics.
type ScanConfig struct {
	SpamWords []string `toml:"spam_words"`
	PornWords []string `toml:"porn_words"`
	FromWords []string `toml:"from_words"`

	// BlockChinese rejects subjects in character sets the deployment
	// cannot read.
	BlockChinese bool `toml:"block_chinese"`

	// RejectScore is the classifier score above which unwhitelisted
	// mail is rejected. Zero disables.
	RejectScore float64 `toml:"reject_score"`

	// MaxSize caps the buffered message size in bytes. Zero means
	// 10 MiB.
	MaxSize int64 `toml:"max_size"`

	// WiretapUsers maps a domain to local parts whose mail is copied
	// to WiretapDest.
	WiretapUsers map[string][]string `toml:"wiretap_users"`
	WiretapDest  string              `toml:"wiretap_dest"`

	// DiscardUsers maps a domain to local parts whose mail is
	// silently discarded.
	DiscardUsers map[string][]string `toml:"discard_users"`

	// BlockForward maps a recipient domain to local parts that must
	// not receive forwarded annoyances.
	BlockForward map[string][]string `toml:"block_forward"`
}

// GossipConfig covers the reputation service.
type GossipConfig struct {
	Server  string `toml:"server"`
	Timeout string `toml:"timeout"`
	TTL     int    `toml:"ttl"`
}

// GreylistConfig covers the delay-until-retry store.
type GreylistConfig struct {
	Redis  string `toml:"redis"`
	Delay  string `toml:"delay"`
	Window string `toml:"window"`
	Retain string `toml:"retain"`
}

// CBVConfig covers callback verification.
type CBVConfig struct {
	Timeout string `toml:"timeout"`

	// Templates is the directory of DSN template files, keyed by
	// template name.
	Templates string `toml:"templates"`

	// LocalName is the HELO name offered to probed servers.
	LocalName string `toml:"local_name"`
}

// MetricsConfig covers the optional prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Milter: MilterConfig{
			Socket:      "tcp:127.0.0.1:1030",
			DataDir:     ".",
			TempDir:     os.TempDir(),
			MaxDemerits: 20,
		},
		SPF: SPFConfig{
			BestGuess: true,
		},
		SRS: SRSConfig{
			MaxAge:      8,
			HashLength:  8,
			BannedUsers: []string{"mailer-daemon", "postmaster"},
		},
		Gossip: GossipConfig{
			Timeout: "5s",
			TTL:     1,
		},
		Greylist: GreylistConfig{
			Delay:  "5m",
			Window: "6h",
			Retain: "864h",
		},
		CBV: CBVConfig{
			Timeout: "2m",
		},
	}
}

// Load reads the TOML file at path over the defaults and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and fills the derived fields.
func (c *Config) Validate() error {
	var err error
	if c.internalNets, err = parseCIDRs(c.Milter.InternalConnect); err != nil {
		return fmt.Errorf("config: milter.internal_connect: %w", err)
	}
	if c.trustedNets, err = parseCIDRs(c.Milter.TrustedRelay); err != nil {
		return fmt.Errorf("config: milter.trusted_relay: %w", err)
	}
	if c.mtaNets, err = parseCIDRs(c.Milter.InternalMTA); err != nil {
		return fmt.Errorf("config: milter.internal_mta: %w", err)
	}
	if c.Milter.MaxDemerits <= 0 {
		return fmt.Errorf("config: milter.max_demerits must be positive")
	}

	if len(c.SRS.SignDomains) > 0 && c.SRS.Secret == "" {
		return fmt.Errorf("config: srs.secret required when srs.sign_domains is set")
	}

	for name, val := range map[string]struct {
		s   string
		out *time.Duration
	}{
		"dns.timeout":     {c.DNS.Timeout, &c.dnsTimeout},
		"gossip.timeout":  {c.Gossip.Timeout, &c.gossipTimeout},
		"cbv.timeout":     {c.CBV.Timeout, &c.cbvTimeout},
		"greylist.delay":  {c.Greylist.Delay, &c.greyDelay},
		"greylist.window": {c.Greylist.Window, &c.greyWindow},
		"greylist.retain": {c.Greylist.Retain, &c.greyRetain},
	} {
		if val.s == "" {
			continue
		}
		d, err := time.ParseDuration(val.s)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*val.out = d
	}
	return nil
}

func parseCIDRs(specs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(specs))
	for _, s := range specs {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// InternalNets returns the parsed internal connection ranges.
func (c *Config) InternalNets() []*net.IPNet { return c.internalNets }

// TrustedNets returns the parsed trusted relay ranges.
func (c *Config) TrustedNets() []*net.IPNet { return c.trustedNets }

// MTANets returns the parsed internal MTA ranges.
func (c *Config) MTANets() []*net.IPNet { return c.mtaNets }

// DNSTimeout returns the parsed per-query timeout.
func (c *Config) DNSTimeout() time.Duration { return c.dnsTimeout }

// GossipTimeout returns the parsed reputation query timeout.
func (c *Config) GossipTimeout() time.Duration { return c.gossipTimeout }

// CBVTimeout returns the parsed callback timeout.
func (c *Config) CBVTimeout() time.Duration { return c.cbvTimeout }

// GreylistWindows returns the parsed greylist delay, retry window and
// retention.
func (c *Config) GreylistWindows() (delay, window, retain time.Duration) {
	return c.greyDelay, c.greyWindow, c.greyRetain
}

// DataPath resolves name inside the data directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.Milter.DataDir, name)
}
