package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig contains configuration for the DNS resolver.
type ResolverConfig struct {
	// Nameservers is a list of DNS servers to query (e.g., "8.8.8.8:53").
	// If empty, system resolvers from /etc/resolv.conf are used,
	// falling back to public DNS (8.8.8.8, 1.1.1.1).
	Nameservers []string

	// Timeout is the timeout for individual DNS queries. Default is 5 seconds.
	Timeout time.Duration

	// Retries is the number of retries for failed queries. Default is 2.
	Retries int
}

// DNSResolver implements the Resolver interface using github.com/miekg/dns.
type DNSResolver struct {
	config ResolverConfig
	client *mdns.Client
}

var _ Resolver = (*DNSResolver)(nil)

// NewResolver creates a new DNS resolver.
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = getSystemNameservers()
	}

	return &DNSResolver{
		config: config,
		client: &mdns.Client{
			Timeout: config.Timeout,
		},
	}
}

// getSystemNameservers tries to get system DNS servers from resolv.conf.
func getSystemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		// Fallback to common public DNS servers
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		if !strings.Contains(s, ":") {
			s = s + ":53"
		}
		servers = append(servers, s)
	}
	return servers
}

// query performs a DNS query with retries.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(ensureFQDN(name), qtype)
	m.RecursionDesired = true

	var lastErr error

	for i := 0; i <= r.config.Retries; i++ {
		for _, server := range r.config.Nameservers {
			// Check context cancellation
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = fmt.Errorf("dns query failed: %w", err)
				continue
			}

			// Check response code
			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, nil
			case mdns.RcodeNameError: // NXDOMAIN
				return nil, ErrDNSNotFound
			case mdns.RcodeServerFailure:
				lastErr = ErrDNSServFail
				continue
			case mdns.RcodeRefused:
				lastErr = ErrDNSRefused
				continue
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %d", resp.Rcode)
				continue
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrDNSServFail
}

// LookupTXT retrieves TXT records for the given domain.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	resp, err := r.query(ctx, name, mdns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var records []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			// TXT records may be split into multiple character strings, join them
			// per RFC 7208 Section 3.3
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}

	if len(records) == 0 {
		return nil, ErrDNSNotFound
	}

	return records, nil
}

// LookupIP retrieves address records for the given domain. The answer
// section of a recursive response carries any CNAME chain followed by the
// terminal address records, so aliases are resolved transparently.
func (r *DNSResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	var ips []net.IP
	var lastErr error

	if network == "ip" || network == "ip4" {
		resp, err := r.query(ctx, host, mdns.TypeA)
		if err != nil && err != ErrDNSNotFound {
			lastErr = err
		} else if resp != nil {
			for _, rr := range resp.Answer {
				if a, ok := rr.(*mdns.A); ok {
					ips = append(ips, a.A)
				}
			}
		}
	}

	if network == "ip" || network == "ip6" {
		resp, err := r.query(ctx, host, mdns.TypeAAAA)
		if err != nil && err != ErrDNSNotFound {
			if lastErr == nil {
				lastErr = err
			}
		} else if resp != nil {
			for _, rr := range resp.Answer {
				if aaaa, ok := rr.(*mdns.AAAA); ok {
					ips = append(ips, aaaa.AAAA)
				}
			}
		}
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, ErrDNSNotFound
	}

	return ips, nil
}

// LookupMX retrieves MX records for the given domain.
func (r *DNSResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	resp, err := r.query(ctx, name, mdns.TypeMX)
	if err != nil {
		return nil, err
	}

	var records []*net.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, &net.MX{
				Host: mx.Mx,
				Pref: mx.Preference,
			})
		}
	}

	if len(records) == 0 {
		return nil, ErrDNSNotFound
	}

	return records, nil
}

// LookupAddr performs a reverse DNS lookup for the given IP address.
func (r *DNSResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("dns: invalid IP address %q", addr)
	}

	// Generate reverse DNS name (e.g., 1.0.168.192.in-addr.arpa.)
	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return nil, fmt.Errorf("dns: invalid IP for reverse lookup: %w", err)
	}

	resp, err := r.query(ctx, arpa, mdns.TypePTR)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}

	if len(names) == 0 {
		return nil, ErrDNSNotFound
	}

	return names, nil
}

// Config returns the resolver's current configuration.
func (r *DNSResolver) Config() ResolverConfig {
	return r.config
}
