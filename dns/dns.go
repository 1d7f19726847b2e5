// Package dns provides the DNS lookups needed for sender authentication:
// TXT, A/AAAA, MX and PTR queries, a mock resolver for tests, and a
// per-transaction memoizing cache that enforces a lookup budget.
package dns

import (
	"context"
	"errors"
	"net"
)

// DNS lookup errors.
var (
	// ErrDNSNotFound indicates the name does not exist (NXDOMAIN) or has no
	// records of the requested type.
	ErrDNSNotFound = errors.New("dns: name not found")

	// ErrDNSTimeout indicates the query timed out.
	ErrDNSTimeout = errors.New("dns: query timed out")

	// ErrDNSServFail indicates the upstream server returned SERVFAIL.
	ErrDNSServFail = errors.New("dns: server failure")

	// ErrDNSRefused indicates the upstream server refused the query.
	ErrDNSRefused = errors.New("dns: query refused")

	// ErrDNSLimitExceeded indicates the per-transaction lookup budget was
	// spent. Callers treat this as a permanent evaluation error.
	ErrDNSLimitExceeded = errors.New("dns: lookup limit exceeded")
)

// Resolver is the interface for the DNS lookups the filter performs.
type Resolver interface {
	// LookupTXT retrieves TXT records for the given domain.
	// Multi-string records are joined per RFC 7208 section 3.3.
	LookupTXT(ctx context.Context, name string) ([]string, error)

	// LookupIP retrieves address records for the given domain.
	// network is "ip", "ip4" or "ip6".
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)

	// LookupMX retrieves MX records for the given domain.
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)

	// LookupAddr performs a reverse lookup for the given IP address string,
	// returning PTR names in FQDN form (with trailing dot).
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// IsNotFound reports whether err indicates a missing name or record set.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTemporary reports whether err is a transient lookup failure that the
// caller should surface as a temporary (4xx) condition.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrDNSTimeout) || errors.Is(err, ErrDNSServFail) || errors.Is(err, ErrDNSRefused)
}

// ensureFQDN ensures the name ends with a dot.
func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}
