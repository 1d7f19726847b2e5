package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// StdResolver implements the Resolver interface using the standard library
// net package. Useful where the host resolver configuration should be
// honored exactly as the rest of the system sees it.
type StdResolver struct {
	resolver *net.Resolver
}

var _ Resolver = (*StdResolver)(nil)

// NewStdResolver creates a resolver using the standard library.
func NewStdResolver() *StdResolver {
	return &StdResolver{
		resolver: net.DefaultResolver,
	}
}

// NewStdResolverWithDialer creates a resolver using a custom dialer.
// This allows configuring custom DNS servers while using the stdlib interface.
func NewStdResolverWithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) *StdResolver {
	return &StdResolver{
		resolver: &net.Resolver{
			PreferGo: true,
			Dial:     dial,
		},
	}
}

// LookupTXT retrieves TXT records using the standard library.
func (r *StdResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	// Strip trailing dot for stdlib compatibility
	name = strings.TrimSuffix(name, ".")

	records, err := r.resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, convertError(err)
	}

	if len(records) == 0 {
		return nil, ErrDNSNotFound
	}

	return records, nil
}

// LookupIP retrieves address records using the standard library.
func (r *StdResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	// Strip trailing dot for stdlib compatibility
	host = strings.TrimSuffix(host, ".")

	ips, err := r.resolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, convertError(err)
	}

	if len(ips) == 0 {
		return nil, ErrDNSNotFound
	}

	return ips, nil
}

// LookupMX retrieves MX records using the standard library.
func (r *StdResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	// Strip trailing dot for stdlib compatibility
	name = strings.TrimSuffix(name, ".")

	records, err := r.resolver.LookupMX(ctx, name)
	if err != nil {
		return nil, convertError(err)
	}

	if len(records) == 0 {
		return nil, ErrDNSNotFound
	}

	return records, nil
}

// LookupAddr performs a reverse DNS lookup using the standard library.
func (r *StdResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	if net.ParseIP(addr) == nil {
		return nil, fmt.Errorf("dns: invalid IP address %q", addr)
	}

	names, err := r.resolver.LookupAddr(ctx, addr)
	if err != nil {
		return nil, convertError(err)
	}

	if len(names) == 0 {
		return nil, ErrDNSNotFound
	}

	// Ensure names are absolute (with trailing dot)
	for i, name := range names {
		if !strings.HasSuffix(name, ".") {
			names[i] = name + "."
		}
	}

	return names, nil
}

// convertError converts standard library DNS errors to package errors.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return ErrDNSNotFound
		}
		if dnsErr.IsTimeout {
			return ErrDNSTimeout
		}
		if dnsErr.IsTemporary {
			return ErrDNSServFail
		}
	}

	return fmt.Errorf("dns lookup failed: %w", err)
}
