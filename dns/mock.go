package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to
// values; PTR maps plain IP address strings to FQDN names.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX

	// Fail contains records that will return a temporary error (SERVFAIL).
	// Format: "type name", e.g. "txt example.com." where type is lowercase.
	Fail []string
}

var _ Resolver = MockResolver{}

// mockReq represents a mock DNS request.
type mockReq struct {
	Type string // E.g. "txt", "a", "aaaa", "mx", "ptr"
	Name string // FQDN with trailing dot
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

// check handles context cancellation and configured failures.
func (r MockResolver) check(ctx context.Context, mr mockReq) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if slices.Contains(r.Fail, mr.String()) {
		return ErrDNSServFail
	}
	return nil
}

// LookupTXT returns TXT records for the given domain.
func (r MockResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	fqdn := ensureFQDN(name)

	if err := r.check(ctx, mockReq{"txt", fqdn}); err != nil {
		return nil, err
	}

	records, ok := r.TXT[fqdn]
	if !ok || len(records) == 0 {
		return nil, ErrDNSNotFound
	}

	return records, nil
}

// LookupIP returns address records for the given domain.
func (r MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	fqdn := ensureFQDN(host)

	var ips []net.IP

	if network == "ip" || network == "ip4" {
		if err := r.check(ctx, mockReq{"a", fqdn}); err != nil {
			return nil, err
		}
		for _, ip := range r.A[fqdn] {
			ips = append(ips, net.ParseIP(ip))
		}
	}

	if network == "ip" || network == "ip6" {
		if err := r.check(ctx, mockReq{"aaaa", fqdn}); err != nil {
			return nil, err
		}
		for _, ip := range r.AAAA[fqdn] {
			ips = append(ips, net.ParseIP(ip))
		}
	}

	if len(ips) == 0 {
		return nil, ErrDNSNotFound
	}

	return ips, nil
}

// LookupMX returns MX records for the given domain.
func (r MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	fqdn := ensureFQDN(name)

	if err := r.check(ctx, mockReq{"mx", fqdn}); err != nil {
		return nil, err
	}

	records, ok := r.MX[fqdn]
	if !ok || len(records) == 0 {
		return nil, ErrDNSNotFound
	}

	return records, nil
}

// LookupAddr performs a reverse DNS lookup.
func (r MockResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	if err := r.check(ctx, mockReq{"ptr", addr}); err != nil {
		return nil, err
	}

	records, ok := r.PTR[addr]
	if !ok || len(records) == 0 {
		return nil, ErrDNSNotFound
	}

	return records, nil
}
