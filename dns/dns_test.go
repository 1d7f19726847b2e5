package dns

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		isNotFound bool
		isTemp     bool
	}{
		{
			name:       "not found error",
			err:        ErrDNSNotFound,
			isNotFound: true,
		},
		{
			name:   "timeout error",
			err:    ErrDNSTimeout,
			isTemp: true,
		},
		{
			name:   "server failure",
			err:    ErrDNSServFail,
			isTemp: true,
		},
		{
			name:   "refused",
			err:    ErrDNSRefused,
			isTemp: true,
		},
		{
			name: "limit exceeded is permanent",
			err:  ErrDNSLimitExceeded,
		},
		{
			name: "unrelated error",
			err:  errors.New("something else"),
		},
		{
			name: "nil error",
			err:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.isNotFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.isNotFound)
			}
			if got := IsTemporary(tt.err); got != tt.isTemp {
				t.Errorf("IsTemporary() = %v, want %v", got, tt.isTemp)
			}
		})
	}
}

func TestMockResolver(t *testing.T) {
	r := MockResolver{
		TXT: map[string][]string{
			"example.com.": {"v=spf1 -all"},
		},
		A: map[string][]string{
			"mail.example.com.": {"192.0.2.10"},
		},
		MX: map[string][]*net.MX{
			"example.com.": {{Host: "mail.example.com.", Pref: 10}},
		},
		PTR: map[string][]string{
			"192.0.2.10": {"mail.example.com."},
		},
		Fail: []string{"txt broken.example.com."},
	}
	ctx := context.Background()

	txt, err := r.LookupTXT(ctx, "example.com")
	if err != nil || len(txt) != 1 || txt[0] != "v=spf1 -all" {
		t.Errorf("LookupTXT() = %v, %v", txt, err)
	}

	if _, err := r.LookupTXT(ctx, "missing.example.com"); !IsNotFound(err) {
		t.Errorf("LookupTXT(missing) err = %v, want not found", err)
	}

	if _, err := r.LookupTXT(ctx, "broken.example.com"); !errors.Is(err, ErrDNSServFail) {
		t.Errorf("LookupTXT(broken) err = %v, want servfail", err)
	}

	ips, err := r.LookupIP(ctx, "ip4", "mail.example.com")
	if err != nil || len(ips) != 1 || !ips[0].Equal(net.ParseIP("192.0.2.10")) {
		t.Errorf("LookupIP() = %v, %v", ips, err)
	}

	if _, err := r.LookupIP(ctx, "ip6", "mail.example.com"); !IsNotFound(err) {
		t.Errorf("LookupIP(ip6) err = %v, want not found", err)
	}

	mx, err := r.LookupMX(ctx, "example.com")
	if err != nil || len(mx) != 1 || mx[0].Host != "mail.example.com." {
		t.Errorf("LookupMX() = %v, %v", mx, err)
	}

	ptr, err := r.LookupAddr(ctx, "192.0.2.10")
	if err != nil || len(ptr) != 1 || ptr[0] != "mail.example.com." {
		t.Errorf("LookupAddr() = %v, %v", ptr, err)
	}
}

// TestResolverInterface verifies that our types implement Resolver
func TestResolverInterface(t *testing.T) {
	var _ Resolver = (*DNSResolver)(nil)
	var _ Resolver = (*StdResolver)(nil)
	var _ Resolver = (*Cache)(nil)
	var _ Resolver = MockResolver{}
}

func TestNewResolverDefaults(t *testing.T) {
	r := NewResolver(ResolverConfig{})

	// Should have default timeout
	if r.config.Timeout == 0 {
		t.Error("expected default timeout to be set")
	}

	// Should have default retries
	if r.config.Retries == 0 {
		t.Error("expected default retries to be set")
	}

	// Should have nameservers (either from system or fallback)
	if len(r.config.Nameservers) == 0 {
		t.Error("expected nameservers to be set")
	}
}

// countingResolver wraps a Resolver and counts calls reaching it.
type countingResolver struct {
	Resolver
	calls int
}

func (c *countingResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	c.calls++
	return c.Resolver.LookupTXT(ctx, name)
}

func TestCacheMemoizes(t *testing.T) {
	upstream := &countingResolver{Resolver: MockResolver{
		TXT: map[string][]string{
			"example.com.": {"v=spf1 mx -all"},
		},
	}}
	c := NewCache(upstream, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		txt, err := c.LookupTXT(ctx, "example.com")
		if err != nil || len(txt) != 1 {
			t.Fatalf("LookupTXT() = %v, %v", txt, err)
		}
	}
	if upstream.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", upstream.calls)
	}
	if c.Lookups() != 1 {
		t.Errorf("Lookups() = %d, want 1", c.Lookups())
	}

	// negative answers are cached too
	for i := 0; i < 2; i++ {
		if _, err := c.LookupTXT(ctx, "missing.example.com"); !IsNotFound(err) {
			t.Fatalf("LookupTXT(missing) err = %v", err)
		}
	}
	if c.Lookups() != 2 {
		t.Errorf("Lookups() after miss = %d, want 2", c.Lookups())
	}
}

func TestCacheLookupLimit(t *testing.T) {
	mock := MockResolver{
		A: map[string][]string{
			"a.example.com.": {"192.0.2.1"},
			"b.example.com.": {"192.0.2.2"},
			"c.example.com.": {"192.0.2.3"},
		},
	}
	c := NewCache(mock, 2)
	ctx := context.Background()

	if _, err := c.LookupIP(ctx, "ip4", "a.example.com"); err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if _, err := c.LookupIP(ctx, "ip4", "b.example.com"); err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if _, err := c.LookupIP(ctx, "ip4", "c.example.com"); !errors.Is(err, ErrDNSLimitExceeded) {
		t.Errorf("third lookup err = %v, want limit exceeded", err)
	}

	// cached answers remain available once over budget
	if _, err := c.LookupIP(ctx, "ip4", "a.example.com"); err != nil {
		t.Errorf("cached lookup after limit: %v", err)
	}
}

// Integration test - skip if no network
func TestDNSResolverIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	r := NewResolver(ResolverConfig{
		Nameservers: []string{"8.8.8.8:53"},
	})

	ctx := context.Background()

	ips, err := r.LookupIP(ctx, "ip", "google.com")
	if err != nil {
		t.Errorf("IP lookup failed: %v", err)
	} else if len(ips) == 0 {
		t.Error("Expected IP records for google.com")
	}

	mx, err := r.LookupMX(ctx, "google.com")
	if err != nil {
		t.Errorf("MX lookup failed: %v", err)
	} else if len(mx) == 0 {
		t.Error("Expected MX records for google.com")
	}
}
