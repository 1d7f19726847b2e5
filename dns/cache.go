package dns

import (
	"context"
	"net"
	"sync"
)

// Cache is a memoizing Resolver wrapper scoped to a single mail transaction.
// Repeated queries for the same name and type during one evaluation hit the
// cache; distinct upstream lookups are counted against an optional budget.
// A Cache must not be shared across transactions: answers are never expired.
type Cache struct {
	resolver Resolver

	// MaxLookups caps the number of distinct upstream lookups. Zero means
	// unlimited. Once spent, every miss returns ErrDNSLimitExceeded.
	MaxLookups int

	mu      sync.Mutex
	lookups int
	txt     map[string]cacheEntry[string]
	ip      map[string]cacheEntry[net.IP]
	mx      map[string]cacheEntry[*net.MX]
	ptr     map[string]cacheEntry[string]
}

type cacheEntry[T any] struct {
	records []T
	err     error
}

var _ Resolver = (*Cache)(nil)

// NewCache creates a transaction-scoped cache over resolver.
func NewCache(resolver Resolver, maxLookups int) *Cache {
	return &Cache{
		resolver:   resolver,
		MaxLookups: maxLookups,
		txt:        make(map[string]cacheEntry[string]),
		ip:         make(map[string]cacheEntry[net.IP]),
		mx:         make(map[string]cacheEntry[*net.MX]),
		ptr:        make(map[string]cacheEntry[string]),
	}
}

// Lookups returns the number of upstream lookups performed so far.
func (c *Cache) Lookups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookups
}

// charge consumes one unit of the lookup budget.
func (c *Cache) charge() error {
	c.lookups++
	if c.MaxLookups > 0 && c.lookups > c.MaxLookups {
		return ErrDNSLimitExceeded
	}
	return nil
}

// LookupTXT retrieves TXT records, memoized per name.
func (c *Cache) LookupTXT(ctx context.Context, name string) ([]string, error) {
	key := ensureFQDN(name)

	c.mu.Lock()
	if e, ok := c.txt[key]; ok {
		c.mu.Unlock()
		return e.records, e.err
	}
	if err := c.charge(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	records, err := c.resolver.LookupTXT(ctx, name)

	c.mu.Lock()
	c.txt[key] = cacheEntry[string]{records: records, err: err}
	c.mu.Unlock()
	return records, err
}

// LookupIP retrieves address records, memoized per network and name.
func (c *Cache) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	key := network + " " + ensureFQDN(host)

	c.mu.Lock()
	if e, ok := c.ip[key]; ok {
		c.mu.Unlock()
		return e.records, e.err
	}
	if err := c.charge(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	records, err := c.resolver.LookupIP(ctx, network, host)

	c.mu.Lock()
	c.ip[key] = cacheEntry[net.IP]{records: records, err: err}
	c.mu.Unlock()
	return records, err
}

// LookupMX retrieves MX records, memoized per name.
func (c *Cache) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	key := ensureFQDN(name)

	c.mu.Lock()
	if e, ok := c.mx[key]; ok {
		c.mu.Unlock()
		return e.records, e.err
	}
	if err := c.charge(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	records, err := c.resolver.LookupMX(ctx, name)

	c.mu.Lock()
	c.mx[key] = cacheEntry[*net.MX]{records: records, err: err}
	c.mu.Unlock()
	return records, err
}

// LookupAddr performs a reverse lookup, memoized per address.
func (c *Cache) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	c.mu.Lock()
	if e, ok := c.ptr[addr]; ok {
		c.mu.Unlock()
		return e.records, e.err
	}
	if err := c.charge(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	records, err := c.resolver.LookupAddr(ctx, addr)

	c.mu.Lock()
	c.ptr[addr] = cacheEntry[string]{records: records, err: err}
	c.mu.Unlock()
	return records, err
}
