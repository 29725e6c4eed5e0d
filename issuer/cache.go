package issuer

import (
	"sync"
	"time"

	"github.com/jmcleod/certgate/pki"
)

// Cache maps (tenant, identity) to the most recently committed certificate.
// Expired entries are only removed when a lookup observes them; there is no
// background sweep.
//
// State is sharded per tenant so that tenants never contend with each other.
type Cache struct {
	mu     sync.RWMutex
	shards map[string]*cacheShard
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*pki.Certificate
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{shards: make(map[string]*cacheShard)}
}

func (c *Cache) shard(tenant string, create bool) *cacheShard {
	c.mu.RLock()
	s := c.shards[tenant]
	c.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s = c.shards[tenant]; s == nil {
		s = &cacheShard{entries: make(map[string]*pki.Certificate)}
		c.shards[tenant] = s
	}
	return s
}

// Lookup returns the cached certificate for identity if it is still valid at
// now. An expired entry is evicted and reported as absent.
func (c *Cache) Lookup(tenant, identity string, now time.Time) (*pki.Certificate, bool) {
	cert, _ := c.lookup(tenant, identity, now)
	return cert, cert != nil
}

// lookup additionally returns the certificate it evicted, if any.
func (c *Cache) lookup(tenant, identity string, now time.Time) (hit, evicted *pki.Certificate) {
	s := c.shard(tenant, false)
	if s == nil {
		return nil, nil
	}

	s.mu.RLock()
	cert, ok := s.entries[identity]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if cert.ValidAt(now) {
		return cert, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Only drop the entry we saw expire; a concurrent commit may already
	// have replaced it with a fresh certificate.
	if cur, ok := s.entries[identity]; ok && cur.Serial == cert.Serial {
		delete(s.entries, identity)
		return nil, cert
	}
	return nil, nil
}

// Commit stores cert for identity. Committing the certificate that is
// already cached is a no-op; any other certificate replaces the entry
// without comparing validity windows. It reports whether the entry changed.
func (c *Cache) Commit(tenant, identity string, cert *pki.Certificate) bool {
	s := c.shard(tenant, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[identity]; ok && cur.Serial == cert.Serial {
		return false
	}
	s.entries[identity] = cert
	return true
}

// Len returns the number of cached entries across all tenants, including
// expired entries that have not been looked up yet.
func (c *Cache) Len() int {
	c.mu.RLock()
	shards := make([]*cacheShard, 0, len(c.shards))
	for _, s := range c.shards {
		shards = append(shards, s)
	}
	c.mu.RUnlock()

	n := 0
	for _, s := range shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
