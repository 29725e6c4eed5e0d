package issuer_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmcleod/certgate/internal/testca"
	"github.com/jmcleod/certgate/issuer"
	"github.com/jmcleod/certgate/pki"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// staticSource serves fixed CA material and counts how often it was read.
type staticSource struct {
	material pki.AuthorityMaterial
	err      error
	reads    atomic.Int32
}

func (s *staticSource) Open(fn func(pki.AuthorityMaterial) error) error {
	s.reads.Add(1)
	if s.err != nil {
		return s.err
	}
	return fn(s.material)
}

func newSource(t *testing.T, validity time.Duration) *staticSource {
	t.Helper()
	ca := testca.New(t, t.Name()+" Root CA")
	return &staticSource{material: pki.AuthorityMaterial{
		CertificatePEM: ca.CertPEM,
		PrivateKeyPEM:  ca.KeyPEM,
		Validity:       validity,
	}}
}

var errUnreadable = errors.New("open ca.key: permission denied")

// mintFor mints a certificate outside of any engine for cache and ledger
// tests.
func mintFor(t *testing.T, src *staticSource, tenant, identity string, now time.Time) *pki.Certificate {
	t.Helper()
	a, err := pki.LoadAuthority(src.material, nil)
	require.NoError(t, err)
	cert, err := pki.Mint(a, tenant, identity, now)
	require.NoError(t, err)
	return cert
}

func newEngine(clock *fakeClock, opts ...issuer.Option) *issuer.Engine {
	return issuer.New(append([]issuer.Option{issuer.WithClock(clock.Now)}, opts...)...)
}
