package issuer

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/jmcleod/certgate/pki"
)

// CASource supplies the raw CA material for one tenant.
type CASource interface {
	// Open reads the tenant's CA certificate, key and validity and passes
	// them to fn. The material is only valid for the duration of the call.
	// Errors not returned by fn, and not already ErrConfiguration, are
	// reported as ErrIO.
	Open(fn func(pki.AuthorityMaterial) error) error
}

// Registry holds the loaded CA of every tenant. Authorities are loaded on
// first use and never unloaded.
type Registry struct {
	mu          sync.RWMutex
	authorities map[string]*pki.Authority
	keys        pki.KeyStore
}

// NewRegistry returns an empty registry importing CA keys into ks, or into a
// fresh SoftwareKeyStore when ks is nil.
func NewRegistry(ks pki.KeyStore) *Registry {
	if ks == nil {
		ks = pki.NewSoftwareKeyStore()
	}
	return &Registry{
		authorities: make(map[string]*pki.Authority),
		keys:        ks,
	}
}

// EnsureLoaded returns the tenant's authority, loading it from src if it is
// not loaded yet. Concurrent first loads for the same tenant may each parse
// the material; the first one stored wins and is returned to all of them.
func (r *Registry) EnsureLoaded(tenant string, src CASource) (*pki.Authority, bool, error) {
	if a, ok := r.Get(tenant); ok {
		return a, false, nil
	}
	if src == nil {
		return nil, false, fmt.Errorf("%w: no CA source for tenant %q", ErrConfiguration, tenant)
	}

	var (
		loaded   *pki.Authority
		parseErr error
	)
	err := src.Open(func(m pki.AuthorityMaterial) error {
		loaded, parseErr = pki.LoadAuthority(m, r.keys)
		return parseErr
	})
	switch {
	case parseErr != nil:
		return nil, false, fmt.Errorf("%w: tenant %q: %w", ErrConfiguration, tenant, parseErr)
	case errors.Is(err, ErrConfiguration):
		return nil, false, err
	case err != nil:
		return nil, false, fmt.Errorf("%w: tenant %q: %w", ErrIO, tenant, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.authorities[tenant]; ok {
		return existing, false, nil
	}
	r.authorities[tenant] = loaded
	return loaded, true, nil
}

// Get returns the tenant's authority if it has been loaded.
func (r *Registry) Get(tenant string) (*pki.Authority, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.authorities[tenant]
	return a, ok
}

// Tenants returns the sorted names of all tenants with a loaded CA.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.authorities))
	for name := range r.authorities {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
