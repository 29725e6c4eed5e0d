package gateway

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/certgate/config"
	"github.com/jmcleod/certgate/internal/util"
	"github.com/jmcleod/certgate/issuer"
)

// ErrUnauthenticated is returned when a caller presents credentials that do
// not verify. Such requests are rejected rather than forwarded.
var ErrUnauthenticated = errors.New("invalid credentials")

// IdentityResolver determines the identity a request's certificate is
// minted for.
type IdentityResolver interface {
	// Resolve returns the authenticated identity, issuer.ErrIdentityUnresolved
	// when the request carries none, or ErrUnauthenticated when its
	// credentials are wrong.
	Resolve(r *http.Request) (string, error)
}

// FixedIdentity resolves every request to the same identity.
type FixedIdentity string

func (f FixedIdentity) Resolve(*http.Request) (string, error) {
	return nonEmpty(string(f))
}

// HeaderIdentity reads the identity from a request header populated by an
// authentication layer in front of the gateway. The header is only trusted
// when the direct peer is one of Trusted; for any other peer it is removed
// from the request so it never reaches the upstream.
type HeaderIdentity struct {
	Header  string
	Trusted []netip.Prefix
}

func (h HeaderIdentity) Resolve(r *http.Request) (string, error) {
	if !h.trustedPeer(r.RemoteAddr) {
		r.Header.Del(h.Header)
		return "", issuer.ErrIdentityUnresolved
	}
	return nonEmpty(r.Header.Get(h.Header))
}

func (h HeaderIdentity) trustedPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range h.Trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// BasicAuthIdentity authenticates HTTP basic auth credentials against
// bcrypt hashes keyed by username. Requests without credentials are
// unresolved; requests with a wrong password or unknown user fail with
// ErrUnauthenticated.
type BasicAuthIdentity struct {
	Credentials map[string]string
}

// dummyHash keeps unknown users on the same bcrypt code path as known ones.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("certgate"), bcrypt.DefaultCost)
	return h
})

func (b BasicAuthIdentity) Resolve(r *http.Request) (string, error) {
	user, password, ok := r.BasicAuth()
	if !ok {
		return "", issuer.ErrIdentityUnresolved
	}
	hash, known := b.Credentials[user]
	if !known {
		bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return "", ErrUnauthenticated
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrUnauthenticated
	}
	return nonEmpty(user)
}

func nonEmpty(identity string) (string, error) {
	identity = util.NormalizeIdentity(identity)
	if identity == "" {
		return "", issuer.ErrIdentityUnresolved
	}
	return identity, nil
}

// resolverFor picks the resolver configured for t: a fixed identity takes
// precedence over an identity header, which takes precedence over basic
// auth credentials.
func resolverFor(t *config.Tenant) (IdentityResolver, error) {
	switch {
	case t.FixedIdentity != "":
		return FixedIdentity(t.FixedIdentity), nil
	case t.IdentityHeader != "":
		trusted, err := t.TrustedPrefixes()
		if err != nil {
			return nil, err
		}
		return HeaderIdentity{Header: t.IdentityHeader, Trusted: trusted}, nil
	default:
		return BasicAuthIdentity{Credentials: t.Credentials}, nil
	}
}
