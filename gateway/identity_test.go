package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/certgate/config"
	"github.com/jmcleod/certgate/issuer"
)

func TestResolverFor(t *testing.T) {
	r, err := resolverFor(&config.Tenant{FixedIdentity: "svc", IdentityHeader: "X-User"})
	require.NoError(t, err)
	assert.Equal(t, FixedIdentity("svc"), r)

	r, err = resolverFor(&config.Tenant{IdentityHeader: "X-User", TrustedProxies: []string{"10.1.0.0/16"}})
	require.NoError(t, err)
	assert.Equal(t, HeaderIdentity{Header: "X-User", Trusted: []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}}, r)

	creds := map[string]string{"alice": "hash"}
	r, err = resolverFor(&config.Tenant{Credentials: creds})
	require.NoError(t, err)
	assert.Equal(t, BasicAuthIdentity{Credentials: creds}, r)

	_, err = resolverFor(&config.Tenant{IdentityHeader: "X-User", TrustedProxies: []string{"not-an-ip"}})
	assert.Error(t, err)
}

func TestIdentityResolvers(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	basic := BasicAuthIdentity{Credentials: map[string]string{"bob": string(hash)}}
	trustedLoopback := HeaderIdentity{Header: "X-User", Trusted: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}}

	tests := []struct {
		name     string
		resolver IdentityResolver
		prepare  func(*http.Request)
		want     string
		wantErr  error
	}{
		{name: "fixed", resolver: FixedIdentity("svc"), want: "svc"},
		{name: "fixed blank", resolver: FixedIdentity("   "), wantErr: issuer.ErrIdentityUnresolved},
		{
			name:     "header from trusted peer",
			resolver: trustedLoopback,
			prepare:  func(r *http.Request) { r.Header.Set("X-User", "alice") },
			want:     "alice",
		},
		{
			name:     "header from untrusted peer",
			resolver: trustedLoopback,
			prepare: func(r *http.Request) {
				r.RemoteAddr = "203.0.113.9:4711"
				r.Header.Set("X-User", "alice")
			},
			wantErr: issuer.ErrIdentityUnresolved,
		},
		{name: "header missing", resolver: trustedLoopback, wantErr: issuer.ErrIdentityUnresolved},
		{
			name:     "basic auth",
			resolver: basic,
			prepare:  func(r *http.Request) { r.SetBasicAuth("bob", "pw") },
			want:     "bob",
		},
		{
			name:     "basic auth wrong password",
			resolver: basic,
			prepare:  func(r *http.Request) { r.SetBasicAuth("bob", "nope") },
			wantErr:  ErrUnauthenticated,
		},
		{
			name:     "basic auth unknown user",
			resolver: basic,
			prepare:  func(r *http.Request) { r.SetBasicAuth("mallory", "pw") },
			wantErr:  ErrUnauthenticated,
		},
		{name: "basic auth missing", resolver: basic, wantErr: issuer.ErrIdentityUnresolved},
		{
			name:     "normalized",
			resolver: trustedLoopback,
			prepare:  func(r *http.Request) { r.Header.Set("X-User", "  jose\u0301 ") },
			want:     "jos\u00e9",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.prepare != nil {
				tt.prepare(r)
			}
			got, err := tt.resolver.Resolve(r)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHeaderIdentity_StripsUntrustedHeader(t *testing.T) {
	h := HeaderIdentity{Header: "X-User", Trusted: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[::ffff:10.2.3.4]:80"
	r.Header.Set("X-User", "alice")

	got, err := h.Resolve(r)
	require.NoError(t, err, "IPv4-mapped peers match IPv4 prefixes")
	assert.Equal(t, "alice", got)

	r.RemoteAddr = "198.51.100.1:80"
	_, err = h.Resolve(r)
	require.ErrorIs(t, err, issuer.ErrIdentityUnresolved)
	assert.Empty(t, r.Header.Get("X-User"))
}
