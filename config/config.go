// Package config loads the certgate configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left empty in the configuration file.
const (
	DefaultListen            = ":8080"
	DefaultValiditySeconds   = 300
	DefaultHeaderName        = "ssl_client_cert"
	DefaultLedgerSweepSecond = 60
	// DefaultJournalMemoryCapacity bounds the in-memory journal used when
	// no journal file is configured.
	DefaultJournalMemoryCapacity = 10000
	// DefaultJournalRetentionSecs is how long journal records are kept.
	DefaultJournalRetentionSecs = 7 * 24 * 60 * 60
)

// ErrInvalid is returned when the configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the top-level configuration file.
type Config struct {
	Listen      string `yaml:"listen"`
	AdminListen string `yaml:"admin_listen"`
	LogLevel    string `yaml:"log_level"`
	// JournalPath is the BBolt file issuance events are written to. Events
	// are kept in memory when it is empty.
	JournalPath string `yaml:"journal_path"`
	// JournalMemoryCapacity is the number of records kept when JournalPath
	// is empty. The oldest records are evicted first.
	JournalMemoryCapacity int `yaml:"journal_memory_capacity"`
	// JournalRetentionSeconds is the age after which journal records are
	// pruned. A negative value keeps records forever.
	JournalRetentionSeconds int `yaml:"journal_retention_secs"`
	// ProxyWriteTimeoutSeconds bounds how long the proxy may take to write
	// a response. Zero means no limit, so streaming responses are not cut.
	ProxyWriteTimeoutSeconds int `yaml:"proxy_write_timeout_secs"`
	// LedgerCapacity bounds the number of certificates awaiting commit.
	LedgerCapacity int `yaml:"ledger_capacity"`
	// LedgerSweepSeconds is how often expired pending certificates are
	// reclaimed.
	LedgerSweepSeconds int                `yaml:"ledger_sweep_secs"`
	Tenants            map[string]*Tenant `yaml:"tenants"`
}

// Tenant configures one service: its upstream, its CA and how identities
// are resolved for its requests.
type Tenant struct {
	Name string `yaml:"-"`

	Upstream string `yaml:"upstream"`
	// PathPrefix routes requests to this tenant. Defaults to "/<name>".
	PathPrefix string `yaml:"path_prefix"`
	// StripPrefix removes PathPrefix before forwarding upstream.
	StripPrefix bool `yaml:"strip_prefix"`

	CertificatePath string `yaml:"cert"`
	PrivateKeyPath  string `yaml:"private_key"`
	// PrivateKeyPassphraseEnv names the environment variable holding the
	// passphrase of an encrypted CA key.
	PrivateKeyPassphraseEnv string `yaml:"private_key_passphrase_env"`
	ValiditySeconds         int    `yaml:"cert_validity_secs"`

	HeaderName string `yaml:"http_header_name"`
	// FixedIdentity, when set, is used as the identity of every request.
	FixedIdentity string `yaml:"fixed_identity"`
	// IdentityHeader names a request header carrying the authenticated
	// username set by an earlier authentication layer. It is only honored
	// for peers listed in TrustedProxies.
	IdentityHeader string `yaml:"identity_header"`
	// TrustedProxies lists the addresses or CIDR ranges allowed to set
	// IdentityHeader.
	TrustedProxies []string `yaml:"trusted_proxies"`
	// Credentials maps basic auth usernames to bcrypt password hashes. It is
	// used when neither FixedIdentity nor IdentityHeader is set.
	Credentials   map[string]string `yaml:"credentials"`
	CacheDisabled bool              `yaml:"no_cert_cache"`

	passphrase *memguard.Enclave
}

// Validity returns the lifetime of certificates minted for the tenant.
func (t *Tenant) Validity() time.Duration {
	return time.Duration(t.ValiditySeconds) * time.Second
}

// TrustedPrefixes parses TrustedProxies. Bare addresses become single-host
// prefixes.
func (t *Tenant) TrustedPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(t.TrustedProxies))
	for _, v := range t.TrustedProxies {
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}

// JournalRetention returns the journal record lifetime, or zero when records
// are kept forever.
func (c *Config) JournalRetention() time.Duration {
	if c.JournalRetentionSeconds < 0 {
		return 0
	}
	return time.Duration(c.JournalRetentionSeconds) * time.Second
}

// ProxyWriteTimeout returns the proxy listener's write timeout.
func (c *Config) ProxyWriteTimeout() time.Duration {
	return time.Duration(c.ProxyWriteTimeoutSeconds) * time.Second
}

// LedgerSweepInterval returns the pending ledger sweep period.
func (c *Config) LedgerSweepInterval() time.Duration {
	return time.Duration(c.LedgerSweepSeconds) * time.Second
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// TenantNames returns the configured tenant names in sorted order.
func (c *Config) TenantNames() []string {
	names := make([]string, 0, len(c.Tenants))
	for name := range c.Tenants {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TenantList returns the configured tenants ordered by name.
func (c *Config) TenantList() []*Tenant {
	tenants := make([]*Tenant, 0, len(c.Tenants))
	for _, name := range c.TenantNames() {
		tenants = append(tenants, c.Tenants[name])
	}
	return tenants
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing YAML: %v", ErrInvalid, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, t := range cfg.Tenants {
		t.sealPassphrase()
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LedgerSweepSeconds == 0 {
		c.LedgerSweepSeconds = DefaultLedgerSweepSecond
	}
	if c.JournalMemoryCapacity == 0 {
		c.JournalMemoryCapacity = DefaultJournalMemoryCapacity
	}
	if c.JournalRetentionSeconds == 0 {
		c.JournalRetentionSeconds = DefaultJournalRetentionSecs
	}
	for name, t := range c.Tenants {
		if t == nil {
			continue
		}
		t.Name = name
		if t.PathPrefix == "" {
			t.PathPrefix = "/" + name
		}
		t.PathPrefix = "/" + strings.Trim(t.PathPrefix, "/")
		if t.ValiditySeconds == 0 {
			t.ValiditySeconds = DefaultValiditySeconds
		}
		if t.HeaderName == "" {
			t.HeaderName = DefaultHeaderName
		}
	}
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Tenants) == 0 {
		errs = append(errs, errors.New("no tenants configured"))
	}
	if c.LedgerCapacity < 0 {
		errs = append(errs, errors.New("ledger_capacity must not be negative"))
	}
	if c.LedgerSweepSeconds < 0 {
		errs = append(errs, errors.New("ledger_sweep_secs must not be negative"))
	}
	if c.JournalMemoryCapacity < 0 {
		errs = append(errs, errors.New("journal_memory_capacity must not be negative"))
	}
	if c.ProxyWriteTimeoutSeconds < 0 {
		errs = append(errs, errors.New("proxy_write_timeout_secs must not be negative"))
	}
	prefixes := make(map[string]string)
	for _, name := range c.TenantNames() {
		t := c.Tenants[name]
		if t == nil {
			errs = append(errs, fmt.Errorf("tenant %q: empty definition", name))
			continue
		}
		if strings.Contains(name, "/") {
			errs = append(errs, fmt.Errorf("tenant %q: name must not contain '/'", name))
		}
		if t.CertificatePath == "" || t.PrivateKeyPath == "" {
			errs = append(errs, fmt.Errorf("tenant %q: cert and private_key are required", name))
		}
		if t.ValiditySeconds < 0 {
			errs = append(errs, fmt.Errorf("tenant %q: cert_validity_secs must be positive", name))
		}
		if u, err := url.Parse(t.Upstream); t.Upstream == "" || err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("tenant %q: upstream must be an absolute URL", name))
		}
		errs = append(errs, t.validateIdentity()...)
		if other, ok := prefixes[t.PathPrefix]; ok {
			errs = append(errs, fmt.Errorf("tenant %q: path_prefix %s already used by %q", name, t.PathPrefix, other))
		}
		prefixes[t.PathPrefix] = name
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// validateIdentity checks that every way of resolving an identity is backed
// by authentication.
func (t *Tenant) validateIdentity() []error {
	var errs []error
	if t.IdentityHeader != "" && len(t.TrustedProxies) == 0 {
		errs = append(errs, fmt.Errorf("tenant %q: identity_header requires trusted_proxies", t.Name))
	}
	if _, err := t.TrustedPrefixes(); err != nil {
		errs = append(errs, fmt.Errorf("tenant %q: %w", t.Name, err))
	}
	for user, hash := range t.Credentials {
		if user == "" {
			errs = append(errs, fmt.Errorf("tenant %q: credentials contain an empty username", t.Name))
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			errs = append(errs, fmt.Errorf("tenant %q: credentials for %q: not a bcrypt hash", t.Name, user))
		}
	}
	return errs
}
