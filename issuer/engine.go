// Package issuer implements the certificate lifecycle engine: per-tenant CA
// loading, minting of client certificates, an expiry-aware per-identity
// cache and the issue-then-commit protocol that only caches a freshly minted
// certificate once the downstream call it was attached to has succeeded.
package issuer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmcleod/certgate/internal/util"
	"github.com/jmcleod/certgate/journal"
	"github.com/jmcleod/certgate/pki"
)

// IssueRequest describes one unit of work.
type IssueRequest struct {
	Tenant   string
	Identity string
	// CA supplies the tenant's CA material on first use.
	CA CASource
	// CacheDisabled skips the identity cache and pending ledger entirely;
	// every request mints a fresh certificate.
	CacheDisabled bool
}

// Ticket carries what the commit phase needs to know about a request's
// issue phase. A ticket without a serial has nothing to commit.
type Ticket struct {
	Tenant   string
	Identity string
	Serial   string
}

// Pending reports whether the ticket refers to a certificate awaiting
// commit.
func (t Ticket) Pending() bool {
	return t.Serial != ""
}

// Issuance is the result of the issue phase.
type Issuance struct {
	Certificate *pki.Certificate
	Ticket      Ticket
	// Cached is true when the certificate was served from the identity
	// cache rather than minted.
	Cached bool
}

// Stats is a snapshot of engine counters.
type Stats struct {
	CacheHits       int64 `json:"cache_hits"`
	CacheEvictions  int64 `json:"cache_evictions"`
	Minted          int64 `json:"minted"`
	SigningFailures int64 `json:"signing_failures"`
	Committed       int64 `json:"committed"`
	Discarded       int64 `json:"discarded"`
	CacheEntries    int   `json:"cache_entries"`
	PendingEntries  int   `json:"pending_entries"`
	PendingDropped  int64 `json:"pending_dropped"`
	Tenants         int   `json:"tenants"`
}

// Engine ties the CA registry, identity cache and pending ledger together.
// It is safe for concurrent use and is meant to be constructed once per
// process and shared by all request handlers.
type Engine struct {
	registry *Registry
	cache    *Cache
	ledger   *Ledger

	now            func() time.Time
	logger         *slog.Logger
	journal        Journal
	keys           pki.KeyStore
	ledgerCapacity int

	hits, evictions, minted, signFailures, committed, discarded atomic.Int64
}

// New returns an engine with empty state.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "issuer")
	e.registry = NewRegistry(e.keys)
	e.cache = NewCache()
	e.ledger = NewLedger(e.ledgerCapacity, e.now)
	return e
}

// Issue runs the issue phase for one request: it makes sure the tenant's CA
// is loaded, serves a still-valid cached certificate when there is one and
// otherwise mints a new certificate. A minted certificate is held in the
// pending ledger until Commit is called with the returned ticket.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*Issuance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	identity := util.NormalizeIdentity(req.Identity)
	if identity == "" {
		return nil, ErrIdentityUnresolved
	}
	log := e.logger.With(slog.String("tenant", req.Tenant), slog.String("identity", identity))

	authority, loaded, err := e.registry.EnsureLoaded(req.Tenant, req.CA)
	if err != nil {
		log.ErrorContext(ctx, "loading CA failed", "error", err)
		return nil, err
	}
	if loaded {
		log.InfoContext(ctx, "CA loaded",
			slog.String("subject", authority.Certificate.Subject.String()),
			slog.Duration("validity", authority.Validity),
			slog.Bool("cache_disabled", req.CacheDisabled))
	}

	now := e.now()
	if !req.CacheDisabled {
		hit, evicted := e.cache.lookup(req.Tenant, identity, now)
		if evicted != nil {
			e.evictions.Add(1)
			log.InfoContext(ctx, "removing expired certificate from cache", slog.String("serial", evicted.Serial))
			e.record(journal.EventExpired, evicted, 0)
		}
		if hit != nil {
			e.hits.Add(1)
			log.DebugContext(ctx, "serving certificate from cache", slog.String("serial", hit.Serial))
			e.record(journal.EventCacheHit, hit, 0)
			return &Issuance{
				Certificate: hit,
				Ticket:      Ticket{Tenant: req.Tenant, Identity: identity},
				Cached:      true,
			}, nil
		}
	}

	cert, err := pki.Mint(authority, req.Tenant, identity, now)
	if err != nil {
		e.signFailures.Add(1)
		log.ErrorContext(ctx, "minting certificate failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	e.minted.Add(1)
	log.InfoContext(ctx, "minted certificate", slog.String("serial", cert.Serial), slog.Time("not_after", cert.NotAfter))
	e.record(journal.EventMinted, cert, 0)

	ticket := Ticket{Tenant: req.Tenant, Identity: identity}
	if !req.CacheDisabled {
		e.ledger.Record(cert)
		ticket.Serial = cert.Serial
	}
	return &Issuance{Certificate: cert, Ticket: ticket}, nil
}

// Commit runs the commit phase once the downstream status is known. A
// status in [200,299] promotes the pending certificate into the identity
// cache; any other status discards it. Tickets without a pending
// certificate, or whose certificate was already consumed, are ignored.
// Commit reports whether a certificate was promoted.
func (e *Engine) Commit(ticket Ticket, status int) bool {
	if !ticket.Pending() {
		return false
	}
	cert, ok := e.ledger.Take(ticket.Serial)
	if !ok {
		return false
	}
	log := e.logger.With(
		slog.String("tenant", ticket.Tenant),
		slog.String("identity", ticket.Identity),
		slog.String("serial", cert.Serial),
		slog.Int("status", status))

	if !Success(status) {
		e.discarded.Add(1)
		log.Info("not caching certificate after downstream failure")
		e.record(journal.EventDiscarded, cert, status)
		return false
	}
	if e.cache.Commit(ticket.Tenant, ticket.Identity, cert) {
		log.Info("caching certificate")
	}
	e.committed.Add(1)
	e.record(journal.EventCommitted, cert, status)
	return true
}

// Success reports whether status counts as a successful downstream outcome.
func Success(status int) bool {
	return status >= 200 && status <= 299
}

// Lookup returns the cached certificate for identity, if any is valid now.
func (e *Engine) Lookup(tenant, identity string) (*pki.Certificate, bool) {
	return e.cache.Lookup(tenant, util.NormalizeIdentity(identity), e.now())
}

// Authority returns the loaded CA of tenant.
func (e *Engine) Authority(tenant string) (*pki.Authority, error) {
	a, ok := e.registry.Get(tenant)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCANotLoaded, tenant)
	}
	return a, nil
}

// Tenants returns the names of tenants whose CA has been loaded.
func (e *Engine) Tenants() []string {
	return e.registry.Tenants()
}

// SweepPending reclaims pending certificates that expired before their
// request was committed.
func (e *Engine) SweepPending() int {
	return e.ledger.Sweep(e.now())
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		CacheHits:       e.hits.Load(),
		CacheEvictions:  e.evictions.Load(),
		Minted:          e.minted.Load(),
		SigningFailures: e.signFailures.Load(),
		Committed:       e.committed.Load(),
		Discarded:       e.discarded.Load(),
		CacheEntries:    e.cache.Len(),
		PendingEntries:  e.ledger.Len(),
		PendingDropped:  e.ledger.Dropped(),
		Tenants:         len(e.registry.Tenants()),
	}
}

func (e *Engine) record(event journal.Event, cert *pki.Certificate, status int) {
	if e.journal == nil {
		return
	}
	rec := journal.NewRecord(event, cert.Tenant, cert.Identity, cert.Serial, e.now())
	rec.NotBefore = cert.NotBefore
	rec.NotAfter = cert.NotAfter
	rec.Status = status
	e.journal.Enqueue(rec)
}
