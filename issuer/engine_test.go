package issuer_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/certgate/issuer"
	"github.com/jmcleod/certgate/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingJournal collects enqueued records synchronously.
type recordingJournal struct {
	mu      sync.Mutex
	records []journal.Record
}

func (j *recordingJournal) Enqueue(rec journal.Record) {
	j.mu.Lock()
	j.records = append(j.records, rec)
	j.mu.Unlock()
}

func (j *recordingJournal) events() []journal.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]journal.Event, len(j.records))
	for i, rec := range j.records {
		out[i] = rec.Event
	}
	return out
}

func TestEngine_CommitOnSuccessThenCacheHit(t *testing.T) {
	ctx := t.Context()
	clock := newFakeClock()
	rec := &recordingJournal{}
	e := newEngine(clock, issuer.WithJournal(rec))
	req := issuer.IssueRequest{Tenant: "svc-a", Identity: "alice", CA: newSource(t, 300*time.Second)}

	first, err := e.Issue(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.True(t, first.Ticket.Pending())
	assert.Equal(t, first.Certificate.Serial, first.Ticket.Serial)
	assert.Equal(t, "svc-a", first.Ticket.Tenant)
	assert.Equal(t, "alice", first.Ticket.Identity)

	assert.True(t, e.Commit(first.Ticket, http.StatusNoContent))

	clock.Advance(299 * time.Second)
	second, err := e.Issue(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.False(t, second.Ticket.Pending())
	assert.Equal(t, first.Certificate.Serial, second.Certificate.Serial)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Minted)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.Committed)
	assert.Equal(t, 0, stats.PendingEntries)
	assert.Equal(t, []journal.Event{journal.EventMinted, journal.EventCommitted, journal.EventCacheHit}, rec.events())
}

func TestEngine_DownstreamFailureIsNotCached(t *testing.T) {
	ctx := t.Context()
	clock := newFakeClock()
	e := newEngine(clock)
	req := issuer.IssueRequest{Tenant: "svc-a", Identity: "alice", CA: newSource(t, 300*time.Second)}

	first, err := e.Issue(ctx, req)
	require.NoError(t, err)
	assert.False(t, e.Commit(first.Ticket, http.StatusServiceUnavailable))

	second, err := e.Issue(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.NotEqual(t, first.Certificate.Serial, second.Certificate.Serial)

	// The discarded entry cannot be committed afterwards.
	assert.False(t, e.Commit(first.Ticket, http.StatusOK))
	assert.Equal(t, int64(1), e.Stats().Discarded)
}

func TestEngine_CacheDisabled(t *testing.T) {
	ctx := t.Context()
	e := newEngine(newFakeClock())
	req := issuer.IssueRequest{Tenant: "svc-a", Identity: "alice", CA: newSource(t, 300*time.Second), CacheDisabled: true}

	serials := make(map[string]bool)
	for range 3 {
		iss, err := e.Issue(ctx, req)
		require.NoError(t, err)
		assert.False(t, iss.Cached)
		assert.False(t, iss.Ticket.Pending())
		assert.False(t, e.Commit(iss.Ticket, http.StatusOK))
		serials[iss.Certificate.Serial] = true
	}
	assert.Len(t, serials, 3)

	stats := e.Stats()
	assert.Equal(t, 0, stats.CacheEntries)
	assert.Equal(t, 0, stats.PendingEntries)
}

func TestEngine_ExpiredCacheEntryIsReplaced(t *testing.T) {
	ctx := t.Context()
	clock := newFakeClock()
	e := newEngine(clock)
	req := issuer.IssueRequest{Tenant: "svc-a", Identity: "bob", CA: newSource(t, 300*time.Second)}

	first, err := e.Issue(ctx, req)
	require.NoError(t, err)
	require.True(t, e.Commit(first.Ticket, http.StatusOK))

	clock.Advance(301 * time.Second)
	_, ok := e.Lookup("svc-a", "bob")
	assert.False(t, ok)

	second, err := e.Issue(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.NotEqual(t, first.Certificate.Serial, second.Certificate.Serial)
	assert.Equal(t, int64(1), e.Stats().CacheEvictions)
}

func TestEngine_DuplicateCommitIsSkipped(t *testing.T) {
	e := newEngine(newFakeClock())
	iss, err := e.Issue(t.Context(), issuer.IssueRequest{Tenant: "svc-a", Identity: "alice", CA: newSource(t, time.Minute)})
	require.NoError(t, err)

	assert.True(t, e.Commit(iss.Ticket, http.StatusOK))
	assert.False(t, e.Commit(iss.Ticket, http.StatusOK))
	assert.Equal(t, int64(1), e.Stats().Committed)
	assert.False(t, e.Commit(issuer.Ticket{}, http.StatusOK))
}

func TestEngine_ValidityWindow(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(clock)
	iss, err := e.Issue(t.Context(), issuer.IssueRequest{Tenant: "svc-a", Identity: "alice", CA: newSource(t, 300*time.Second)})
	require.NoError(t, err)

	cert := iss.Certificate
	assert.True(t, clock.Now().Equal(cert.NotBefore))
	assert.Equal(t, 300*time.Second, cert.NotAfter.Sub(cert.NotBefore))
	assert.Equal(t, "alice", cert.Leaf.Subject.CommonName)
}

func TestEngine_Errors(t *testing.T) {
	ctx := t.Context()
	e := newEngine(newFakeClock())

	_, err := e.Issue(ctx, issuer.IssueRequest{Tenant: "svc-a", Identity: "  ", CA: newSource(t, time.Minute)})
	assert.ErrorIs(t, err, issuer.ErrIdentityUnresolved)

	_, err = e.Issue(ctx, issuer.IssueRequest{Tenant: "svc-io", Identity: "alice", CA: &staticSource{err: errUnreadable}})
	assert.ErrorIs(t, err, issuer.ErrIO)

	broken := newSource(t, time.Minute)
	broken.material.CertificatePEM = []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n")
	_, err = e.Issue(ctx, issuer.IssueRequest{Tenant: "svc-bad", Identity: "alice", CA: broken})
	assert.ErrorIs(t, err, issuer.ErrConfiguration)

	_, err = e.Authority("svc-bad")
	assert.ErrorIs(t, err, issuer.ErrCANotLoaded)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Issue(cancelled, issuer.IssueRequest{Tenant: "svc-a", Identity: "alice", CA: newSource(t, time.Minute)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_TenantsAreIsolated(t *testing.T) {
	ctx := t.Context()
	e := newEngine(newFakeClock())
	srcA := newSource(t, time.Minute)
	srcB := newSource(t, time.Minute)

	a, err := e.Issue(ctx, issuer.IssueRequest{Tenant: "svc-a", Identity: "alice", CA: srcA})
	require.NoError(t, err)
	e.Commit(a.Ticket, http.StatusOK)

	b, err := e.Issue(ctx, issuer.IssueRequest{Tenant: "svc-b", Identity: "alice", CA: srcB})
	require.NoError(t, err)
	assert.False(t, b.Cached)

	caA, err := e.Authority("svc-a")
	require.NoError(t, err)
	caB, err := e.Authority("svc-b")
	require.NoError(t, err)
	assert.NoError(t, a.Certificate.Leaf.CheckSignatureFrom(caA.Certificate))
	assert.NoError(t, b.Certificate.Leaf.CheckSignatureFrom(caB.Certificate))
	assert.Error(t, b.Certificate.Leaf.CheckSignatureFrom(caA.Certificate))
	assert.Equal(t, []string{"svc-a", "svc-b"}, e.Tenants())
}

func TestEngine_ConcurrentRequests(t *testing.T) {
	ctx := t.Context()
	e := newEngine(newFakeClock())
	src := newSource(t, time.Hour)
	identities := []string{"alice", "bob", "carol", "dave"}

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := identities[i%len(identities)]
			iss, err := e.Issue(ctx, issuer.IssueRequest{Tenant: "svc-a", Identity: id, CA: src})
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, id, iss.Certificate.Identity)
			e.Commit(iss.Ticket, http.StatusOK)
		}()
	}
	wg.Wait()

	for _, id := range identities {
		cert, ok := e.Lookup("svc-a", id)
		require.True(t, ok, id)
		assert.Equal(t, id, cert.Identity)
	}
	assert.Equal(t, 0, e.Stats().PendingEntries)
	assert.Equal(t, 1, e.Stats().Tenants)
}

func TestEngine_SweepPending(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(clock)
	_, err := e.Issue(t.Context(), issuer.IssueRequest{Tenant: "svc-a", Identity: "alice", CA: newSource(t, time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, 0, e.SweepPending())
	clock.Advance(time.Minute)
	assert.Equal(t, 1, e.SweepPending())
	assert.Equal(t, int64(1), e.Stats().PendingDropped)
}
