// Package journal records certificate issuance events so that operators can
// see which identities were served which certificates, and when.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("journal record not found")

// Event identifies what happened to a certificate.
type Event string

const (
	EventMinted    Event = "minted"
	EventCacheHit  Event = "served_from_cache"
	EventCommitted Event = "committed"
	EventDiscarded Event = "discarded"
	EventExpired   Event = "expired"
)

// Record is one journal entry.
type Record struct {
	ID        string    `json:"id"`
	Event     Event     `json:"event"`
	Tenant    string    `json:"tenant"`
	Identity  string    `json:"identity"`
	Serial    string    `json:"serial"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	// Status is the downstream response status for commit and discard
	// events.
	Status int       `json:"status,omitempty"`
	At     time.Time `json:"at"`
}

// NewRecord returns a record with a fresh ID.
func NewRecord(event Event, tenant, identity, serial string, at time.Time) Record {
	return Record{
		ID:       uuid.NewString(),
		Event:    event,
		Tenant:   tenant,
		Identity: identity,
		Serial:   serial,
		At:       at.UTC(),
	}
}

// Store persists journal records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// List returns up to limit records, newest first. A non-positive limit
	// returns every record.
	List(ctx context.Context, limit int) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	// Prune deletes records appended before the cutoff and reports how many
	// were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// DefaultMemoryCapacity is the number of records a MemoryStore keeps when
// no capacity is given.
const DefaultMemoryCapacity = 10000

// MemoryStore is an in-memory Store suitable for tests and for running
// without a journal file. It holds at most a fixed number of records; once
// full, each append evicts the oldest record.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record // ring buffer of fixed capacity
	start   int      // index of the oldest record
	count   int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store holding at most capacity
// records. A non-positive capacity uses DefaultMemoryCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{records: make([]Record, capacity)}
}

// at returns the i-th oldest record. Callers hold s.mu.
func (s *MemoryStore) at(i int) Record {
	return s.records[(s.start+i)%len(s.records)]
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == len(s.records) {
		s.records[s.start] = rec
		s.start = (s.start + 1) % len(s.records)
		return nil
	}
	s.records[(s.start+s.count)%len(s.records)] = rec
	s.count++
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := s.count - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.at(i))
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < s.count; i++ {
		if rec := s.at(i); rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

// Prune drops records from the oldest end while they are older than
// before. Records are kept in append order, so pruning stops at the first
// record that is new enough.
func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for s.count > 0 && s.records[s.start].At.Before(before) {
		s.records[s.start] = Record{}
		s.start = (s.start + 1) % len(s.records)
		s.count--
		removed++
	}
	return removed, nil
}
