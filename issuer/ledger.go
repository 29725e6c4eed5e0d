package issuer

import (
	"container/list"
	"sync"
	"time"

	"github.com/jmcleod/certgate/pki"
)

// DefaultLedgerCapacity bounds the number of minted certificates awaiting
// commit.
const DefaultLedgerCapacity = 10000

// Ledger holds freshly minted certificates, keyed by serial, between the
// issue phase of a request and its commit phase. Take is the only way an
// entry is consumed, so each certificate is committed at most once.
//
// Entries whose request never reaches the commit phase are reclaimed once
// the certificate expires, and the oldest entry is dropped when the ledger
// is full.
type Ledger struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // of *pki.Certificate, oldest first
	capacity int
	now      func() time.Time
	dropped  int64
}

// NewLedger returns an empty ledger holding at most capacity entries. A
// non-positive capacity selects DefaultLedgerCapacity.
func NewLedger(capacity int, now func() time.Time) *Ledger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		now:      now,
	}
}

// Record stores cert under its serial number.
func (l *Ledger) Record(cert *pki.Certificate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[cert.Serial]; ok {
		el.Value = cert
		return
	}
	if len(l.entries) >= l.capacity {
		l.dropped += int64(l.sweepLocked(l.now()))
	}
	for len(l.entries) >= l.capacity {
		l.removeLocked(l.order.Front())
		l.dropped++
	}
	l.entries[cert.Serial] = l.order.PushBack(cert)
}

// Take removes and returns the certificate recorded under serial. Expired
// certificates are removed but reported as absent.
func (l *Ledger) Take(serial string) (*pki.Certificate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.entries[serial]
	if !ok {
		return nil, false
	}
	cert := l.removeLocked(el)
	if !cert.ValidAt(l.now()) {
		l.dropped++
		return nil, false
	}
	return cert, true
}

// Sweep removes every entry whose certificate has expired at now and
// returns how many were removed.
func (l *Ledger) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.sweepLocked(now)
	l.dropped += int64(n)
	return n
}

func (l *Ledger) sweepLocked(now time.Time) int {
	n := 0
	for el := l.order.Front(); el != nil; {
		next := el.Next()
		if !el.Value.(*pki.Certificate).ValidAt(now) {
			l.removeLocked(el)
			n++
		}
		el = next
	}
	return n
}

func (l *Ledger) removeLocked(el *list.Element) *pki.Certificate {
	cert := l.order.Remove(el).(*pki.Certificate)
	delete(l.entries, cert.Serial)
	return cert
}

// Len returns the number of pending entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Dropped returns how many entries were reclaimed without being committed.
func (l *Ledger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
