package issuer

import (
	"log/slog"
	"time"

	"github.com/jmcleod/certgate/journal"
	"github.com/jmcleod/certgate/pki"
)

// Journal receives issuance records. *journal.Writer satisfies it.
type Journal interface {
	Enqueue(rec journal.Record)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for validity windows and cache
// expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the structured logger. If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLedgerCapacity bounds the number of certificates awaiting commit.
func WithLedgerCapacity(n int) Option {
	return func(e *Engine) {
		e.ledgerCapacity = n
	}
}

// WithKeyStore sets the key store CA private keys are imported into.
func WithKeyStore(ks pki.KeyStore) Option {
	return func(e *Engine) {
		e.keys = ks
	}
}

// WithJournal records every issuance event in j.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}
