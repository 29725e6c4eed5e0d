package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	recordsBucket = []byte("issuance")
	idsBucket     = []byte("issuance_ids")
)

// BoltStore persists records in a BBolt database. Records are keyed by
// their timestamp followed by their ID so that cursor order is time order.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore returns a Store backed by db, creating its buckets if needed.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(idsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating journal buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// NewBoltStoreFromFile opens a BBolt database at the given path and returns a new BoltStore.
func NewBoltStoreFromFile(path string, options *bbolt.Options) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewBoltStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenBoltStoreReadOnly opens an existing journal file without taking the
// writer lock, for inspecting the journal of a running server.
func OpenBoltStoreReadOnly(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying BBolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func recordKey(rec Record) []byte {
	key := make([]byte, 8, 8+len(rec.ID))
	binary.BigEndian.PutUint64(key, uint64(rec.At.UnixNano()))
	return append(key, rec.ID...)
}

func (s *BoltStore) Append(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}
	key := recordKey(rec)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(recordsBucket).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(idsBucket).Put([]byte(rec.ID), key)
	})
}

func (s *BoltStore) List(_ context.Context, limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding journal record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Get(_ context.Context, id string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(idsBucket)
		if ids == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		key := ids.Get([]byte(id))
		if key == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		data := tx.Bucket(recordsBucket).Get(key)
		if data == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Prune deletes every record whose key timestamp is before the cutoff.
func (s *BoltStore) Prune(_ context.Context, before time.Time) (int, error) {
	cutoff := make([]byte, 8)
	binary.BigEndian.PutUint64(cutoff, uint64(before.UnixNano()))

	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		ids := tx.Bucket(idsBucket)
		// Collect first; deleting under a live cursor skips keys.
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], cutoff) < 0; k, _ = c.Next() {
			stale = append(stale, bytes.Clone(k))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			if err := ids.Delete(k[8:]); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}
	return removed, nil
}
