package journal_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/certgate/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoltStore(t *testing.T) *journal.BoltStore {
	t.Helper()
	s, err := journal.NewBoltStoreFromFile(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]journal.Store {
	return map[string]journal.Store{
		"memory": journal.NewMemoryStore(0),
		"bolt":   newBoltStore(t),
	}
}

func TestStore_AppendListGet(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			var ids []string
			for i, event := range []journal.Event{journal.EventMinted, journal.EventCommitted, journal.EventCacheHit} {
				rec := journal.NewRecord(event, "svc-a", "alice", "01ab", base.Add(time.Duration(i)*time.Second))
				rec.Status = 200
				require.NoError(t, store.Append(ctx, rec))
				ids = append(ids, rec.ID)
			}

			all, err := store.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, journal.EventCacheHit, all[0].Event, "newest first")
			assert.Equal(t, journal.EventMinted, all[2].Event)

			limited, err := store.List(ctx, 2)
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, ids[2], limited[0].ID)
			assert.Equal(t, ids[1], limited[1].ID)

			got, err := store.Get(ctx, ids[1])
			require.NoError(t, err)
			assert.Equal(t, journal.EventCommitted, got.Event)
			assert.Equal(t, "alice", got.Identity)
			assert.Equal(t, 200, got.Status)
			assert.True(t, base.Add(time.Second).Equal(got.At))

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, journal.ErrNotFound)
		})
	}
}

func TestStore_Prune(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			var ids []string
			for i := range 5 {
				rec := journal.NewRecord(journal.EventMinted, "svc-a", "alice", "01", base.Add(time.Duration(i)*time.Hour))
				require.NoError(t, store.Append(ctx, rec))
				ids = append(ids, rec.ID)
			}

			removed, err := store.Prune(ctx, base.Add(2*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			all, err := store.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, ids[2], all[2].ID, "the record at the cutoff is kept")
			_, err = store.Get(ctx, ids[0])
			assert.ErrorIs(t, err, journal.ErrNotFound)

			removed, err = store.Prune(ctx, base)
			require.NoError(t, err)
			assert.Zero(t, removed)
		})
	}
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	ctx := t.Context()
	store := journal.NewMemoryStore(3)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var ids []string
	for i := range 5 {
		rec := journal.NewRecord(journal.EventMinted, "svc-a", "alice", "01", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Append(ctx, rec))
		ids = append(ids, rec.ID)
	}

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[4], ids[3], ids[2]}, []string{all[0].ID, all[1].ID, all[2].ID})

	for _, id := range ids[:2] {
		_, err := store.Get(ctx, id)
		assert.ErrorIs(t, err, journal.ErrNotFound, "oldest records are evicted")
	}
	got, err := store.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, ids[2], got.ID)

	limited, err := store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ids[4], limited[0].ID)
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := journal.NewBoltStoreFromFile(path, nil)
	require.NoError(t, err)
	rec := journal.NewRecord(journal.EventMinted, "svc-a", "bob", "01cd", time.Now())
	require.NoError(t, s.Append(t.Context(), rec))
	require.NoError(t, s.Close())

	s, err = journal.NewBoltStoreFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(t.Context(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Identity)
}

func TestBoltStore_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := journal.NewBoltStoreFromFile(path, nil)
	require.NoError(t, err)
	rec := journal.NewRecord(journal.EventCommitted, "svc-a", "carol", "01ef", time.Now())
	require.NoError(t, s.Append(t.Context(), rec))
	require.NoError(t, s.Close())

	ro, err := journal.OpenBoltStoreReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()
	records, err := ro.List(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Error(t, ro.Append(t.Context(), rec), "read-only store must reject writes")
}

func TestWriter_DrainsOnClose(t *testing.T) {
	store := journal.NewMemoryStore(0)
	w := journal.NewWriter(store, 16, nil)
	for range 10 {
		w.Enqueue(journal.NewRecord(journal.EventMinted, "svc", "alice", "01", time.Now()))
	}
	w.Close()
	w.Close()

	all, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

// blockingStore holds every Append until release is closed.
type blockingStore struct {
	*journal.MemoryStore
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (s *blockingStore) Append(ctx context.Context, rec journal.Record) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return s.MemoryStore.Append(ctx, rec)
}

func TestWriter_DropsWhenFull(t *testing.T) {
	store := &blockingStore{
		MemoryStore: journal.NewMemoryStore(0),
		release:     make(chan struct{}),
		started:     make(chan struct{}),
	}
	w := journal.NewWriter(store, 1, nil)

	w.Enqueue(journal.NewRecord(journal.EventMinted, "svc", "a", "01", time.Now()))
	<-store.started
	w.Enqueue(journal.NewRecord(journal.EventMinted, "svc", "b", "02", time.Now()))
	w.Enqueue(journal.NewRecord(journal.EventMinted, "svc", "c", "03", time.Now()))

	close(store.release)
	w.Close()

	all, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 2, "the third record did not fit the queue")
}

func TestWriter_EnqueueAfterClose(t *testing.T) {
	store := journal.NewMemoryStore(0)
	w := journal.NewWriter(store, 4, nil)
	w.Enqueue(journal.NewRecord(journal.EventMinted, "svc", "alice", "01", time.Now()))
	w.Close()

	assert.NotPanics(t, func() {
		w.Enqueue(journal.NewRecord(journal.EventMinted, "svc", "bob", "02", time.Now()))
	})

	all, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, all, 1, "records enqueued after close are dropped")
	assert.Equal(t, "alice", all[0].Identity)
}

func TestWriter_ConcurrentEnqueueAndClose(t *testing.T) {
	store := journal.NewMemoryStore(0)
	w := journal.NewWriter(store, 8, nil)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				w.Enqueue(journal.NewRecord(journal.EventMinted, "svc", "alice", "01", time.Now()))
			}
		}()
	}
	w.Close()
	wg.Wait()
}
