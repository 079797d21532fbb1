package status

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	store, err := Open(filepath.Join(t.TempDir(), "lansync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id, pairID, remotePath string) FileRecord {
	return FileRecord{
		ID:         id,
		PairID:     pairID,
		LocalPath:  filepath.Join("/sink", pairID, filepath.FromSlash(remotePath)),
		RemotePath: remotePath,
		FileName:   filepath.Base(remotePath),
		Size:       10,
		Modified:   time.Unix(1700000000, 0),
		Status:     Pending,
	}
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	record := testRecord("1", "pair", "docs/a.txt")
	require.NoError(t, store.Upsert(ctx, record))

	got, ok, err := store.GetByLocalPath(ctx, record.LocalPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, record.RemotePath, got.RemotePath)
	assert.Equal(t, Pending, got.Status)
	assert.True(t, record.Modified.Equal(got.Modified))
	assert.True(t, got.SyncedAt.IsZero())

	_, ok, err = store.GetByLocalPath(ctx, "/sink/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertReplacesSamePath(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	first := testRecord("1", "pair", "a.txt")
	require.NoError(t, store.Upsert(ctx, first))

	second := first
	second.ID = "2"
	second.Status = Syncing
	second.Size = 20
	require.NoError(t, store.Upsert(ctx, second))

	records, err := store.ListByPair(ctx, "pair")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2", records[0].ID)
	assert.Equal(t, int64(20), records[0].Size)
	assert.Equal(t, Syncing, records[0].Status)
}

func TestUpsertInvalidStatus(t *testing.T) {
	store := openTestStore(t)
	record := testRecord("1", "pair", "a.txt")
	record.Status = "BOGUS"
	assert.Error(t, store.Upsert(context.Background(), record))
}

func TestStatusUpdates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	record := testRecord("1", "pair", "a.txt")
	record.Status = Syncing
	require.NoError(t, store.Upsert(ctx, record))

	require.NoError(t, store.UpdateStatusWithError(ctx, "1", Failed, "connection reset"))
	got, _, err := store.GetByLocalPath(ctx, record.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, Failed, got.Status)
	assert.Equal(t, "connection reset", got.ErrorMessage)

	syncedAt := time.Unix(1700000500, 0)
	require.NoError(t, store.MarkSynced(ctx, "1", "781e5e245d69b566979b86e28d23f2c7", syncedAt))
	got, _, err = store.GetByLocalPath(ctx, record.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, Synced, got.Status)
	assert.Equal(t, "781e5e245d69b566979b86e28d23f2c7", got.Checksum)
	assert.Empty(t, got.ErrorMessage)
	assert.True(t, syncedAt.Equal(got.SyncedAt))

	require.NoError(t, store.UpdateStatus(ctx, "1", Modified, syncedAt))
	got, _, err = store.GetByLocalPath(ctx, record.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, Modified, got.Status)

	assert.Equal(t, ErrRecordNotFound, store.UpdateStatus(ctx, "missing", Synced, syncedAt))
	assert.Equal(t, ErrRecordNotFound, store.MarkSynced(ctx, "missing", "", syncedAt))
}

func TestListAndCount(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for i, path := range []string{"c.txt", "a.txt", "b.txt"} {
		record := testRecord(string(rune('1'+i)), "pair", path)
		require.NoError(t, store.Upsert(ctx, record))
	}
	other := testRecord("9", "other", "a.txt")
	require.NoError(t, store.Upsert(ctx, other))

	require.NoError(t, store.UpdateStatusWithError(ctx, "1", Failed, "boom"))

	pending, err := store.ListByStatus(ctx, "pair", Pending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a.txt", pending[0].RemotePath)
	assert.Equal(t, "b.txt", pending[1].RemotePath)

	all, err := store.ListByPair(ctx, "pair")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	counts, err := store.CountByStatus(ctx, "pair")
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{Pending: 2, Failed: 1}, counts)

	require.NoError(t, store.DeleteAllForPair(ctx, "pair"))
	all, err = store.ListByPair(ctx, "pair")
	require.NoError(t, err)
	assert.Empty(t, all)

	remaining, err := store.ListByPair(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestReopenPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lansync.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, testRecord("1", "pair", "a.txt")))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	records, err := store.ListByPair(ctx, "pair")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDataSourceName(t *testing.T) {
	tests := []struct {
		path string
		exp  string
	}{
		{"/home/alice/.lansync.db", "file:///home/alice/.lansync.db?_busy_timeout=5000"},
		{"/data/a?b#c/x.db", "file:///data/a%3Fb%23c/x.db?_busy_timeout=5000"},
		{"/data/50% off/x.db", "file:///data/50%25%20off/x.db?_busy_timeout=5000"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.path, func(t *testing.T) {
			assert.Equal(t, test.exp, dataSourceName(test.path))
		})
	}
}

func TestOpenPathWithURICharacters(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "odd?dir#1 50%")
	require.NoError(t, os.Mkdir(dir, 0755))
	path := filepath.Join(dir, "lansync.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, testRecord("1", "pair", "a.txt")))
	require.NoError(t, store.Close())

	// The database is created at exactly the given path.
	_, err = os.Stat(path)
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "odd?dir#1 50%", entries[0].Name())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	records, err := store.ListByPair(ctx, "pair")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		exp      bool
	}{
		{Pending, Syncing, true},
		{Pending, Failed, true},
		{Pending, Synced, false},
		{Syncing, Synced, true},
		{Syncing, Failed, true},
		{Synced, Modified, true},
		{Synced, Deleted, true},
		{Synced, Syncing, false},
		{Modified, Syncing, true},
		{Modified, Synced, false},
		{Failed, Syncing, true},
		{Failed, Synced, false},
		{Deleted, Syncing, true},
		{Deleted, Pending, false},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, CanTransition(test.from, test.to),
			"%s -> %s", test.from, test.to)
	}
}
