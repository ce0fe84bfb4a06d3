package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/davicafu/fieldflow/internal/record/domain"
	sharedSQLite "github.com/davicafu/fieldflow/internal/shared/infra/platform/db/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *RecordStoreSQLite {
	t.Helper()
	db, err := sharedSQLite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, InitSQLite(db))
	t.Cleanup(func() { db.Close() })

	store := NewRecordStoreSQLite(db)
	ctx := context.Background()
	past := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutRecord(ctx, domain.Record{ID: "o1", TableID: "orders", Fields: map[string]any{"amount": 10.0}, UpdatedAt: past}))
	require.NoError(t, store.PutRecord(ctx, domain.Record{ID: "o2", TableID: "orders", Fields: map[string]any{"amount": 5.0}, UpdatedAt: past}))
	require.NoError(t, store.PutRecord(ctx, domain.Record{ID: "c1", TableID: "customers", Fields: map[string]any{"orders": []any{"o1", "o2"}}, UpdatedAt: past}))
	require.NoError(t, store.PutRecord(ctx, domain.Record{ID: "c2", TableID: "customers", Fields: map[string]any{"orders": "o2"}, UpdatedAt: past}))
	require.NoError(t, store.PutRecord(ctx, domain.Record{ID: "c3", TableID: "customers", Fields: map[string]any{}, UpdatedAt: past}))
	return store
}

func TestRecordStore_GetRecordsKeepsRequestedOrder(t *testing.T) {
	store := setupStore(t)

	recs, err := store.GetRecords(context.Background(), "orders", []string{"o2", "missing", "o1"})

	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "o2", recs[0].ID)
	assert.Equal(t, "o1", recs[1].ID)
	assert.Equal(t, 10.0, recs[1].Fields["amount"])
}

func TestRecordStore_LinkedRecordIDs(t *testing.T) {
	store := setupStore(t)

	ids, err := store.LinkedRecordIDs(context.Background(), "customers", "orders", []string{"o1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	ids, err = store.LinkedRecordIDs(context.Background(), "customers", "orders", []string{"o2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
}

func TestRecordStore_WriteFieldValues(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	n, err := store.WriteFieldValues(ctx, "orders", "total", map[string]any{"o1": 20.0, "nope": 1.0})

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	recs, err := store.GetRecords(ctx, "orders", []string{"o1"})
	require.NoError(t, err)
	assert.Equal(t, 20.0, recs[0].Fields["total"])
	assert.Equal(t, 10.0, recs[0].Fields["amount"])
	assert.True(t, recs[0].UpdatedAt.After(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestRecordStore_DryRunAlwaysRollsBack(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	err := store.DryRun(ctx, func(ctx context.Context, tx domain.RecordStore) error {
		n, err := tx.WriteFieldValues(ctx, "orders", "total", map[string]any{"o1": 99.0})
		require.Equal(t, 1, n)
		recs, _ := tx.GetRecords(ctx, "orders", []string{"o1"})
		assert.Equal(t, 99.0, recs[0].Fields["total"])
		return err
	})

	require.NoError(t, err)
	recs, err := store.GetRecords(ctx, "orders", []string{"o1"})
	require.NoError(t, err)
	assert.Nil(t, recs[0].Fields["total"])
}

func TestRecordStore_ListAndCount(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	ids, err := store.ListRecordIDs(ctx, "customers")
	require.NoError(t, err)
	n, err := store.CountRecords(ctx, "customers")
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
	assert.Equal(t, 3, n)
}
