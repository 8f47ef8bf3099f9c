package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dishcart/dishcart/internal/api"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func tx(id string, createdAt time.Time) *api.Transaction {
	return &api.Transaction{
		TransactionID: id,
		ReferenceID:   "ref_" + id,
		TotalAmount:   19.99,
		Platforms: []api.PlatformTotal{
			{Platform: "instacart", Subtotal: 12.49, ItemsCount: 3},
			{Platform: "ubereats", Subtotal: 7.50, ItemsCount: 1},
		},
		CreatedAt: createdAt,
	}
}

func TestSaveAndRecentRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "S1", tx("txn_1", created)))

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	require.Equal(t, "txn_1", rec.TransactionID)
	require.Equal(t, "ref_txn_1", rec.ReferenceID)
	require.Equal(t, "S1", rec.SessionID)
	require.Equal(t, 19.99, rec.TotalAmount)
	require.Equal(t, created, rec.CreatedAt)
	require.Len(t, rec.Platforms, 2)
	require.Equal(t, "instacart", rec.Platforms[0].Platform)
}

func TestSavingTheSameTransactionTwiceIsANoOp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "S1", tx("txn_1", created)))
	require.NoError(t, store.Save(ctx, "S1", tx("txn_1", created)))

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRecentOrdersNewestFirstAndHonorsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "S1", tx("txn_old", base.Add(-2*time.Hour))))
	require.NoError(t, store.Save(ctx, "S2", tx("txn_mid", base.Add(-time.Hour))))
	require.NoError(t, store.Save(ctx, "S3", tx("txn_new", base)))

	records, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "txn_new", records[0].TransactionID)
	require.Equal(t, "txn_mid", records[1].TransactionID)
}

func TestRecentOnEmptyStore(t *testing.T) {
	store := openTestStore(t)

	records, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, records)
}
