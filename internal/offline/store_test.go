package offline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ziqrishahab/pelaris-edge/internal/database/testutil"
	"github.com/ziqrishahab/pelaris-edge/internal/models"
)

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func newManualClock() *manualClock {
	return &manualClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *manualClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := newManualClock()
	store := New(func() (*gorm.DB, error) { return db, nil }, WithClock(clock.Now))
	store.Initialize()
	require.True(t, store.Available())
	return store, clock
}

func serverTransaction(id, number, branchID string, createdAt time.Time) models.Transaction {
	return models.Transaction{
		ID:            id,
		Number:        number,
		BranchID:      branchID,
		Total:         25000,
		PaymentMethod: "cash",
		SyncStatus:    models.SyncStatusSynced,
		CreatedAt:     createdAt,
		Items: []models.TransactionItem{
			{VariantID: "var-1", Quantity: 1, Price: 25000},
		},
	}
}

func offlineTransaction(id, number, branchID string, createdAt time.Time) models.Transaction {
	return models.Transaction{
		ID:            id,
		Number:        number,
		BranchID:      branchID,
		Total:         15000,
		PaymentMethod: "qris",
		CreatedAt:     createdAt,
		Items: []models.TransactionItem{
			{VariantID: "var-2", Quantity: 3, Price: 5000},
		},
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	var opens int
	store := New(func() (*gorm.DB, error) {
		opens++
		return db, nil
	})

	store.Initialize()
	store.Initialize()
	require.Equal(t, 1, opens)
	require.True(t, store.Available())
}

func TestInitializeFailureDegradesToEmptyStore(t *testing.T) {
	ctx := context.Background()

	store := New(func() (*gorm.DB, error) {
		return nil, errors.New("disk full")
	})
	store.Initialize()
	require.False(t, store.Available())

	// Every operation is a safe no-op or empty result.
	require.NoError(t, store.CacheTransactions(ctx, "cab-1", []models.Transaction{
		serverTransaction("trx-1", "TRX-001", "cab-1", time.Now()),
	}))

	records, err := store.GetCachedTransactions(ctx, "cab-1")
	require.NoError(t, err)
	require.Empty(t, records)

	_, err = store.AddOfflineTransaction(ctx, offlineTransaction("", "TRX-OFF", "cab-1", time.Now()))
	require.NoError(t, err)

	require.NoError(t, store.MarkTransactionSynced(ctx, "tx-local-1", "server-1"))
	require.False(t, store.IsCacheValid(ctx, "cab-1"))
	require.Zero(t, store.PendingCount(ctx))
	require.NoError(t, store.ClearAll(ctx))
}

func TestNilOpenerIsNoOp(t *testing.T) {
	store := New(nil)
	store.Initialize()
	require.False(t, store.Available())
}

func TestCacheTransactionsThenGet(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	base := clock.Now()
	require.NoError(t, store.CacheTransactions(ctx, "cab-1", []models.Transaction{
		serverTransaction("trx-1", "TRX-001", "cab-1", base.Add(-time.Hour)),
		serverTransaction("trx-2", "TRX-002", "cab-1", base),
	}))

	records, err := store.GetCachedTransactions(ctx, "cab-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "trx-2", records[0].ID, "most recent first")
	require.Len(t, records[0].Items, 1)
	require.True(t, store.IsCacheValid(ctx, "cab-1"))
}

func TestPendingRecordSurvivesRefresh(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	base := clock.Now()

	require.NoError(t, store.CacheTransactions(ctx, "cab-1", []models.Transaction{
		serverTransaction("trx-old", "TRX-OLD", "cab-1", base.Add(-2*time.Hour)),
	}))

	staged, err := store.AddOfflineTransaction(ctx, offlineTransaction("tx-local-1", "TRX-L1", "cab-1", base.Add(-time.Minute)))
	require.NoError(t, err)
	require.Equal(t, "tx-local-1", staged.ID)
	require.True(t, staged.Pending())

	// A refresh with three server transactions must not remove the pending one.
	require.NoError(t, store.CacheTransactions(ctx, "cab-1", []models.Transaction{
		serverTransaction("trx-1", "TRX-001", "cab-1", base.Add(-3*time.Hour)),
		serverTransaction("trx-2", "TRX-002", "cab-1", base.Add(-2*time.Hour)),
		serverTransaction("trx-3", "TRX-003", "cab-1", base.Add(-time.Hour)),
	}))

	records, err := store.GetCachedTransactions(ctx, "cab-1")
	require.NoError(t, err)
	require.Len(t, records, 4)

	ids := make(map[string]bool, len(records))
	for _, record := range records {
		ids[record.ID] = true
	}
	require.True(t, ids["tx-local-1"], "pending offline record must survive the refresh")
	require.False(t, ids["trx-old"], "non-pending records are replaced")
}

func TestRefreshDoesNotTouchOtherBranches(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	base := clock.Now()

	require.NoError(t, store.CacheTransactions(ctx, "cab-1", []models.Transaction{
		serverTransaction("trx-a", "TRX-A", "cab-1", base),
	}))
	require.NoError(t, store.CacheTransactions(ctx, "cab-2", []models.Transaction{
		serverTransaction("trx-b", "TRX-B", "cab-2", base),
	}))

	require.NoError(t, store.CacheTransactions(ctx, "cab-1", nil))

	one, err := store.GetCachedTransactions(ctx, "cab-1")
	require.NoError(t, err)
	require.Empty(t, one)

	two, err := store.GetCachedTransactions(ctx, "cab-2")
	require.NoError(t, err)
	require.Len(t, two, 1)
}

func TestGetCachedTransactionsOrdering(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	t1 := clock.Now().Add(-3 * time.Hour)
	t2 := clock.Now().Add(-2 * time.Hour)
	t3 := clock.Now().Add(-time.Hour)

	require.NoError(t, store.CacheTransactions(ctx, "cab-1", []models.Transaction{
		serverTransaction("trx-1", "TRX-001", "cab-1", t2),
		serverTransaction("trx-2", "TRX-002", "cab-1", t1),
		serverTransaction("trx-3", "TRX-003", "cab-1", t3),
	}))

	records, err := store.GetCachedTransactions(ctx, "cab-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []string{"trx-3", "trx-1", "trx-2"}, []string{records[0].ID, records[1].ID, records[2].ID})
}

func TestAddOfflineTransactionGeneratesLocalID(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	staged, err := store.AddOfflineTransaction(ctx, offlineTransaction("", "TRX-L2", "cab-1", clock.Now()))
	require.NoError(t, err)
	require.Contains(t, staged.ID, models.LocalIDPrefix)
	require.True(t, staged.IsOffline)
	require.Equal(t, models.SyncStatusPending, staged.SyncStatus)
	require.EqualValues(t, 1, store.PendingCount(ctx))
}

func TestAddOfflineTransactionValidates(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddOfflineTransaction(ctx, models.Transaction{BranchID: "cab-1"})
	require.Error(t, err)

	// Unknown tender types are rejected on the device, not at
	// reconciliation time.
	bad := offlineTransaction("tx-local-9", "TRX-L9", "cab-1", clock.Now())
	bad.PaymentMethod = "barter"
	_, err = store.AddOfflineTransaction(ctx, bad)
	require.Error(t, err)
	require.Contains(t, err.Error(), "payment_method")

	require.Zero(t, store.PendingCount(ctx))
}

func TestMarkTransactionSynced(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddOfflineTransaction(ctx, offlineTransaction("tx-local-1", "TRX-L1", "cab-1", clock.Now()))
	require.NoError(t, err)

	require.NoError(t, store.MarkTransactionSynced(ctx, "tx-local-1", "server-99"))

	records, err := store.GetCachedTransactions(ctx, "cab-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	require.Equal(t, "server-99", record.ID)
	require.Equal(t, models.SyncStatusSynced, record.SyncStatus)
	require.False(t, record.IsOffline)
	require.Len(t, record.Items, 1)
	require.Equal(t, "server-99", record.Items[0].TransactionID)
	require.Zero(t, store.PendingCount(ctx))

	// A refresh now treats it like any server record.
	require.NoError(t, store.CacheTransactions(ctx, "cab-1", nil))
	records, err = store.GetCachedTransactions(ctx, "cab-1")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestMarkTransactionSyncedUnknownID(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.MarkTransactionSynced(context.Background(), "tx-missing", "server-1")
	require.Error(t, err)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestIsCacheValidExpires(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.False(t, store.IsCacheValid(ctx, "cab-1"), "no metadata yet")

	require.NoError(t, store.CacheTransactions(ctx, "cab-1", nil))
	require.True(t, store.IsCacheValid(ctx, "cab-1"))

	clock.Advance(TransactionFreshness + time.Minute)
	require.False(t, store.IsCacheValid(ctx, "cab-1"))
}

func TestCacheProductsRoundTrip(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CacheProducts(ctx, "cab-1", []models.Product{
		{ID: "prod-2", Name: "Kopi Susu", Price: 18000, Stock: 10},
		{ID: "prod-1", Name: "Es Teh", Price: 8000, Stock: 25},
	}))
	require.True(t, store.IsProductCacheValid(ctx, "cab-1"))

	products, err := store.GetCachedProducts(ctx, "cab-1")
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, "Es Teh", products[0].Name, "sorted by name")

	// A refresh fully replaces the partition.
	require.NoError(t, store.CacheProducts(ctx, "cab-1", []models.Product{
		{ID: "prod-3", Name: "Roti Bakar", Price: 12000, Stock: 5},
	}))
	products, err = store.GetCachedProducts(ctx, "cab-1")
	require.NoError(t, err)
	require.Len(t, products, 1)

	clock.Advance(ProductFreshness + time.Minute)
	require.False(t, store.IsProductCacheValid(ctx, "cab-1"))
}

func TestClearAllWipesEveryPartition(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CacheTransactions(ctx, "cab-1", []models.Transaction{
		serverTransaction("trx-1", "TRX-001", "cab-1", clock.Now()),
	}))
	_, err := store.AddOfflineTransaction(ctx, offlineTransaction("tx-local-1", "TRX-L1", "cab-1", clock.Now()))
	require.NoError(t, err)
	require.NoError(t, store.CacheProducts(ctx, "cab-1", []models.Product{
		{ID: "prod-1", Name: "Es Teh", Price: 8000},
	}))

	require.NoError(t, store.ClearAll(ctx))

	records, err := store.GetCachedTransactions(ctx, "cab-1")
	require.NoError(t, err)
	require.Empty(t, records)

	products, err := store.GetCachedProducts(ctx, "cab-1")
	require.NoError(t, err)
	require.Empty(t, products)

	require.False(t, store.IsCacheValid(ctx, "cab-1"))
	require.False(t, store.IsProductCacheValid(ctx, "cab-1"))
	require.Zero(t, store.PendingCount(ctx))
}

func TestGetPendingTransactionsOldestFirst(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	base := clock.Now()

	_, err := store.AddOfflineTransaction(ctx, offlineTransaction("tx-local-2", "TRX-L2", "cab-1", base))
	require.NoError(t, err)
	_, err = store.AddOfflineTransaction(ctx, offlineTransaction("tx-local-1", "TRX-L1", "cab-1", base.Add(-time.Hour)))
	require.NoError(t, err)

	pending, err := store.GetPendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "tx-local-1", pending[0].ID)
	require.Equal(t, "tx-local-2", pending[1].ID)
}
