package offline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ziqrishahab/pelaris-edge/internal/models"
	"github.com/ziqrishahab/pelaris-edge/pkg/logger"
	"github.com/ziqrishahab/pelaris-edge/pkg/metrics"
	"github.com/ziqrishahab/pelaris-edge/pkg/validator"
)

// Freshness windows stamped onto collection metadata. Transaction history is
// refreshed daily at most; the product catalog hourly.
const (
	TransactionFreshness = 24 * time.Hour
	ProductFreshness     = time.Hour
)

const (
	transactionMetaPrefix = "transactions:"
	productMetaPrefix     = "products:"
)

// Opener produces the database handle backing the store. It is invoked once,
// lazily, by Initialize.
type Opener func() (*gorm.DB, error)

// Store durably mirrors transaction and product data so the register keeps
// working across connectivity loss. A Store whose backing database could not
// be opened degrades to a permanently empty surface: every operation becomes
// a safe no-op or empty result instead of an error, and callers fall back to
// the network.
type Store struct {
	mu          sync.Mutex
	db          *gorm.DB
	open        Opener
	now         func() time.Time
	log         *zap.Logger
	initialized bool
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Store around the provided opener. A nil opener yields a
// store that is permanently empty, the expected shape on hosts without a
// writable data directory.
func New(open Opener, opts ...Option) *Store {
	s := &Store{
		open: open,
		now:  time.Now,
		log:  logger.WithComponent("offline"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize opens the backing database. It is idempotent: calling it again
// after the first attempt is a no-op regardless of outcome. Open or migration
// failures are logged once and leave the store in its degraded, always-empty
// mode; they are not propagated.
func (s *Store) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return
	}
	s.initialized = true

	if s.open == nil {
		s.log.Info("no local storage configured; offline cache disabled")
		return
	}

	db, err := s.open()
	if err != nil {
		s.log.Error("opening local store failed; continuing without offline cache", zap.Error(err))
		return
	}

	s.db = db
}

// Available reports whether the store has a usable backing database.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// DB exposes the underlying handle, primarily for health probes.
func (s *Store) DB() *gorm.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *Store) handle(ctx context.Context) *gorm.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx)
}

// CacheTransactions bulk-replaces the server-confirmed transaction set for a
// branch inside one storage transaction: read all, keep offline-pending
// records untouched, delete the remainder, insert the fresh batch, then stamp
// the collection metadata. Pending offline writes always survive a refresh.
func (s *Store) CacheTransactions(ctx context.Context, branchID string, transactions []models.Transaction) error {
	db := s.handle(ctx)
	if db == nil {
		return nil
	}
	if strings.TrimSpace(branchID) == "" {
		return errors.New("offline: branch id is required")
	}

	now := s.now()

	return db.Transaction(func(tx *gorm.DB) error {
		var existing []models.Transaction
		if err := tx.Where("branch_id = ?", branchID).Find(&existing).Error; err != nil {
			return fmt.Errorf("load existing: %w", err)
		}

		var stale []string
		for _, record := range existing {
			if record.Pending() {
				continue
			}
			stale = append(stale, record.ID)
		}

		if len(stale) > 0 {
			if err := tx.Where("transaction_id IN ?", stale).Delete(&models.TransactionItem{}).Error; err != nil {
				return fmt.Errorf("delete stale items: %w", err)
			}
			if err := tx.Where("id IN ?", stale).Delete(&models.Transaction{}).Error; err != nil {
				return fmt.Errorf("delete stale transactions: %w", err)
			}
		}

		for i := range transactions {
			transactions[i].BranchID = branchID
			transactions[i].IsOffline = false
			transactions[i].SyncStatus = models.SyncStatusSynced
		}
		if len(transactions) > 0 {
			if err := tx.Create(&transactions).Error; err != nil {
				return fmt.Errorf("insert batch: %w", err)
			}
		}

		return upsertMetadata(tx, transactionMetaPrefix+branchID, now, TransactionFreshness)
	})
}

// GetCachedTransactions returns every record for the branch ordered by
// creation time descending, most recent first. The ordering is a contract the
// dashboard depends on.
func (s *Store) GetCachedTransactions(ctx context.Context, branchID string) ([]models.Transaction, error) {
	db := s.handle(ctx)
	if db == nil {
		return nil, nil
	}

	var records []models.Transaction
	err := db.Preload("Items").
		Where("branch_id = ?", branchID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("offline: load transactions: %w", err)
	}
	return records, nil
}

// AddOfflineTransaction stages a transaction created while disconnected. The
// record is validated, tagged pending, and keyed by its caller-supplied local
// identifier (one is generated when absent).
func (s *Store) AddOfflineTransaction(ctx context.Context, transaction models.Transaction) (models.Transaction, error) {
	db := s.handle(ctx)
	if db == nil {
		return transaction, nil
	}

	if transaction.ID == "" {
		transaction.ID = models.NewLocalID()
	}
	if transaction.CreatedAt.IsZero() {
		transaction.CreatedAt = s.now()
	}
	transaction.IsOffline = true
	transaction.SyncStatus = models.SyncStatusPending

	if err := validator.ValidateStruct(transaction); err != nil {
		return transaction, fmt.Errorf("offline: invalid transaction: %w", err)
	}

	if err := db.Create(&transaction).Error; err != nil {
		return transaction, fmt.Errorf("offline: stage transaction: %w", err)
	}

	s.publishPendingGauge(ctx)
	return transaction, nil
}

// MarkTransactionSynced atomically rewrites a pending record's identity to
// the server-assigned id, flips it to synced, and removes the local-keyed
// entry. After this call the record is indistinguishable from a server-origin
// record.
func (s *Store) MarkTransactionSynced(ctx context.Context, localID, serverID string) error {
	db := s.handle(ctx)
	if db == nil {
		return nil
	}
	if localID == "" || serverID == "" {
		return errors.New("offline: both local and server ids are required")
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		var record models.Transaction
		if err := tx.Preload("Items").Take(&record, "id = ?", localID).Error; err != nil {
			return err
		}

		if err := tx.Where("transaction_id = ?", localID).Delete(&models.TransactionItem{}).Error; err != nil {
			return fmt.Errorf("delete local items: %w", err)
		}
		if err := tx.Delete(&models.Transaction{}, "id = ?", localID).Error; err != nil {
			return fmt.Errorf("delete local record: %w", err)
		}

		record.ID = serverID
		record.IsOffline = false
		record.SyncStatus = models.SyncStatusSynced
		for i := range record.Items {
			record.Items[i].TransactionID = serverID
		}

		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("insert synced record: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("offline: transaction %q: %w", localID, err)
		}
		return fmt.Errorf("offline: mark synced: %w", err)
	}

	s.publishPendingGauge(ctx)
	return nil
}

// GetPendingTransactions returns every offline-pending record, oldest first,
// the order the reconciler replays them in.
func (s *Store) GetPendingTransactions(ctx context.Context) ([]models.Transaction, error) {
	db := s.handle(ctx)
	if db == nil {
		return nil, nil
	}

	var records []models.Transaction
	err := db.Preload("Items").
		Where("is_offline = ? AND sync_status = ?", true, models.SyncStatusPending).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("offline: load pending: %w", err)
	}
	return records, nil
}

// PendingCount reports how many offline transactions await reconciliation.
func (s *Store) PendingCount(ctx context.Context) int64 {
	db := s.handle(ctx)
	if db == nil {
		return 0
	}

	var count int64
	if err := db.Model(&models.Transaction{}).
		Where("is_offline = ? AND sync_status = ?", true, models.SyncStatusPending).
		Count(&count).Error; err != nil {
		s.log.Warn("counting pending transactions failed", zap.Error(err))
		return 0
	}
	return count
}

// IsCacheValid reports whether the branch's cached transaction history is
// still inside its freshness window.
func (s *Store) IsCacheValid(ctx context.Context, branchID string) bool {
	return s.metadataValid(ctx, transactionMetaPrefix+branchID)
}

// CacheProducts bulk-replaces the cached product catalog for a branch.
// Products carry no offline flags, so the whole partition is rewritten.
func (s *Store) CacheProducts(ctx context.Context, branchID string, products []models.Product) error {
	db := s.handle(ctx)
	if db == nil {
		return nil
	}
	if strings.TrimSpace(branchID) == "" {
		return errors.New("offline: branch id is required")
	}

	now := s.now()

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("branch_id = ?", branchID).Delete(&models.Product{}).Error; err != nil {
			return fmt.Errorf("delete products: %w", err)
		}

		for i := range products {
			products[i].BranchID = branchID
		}
		if len(products) > 0 {
			if err := tx.Create(&products).Error; err != nil {
				return fmt.Errorf("insert products: %w", err)
			}
		}

		return upsertMetadata(tx, productMetaPrefix+branchID, now, ProductFreshness)
	})
}

// GetCachedProducts returns the cached catalog for a branch sorted by name.
func (s *Store) GetCachedProducts(ctx context.Context, branchID string) ([]models.Product, error) {
	db := s.handle(ctx)
	if db == nil {
		return nil, nil
	}

	var records []models.Product
	err := db.Where("branch_id = ?", branchID).Order("name ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("offline: load products: %w", err)
	}
	return records, nil
}

// IsProductCacheValid reports whether the branch's cached catalog is fresh.
func (s *Store) IsProductCacheValid(ctx context.Context, branchID string) bool {
	return s.metadataValid(ctx, productMetaPrefix+branchID)
}

// ClearAll wipes every partition. Used on logout.
func (s *Store) ClearAll(ctx context.Context) error {
	db := s.handle(ctx)
	if db == nil {
		return nil
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{
			&models.TransactionItem{},
			&models.Transaction{},
			&models.Product{},
			&models.CacheMetadata{},
		} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("offline: clear: %w", err)
	}

	metrics.PendingTransactions.Set(0)
	return nil
}

func (s *Store) metadataValid(ctx context.Context, key string) bool {
	db := s.handle(ctx)
	if db == nil {
		return false
	}

	var meta models.CacheMetadata
	if err := db.Take(&meta, "key = ?", key).Error; err != nil {
		return false
	}
	return meta.Valid(s.now())
}

func (s *Store) publishPendingGauge(ctx context.Context) {
	metrics.PendingTransactions.Set(float64(s.PendingCount(ctx)))
}

func upsertMetadata(tx *gorm.DB, key string, now time.Time, freshness time.Duration) error {
	expiry := now.Add(freshness)
	meta := models.CacheMetadata{
		Key:         key,
		LastUpdated: now,
		ExpiresAt:   &expiry,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_updated", "expires_at"}),
	}).Create(&meta).Error
	if err != nil {
		return fmt.Errorf("stamp metadata: %w", err)
	}
	return nil
}
