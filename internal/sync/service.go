package sync

import (
	"context"
	"errors"
	"strings"
	gosync "sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ziqrishahab/pelaris-edge/internal/cache"
	"github.com/ziqrishahab/pelaris-edge/internal/models"
	"github.com/ziqrishahab/pelaris-edge/internal/offline"
	"github.com/ziqrishahab/pelaris-edge/internal/realtime"
	apperrors "github.com/ziqrishahab/pelaris-edge/pkg/errors"
	"github.com/ziqrishahab/pelaris-edge/pkg/logger"
	"github.com/ziqrishahab/pelaris-edge/pkg/metrics"
)

const defaultReconcileSchedule = "@every 1m"

// Backend is the slice of the API client the sync layer depends on.
type Backend interface {
	ListTransactions(ctx context.Context, branchID string) ([]models.Transaction, error)
	ListProducts(ctx context.Context, branchID string) ([]models.Product, error)
	CreateTransaction(ctx context.Context, transaction models.Transaction) (models.Transaction, error)
}

// EventSource is the slice of the realtime channel the sync layer depends on.
type EventSource interface {
	Subscribe(eventName string, handler realtime.Handler) func()
}

// Config tunes the Service.
type Config struct {
	// BranchID scopes every read and write.
	BranchID string
	// ReconcileSchedule is the cron spec for background reconciliation.
	// Empty means every minute.
	ReconcileSchedule string
}

// Option customises the Service.
type Option func(*Service)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Service) {
		if c != nil {
			s.cron = c
		}
	}
}

// Service is the consumer-side wiring of the sync layer: it serves reads
// through the response cache backed by the offline store, stages writes
// offline when the backend is unreachable, reacts to realtime events with
// cache invalidation and refetches, and reconciles pending offline
// transactions once connectivity resumes.
type Service struct {
	branchID string
	schedule string

	api     Backend
	store   *offline.Store
	cache   *cache.Memory
	events  EventSource
	cron    *cron.Cron
	log     *zap.Logger
	unsubs  []func()
	started bool

	// reconciling serialises Reconcile: the reconnect handler and the cron
	// schedule may fire together, and two overlapping runs would submit the
	// same pending record twice.
	reconciling gosync.Mutex
}

// New constructs a Service. All dependencies are required except events,
// which may be nil when the realtime channel is disabled.
func New(cfg Config, api Backend, store *offline.Store, memory *cache.Memory, events EventSource, opts ...Option) (*Service, error) {
	if strings.TrimSpace(cfg.BranchID) == "" {
		return nil, errors.New("sync: branch id is required")
	}
	if api == nil {
		return nil, errors.New("sync: backend client is required")
	}
	if store == nil {
		return nil, errors.New("sync: offline store is required")
	}
	if memory == nil {
		return nil, errors.New("sync: response cache is required")
	}

	schedule := cfg.ReconcileSchedule
	if schedule == "" {
		schedule = defaultReconcileSchedule
	}

	s := &Service{
		branchID: cfg.BranchID,
		schedule: schedule,
		api:      api,
		store:    store,
		cache:    memory,
		events:   events,
		log:      logger.WithComponent("sync"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New()
	}
	return s, nil
}

// Start wires event subscriptions and the reconciliation schedule.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return nil
	}
	s.started = true

	if s.events != nil {
		invalidateProducts := func(realtime.Event) {
			s.cache.Invalidate("/products")
		}
		for _, name := range []string{
			realtime.EventProductCreated,
			realtime.EventProductUpdated,
			realtime.EventProductDeleted,
			realtime.EventStockUpdated,
			realtime.EventCategoryUpdated,
		} {
			s.unsubs = append(s.unsubs, s.events.Subscribe(name, invalidateProducts))
		}

		s.unsubs = append(s.unsubs, s.events.Subscribe(realtime.EventSyncTrigger, func(event realtime.Event) {
			trigger, ok := event.(realtime.SyncTrigger)
			if !ok {
				return
			}
			// Detached: a refresh must not stall event dispatch on the
			// channel's read loop.
			go s.handleSyncTrigger(ctx, trigger)
		}))

		s.unsubs = append(s.unsubs, s.events.Subscribe(realtime.EventConnected, func(realtime.Event) {
			go func() {
				if err := s.Reconcile(ctx); err != nil {
					s.log.Warn("reconcile after reconnect failed", zap.Error(err))
				}
			}()
		}))
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		if s.store.PendingCount(ctx) == 0 {
			return
		}
		if err := s.Reconcile(ctx); err != nil {
			s.log.Warn("scheduled reconcile failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	s.cron.Start()

	return nil
}

// Stop removes event subscriptions and halts the schedule.
func (s *Service) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Service) handleSyncTrigger(ctx context.Context, trigger realtime.SyncTrigger) {
	switch trigger.SyncType {
	case realtime.SyncProducts:
		s.refreshProducts(ctx)
	case realtime.SyncAll:
		s.refreshProducts(ctx)
		s.cache.Invalidate("/transactions")
	default:
		s.log.Debug("ignoring sync trigger", zap.String("sync_type", trigger.SyncType))
	}
}

func (s *Service) refreshProducts(ctx context.Context) {
	products, err := s.api.ListProducts(ctx, s.branchID)
	if err != nil {
		s.log.Warn("product refresh failed", zap.Error(err))
		return
	}
	if err := s.store.CacheProducts(ctx, s.branchID, products); err != nil {
		s.log.Warn("caching refreshed products failed", zap.Error(err))
	}
	s.cache.Invalidate("/products")
}

// Transactions returns the branch's transaction history: cached when fresh,
// refreshed in the background when stale, loaded from the offline store or
// the backend otherwise. Pending offline records are always part of the
// result.
func (s *Service) Transactions(ctx context.Context) ([]models.Transaction, error) {
	key := cache.DeriveKey("/transactions", map[string]any{"branch": s.branchID})
	return cache.ReadOrFetch(ctx, s.cache, key, s.loadTransactions, cache.FetchOptions{TTL: cache.MediumTTL})
}

func (s *Service) loadTransactions(ctx context.Context) ([]models.Transaction, error) {
	if s.store.IsCacheValid(ctx, s.branchID) {
		return s.store.GetCachedTransactions(ctx, s.branchID)
	}

	remote, err := s.api.ListTransactions(ctx, s.branchID)
	if err != nil {
		if apperrors.IsUnreachable(err) && s.store.Available() {
			s.log.Warn("backend unreachable; serving local transaction history", zap.Error(err))
			return s.store.GetCachedTransactions(ctx, s.branchID)
		}
		return nil, err
	}

	if err := s.store.CacheTransactions(ctx, s.branchID, remote); err != nil {
		s.log.Warn("persisting refreshed transactions failed", zap.Error(err))
	}
	if s.store.Available() {
		// The store merges in pending offline records.
		return s.store.GetCachedTransactions(ctx, s.branchID)
	}
	return remote, nil
}

// Products returns the branch catalog with the same cache-then-store-then-
// network policy as Transactions.
func (s *Service) Products(ctx context.Context) ([]models.Product, error) {
	key := cache.DeriveKey("/products", map[string]any{"branch": s.branchID})
	return cache.ReadOrFetch(ctx, s.cache, key, s.loadProducts, cache.FetchOptions{TTL: cache.MediumTTL})
}

func (s *Service) loadProducts(ctx context.Context) ([]models.Product, error) {
	if s.store.IsProductCacheValid(ctx, s.branchID) {
		return s.store.GetCachedProducts(ctx, s.branchID)
	}

	remote, err := s.api.ListProducts(ctx, s.branchID)
	if err != nil {
		if apperrors.IsUnreachable(err) && s.store.Available() {
			s.log.Warn("backend unreachable; serving local catalog", zap.Error(err))
			return s.store.GetCachedProducts(ctx, s.branchID)
		}
		return nil, err
	}

	if err := s.store.CacheProducts(ctx, s.branchID, remote); err != nil {
		s.log.Warn("persisting refreshed products failed", zap.Error(err))
	}
	return remote, nil
}

// Record submits a new transaction. When the backend is unreachable the
// record is staged in the offline store under a local identifier and
// reconciled later; the returned transaction reflects whichever path was
// taken.
func (s *Service) Record(ctx context.Context, transaction models.Transaction) (models.Transaction, error) {
	transaction.BranchID = s.branchID

	created, err := s.api.CreateTransaction(ctx, transaction)
	if err == nil {
		s.cache.Invalidate("/transactions")
		return created, nil
	}

	if !apperrors.IsUnreachable(err) {
		return models.Transaction{}, err
	}

	if !s.store.Available() {
		// Nowhere to stage the write; the failure belongs to the caller.
		return models.Transaction{}, err
	}

	s.log.Info("backend unreachable; staging transaction offline",
		zap.String("number", transaction.Number))

	staged, stageErr := s.store.AddOfflineTransaction(ctx, transaction)
	if stageErr != nil {
		return models.Transaction{}, stageErr
	}
	s.cache.Invalidate("/transactions")
	return staged, nil
}

// Reconcile pushes every pending offline transaction to the backend and
// rewrites each acknowledged record under its server-assigned identifier.
// Individual failures are collected; one bad record does not block the rest.
// Only one run executes at a time; a call overlapping an in-flight run is a
// no-op.
func (s *Service) Reconcile(ctx context.Context) error {
	if !s.reconciling.TryLock() {
		s.log.Debug("reconcile already running; skipping")
		return nil
	}
	defer s.reconciling.Unlock()

	pending, err := s.store.GetPendingTransactions(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	s.log.Info("reconciling offline transactions", zap.Int("pending", len(pending)))

	var errs error
	synced := 0
	for _, record := range pending {
		created, err := s.api.CreateTransaction(ctx, record)
		if err != nil {
			if apperrors.IsUnreachable(err) {
				// Still offline; stop instead of burning through the batch.
				errs = multierr.Append(errs, err)
				break
			}
			s.log.Warn("backend rejected offline transaction",
				zap.String("local_id", record.ID),
				zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}

		if err := s.store.MarkTransactionSynced(ctx, record.ID, created.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		synced++
	}

	if synced > 0 {
		s.cache.Invalidate("/transactions")
	}

	switch {
	case errs == nil:
		metrics.SyncRuns.WithLabelValues("success").Inc()
	case synced > 0:
		metrics.SyncRuns.WithLabelValues("partial").Inc()
	default:
		metrics.SyncRuns.WithLabelValues("failure").Inc()
	}

	return errs
}

// Logout clears every layer of local state: response cache, offline store,
// and (indirectly) any session-scoped subscriptions via Stop.
func (s *Service) Logout(ctx context.Context) error {
	s.cache.Clear()
	return s.store.ClearAll(ctx)
}

// PendingCount exposes the offline backlog size for the status surface.
func (s *Service) PendingCount(ctx context.Context) int64 {
	return s.store.PendingCount(ctx)
}
