package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sunwire/tronsweep/internal/config"
	"github.com/sunwire/tronsweep/internal/energy"
	"github.com/sunwire/tronsweep/internal/logger"
	"github.com/sunwire/tronsweep/internal/metrics"
	"github.com/sunwire/tronsweep/internal/models"
	"github.com/sunwire/tronsweep/internal/registry"
	"gorm.io/gorm"
)

// ErrNotCancellable indicates the item has already been dispatched or
// finished and can no longer be cancelled.
var ErrNotCancellable = errors.New("sweep item is not in a cancellable state")

// BatchQueue is the dispatch side of the batch queue.
type BatchQueue interface {
	PushBatch(ctx context.Context, batchID string, score float64) error
}

// Scheduler turns eligible deposit balances into queued sweep batches.
// Each tick scans the registry, creates queue items for newly eligible
// addresses, groups batchable items and reserves energy per batch
// before dispatch.
type Scheduler struct {
	db        *gorm.DB
	cfg       config.Config
	registry  *registry.Registry
	allocator *energy.Allocator
	queue     BatchQueue
	logger    zerolog.Logger
}

// NewScheduler creates a sweep scheduler
func NewScheduler(db *gorm.DB, cfg config.Config, reg *registry.Registry, allocator *energy.Allocator, queue BatchQueue, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		db:        db,
		cfg:       cfg,
		registry:  reg,
		allocator: allocator,
		queue:     queue,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run ticks the scheduler until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Scheduler tick failed")
			}
		}
	}
}

// Tick runs one full scan-and-dispatch cycle across all tenants.
func (s *Scheduler) Tick(ctx context.Context) error {
	tenants, err := s.activeTenants(ctx)
	if err != nil {
		return err
	}

	for _, tenantID := range tenants {
		settings := s.cfg.TenantSettings(tenantID)
		if !settings.AutoSweepEnabled {
			continue
		}

		tenantLogger := logger.WithTenant(s.logger, tenantID)
		if err := s.scanTenant(ctx, tenantID, settings); err != nil {
			tenantLogger.Error().Err(err).Msg("Tenant scan failed")
		}
		if err := s.dispatchTenant(ctx, tenantID, settings); err != nil {
			tenantLogger.Error().Err(err).Msg("Tenant dispatch failed")
		}
	}
	return nil
}

// activeTenants lists tenants with at least one active deposit address.
func (s *Scheduler) activeTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).Model(&models.DepositAddress{}).
		Where("is_active = ?", true).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}
	return tenants, nil
}

// scanTenant creates a pending queue item for every address whose
// balance has crossed its effective minimum. The registry's eligibility
// query excludes addresses that already carry a live item.
func (s *Scheduler) scanTenant(ctx context.Context, tenantID string, settings config.TenantSettings) error {
	addresses, err := s.registry.EligibleForSweep(ctx, tenantID, settings.MinSweepAmount)
	if err != nil {
		return err
	}

	for i := range addresses {
		address := &addresses[i]
		item := &models.SweepQueueItem{
			AddressID:   address.ID,
			TenantID:    tenantID,
			Amount:      address.Balance,
			Priority:    ItemPriority(models.UrgencyStandard, address.Balance, settings.MinSweepAmount),
			Urgency:     models.UrgencyStandard,
			Status:      models.SweepStatusPending,
			MaxRetries:  settings.MaxRetries,
			ScheduledAt: time.Now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
			s.logger.Error().
				Err(err).
				Uint("address_id", address.ID).
				Msg("Failed to create sweep item")
			continue
		}

		s.logger.Debug().
			Uint("item_id", item.ID).
			Uint("address_id", address.ID).
			Str("amount", item.Amount.String()).
			Msg("Sweep item created")
	}
	return nil
}

// RequestSweep creates a queue item outside the periodic scan, used for
// operator-initiated sweeps with an explicit urgency. The address must
// not already carry a live item.
func (s *Scheduler) RequestSweep(ctx context.Context, addressID uint, urgency string) (*models.SweepQueueItem, error) {
	switch urgency {
	case models.UrgencyImmediate, models.UrgencyStandard, models.UrgencyScheduled:
	default:
		return nil, fmt.Errorf("unknown urgency %q", urgency)
	}

	var address models.DepositAddress
	if err := s.db.WithContext(ctx).First(&address, addressID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, registry.ErrAddressNotFound
		}
		return nil, fmt.Errorf("failed to load address %d: %w", addressID, err)
	}
	if !address.Balance.IsPositive() {
		return nil, fmt.Errorf("address %d has no sweepable balance", addressID)
	}

	var live int64
	err := s.db.WithContext(ctx).Model(&models.SweepQueueItem{}).
		Where("address_id = ? AND status IN ?", addressID,
			[]string{models.SweepStatusPending, models.SweepStatusQueued, models.SweepStatusProcessing}).
		Count(&live).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check live items for address %d: %w", addressID, err)
	}
	if live > 0 {
		return nil, fmt.Errorf("address %d already has a sweep in flight", addressID)
	}

	settings := s.cfg.TenantSettings(address.TenantID)
	item := &models.SweepQueueItem{
		AddressID:   addressID,
		TenantID:    address.TenantID,
		Amount:      address.Balance,
		Priority:    ItemPriority(urgency, address.Balance, settings.MinSweepAmount),
		Urgency:     urgency,
		Status:      models.SweepStatusPending,
		MaxRetries:  settings.MaxRetries,
		ScheduledAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("failed to create sweep item: %w", err)
	}
	return item, nil
}

// dispatchTenant groups the tenant's batchable items into withdrawal
// batches, reserves energy for each and pushes them to the worker
// queue. Immediate items are dispatched one per batch.
func (s *Scheduler) dispatchTenant(ctx context.Context, tenantID string, settings config.TenantSettings) error {
	items, err := s.batchableItems(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	byUrgency := make(map[string][]models.SweepQueueItem)
	for _, item := range items {
		byUrgency[item.Urgency] = append(byUrgency[item.Urgency], item)
	}

	for urgency, group := range byUrgency {
		size := settings.MaxBatchSize
		if urgency == models.UrgencyImmediate {
			size = 1
		}

		for start := 0; start < len(group); start += size {
			end := start + size
			if end > len(group) {
				end = len(group)
			}
			if err := s.dispatchBatch(ctx, tenantID, urgency, group[start:end], settings); err != nil {
				s.logger.Error().
					Err(err).
					Str("tenant_id", tenantID).
					Str("urgency", urgency).
					Msg("Batch dispatch failed")
			}
		}
	}
	return nil
}

// batchableItems returns fresh pending items plus queued retries whose
// backoff has elapsed, highest priority first.
func (s *Scheduler) batchableItems(ctx context.Context, tenantID string) ([]models.SweepQueueItem, error) {
	now := time.Now().UTC()
	var items []models.SweepQueueItem
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("status = ? OR (status = ? AND batch_id = '' AND (next_retry_at IS NULL OR next_retry_at <= ?))",
			models.SweepStatusPending, models.SweepStatusQueued, now).
		Order("priority DESC, created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load batchable items for tenant %s: %w", tenantID, err)
	}
	return items, nil
}

// dispatchBatch reserves energy for one batch and hands it to the
// workers. A reservation shortfall defers the batch rather than
// failing it; the items stay untouched for the next tick unless the
// tenant allows the TRX burn fallback.
func (s *Scheduler) dispatchBatch(ctx context.Context, tenantID, urgency string, items []models.SweepQueueItem, settings config.TenantSettings) error {
	energyRequired := int64(len(items)) * s.cfg.EnergyPerTransfer

	allocationID := ""
	estimatedFee := int64(0)
	allocation, err := s.allocator.Reserve(ctx, tenantID, energyRequired, allocationUrgency(urgency))
	switch {
	case err == nil:
		allocationID = allocation.AllocationID
		estimatedFee = allocation.CostSun.Div(decimal.NewFromInt(int64(len(items)))).IntPart()
	case errors.Is(err, energy.ErrInsufficientEnergy) || errors.Is(err, energy.ErrQuotaExceeded):
		if !settings.FeeBurnFallback {
			metrics.RecordSweepAttempt("deferred")
			s.logger.Warn().
				Str("tenant_id", tenantID).
				Int64("energy_required", energyRequired).
				Int("items", len(items)).
				Msg("Batch deferred, no energy available")
			return nil
		}
		// Burn TRX for fees instead of waiting for energy
		estimatedFee = energyRequired / int64(len(items)) * s.cfg.MaxGasPriceSun
		s.logger.Warn().
			Str("tenant_id", tenantID).
			Int("items", len(items)).
			Msg("No energy available, falling back to TRX burn")
	default:
		return fmt.Errorf("energy reservation failed: %w", err)
	}

	totalAmount := decimal.Zero
	for _, item := range items {
		totalAmount = totalAmount.Add(item.Amount)
	}

	batch := &models.WithdrawalBatch{
		BatchID:        uuid.New().String(),
		TenantID:       tenantID,
		Destination:    s.cfg.CollectionAddress,
		Urgency:        urgency,
		ItemCount:      len(items),
		TotalAmount:    totalAmount,
		EnergyRequired: energyRequired,
		SaaSFee:        totalAmount.Mul(s.cfg.SaaSFeeRate),
		AllocationID:   allocationID,
		Status:         models.BatchStatusCreated,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}

		ids := make([]uint, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}

		res := tx.Model(&models.SweepQueueItem{}).
			Where("id IN ? AND status IN ?", ids,
				[]string{models.SweepStatusPending, models.SweepStatusQueued}).
			Updates(map[string]interface{}{
				"status":            models.SweepStatusQueued,
				"batch_id":          batch.BatchID,
				"estimated_fee_sun": estimatedFee,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			return fmt.Errorf("expected %d items to queue, got %d", len(ids), res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		// The batch never reached the workers; hand the energy back
		if allocationID != "" {
			if releaseErr := s.allocator.Release(ctx, allocationID); releaseErr != nil {
				s.logger.Error().Err(releaseErr).Str("allocation_id", allocationID).Msg("Failed to release allocation for unqueued batch")
			}
		}
		return fmt.Errorf("failed to persist batch: %w", err)
	}

	score := QueueScore(items[0].Priority, time.Now())
	if err := s.queue.PushBatch(ctx, batch.BatchID, score); err != nil {
		// The workers will never see this batch; unwind it so the next
		// tick can re-dispatch the items
		s.revertBatch(ctx, batch.BatchID, allocationID)
		return fmt.Errorf("failed to enqueue batch %s: %w", batch.BatchID, err)
	}

	s.logger.Info().
		Str("batch_id", batch.BatchID).
		Str("tenant_id", tenantID).
		Str("urgency", urgency).
		Int("items", len(items)).
		Str("total_amount", totalAmount.String()).
		Int64("energy_required", energyRequired).
		Msg("Batch dispatched")
	return nil
}

// revertBatch unwinds a batch that never reached the queue: its items
// return to the batchable pool, the batch fails and the energy
// reservation goes back to its source.
func (s *Scheduler) revertBatch(ctx context.Context, batchID, allocationID string) {
	err := s.db.WithContext(ctx).Model(&models.SweepQueueItem{}).
		Where("batch_id = ? AND status = ?", batchID, models.SweepStatusQueued).
		Updates(map[string]interface{}{
			"batch_id":          "",
			"estimated_fee_sun": 0,
		}).Error
	if err != nil {
		s.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to unbind items from unqueued batch")
	}

	err = s.db.WithContext(ctx).Model(&models.WithdrawalBatch{}).
		Where("batch_id = ? AND status = ?", batchID, models.BatchStatusCreated).
		Update("status", models.BatchStatusFailed).Error
	if err != nil {
		s.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to mark unqueued batch failed")
	}

	if allocationID != "" {
		if err := s.allocator.Release(ctx, allocationID); err != nil {
			s.logger.Error().Err(err).Str("allocation_id", allocationID).Msg("Failed to release allocation for unqueued batch")
		}
	}
}

// Cancel cancels a sweep item that has not been dispatched yet.
// Items already processing are past the point of no return.
func (s *Scheduler) Cancel(ctx context.Context, itemID uint) error {
	res := s.db.WithContext(ctx).Model(&models.SweepQueueItem{}).
		Where("id = ? AND status IN ?", itemID,
			[]string{models.SweepStatusPending, models.SweepStatusQueued}).
		Update("status", models.SweepStatusCancelled)
	if res.Error != nil {
		return fmt.Errorf("failed to cancel item %d: %w", itemID, res.Error)
	}
	if res.RowsAffected == 0 {
		var exists int64
		if err := s.db.WithContext(ctx).Model(&models.SweepQueueItem{}).Where("id = ?", itemID).Count(&exists).Error; err == nil && exists == 0 {
			return fmt.Errorf("sweep item %d not found", itemID)
		}
		return ErrNotCancellable
	}

	s.logger.Info().Uint("item_id", itemID).Msg("Sweep item cancelled")
	return nil
}
