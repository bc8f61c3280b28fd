package watcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sunwire/tronsweep/internal/config"
	"github.com/sunwire/tronsweep/internal/events"
	"github.com/sunwire/tronsweep/internal/metrics"
	"github.com/sunwire/tronsweep/internal/models"
	"github.com/sunwire/tronsweep/internal/registry"
	"github.com/sunwire/tronsweep/internal/tron"
	"gorm.io/gorm"
)

// broadcastTimeout is how long a broadcast transaction may stay
// unpacked before the watcher treats it as dropped from the mempool.
const broadcastTimeout = 30 * time.Minute

// Watcher tracks broadcast sweeps until the chain settles them. Items
// stay in processing until the transfer has the configured number of
// confirmations; only then does the address balance get debited.
type Watcher struct {
	db       *gorm.DB
	cfg      config.Config
	client   *tron.Client
	registry *registry.Registry
	emitter  events.Emitter
	logger   zerolog.Logger
}

// New creates a confirmation watcher
func New(db *gorm.DB, cfg config.Config, client *tron.Client, reg *registry.Registry, emitter events.Emitter, logger zerolog.Logger) *Watcher {
	return &Watcher{
		db:       db,
		cfg:      cfg,
		client:   client,
		registry: reg,
		emitter:  emitter,
		logger:   logger.With().Str("component", "watcher").Logger(),
	}
}

// Run polls pending confirmations until the context ends.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.CheckPending(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Confirmation check failed")
			}
		}
	}
}

// CheckPending runs one confirmation pass over all processing items.
func (w *Watcher) CheckPending(ctx context.Context) error {
	var items []models.SweepQueueItem
	err := w.db.WithContext(ctx).
		Where("status = ?", models.SweepStatusProcessing).
		Find(&items).Error
	if err != nil {
		return fmt.Errorf("failed to load processing items: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	currentBlock, err := w.client.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current block: %w", err)
	}

	for i := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.checkItem(ctx, &items[i], currentBlock); err != nil {
			w.logger.Error().
				Err(err).
				Uint("item_id", items[i].ID).
				Msg("Failed to check item confirmation")
		}
	}
	return nil
}

// checkItem resolves the fate of one broadcast item.
func (w *Watcher) checkItem(ctx context.Context, item *models.SweepQueueItem, currentBlock int64) error {
	var log models.SweepLog
	err := w.db.WithContext(ctx).
		Where("queue_item_id = ? AND tx_hash <> ''", item.ID).
		Order("id DESC").
		First(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Processing without a broadcast record means the executor
			// died mid-attempt; the stuck batch recovery will requeue it
			return nil
		}
		return fmt.Errorf("failed to load broadcast log: %w", err)
	}

	info, err := w.client.GetTransactionInfo(ctx, log.TxHash)
	if errors.Is(err, tron.ErrTxNotFound) {
		if time.Since(log.CreatedAt) > broadcastTimeout {
			w.requeueDropped(ctx, item, &log)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get transaction info for %s: %w", log.TxHash, err)
	}

	if info.Failed() {
		w.failReverted(ctx, item, &log, info)
		return nil
	}

	confirmations := int(currentBlock - info.BlockNumber + 1)
	if confirmations < w.cfg.ConfirmationBlocks {
		w.db.WithContext(ctx).Model(&log).Update("confirmations", confirmations)
		return nil
	}

	return w.confirm(ctx, item, &log, info, confirmations)
}

// confirm settles a fully confirmed sweep: the item goes terminal and
// the registry debits the swept balance. The guarded transition makes
// a replayed confirmation a no-op.
func (w *Watcher) confirm(ctx context.Context, item *models.SweepQueueItem, log *models.SweepLog, info *tron.TransactionInfo, confirmations int) error {
	res := w.db.WithContext(ctx).Model(&models.SweepQueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.SweepStatusProcessing).
		Update("status", models.SweepStatusConfirmed)
	if res.Error != nil {
		return fmt.Errorf("failed to confirm item %d: %w", item.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	err := w.db.WithContext(ctx).Model(log).Updates(map[string]interface{}{
		"status":        models.SweepStatusConfirmed,
		"confirmations": confirmations,
		"energy_used":   info.Receipt.EnergyUsageTotal,
		"fee_sun":       info.Fee,
	}).Error
	if err != nil {
		w.logger.Error().Err(err).Uint("item_id", item.ID).Msg("Failed to update confirmed log")
	}

	if err := w.registry.RecordSweep(ctx, item.AddressID, item.Amount); err != nil {
		// The item is confirmed on-chain regardless; surface the
		// bookkeeping fault loudly
		w.logger.Error().
			Err(err).
			Uint("item_id", item.ID).
			Uint("address_id", item.AddressID).
			Msg("Confirmed sweep could not be debited")
	}

	w.emitter.Emit(ctx, events.Event{
		Type:     events.TypeSweepSucceeded,
		TenantID: item.TenantID,
		Fields: map[string]string{
			"item_id":       strconv.FormatUint(uint64(item.ID), 10),
			"tx_hash":       log.TxHash,
			"amount":        item.Amount.String(),
			"confirmations": strconv.Itoa(confirmations),
			"fee_sun":       strconv.FormatInt(info.Fee, 10),
		},
	})

	metrics.RecordSweepAttempt("confirmed")
	w.logger.Info().
		Uint("item_id", item.ID).
		Str("tx_hash", log.TxHash).
		Int("confirmations", confirmations).
		Int64("fee_sun", info.Fee).
		Msg("Sweep confirmed")
	return nil
}

// failReverted fails an item whose transfer the chain rejected.
// Reverts burn the fee without moving funds, so retrying the same
// transfer is pointless until an operator intervenes.
func (w *Watcher) failReverted(ctx context.Context, item *models.SweepQueueItem, log *models.SweepLog, info *tron.TransactionInfo) {
	res := w.db.WithContext(ctx).Model(&models.SweepQueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.SweepStatusProcessing).
		Updates(map[string]interface{}{
			"status":     models.SweepStatusFailed,
			"last_error": "transaction reverted on chain",
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	err := w.db.WithContext(ctx).Model(log).Updates(map[string]interface{}{
		"status":        models.SweepStatusFailed,
		"error_code":    info.Receipt.Result,
		"error_message": "transaction reverted on chain",
		"fee_sun":       info.Fee,
	}).Error
	if err != nil {
		w.logger.Error().Err(err).Uint("item_id", item.ID).Msg("Failed to update reverted log")
	}

	w.emitter.Emit(ctx, events.Event{
		Type:     events.TypeSweepFailed,
		TenantID: item.TenantID,
		Fields: map[string]string{
			"item_id": strconv.FormatUint(uint64(item.ID), 10),
			"tx_hash": log.TxHash,
			"error":   "reverted",
		},
	})

	metrics.RecordSweepAttempt("failed")
	w.logger.Error().
		Uint("item_id", item.ID).
		Str("tx_hash", log.TxHash).
		Str("receipt_result", info.Receipt.Result).
		Msg("Sweep reverted on chain")
}

// requeueDropped routes an item whose transaction never got packed
// back through the retry state machine.
func (w *Watcher) requeueDropped(ctx context.Context, item *models.SweepQueueItem, log *models.SweepLog) {
	attempt := item.RetryCount + 1
	updates := map[string]interface{}{
		"retry_count": attempt,
		"last_error":  "transaction dropped before packing",
	}
	if attempt >= item.MaxRetries {
		updates["status"] = models.SweepStatusFailed
	} else {
		updates["status"] = models.SweepStatusQueued
		updates["batch_id"] = ""
		updates["next_retry_at"] = time.Now().UTC()
	}

	res := w.db.WithContext(ctx).Model(&models.SweepQueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.SweepStatusProcessing).
		Updates(updates)
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}

	metrics.RecordSweepAttempt("dropped")
	w.logger.Warn().
		Uint("item_id", item.ID).
		Str("tx_hash", log.TxHash).
		Int("attempt", attempt).
		Msg("Broadcast transaction dropped, requeued")
}
