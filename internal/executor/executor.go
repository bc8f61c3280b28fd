package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sunwire/tronsweep/internal/config"
	"github.com/sunwire/tronsweep/internal/energy"
	"github.com/sunwire/tronsweep/internal/events"
	"github.com/sunwire/tronsweep/internal/keyvault"
	"github.com/sunwire/tronsweep/internal/logger"
	"github.com/sunwire/tronsweep/internal/metrics"
	"github.com/sunwire/tronsweep/internal/models"
	"github.com/sunwire/tronsweep/internal/tron"
	"gorm.io/gorm"
)

// holdDelay is how long a fee-held item waits before the scheduler
// reconsiders it.
const holdDelay = 15 * time.Minute

// tokenDecimals is the on-chain precision of the swept TRC20 token.
const tokenDecimals = 6

// ErrBatchNotFound indicates the claimed batch does not exist.
var ErrBatchNotFound = errors.New("withdrawal batch not found")

// Executor runs claimed withdrawal batches: for every queued item it
// signs and broadcasts the consolidation transfer, logs the attempt
// and routes failures through the retry state machine. Confirmation is
// the watcher's job; broadcast items stay in processing.
type Executor struct {
	db        *gorm.DB
	cfg       config.Config
	vault     *keyvault.Vault
	client    *tron.Client
	allocator *energy.Allocator
	emitter   events.Emitter
	logger    zerolog.Logger
}

// New creates a consolidation executor
func New(db *gorm.DB, cfg config.Config, vault *keyvault.Vault, client *tron.Client, allocator *energy.Allocator, emitter events.Emitter, logger zerolog.Logger) *Executor {
	return &Executor{
		db:        db,
		cfg:       cfg,
		vault:     vault,
		client:    client,
		allocator: allocator,
		emitter:   emitter,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs one batch end to end and rolls its outcome up to the
// batch status. Safe to call again for a requeued batch; items already
// past queued are skipped by the guarded transitions.
func (e *Executor) Execute(ctx context.Context, batchID string) error {
	start := time.Now()

	var batch models.WithdrawalBatch
	err := e.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("batch %s: %w", batchID, ErrBatchNotFound)
		}
		return fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}

	res := e.db.WithContext(ctx).Model(&models.WithdrawalBatch{}).
		Where("batch_id = ? AND status IN ?", batchID,
			[]string{models.BatchStatusCreated, models.BatchStatusProcessing}).
		Update("status", models.BatchStatusProcessing)
	if res.Error != nil {
		return fmt.Errorf("failed to claim batch %s: %w", batchID, res.Error)
	}
	if res.RowsAffected == 0 {
		e.logger.Debug().Str("batch_id", batchID).Msg("Batch already settled, skipping")
		return nil
	}

	var items []models.SweepQueueItem
	err = e.db.WithContext(ctx).
		Where("batch_id = ? AND status = ?", batchID, models.SweepStatusQueued).
		Order("priority DESC, created_at ASC").
		Find(&items).Error
	if err != nil {
		return fmt.Errorf("failed to load items for batch %s: %w", batchID, err)
	}

	batchLogger := logger.WithBatch(e.logger, batchID)
	batchLogger.Info().Int("items", len(items)).Msg("Executing batch")

	broadcast := 0
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		if e.executeItem(ctx, &batch, &items[i], batchLogger) {
			broadcast++
		}
	}

	e.settleBatch(ctx, &batch, len(items), broadcast)
	e.releaseRemainder(ctx, &batch)

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	batchLogger.Info().
		Int("broadcast", broadcast).
		Int("items", len(items)).
		Dur("duration", time.Since(start)).
		Msg("Batch execution finished")
	return nil
}

// executeItem drives one queue item through an attempt. Returns true
// when the transfer was broadcast.
func (e *Executor) executeItem(ctx context.Context, batch *models.WithdrawalBatch, item *models.SweepQueueItem, batchLogger zerolog.Logger) bool {
	// Claim the item; a cancellation racing the worker loses here
	res := e.db.WithContext(ctx).Model(&models.SweepQueueItem{}).
		Where("id = ? AND status = ? AND batch_id = ?", item.ID, models.SweepStatusQueued, batch.BatchID).
		Update("status", models.SweepStatusProcessing)
	if res.Error != nil || res.RowsAffected == 0 {
		batchLogger.Debug().Uint("item_id", item.ID).Msg("Item no longer queued, skipping")
		return false
	}
	item.Status = models.SweepStatusProcessing

	var address models.DepositAddress
	if err := e.db.WithContext(ctx).First(&address, item.AddressID).Error; err != nil {
		e.failItem(ctx, batch, item, fmt.Errorf("failed to load address %d: %w", item.AddressID, err), "", 0)
		return false
	}

	e.emitter.Emit(ctx, events.Event{
		Type:     events.TypeSweepAttempted,
		TenantID: item.TenantID,
		Fields: map[string]string{
			"item_id":  strconv.FormatUint(uint64(item.ID), 10),
			"batch_id": batch.BatchID,
			"address":  address.Address,
			"amount":   item.Amount.String(),
			"attempt":  strconv.Itoa(item.RetryCount + 1),
		},
	})

	feeLimit, held := e.feeLimit(item.EstimatedFeeSun)
	if held {
		e.holdItem(ctx, batch, item, address.Address)
		return false
	}

	txid, energyUsed, err := e.broadcastTransfer(ctx, batch, item, &address, feeLimit)
	if err != nil {
		e.failItem(ctx, batch, item, err, txid, feeLimit)
		return false
	}

	e.logAttempt(ctx, batch, item, models.SweepStatusProcessing, txid, energyUsed, feeLimit, nil)

	if batch.AllocationID != "" && energyUsed > 0 {
		if err := e.allocator.Consume(ctx, batch.AllocationID, energyUsed); err != nil {
			batchLogger.Warn().
				Err(err).
				Str("allocation_id", batch.AllocationID).
				Msg("Failed to record energy consumption")
		}
	}

	metrics.RecordSweepAttempt("broadcast")
	addrLogger := logger.WithAddress(batchLogger, address.Address)
	addrLogger.Info().
		Uint("item_id", item.ID).
		Str("txid", txid).
		Int64("energy_used", energyUsed).
		Msg("Sweep broadcast")
	return true
}

// feeLimit applies the gas price policy: the estimated fee is scaled by
// the multiplier and capped at the configured ceiling. A scaled fee
// above the ceiling holds the item instead of broadcasting at a price
// the operator never agreed to.
func (e *Executor) feeLimit(estimatedFeeSun int64) (int64, bool) {
	ceiling := e.cfg.MaxGasPriceSun * e.cfg.EnergyPerTransfer
	if estimatedFeeSun <= 0 {
		// Energy-covered transfer; the limit is only a safety cap
		return ceiling, false
	}

	scaled := int64(float64(estimatedFeeSun) * e.cfg.GasPriceMultiplier)
	if scaled > ceiling {
		return 0, true
	}
	return scaled, false
}

// broadcastTransfer signs and submits the consolidation transfer for
// one item. The private key only exists between the vault fetch and
// the deferred wipe.
func (e *Executor) broadcastTransfer(ctx context.Context, batch *models.WithdrawalBatch, item *models.SweepQueueItem, address *models.DepositAddress, feeLimit int64) (string, int64, error) {
	key, err := e.vault.GetSigningKey(ctx, item.AddressID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get signing key: %w", err)
	}
	defer key.Wipe()

	sunAmount := item.Amount.Shift(tokenDecimals).BigInt()
	tx, energyEstimate, err := e.client.BuildTRC20Transfer(ctx, address.Address, batch.Destination, e.cfg.TokenContract, sunAmount, feeLimit)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build transfer: %w", err)
	}

	priv, err := key.ECDSA()
	if err != nil {
		return "", 0, fmt.Errorf("failed to decode signing key: %w", err)
	}
	if err := tron.Sign(tx, priv); err != nil {
		return "", 0, fmt.Errorf("failed to sign transfer: %w", err)
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, e.cfg.BroadcastTimeout)
	defer cancel()

	txid, err := e.client.Broadcast(broadcastCtx, tx)
	if err != nil {
		return tx.TxID, 0, err
	}

	energyUsed := energyEstimate
	if energyUsed == 0 {
		energyUsed = e.cfg.EnergyPerTransfer
	}
	return txid, energyUsed, nil
}

// holdItem parks a fee-held item back in queued with a delay so the
// scheduler reconsiders it once prices calm down.
func (e *Executor) holdItem(ctx context.Context, batch *models.WithdrawalBatch, item *models.SweepQueueItem, address string) {
	next := time.Now().UTC().Add(holdDelay)
	err := e.db.WithContext(ctx).Model(&models.SweepQueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.SweepStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.SweepStatusQueued,
			"batch_id":      "",
			"next_retry_at": next,
			"last_error":    "fee above configured ceiling",
		}).Error
	if err != nil {
		e.logger.Error().Err(err).Uint("item_id", item.ID).Msg("Failed to hold item")
		return
	}

	e.logAttempt(ctx, batch, item, "held", "", 0, 0, errors.New("fee above configured ceiling"))
	e.emitter.Emit(ctx, events.Event{
		Type:     events.TypeSweepHeld,
		TenantID: item.TenantID,
		Fields: map[string]string{
			"item_id": strconv.FormatUint(uint64(item.ID), 10),
			"address": address,
			"reason":  "fee_ceiling",
		},
	})

	metrics.RecordSweepAttempt("held")
	e.logger.Warn().
		Uint("item_id", item.ID).
		Int64("estimated_fee_sun", item.EstimatedFeeSun).
		Time("next_retry_at", next).
		Msg("Sweep held, fee above ceiling")
}

// failItem routes an attempt failure: transient errors requeue with
// backoff until retries run out, permanent errors fail immediately.
func (e *Executor) failItem(ctx context.Context, batch *models.WithdrawalBatch, item *models.SweepQueueItem, cause error, txid string, feeLimit int64) {
	attempt := item.RetryCount + 1
	e.logAttempt(ctx, batch, item, models.SweepStatusFailed, txid, 0, feeLimit, cause)

	permanent := Permanent(cause)
	exhausted := attempt >= item.MaxRetries

	if permanent || exhausted {
		err := e.db.WithContext(ctx).Model(&models.SweepQueueItem{}).
			Where("id = ? AND status = ?", item.ID, models.SweepStatusProcessing).
			Updates(map[string]interface{}{
				"status":      models.SweepStatusFailed,
				"retry_count": attempt,
				"last_error":  truncateError(cause),
			}).Error
		if err != nil {
			e.logger.Error().Err(err).Uint("item_id", item.ID).Msg("Failed to mark item failed")
		}

		e.emitter.Emit(ctx, events.Event{
			Type:     events.TypeSweepFailed,
			TenantID: item.TenantID,
			Fields: map[string]string{
				"item_id":   strconv.FormatUint(uint64(item.ID), 10),
				"batch_id":  batch.BatchID,
				"error":     truncateError(cause),
				"permanent": strconv.FormatBool(permanent),
			},
		})

		metrics.RecordSweepAttempt("failed")
		e.logger.Error().
			Err(cause).
			Uint("item_id", item.ID).
			Int("attempt", attempt).
			Bool("permanent", permanent).
			Msg("Sweep failed")
		return
	}

	next := time.Now().UTC().Add(RetryDelay(item.RetryCount))
	err := e.db.WithContext(ctx).Model(&models.SweepQueueItem{}).
		Where("id = ? AND status = ?", item.ID, models.SweepStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.SweepStatusQueued,
			"batch_id":      "",
			"retry_count":   attempt,
			"next_retry_at": next,
			"last_error":    truncateError(cause),
		}).Error
	if err != nil {
		e.logger.Error().Err(err).Uint("item_id", item.ID).Msg("Failed to requeue item")
		return
	}

	metrics.RecordSweepAttempt("retried")
	e.logger.Warn().
		Err(cause).
		Uint("item_id", item.ID).
		Int("attempt", attempt).
		Time("next_retry_at", next).
		Msg("Sweep attempt failed, will retry")
}

// logAttempt appends one row to the immutable attempt log.
func (e *Executor) logAttempt(ctx context.Context, batch *models.WithdrawalBatch, item *models.SweepQueueItem, status, txid string, energyUsed, feeSun int64, cause error) {
	entry := &models.SweepLog{
		QueueItemID: item.ID,
		AddressID:   item.AddressID,
		BatchID:     batch.BatchID,
		Attempt:     item.RetryCount + 1,
		TxHash:      txid,
		EnergyUsed:  energyUsed,
		FeeSun:      feeSun,
		Status:      status,
	}
	if cause != nil {
		entry.ErrorMessage = truncateError(cause)
		var broadcastErr *tron.BroadcastError
		if errors.As(cause, &broadcastErr) {
			entry.ErrorCode = broadcastErr.NodeCode
		}
	}

	if err := e.db.WithContext(ctx).Create(entry).Error; err != nil {
		e.logger.Error().Err(err).Uint("item_id", item.ID).Msg("Failed to write sweep log")
	}
}

// settleBatch rolls item outcomes up to the batch status.
func (e *Executor) settleBatch(ctx context.Context, batch *models.WithdrawalBatch, total, broadcast int) {
	status := models.BatchStatusCompleted
	switch {
	case total == 0:
		// Everything was cancelled or requeued before execution
		status = models.BatchStatusFailed
	case broadcast == 0:
		status = models.BatchStatusFailed
	case broadcast < total:
		status = models.BatchStatusPartial
	}

	err := e.db.WithContext(ctx).Model(&models.WithdrawalBatch{}).
		Where("batch_id = ? AND status = ?", batch.BatchID, models.BatchStatusProcessing).
		Update("status", status).Error
	if err != nil {
		e.logger.Error().Err(err).Str("batch_id", batch.BatchID).Msg("Failed to settle batch")
		return
	}
	batch.Status = status
}

// releaseRemainder hands unconsumed reserved energy back to the source
// once the batch is settled.
func (e *Executor) releaseRemainder(ctx context.Context, batch *models.WithdrawalBatch) {
	if batch.AllocationID == "" {
		return
	}
	if err := e.allocator.Release(ctx, batch.AllocationID); err != nil {
		// Already exhausted or expired allocations have nothing to return
		e.logger.Debug().
			Err(err).
			Str("allocation_id", batch.AllocationID).
			Msg("Allocation not released")
	}
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
