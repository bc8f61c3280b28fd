package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sunwire/tronsweep/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrAddressNotFound indicates the deposit address does not exist
	ErrAddressNotFound = errors.New("deposit address not found")

	// ErrInsufficientBalance indicates a sweep was recorded for more
	// than the tracked balance
	ErrInsufficientBalance = errors.New("sweep amount exceeds tracked balance")
)

// Registry tracks deposit addresses, their running totals and sweep
// eligibility. It is the sole input feed for the sweep scheduler.
type Registry struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New creates a deposit address registry
func New(db *gorm.DB, logger zerolog.Logger) *Registry {
	return &Registry{
		db:     db,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// MarkDeposit credits a detected deposit against the address balance
// and running received total.
func (r *Registry) MarkDeposit(ctx context.Context, addressID uint, amount decimal.Decimal) error {
	if amount.IsNegative() || amount.IsZero() {
		return fmt.Errorf("deposit amount must be positive, got %s", amount)
	}

	res := r.db.WithContext(ctx).Model(&models.DepositAddress{}).
		Where("id = ?", addressID).
		Updates(map[string]interface{}{
			"balance":        gorm.Expr("balance + ?", amount),
			"total_received": gorm.Expr("total_received + ?", amount),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark deposit on address %d: %w", addressID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAddressNotFound
	}

	r.logger.Debug().
		Uint("address_id", addressID).
		Str("amount", amount.String()).
		Msg("Deposit marked")
	return nil
}

// EligibleForSweep returns the tenant's addresses whose balance has
// crossed the effective minimum sweep amount. Addresses with a live
// queue item (pending, queued or processing) are excluded, which is
// what enforces the one-in-flight-sweep-per-address rule at scan time.
func (r *Registry) EligibleForSweep(ctx context.Context, tenantID string, tenantMin decimal.Decimal) ([]models.DepositAddress, error) {
	var addresses []models.DepositAddress
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("is_active = ? AND is_monitored = ?", true, true).
		Where("balance >= COALESCE(min_sweep_override, ?)", tenantMin).
		Where("NOT EXISTS (SELECT 1 FROM sweep_queue_items WHERE sweep_queue_items.address_id = deposit_addresses.id AND sweep_queue_items.status IN ?)",
			[]string{models.SweepStatusPending, models.SweepStatusQueued, models.SweepStatusProcessing}).
		Order("balance DESC").
		Find(&addresses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan eligible addresses for tenant %s: %w", tenantID, err)
	}
	return addresses, nil
}

// RecordSweep debits a successfully swept amount. The balance guard is
// conditional so a stale caller cannot drive the balance negative.
func (r *Registry) RecordSweep(ctx context.Context, addressID uint, amount decimal.Decimal) error {
	res := r.db.WithContext(ctx).Model(&models.DepositAddress{}).
		Where("id = ? AND balance >= ?", addressID, amount).
		Updates(map[string]interface{}{
			"balance":     gorm.Expr("balance - ?", amount),
			"total_swept": gorm.Expr("total_swept + ?", amount),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record sweep on address %d: %w", addressID, res.Error)
	}
	if res.RowsAffected == 0 {
		var exists int64
		if err := r.db.WithContext(ctx).Model(&models.DepositAddress{}).Where("id = ?", addressID).Count(&exists).Error; err == nil && exists == 0 {
			return ErrAddressNotFound
		}
		return ErrInsufficientBalance
	}

	r.logger.Info().
		Uint("address_id", addressID).
		Str("amount", amount.String()).
		Msg("Sweep recorded")
	return nil
}

// SetMinSweepOverride sets or clears the per-address minimum.
func (r *Registry) SetMinSweepOverride(ctx context.Context, addressID uint, min *decimal.Decimal) error {
	res := r.db.WithContext(ctx).Model(&models.DepositAddress{}).
		Where("id = ?", addressID).
		Update("min_sweep_override", min)
	if res.Error != nil {
		return fmt.Errorf("failed to set sweep override on address %d: %w", addressID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAddressNotFound
	}
	return nil
}

// Deactivate soft-retires an address. Rows are never deleted.
func (r *Registry) Deactivate(ctx context.Context, addressID uint) error {
	res := r.db.WithContext(ctx).Model(&models.DepositAddress{}).
		Where("id = ?", addressID).
		Updates(map[string]interface{}{
			"is_active":    false,
			"is_monitored": false,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate address %d: %w", addressID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAddressNotFound
	}

	r.logger.Info().Uint("address_id", addressID).Msg("Address deactivated")
	return nil
}
