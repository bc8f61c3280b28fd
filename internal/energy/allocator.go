package energy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sunwire/tronsweep/internal/events"
	"github.com/sunwire/tronsweep/internal/metrics"
	"github.com/sunwire/tronsweep/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientEnergy indicates no source could cover the request;
	// the caller falls back to deferral or the TRX-burn path
	ErrInsufficientEnergy = errors.New("no energy source can satisfy the request")

	// ErrQuotaExceeded indicates the tenant's per-period energy cap is hit
	ErrQuotaExceeded = errors.New("tenant energy quota exceeded")

	// ErrAllocationExhausted indicates a consume would exceed the
	// allocated amount
	ErrAllocationExhausted = errors.New("allocation exhausted")
)

// Request urgency levels. Critical and high requests only consider
// sources with an acceptable recorded response SLA.
const (
	UrgencyCritical = "critical"
	UrgencyHigh     = "high"
	UrgencyNormal   = "normal"
	UrgencyLow      = "low"
)

// TenantCaps returns the per-tenant hourly and daily energy caps.
// Zero means uncapped. The lookup is owned by the external config
// subsystem; the allocator only consumes it.
type TenantCaps func(tenantID string) (hourly, daily int64)

// Allocator picks a source for each energy request. Candidates are
// ordered by priority then effective price and tried in turn; the
// first source that wins its capacity race gets the reservation.
type Allocator struct {
	db      *gorm.DB
	pool    *Pool
	emitter events.Emitter
	caps    TenantCaps
	logger  zerolog.Logger

	// AllocationTTL bounds how long a reservation stays claimable
	AllocationTTL time.Duration

	// MaxUrgentSLA is the response-time ceiling applied to
	// critical/high requests
	MaxUrgentSLA time.Duration

	// LoadWindow is the look-back used for anti-congestion pricing
	LoadWindow time.Duration

	// DelegateAddress is the account external providers delegate
	// purchased energy to
	DelegateAddress string
}

// NewAllocator creates an energy allocator
func NewAllocator(db *gorm.DB, pool *Pool, emitter events.Emitter, caps TenantCaps, logger zerolog.Logger) *Allocator {
	return &Allocator{
		db:            db,
		pool:          pool,
		emitter:       emitter,
		caps:          caps,
		logger:        logger.With().Str("component", "energy_allocator").Logger(),
		AllocationTTL: time.Hour,
		MaxUrgentSLA:  5 * time.Second,
		LoadWindow:    15 * time.Minute,
	}
}

// Reserve picks a source and atomically reserves amount units of
// energy for the tenant. Self-staked capacity wins when it alone can
// cover the request; otherwise external sources are tried in priority
// then price order. Returns ErrInsufficientEnergy when every candidate
// is filtered out or loses its capacity race.
func (a *Allocator) Reserve(ctx context.Context, tenantID string, amount int64, urgency string) (*models.EnergyAllocation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reservation amount must be positive, got %d", amount)
	}

	if err := a.checkTenantQuota(ctx, tenantID, amount); err != nil {
		a.emitDenied(ctx, tenantID, amount, "tenant_quota")
		return nil, err
	}

	records, err := a.pool.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	candidates := a.filterCandidates(records, amount, urgency)
	for i := range candidates {
		record := &candidates[i]

		allocation, err := a.reserveFrom(ctx, record, tenantID, amount)
		if err != nil {
			a.logger.Debug().
				Err(err).
				Str("source", record.Name).
				Int64("amount", amount).
				Msg("Candidate source skipped")
			continue
		}

		metrics.RecordEnergyReservation(record.Name, "granted")
		a.emitter.Emit(ctx, events.Event{
			Type:     events.TypeAllocationGranted,
			TenantID: tenantID,
			Fields: map[string]string{
				"allocation_id": allocation.AllocationID,
				"source":        record.Name,
				"amount":        fmt.Sprintf("%d", amount),
				"cost_sun":      allocation.CostSun.String(),
			},
		})
		return allocation, nil
	}

	a.emitDenied(ctx, tenantID, amount, "insufficient")
	return nil, ErrInsufficientEnergy
}

// filterCandidates applies the static filters and the self-staked
// preference ordering.
func (a *Allocator) filterCandidates(records []models.EnergySourceRecord, amount int64, urgency string) []models.EnergySourceRecord {
	urgent := urgency == UrgencyCritical || urgency == UrgencyHigh

	var selfStaked, external []models.EnergySourceRecord
	for _, record := range records {
		if record.MinOrder > 0 && amount < record.MinOrder {
			continue
		}
		if record.MaxOrder > 0 && amount > record.MaxOrder {
			continue
		}
		if urgent {
			if record.ResponseSLAMillis == 0 || time.Duration(record.ResponseSLAMillis)*time.Millisecond > a.MaxUrgentSLA {
				continue
			}
		}

		if record.Type == models.SourceTypeSelfStaked {
			// Preferred only when it can satisfy the request on its own
			if record.AvailableEnergy >= amount {
				selfStaked = append(selfStaked, record)
			}
			continue
		}
		external = append(external, record)
	}

	return append(selfStaked, external...)
}

// reserveFrom attempts the reservation against one candidate. The
// capacity decrement is a conditional update, so two concurrent
// reservations can never over-commit the same source.
func (a *Allocator) reserveFrom(ctx context.Context, record *models.EnergySourceRecord, tenantID string, amount int64) (*models.EnergyAllocation, error) {
	now := time.Now().UTC()

	hourlyUsage, dailyUsage := rolledUsage(record, now)
	if record.HourlyLimit > 0 && hourlyUsage+amount > record.HourlyLimit {
		metrics.RecordEnergyReservation(record.Name, "quota_exceeded")
		return nil, fmt.Errorf("hourly limit reached on %s", record.Name)
	}
	if record.DailyLimit > 0 && dailyUsage+amount > record.DailyLimit {
		metrics.RecordEnergyReservation(record.Name, "quota_exceeded")
		return nil, fmt.Errorf("daily limit reached on %s", record.Name)
	}

	unitPrice, err := a.effectivePrice(ctx, record, now)
	if err != nil {
		return nil, err
	}

	allocation := &models.EnergyAllocation{
		AllocationID: uuid.New().String(),
		TenantID:     tenantID,
		SourceID:     record.ID,
		SourceName:   record.Name,
		Allocated:    amount,
		UnitPrice:    unitPrice,
		CostSun:      unitPrice.Mul(decimal.NewFromInt(amount)),
		Status:       models.AllocationStatusActive,
		ExpiresAt:    now.Add(a.AllocationTTL),
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.EnergySourceRecord{}).
			Where("id = ? AND available_energy >= ?", record.ID, amount).
			Updates(map[string]interface{}{
				"available_energy":    gorm.Expr("available_energy - ?", amount),
				"hourly_usage":        hourlyUsage + amount,
				"daily_usage":         dailyUsage + amount,
				"hourly_window_start": hourlyWindow(record, now),
				"daily_window_start":  dailyWindow(record, now),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			metrics.RecordEnergyReservation(record.Name, "denied")
			return fmt.Errorf("source %s lost capacity race for %d units", record.Name, amount)
		}

		return tx.Create(allocation).Error
	})
	if err != nil {
		return nil, err
	}

	// Place the order on the supply channel after the capacity is
	// secured; on failure the capacity is handed back.
	if source, ok := a.pool.Source(record.Name); ok && record.Type == models.SourceTypeProvider {
		if _, err := source.Reserve(ctx, a.DelegateAddress, amount, a.AllocationTTL); err != nil {
			if releaseErr := a.Release(ctx, allocation.AllocationID); releaseErr != nil {
				a.logger.Error().
					Err(releaseErr).
					Str("allocation_id", allocation.AllocationID).
					Msg("Failed to release allocation after provider order failure")
			}
			return nil, fmt.Errorf("provider order failed on %s: %w", record.Name, err)
		}
	}

	metrics.SetEnergyAvailable(record.Name, float64(record.AvailableEnergy-amount))
	a.logger.Info().
		Str("allocation_id", allocation.AllocationID).
		Str("tenant_id", tenantID).
		Str("source", record.Name).
		Int64("amount", amount).
		Str("cost_sun", allocation.CostSun.String()).
		Msg("Energy reserved")
	return allocation, nil
}

// effectivePrice applies the volume discount and the anti-congestion
// load multiplier to the source's base price. The multiplier rises
// with recent order density and falls when the source idles.
func (a *Allocator) effectivePrice(ctx context.Context, record *models.EnergySourceRecord, now time.Time) (decimal.Decimal, error) {
	var recentOrders int64
	err := a.db.WithContext(ctx).Model(&models.EnergyAllocation{}).
		Where("source_id = ? AND created_at > ?", record.ID, now.Add(-a.LoadWindow)).
		Count(&recentOrders).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to compute load on %s: %w", record.Name, err)
	}

	multiplier := loadMultiplier(recentOrders)
	discount := decimal.NewFromInt(1).Sub(record.VolumeDiscount)
	return record.PricePerUnit.Mul(discount).Mul(multiplier), nil
}

// loadMultiplier maps recent order density to a price factor.
// Idle sources discount to 0.9x; congestion surcharges up to 1.5x.
func loadMultiplier(recentOrders int64) decimal.Decimal {
	switch {
	case recentOrders < 5:
		return decimal.RequireFromString("0.9")
	case recentOrders < 20:
		return decimal.NewFromInt(1)
	default:
		surcharge := decimal.RequireFromString("0.025").Mul(decimal.NewFromInt(recentOrders - 19))
		multiplier := decimal.NewFromInt(1).Add(surcharge)
		cap := decimal.RequireFromString("1.5")
		if multiplier.GreaterThan(cap) {
			return cap
		}
		return multiplier
	}
}

// checkTenantQuota enforces the per-tenant hourly and daily caps.
func (a *Allocator) checkTenantQuota(ctx context.Context, tenantID string, amount int64) error {
	if a.caps == nil {
		return nil
	}
	hourlyCap, dailyCap := a.caps(tenantID)
	if hourlyCap == 0 && dailyCap == 0 {
		return nil
	}

	now := time.Now().UTC()
	type sum struct{ Total int64 }

	if hourlyCap > 0 {
		var s sum
		err := a.db.WithContext(ctx).Model(&models.EnergyAllocation{}).
			Select("COALESCE(SUM(allocated), 0) AS total").
			Where("tenant_id = ? AND created_at > ?", tenantID, now.Add(-time.Hour)).
			Scan(&s).Error
		if err != nil {
			return fmt.Errorf("failed to compute tenant hourly usage: %w", err)
		}
		if s.Total+amount > hourlyCap {
			return fmt.Errorf("tenant %s hourly cap %d reached: %w", tenantID, hourlyCap, ErrQuotaExceeded)
		}
	}

	if dailyCap > 0 {
		var s sum
		err := a.db.WithContext(ctx).Model(&models.EnergyAllocation{}).
			Select("COALESCE(SUM(allocated), 0) AS total").
			Where("tenant_id = ? AND created_at > ?", tenantID, now.Add(-24*time.Hour)).
			Scan(&s).Error
		if err != nil {
			return fmt.Errorf("failed to compute tenant daily usage: %w", err)
		}
		if s.Total+amount > dailyCap {
			return fmt.Errorf("tenant %s daily cap %d reached: %w", tenantID, dailyCap, ErrQuotaExceeded)
		}
	}

	return nil
}

// Consume records used energy against an allocation. The conditional
// update keeps used <= allocated under concurrent consumers.
func (a *Allocator) Consume(ctx context.Context, allocationID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("consume amount must be positive, got %d", amount)
	}

	res := a.db.WithContext(ctx).Model(&models.EnergyAllocation{}).
		Where("allocation_id = ? AND status = ? AND used + ? <= allocated",
			allocationID, models.AllocationStatusActive, amount).
		Update("used", gorm.Expr("used + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("failed to consume allocation %s: %w", allocationID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("allocation %s: %w", allocationID, ErrAllocationExhausted)
	}

	// Flip fully-used allocations to exhausted
	a.db.WithContext(ctx).Model(&models.EnergyAllocation{}).
		Where("allocation_id = ? AND used >= allocated AND status = ?",
			allocationID, models.AllocationStatusActive).
		Update("status", models.AllocationStatusExhausted)

	return nil
}

// Release returns an allocation's unused remainder to its source. The
// status flips before the remainder is read, so a consume landing after
// the flip fails its own status guard instead of leaking units back
// into the source.
func (a *Allocator) Release(ctx context.Context, allocationID string) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.EnergyAllocation{}).
			Where("allocation_id = ? AND status = ?", allocationID, models.AllocationStatusActive).
			Update("status", models.AllocationStatusReleased)
		if res.Error != nil {
			return fmt.Errorf("failed to release allocation %s: %w", allocationID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("allocation %s is not active: %w", allocationID, gorm.ErrRecordNotFound)
		}

		var allocation models.EnergyAllocation
		if err := tx.Where("allocation_id = ?", allocationID).First(&allocation).Error; err != nil {
			return fmt.Errorf("failed to load allocation %s: %w", allocationID, err)
		}

		if remaining := allocation.Remaining(); remaining > 0 {
			err := tx.Model(&models.EnergySourceRecord{}).
				Where("id = ?", allocation.SourceID).
				Update("available_energy", gorm.Expr("available_energy + ?", remaining)).Error
			if err != nil {
				return fmt.Errorf("failed to return capacity to source %d: %w", allocation.SourceID, err)
			}
		}
		return nil
	})
}

// ReapExpired returns the unused remainder of expired allocations to
// their sources. Runs on a timer from the manager.
func (a *Allocator) ReapExpired(ctx context.Context) (int, error) {
	var expired []models.EnergyAllocation
	err := a.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.AllocationStatusActive, time.Now().UTC()).
		Find(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list expired allocations: %w", err)
	}

	reaped := 0
	for i := range expired {
		allocationID := expired[i].AllocationID
		err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.EnergyAllocation{}).
				Where("allocation_id = ? AND status = ?", allocationID, models.AllocationStatusActive).
				Update("status", models.AllocationStatusExpired)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil // already terminal
			}

			// Same ordering as Release: used is re-read after the flip
			var allocation models.EnergyAllocation
			if err := tx.Where("allocation_id = ?", allocationID).First(&allocation).Error; err != nil {
				return err
			}
			if remaining := allocation.Remaining(); remaining > 0 {
				return tx.Model(&models.EnergySourceRecord{}).
					Where("id = ?", allocation.SourceID).
					Update("available_energy", gorm.Expr("available_energy + ?", remaining)).Error
			}
			return nil
		})
		if err != nil {
			a.logger.Error().
				Err(err).
				Str("allocation_id", allocationID).
				Msg("Failed to reap expired allocation")
			continue
		}
		reaped++
	}

	if reaped > 0 {
		a.logger.Info().Int("count", reaped).Msg("Reaped expired allocations")
	}
	return reaped, nil
}

// RunReaper expires stale allocations until the context ends.
func (a *Allocator) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ReapExpired(ctx); err != nil {
				a.logger.Error().Err(err).Msg("Allocation reap failed")
			}
		}
	}
}

func (a *Allocator) emitDenied(ctx context.Context, tenantID string, amount int64, reason string) {
	a.emitter.Emit(ctx, events.Event{
		Type:     events.TypeAllocationDenied,
		TenantID: tenantID,
		Fields: map[string]string{
			"amount": fmt.Sprintf("%d", amount),
			"reason": reason,
		},
	})
}

// rolledUsage returns the usage counters with expired windows reset.
func rolledUsage(record *models.EnergySourceRecord, now time.Time) (hourly, daily int64) {
	hourly = record.HourlyUsage
	daily = record.DailyUsage
	if now.Sub(record.HourlyWindowStart) >= time.Hour {
		hourly = 0
	}
	if now.Sub(record.DailyWindowStart) >= 24*time.Hour {
		daily = 0
	}
	return hourly, daily
}

func hourlyWindow(record *models.EnergySourceRecord, now time.Time) time.Time {
	if now.Sub(record.HourlyWindowStart) >= time.Hour {
		return now
	}
	return record.HourlyWindowStart
}

func dailyWindow(record *models.EnergySourceRecord, now time.Time) time.Time {
	if now.Sub(record.DailyWindowStart) >= 24*time.Hour {
		return now
	}
	return record.DailyWindowStart
}
