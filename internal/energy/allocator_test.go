package energy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunwire/tronsweep/internal/database"
	"github.com/sunwire/tronsweep/internal/events"
	"github.com/sunwire/tronsweep/internal/models"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newTestAllocator(t *testing.T, caps TenantCaps) (*Allocator, *Pool, *gorm.DB) {
	t.Helper()

	db, err := database.OpenTest()
	require.NoError(t, err)

	pool := NewPool(db, 5*time.Minute, zerolog.Nop())
	allocator := NewAllocator(db, pool, events.NopEmitter{}, caps, zerolog.Nop())
	return allocator, pool, db
}

func seedSource(t *testing.T, db *gorm.DB, record models.EnergySourceRecord) *models.EnergySourceRecord {
	t.Helper()

	if record.Status == "" {
		record.Status = models.SourceStatusActive
	}
	if record.Type == "" {
		record.Type = models.SourceTypeProvider
	}
	if record.PricePerUnit.IsZero() {
		record.PricePerUnit = decimal.RequireFromString("0.0002")
	}
	record.LastHealthyAt = time.Now().UTC()
	require.NoError(t, db.Create(&record).Error)
	return &record
}

func TestAllocatorReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers cheaper source at equal priority", func(t *testing.T) {
		allocator, _, db := newTestAllocator(t, nil)

		seedSource(t, db, models.EnergySourceRecord{
			Name: "pricey", Priority: 5,
			TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
			PricePerUnit: decimal.RequireFromString("0.0002"),
		})
		seedSource(t, db, models.EnergySourceRecord{
			Name: "bargain", Priority: 5,
			TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
			PricePerUnit: decimal.RequireFromString("0.00015"),
		})

		allocation, err := allocator.Reserve(ctx, "tenant-a", 65000, UrgencyNormal)
		require.NoError(t, err)
		assert.Equal(t, "bargain", allocation.SourceName)
	})

	t.Run("priority rank beats price", func(t *testing.T) {
		allocator, _, db := newTestAllocator(t, nil)

		seedSource(t, db, models.EnergySourceRecord{
			Name: "preferred", Priority: 1,
			TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
			PricePerUnit: decimal.RequireFromString("0.0003"),
		})
		seedSource(t, db, models.EnergySourceRecord{
			Name: "cheap-fallback", Priority: 9,
			TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
			PricePerUnit: decimal.RequireFromString("0.0001"),
		})

		allocation, err := allocator.Reserve(ctx, "tenant-a", 65000, UrgencyNormal)
		require.NoError(t, err)
		assert.Equal(t, "preferred", allocation.SourceName)
	})

	t.Run("self staked wins when it covers the request alone", func(t *testing.T) {
		allocator, _, db := newTestAllocator(t, nil)

		seedSource(t, db, models.EnergySourceRecord{
			Name: "cheap-external", Priority: 1,
			TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
			PricePerUnit: decimal.RequireFromString("0.00001"),
		})
		seedSource(t, db, models.EnergySourceRecord{
			Name: "own-stake", Type: models.SourceTypeSelfStaked, Priority: 9,
			TotalEnergy: 200_000, AvailableEnergy: 200_000,
			PricePerUnit: decimal.Zero,
		})

		allocation, err := allocator.Reserve(ctx, "tenant-a", 65000, UrgencyNormal)
		require.NoError(t, err)
		assert.Equal(t, "own-stake", allocation.SourceName)

		// Too big for the stake, falls through to the external source
		allocation, err = allocator.Reserve(ctx, "tenant-a", 500_000, UrgencyNormal)
		require.NoError(t, err)
		assert.Equal(t, "cheap-external", allocation.SourceName)
	})

	t.Run("order bounds filter sources", func(t *testing.T) {
		allocator, _, db := newTestAllocator(t, nil)

		seedSource(t, db, models.EnergySourceRecord{
			Name: "bulk-only", MinOrder: 500_000,
			TotalEnergy: 10_000_000, AvailableEnergy: 10_000_000,
		})
		seedSource(t, db, models.EnergySourceRecord{
			Name: "retail-only", MaxOrder: 30_000,
			TotalEnergy: 10_000_000, AvailableEnergy: 10_000_000,
		})

		_, err := allocator.Reserve(ctx, "tenant-a", 65000, UrgencyNormal)
		assert.ErrorIs(t, err, ErrInsufficientEnergy)
	})

	t.Run("urgent requests require a recorded SLA", func(t *testing.T) {
		allocator, _, db := newTestAllocator(t, nil)

		seedSource(t, db, models.EnergySourceRecord{
			Name: "no-sla", Priority: 1,
			TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
		})
		seedSource(t, db, models.EnergySourceRecord{
			Name: "slow-sla", Priority: 2, ResponseSLAMillis: 30_000,
			TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
		})
		seedSource(t, db, models.EnergySourceRecord{
			Name: "fast-sla", Priority: 3, ResponseSLAMillis: 900,
			TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
		})

		allocation, err := allocator.Reserve(ctx, "tenant-a", 65000, UrgencyCritical)
		require.NoError(t, err)
		assert.Equal(t, "fast-sla", allocation.SourceName)

		// Normal urgency is free to use the higher-ranked source
		allocation, err = allocator.Reserve(ctx, "tenant-a", 65000, UrgencyNormal)
		require.NoError(t, err)
		assert.Equal(t, "no-sla", allocation.SourceName)
	})

	t.Run("source period limit falls through to the next source", func(t *testing.T) {
		allocator, _, db := newTestAllocator(t, nil)

		seedSource(t, db, models.EnergySourceRecord{
			Name: "capped", Priority: 1, HourlyLimit: 100_000,
			HourlyUsage: 80_000, HourlyWindowStart: time.Now().UTC(),
			TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
		})
		seedSource(t, db, models.EnergySourceRecord{
			Name: "open", Priority: 2,
			TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
		})

		allocation, err := allocator.Reserve(ctx, "tenant-a", 65000, UrgencyNormal)
		require.NoError(t, err)
		assert.Equal(t, "open", allocation.SourceName)
	})

	t.Run("stale usage window resets", func(t *testing.T) {
		allocator, _, db := newTestAllocator(t, nil)

		seedSource(t, db, models.EnergySourceRecord{
			Name: "capped", HourlyLimit: 100_000,
			HourlyUsage:       90_000,
			HourlyWindowStart: time.Now().UTC().Add(-2 * time.Hour),
			TotalEnergy:       1_000_000, AvailableEnergy: 1_000_000,
		})

		allocation, err := allocator.Reserve(ctx, "tenant-a", 65000, UrgencyNormal)
		require.NoError(t, err)
		assert.Equal(t, "capped", allocation.SourceName)

		var record models.EnergySourceRecord
		require.NoError(t, db.Where("name = ?", "capped").First(&record).Error)
		assert.Equal(t, int64(65000), record.HourlyUsage)
	})

	t.Run("tenant quota rejects before any source is touched", func(t *testing.T) {
		caps := func(tenantID string) (int64, int64) {
			if tenantID == "small-tenant" {
				return 100_000, 0
			}
			return 0, 0
		}
		allocator, _, db := newTestAllocator(t, caps)

		seedSource(t, db, models.EnergySourceRecord{
			Name:        "open",
			TotalEnergy: 10_000_000, AvailableEnergy: 10_000_000,
		})

		_, err := allocator.Reserve(ctx, "small-tenant", 65000, UrgencyNormal)
		require.NoError(t, err)

		_, err = allocator.Reserve(ctx, "small-tenant", 65000, UrgencyNormal)
		assert.ErrorIs(t, err, ErrQuotaExceeded)

		// Other tenants are unaffected
		_, err = allocator.Reserve(ctx, "big-tenant", 65000, UrgencyNormal)
		assert.NoError(t, err)
	})

	t.Run("no sources yields insufficient energy", func(t *testing.T) {
		allocator, _, _ := newTestAllocator(t, nil)

		_, err := allocator.Reserve(ctx, "tenant-a", 65000, UrgencyNormal)
		assert.ErrorIs(t, err, ErrInsufficientEnergy)
	})

	t.Run("rejects non positive amounts", func(t *testing.T) {
		allocator, _, _ := newTestAllocator(t, nil)

		_, err := allocator.Reserve(ctx, "tenant-a", 0, UrgencyNormal)
		assert.Error(t, err)
	})
}

func TestAllocatorReserveNoOvercommit(t *testing.T) {
	ctx := context.Background()
	allocator, _, db := newTestAllocator(t, nil)

	// Room for exactly two 65k reservations
	seedSource(t, db, models.EnergySourceRecord{
		Name:        "tight",
		TotalEnergy: 130_000, AvailableEnergy: 130_000,
	})

	var granted, denied atomic.Int64
	var group errgroup.Group
	for i := 0; i < 6; i++ {
		group.Go(func() error {
			_, err := allocator.Reserve(ctx, "tenant-a", 65000, UrgencyNormal)
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, ErrInsufficientEnergy):
				denied.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	assert.Equal(t, int64(2), granted.Load())
	assert.Equal(t, int64(4), denied.Load())

	var record models.EnergySourceRecord
	require.NoError(t, db.Where("name = ?", "tight").First(&record).Error)
	assert.Equal(t, int64(0), record.AvailableEnergy)
}

func TestAllocatorPricing(t *testing.T) {
	ctx := context.Background()

	t.Run("volume discount applies to the unit price", func(t *testing.T) {
		allocator, _, db := newTestAllocator(t, nil)

		seedSource(t, db, models.EnergySourceRecord{
			Name:           "discounted",
			PricePerUnit:   decimal.RequireFromString("0.0002"),
			VolumeDiscount: decimal.RequireFromString("0.1"),
			TotalEnergy:    1_000_000, AvailableEnergy: 1_000_000,
		})

		allocation, err := allocator.Reserve(ctx, "tenant-a", 100_000, UrgencyNormal)
		require.NoError(t, err)

		// 0.0002 * 0.9 discount * 0.9 idle multiplier
		expected := decimal.RequireFromString("0.000162")
		assert.True(t, allocation.UnitPrice.Equal(expected),
			"unit price %s, want %s", allocation.UnitPrice, expected)
		assert.True(t, allocation.CostSun.Equal(expected.Mul(decimal.NewFromInt(100_000))))
	})

	t.Run("load multiplier tiers", func(t *testing.T) {
		cases := []struct {
			orders int64
			want   string
		}{
			{0, "0.9"},
			{4, "0.9"},
			{5, "1"},
			{19, "1"},
			{20, "1.025"},
			{30, "1.275"},
			{60, "1.5"}, // capped
		}
		for _, tc := range cases {
			got := loadMultiplier(tc.orders)
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
				"orders=%d got %s want %s", tc.orders, got, tc.want)
		}
	})
}

func TestAllocatorConsume(t *testing.T) {
	ctx := context.Background()
	allocator, _, db := newTestAllocator(t, nil)

	seedSource(t, db, models.EnergySourceRecord{
		Name:        "open",
		TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
	})

	allocation, err := allocator.Reserve(ctx, "tenant-a", 100_000, UrgencyNormal)
	require.NoError(t, err)

	require.NoError(t, allocator.Consume(ctx, allocation.AllocationID, 60_000))

	// Over-consumption of the remainder is rejected
	err = allocator.Consume(ctx, allocation.AllocationID, 50_000)
	assert.ErrorIs(t, err, ErrAllocationExhausted)

	// Consuming the exact remainder flips the allocation to exhausted
	require.NoError(t, allocator.Consume(ctx, allocation.AllocationID, 40_000))

	var stored models.EnergyAllocation
	require.NoError(t, db.Where("allocation_id = ?", allocation.AllocationID).First(&stored).Error)
	assert.Equal(t, int64(100_000), stored.Used)
	assert.Equal(t, models.AllocationStatusExhausted, stored.Status)

	err = allocator.Consume(ctx, allocation.AllocationID, 1)
	assert.ErrorIs(t, err, ErrAllocationExhausted)
}

func TestAllocatorRelease(t *testing.T) {
	ctx := context.Background()
	allocator, _, db := newTestAllocator(t, nil)

	seedSource(t, db, models.EnergySourceRecord{
		Name:        "open",
		TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
	})

	allocation, err := allocator.Reserve(ctx, "tenant-a", 100_000, UrgencyNormal)
	require.NoError(t, err)
	require.NoError(t, allocator.Consume(ctx, allocation.AllocationID, 30_000))

	require.NoError(t, allocator.Release(ctx, allocation.AllocationID))

	var record models.EnergySourceRecord
	require.NoError(t, db.Where("name = ?", "open").First(&record).Error)
	assert.Equal(t, int64(930_000), record.AvailableEnergy, "unused 70k returned")

	var stored models.EnergyAllocation
	require.NoError(t, db.Where("allocation_id = ?", allocation.AllocationID).First(&stored).Error)
	assert.Equal(t, models.AllocationStatusReleased, stored.Status)

	// A second release finds no active allocation
	assert.Error(t, allocator.Release(ctx, allocation.AllocationID))
}

func TestAllocatorReleaseConsumeRace(t *testing.T) {
	ctx := context.Background()
	allocator, _, db := newTestAllocator(t, nil)

	seedSource(t, db, models.EnergySourceRecord{
		Name:        "open",
		TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
	})

	allocation, err := allocator.Reserve(ctx, "tenant-a", 100_000, UrgencyNormal)
	require.NoError(t, err)

	// Whichever of consume and release lands second must see the
	// other's write, or the source gains phantom capacity
	var group errgroup.Group
	group.Go(func() error {
		err := allocator.Consume(ctx, allocation.AllocationID, 40_000)
		if err != nil && !errors.Is(err, ErrAllocationExhausted) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return allocator.Release(ctx, allocation.AllocationID)
	})
	require.NoError(t, group.Wait())

	var stored models.EnergyAllocation
	require.NoError(t, db.Where("allocation_id = ?", allocation.AllocationID).First(&stored).Error)
	assert.Equal(t, models.AllocationStatusReleased, stored.Status)

	var record models.EnergySourceRecord
	require.NoError(t, db.Where("name = ?", "open").First(&record).Error)
	assert.Equal(t, int64(1_000_000), record.AvailableEnergy+stored.Used,
		"remainder must account for consumed energy")
}

func TestAllocatorReapExpired(t *testing.T) {
	ctx := context.Background()
	allocator, _, db := newTestAllocator(t, nil)

	source := seedSource(t, db, models.EnergySourceRecord{
		Name:        "open",
		TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
	})

	allocation, err := allocator.Reserve(ctx, "tenant-a", 100_000, UrgencyNormal)
	require.NoError(t, err)
	require.NoError(t, allocator.Consume(ctx, allocation.AllocationID, 25_000))

	// Force the allocation past its expiry
	require.NoError(t, db.Model(&models.EnergyAllocation{}).
		Where("allocation_id = ?", allocation.AllocationID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	reaped, err := allocator.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	var record models.EnergySourceRecord
	require.NoError(t, db.First(&record, source.ID).Error)
	assert.Equal(t, int64(975_000), record.AvailableEnergy)

	var stored models.EnergyAllocation
	require.NoError(t, db.Where("allocation_id = ?", allocation.AllocationID).First(&stored).Error)
	assert.Equal(t, models.AllocationStatusExpired, stored.Status)

	// Idempotent on a second pass
	reaped, err = allocator.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)
}

func TestAllocatorReapConsumeRace(t *testing.T) {
	ctx := context.Background()
	allocator, _, db := newTestAllocator(t, nil)

	seedSource(t, db, models.EnergySourceRecord{
		Name:        "open",
		TotalEnergy: 1_000_000, AvailableEnergy: 1_000_000,
	})

	allocation, err := allocator.Reserve(ctx, "tenant-a", 100_000, UrgencyNormal)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.EnergyAllocation{}).
		Where("allocation_id = ?", allocation.AllocationID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	// The reaper runs while an executor is still consuming; the
	// returned remainder must reflect whichever consume committed first
	var group errgroup.Group
	group.Go(func() error {
		err := allocator.Consume(ctx, allocation.AllocationID, 40_000)
		if err != nil && !errors.Is(err, ErrAllocationExhausted) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		_, err := allocator.ReapExpired(ctx)
		return err
	})
	require.NoError(t, group.Wait())

	var stored models.EnergyAllocation
	require.NoError(t, db.Where("allocation_id = ?", allocation.AllocationID).First(&stored).Error)
	assert.Equal(t, models.AllocationStatusExpired, stored.Status)

	var record models.EnergySourceRecord
	require.NoError(t, db.Where("name = ?", "open").First(&record).Error)
	assert.Equal(t, int64(1_000_000), record.AvailableEnergy+stored.Used,
		"reaped remainder must account for consumed energy")
}
