package registry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunwire/tronsweep/internal/database"
	"github.com/sunwire/tronsweep/internal/models"
	"gorm.io/gorm"
)

func newTestRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()
	db, err := database.OpenTest()
	require.NoError(t, err)
	return New(db, zerolog.Nop()), db
}

func seedAddress(t *testing.T, db *gorm.DB, tenantID string, index uint32, balance string) *models.DepositAddress {
	t.Helper()
	addr := &models.DepositAddress{
		MasterKeyID:     1,
		DerivationIndex: index,
		TenantID:        tenantID,
		Address:         "TTestAddr00000000000000000000" + decimal.NewFromInt(int64(index)).String(),
		EncryptedKey:    []byte("sealed"),
		IsActive:        true,
		IsMonitored:     true,
		Balance:         decimal.RequireFromString(balance),
	}
	require.NoError(t, db.Create(addr).Error)
	return addr
}

func TestMarkDeposit(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	addr := seedAddress(t, db, "tenant-a", 1, "0")

	require.NoError(t, reg.MarkDeposit(ctx, addr.ID, decimal.RequireFromString("25.5")))
	require.NoError(t, reg.MarkDeposit(ctx, addr.ID, decimal.RequireFromString("4.5")))

	var row models.DepositAddress
	require.NoError(t, db.First(&row, addr.ID).Error)
	assert.True(t, row.Balance.Equal(decimal.RequireFromString("30")))
	assert.True(t, row.TotalReceived.Equal(decimal.RequireFromString("30")))

	t.Run("unknown address", func(t *testing.T) {
		err := reg.MarkDeposit(ctx, 9999, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, ErrAddressNotFound)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		err := reg.MarkDeposit(ctx, addr.ID, decimal.Zero)
		assert.Error(t, err)
	})
}

func TestEligibleForSweep(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()
	tenantMin := decimal.NewFromInt(10)

	above := seedAddress(t, db, "tenant-a", 1, "50")
	seedAddress(t, db, "tenant-a", 2, "5") // below tenant minimum

	inactive := seedAddress(t, db, "tenant-a", 3, "80")
	require.NoError(t, db.Model(inactive).Update("is_active", false).Error)

	unmonitored := seedAddress(t, db, "tenant-a", 4, "80")
	require.NoError(t, db.Model(unmonitored).Update("is_monitored", false).Error)

	otherTenant := seedAddress(t, db, "tenant-b", 5, "80")
	_ = otherTenant

	eligible, err := reg.EligibleForSweep(ctx, "tenant-a", tenantMin)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, above.ID, eligible[0].ID)

	t.Run("per-address override lowers the bar", func(t *testing.T) {
		override := decimal.NewFromInt(3)
		low := seedAddress(t, db, "tenant-a", 6, "5")
		require.NoError(t, reg.SetMinSweepOverride(ctx, low.ID, &override))

		eligible, err := reg.EligibleForSweep(ctx, "tenant-a", tenantMin)
		require.NoError(t, err)
		assert.Len(t, eligible, 2)
	})

	t.Run("per-address override raises the bar", func(t *testing.T) {
		override := decimal.NewFromInt(100)
		require.NoError(t, reg.SetMinSweepOverride(ctx, above.ID, &override))

		eligible, err := reg.EligibleForSweep(ctx, "tenant-a", tenantMin)
		require.NoError(t, err)
		for _, a := range eligible {
			assert.NotEqual(t, above.ID, a.ID)
		}

		require.NoError(t, reg.SetMinSweepOverride(ctx, above.ID, nil))
	})

	t.Run("address with in-flight sweep excluded", func(t *testing.T) {
		require.NoError(t, db.Create(&models.SweepQueueItem{
			AddressID: above.ID,
			TenantID:  "tenant-a",
			Amount:    decimal.NewFromInt(50),
			Status:    models.SweepStatusProcessing,
		}).Error)

		eligible, err := reg.EligibleForSweep(ctx, "tenant-a", tenantMin)
		require.NoError(t, err)
		for _, a := range eligible {
			assert.NotEqual(t, above.ID, a.ID, "processing address must not re-appear as eligible")
		}
	})

	t.Run("terminal sweep item frees the address", func(t *testing.T) {
		require.NoError(t, db.Model(&models.SweepQueueItem{}).
			Where("address_id = ?", above.ID).
			Update("status", models.SweepStatusConfirmed).Error)

		eligible, err := reg.EligibleForSweep(ctx, "tenant-a", tenantMin)
		require.NoError(t, err)

		found := false
		for _, a := range eligible {
			if a.ID == above.ID {
				found = true
			}
		}
		assert.True(t, found)
	})
}

func TestRecordSweep(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	addr := seedAddress(t, db, "tenant-a", 1, "50")

	require.NoError(t, reg.RecordSweep(ctx, addr.ID, decimal.RequireFromString("48.7")))

	var row models.DepositAddress
	require.NoError(t, db.First(&row, addr.ID).Error)
	assert.True(t, row.Balance.Equal(decimal.RequireFromString("1.3")))
	assert.True(t, row.TotalSwept.Equal(decimal.RequireFromString("48.7")))

	t.Run("over-debit rejected", func(t *testing.T) {
		err := reg.RecordSweep(ctx, addr.ID, decimal.NewFromInt(10))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("unknown address", func(t *testing.T) {
		err := reg.RecordSweep(ctx, 9999, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, ErrAddressNotFound)
	})
}

func TestDeactivate(t *testing.T) {
	reg, db := newTestRegistry(t)
	ctx := context.Background()

	addr := seedAddress(t, db, "tenant-a", 1, "50")
	require.NoError(t, reg.Deactivate(ctx, addr.ID))

	var row models.DepositAddress
	require.NoError(t, db.First(&row, addr.ID).Error)
	assert.False(t, row.IsActive)
	assert.False(t, row.IsMonitored)

	// Deactivated addresses never surface as eligible
	eligible, err := reg.EligibleForSweep(ctx, "tenant-a", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Empty(t, eligible)
}
