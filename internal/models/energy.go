package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Energy source types.
const (
	SourceTypeSelfStaked = "self_staked"
	SourceTypeProvider   = "external_provider"
)

// Energy source statuses. Sources are never deleted, only deactivated.
const (
	SourceStatusActive    = "active"
	SourceStatusUnhealthy = "unhealthy"
	SourceStatusInactive  = "inactive"
)

// EnergySourceRecord is the authoritative capacity row for one energy
// supply channel. AvailableEnergy is only ever mutated through
// conditional updates so concurrent reservations cannot over-commit.
type EnergySourceRecord struct {
	gorm.Model
	Name     string `gorm:"size:64;uniqueIndex;not null"`
	Type     string `gorm:"size:24;not null"`
	Priority int    `gorm:"default:5"` // lower ranks first

	TotalEnergy     int64 `gorm:"not null"`
	AvailableEnergy int64 `gorm:"not null"`

	// Price in SUN per energy unit
	PricePerUnit   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	VolumeDiscount decimal.Decimal `gorm:"type:numeric(8,6);default:0"`

	Status            string    `gorm:"size:16;index;default:'active'"`
	ResponseSLAMillis int64     `gorm:"default:0"` // 0 = no SLA recorded
	LastHealthyAt     time.Time `gorm:"index"`
	ConsecutiveFails  int       `gorm:"default:0"`

	MinOrder int64 `gorm:"default:0"`
	MaxOrder int64 `gorm:"default:0"` // 0 = unbounded

	HourlyLimit int64 `gorm:"default:0"` // 0 = unlimited
	DailyLimit  int64 `gorm:"default:0"`

	HourlyUsage       int64     `gorm:"default:0"`
	DailyUsage        int64     `gorm:"default:0"`
	HourlyWindowStart time.Time
	DailyWindowStart  time.Time

	// Provider-specific wiring; empty for self-staked capacity
	ProviderURL string `gorm:"size:256"`
	APIKey      string `gorm:"size:128"`
}

// Energy allocation statuses.
const (
	AllocationStatusActive    = "active"
	AllocationStatusExhausted = "exhausted"
	AllocationStatusExpired   = "expired"
	AllocationStatusReleased  = "released"
)

// EnergyAllocation links a tenant to a reserved slice of one source's
// capacity. Invariant: Used <= Allocated at all times.
type EnergyAllocation struct {
	gorm.Model
	AllocationID string `gorm:"size:36;uniqueIndex;not null"`
	TenantID     string `gorm:"size:64;index;not null"`
	SourceID     uint   `gorm:"index;not null"`
	SourceName   string `gorm:"size:64;not null"`

	Allocated int64 `gorm:"not null"`
	Used      int64 `gorm:"default:0"`

	// Effective price at reservation time, SUN per energy unit
	UnitPrice decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	CostSun   decimal.Decimal `gorm:"type:numeric(38,6);not null"`

	Status    string    `gorm:"size:16;index;default:'active'"`
	ExpiresAt time.Time `gorm:"index;not null"`
}

// Remaining returns the unused part of the allocation.
func (a *EnergyAllocation) Remaining() int64 {
	return a.Allocated - a.Used
}
