package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DepositAddress is a derived per-user deposit address. Rows are never
// deleted; retired addresses are deactivated and kept for the audit
// trail.
type DepositAddress struct {
	gorm.Model
	MasterKeyID     uint   `gorm:"index:idx_master_key_derivation,unique;not null"`
	DerivationIndex uint32 `gorm:"index:idx_master_key_derivation,unique;not null"`
	TenantID        string `gorm:"size:64;index;not null"`
	Address         string `gorm:"size:34;uniqueIndex;not null"`
	EncryptedKey    []byte `gorm:"not null"`

	IsActive    bool `gorm:"default:true"`
	IsMonitored bool `gorm:"default:true"`

	Balance       decimal.Decimal `gorm:"type:numeric(38,6);default:0"`
	TotalReceived decimal.Decimal `gorm:"type:numeric(38,6);default:0"`
	TotalSwept    decimal.Decimal `gorm:"type:numeric(38,6);default:0"`

	// Per-address override of the tenant-level minimum sweep amount
	MinSweepOverride *decimal.Decimal `gorm:"type:numeric(38,6)"`
}
