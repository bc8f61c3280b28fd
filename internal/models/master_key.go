package models

import (
	"gorm.io/gorm"
)

// MasterKey holds a tenant's encrypted HD seed. One row per tenant;
// LastIndex only ever moves forward, under the derivation transaction.
type MasterKey struct {
	gorm.Model
	TenantID       string `gorm:"size:64;uniqueIndex;not null"`
	EncryptedSeed  []byte `gorm:"not null"`
	PublicKey      string `gorm:"size:130;not null"`
	DerivationPath string `gorm:"size:64;default:'m/44''/195''/0''/0'"`
	LastIndex      uint32 `gorm:"default:0"`

	// Relationships
	Addresses []DepositAddress `gorm:"foreignKey:MasterKeyID"`
}
