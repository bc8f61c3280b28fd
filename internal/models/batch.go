package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Withdrawal batch states, mirroring the sweep item state machine at
// the aggregate level.
const (
	BatchStatusCreated    = "created"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusPartial    = "partial"
	BatchStatusFailed     = "failed"
)

var batchTransitions = map[string][]string{
	BatchStatusCreated:    {BatchStatusProcessing, BatchStatusFailed},
	BatchStatusProcessing: {BatchStatusCompleted, BatchStatusPartial, BatchStatusFailed},
}

// CanTransitionBatch reports whether a batch may move between states.
func CanTransitionBatch(from, to string) bool {
	for _, allowed := range batchTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// WithdrawalBatch groups sweep items that share a tenant, destination
// and urgency so fixed costs are amortized across them.
type WithdrawalBatch struct {
	gorm.Model
	BatchID  string `gorm:"size:36;uniqueIndex;not null"`
	TenantID string `gorm:"size:64;index;not null"`

	Destination string `gorm:"size:34;not null"`
	Urgency     string `gorm:"size:16;default:'standard'"`

	ItemCount      int             `gorm:"default:0"`
	TotalAmount    decimal.Decimal `gorm:"type:numeric(38,6);default:0"`
	EnergyRequired int64           `gorm:"default:0"`
	SaaSFee        decimal.Decimal `gorm:"type:numeric(38,6);default:0"`

	AllocationID string `gorm:"size:36;index"`
	Status       string `gorm:"size:16;index;default:'created'"`
}
