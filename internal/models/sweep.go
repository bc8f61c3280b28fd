package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Sweep queue item states. Confirmed and cancelled are terminal;
// failed is terminal once retries are exhausted.
const (
	SweepStatusPending    = "pending"
	SweepStatusQueued     = "queued"
	SweepStatusProcessing = "processing"
	SweepStatusConfirmed  = "confirmed"
	SweepStatusFailed     = "failed"
	SweepStatusCancelled  = "cancelled"
)

// Sweep urgency levels, in decreasing order of priority.
const (
	UrgencyImmediate = "immediate"
	UrgencyStandard  = "standard"
	UrgencyScheduled = "scheduled"
)

var sweepTransitions = map[string][]string{
	SweepStatusPending:    {SweepStatusQueued, SweepStatusCancelled},
	SweepStatusQueued:     {SweepStatusProcessing, SweepStatusCancelled, SweepStatusQueued},
	SweepStatusProcessing: {SweepStatusConfirmed, SweepStatusFailed, SweepStatusQueued},
}

// CanTransitionSweep reports whether a queue item may move from one
// status to another. Terminal states reject every transition, which is
// what makes confirmed-event replays idempotent.
func CanTransitionSweep(from, to string) bool {
	for _, allowed := range sweepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SweepQueueItem tracks one sweepable balance through the retry state
// machine. At most one non-terminal item may exist per deposit address.
type SweepQueueItem struct {
	gorm.Model
	AddressID uint   `gorm:"index;not null"`
	TenantID  string `gorm:"size:64;index;not null"`

	Amount          decimal.Decimal `gorm:"type:numeric(38,6);not null"`
	EstimatedFeeSun int64           `gorm:"default:0"`
	Priority        int             `gorm:"default:5"` // 1..10, higher dequeues first
	Urgency         string          `gorm:"size:16;default:'standard'"`

	Status     string `gorm:"size:16;index;default:'pending'"`
	RetryCount int    `gorm:"default:0"`
	MaxRetries int    `gorm:"default:3"`

	ScheduledAt time.Time  `gorm:"index"`
	NextRetryAt *time.Time `gorm:"index"`

	BatchID   string `gorm:"size:36;index"`
	LastError string `gorm:"size:512"`
}

// Terminal reports whether the item can make no further progress.
func (i *SweepQueueItem) Terminal() bool {
	return i.Status == SweepStatusConfirmed ||
		i.Status == SweepStatusFailed ||
		i.Status == SweepStatusCancelled
}

// SweepLog is the append-only audit record, one row per execution
// attempt including retries. Rows are immutable once written except for
// the confirmation count maintained by the watcher.
type SweepLog struct {
	gorm.Model
	QueueItemID uint   `gorm:"index;not null"`
	AddressID   uint   `gorm:"index;not null"`
	BatchID     string `gorm:"size:36;index"`
	Attempt     int    `gorm:"not null"`

	TxHash        string `gorm:"size:64;index"`
	EnergyUsed    int64  `gorm:"default:0"`
	FeeSun        int64  `gorm:"default:0"`
	Status        string `gorm:"size:16;not null"`
	ErrorCode     string `gorm:"size:64"`
	ErrorMessage  string `gorm:"size:512"`
	Confirmations int    `gorm:"default:0"`
}
