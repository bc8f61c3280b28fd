package scheduler

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sunwire/tronsweep/internal/energy"
	"github.com/sunwire/tronsweep/internal/models"
)

// largeBalanceFactor is the multiple of the minimum sweep amount above
// which an item gets a priority bump; sweeping big balances earlier
// reduces the capital sitting on hot deposit addresses.
const largeBalanceFactor = 10

// ItemPriority maps urgency and balance size to the 1..10 item
// priority, higher first.
func ItemPriority(urgency string, amount, minSweep decimal.Decimal) int {
	var priority int
	switch urgency {
	case models.UrgencyImmediate:
		priority = 10
	case models.UrgencyScheduled:
		priority = 2
	default:
		priority = 5
	}

	if priority < 10 && minSweep.IsPositive() &&
		amount.GreaterThanOrEqual(minSweep.Mul(decimal.NewFromInt(largeBalanceFactor))) {
		priority++
	}
	return priority
}

// QueueScore converts an item priority to a Redis sorted-set score.
// Lower scores dequeue first; the timestamp term keeps dispatch FIFO
// within a priority band.
func QueueScore(priority int, now time.Time) float64 {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	return float64(10-priority)*1e10 + float64(now.Unix())
}

// allocationUrgency maps sweep urgency to the energy allocator's
// urgency bands.
func allocationUrgency(urgency string) string {
	switch urgency {
	case models.UrgencyImmediate:
		return energy.UrgencyCritical
	case models.UrgencyScheduled:
		return energy.UrgencyLow
	default:
		return energy.UrgencyNormal
	}
}
