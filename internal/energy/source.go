package energy

import (
	"context"
	"time"
)

// Quote is a supply channel's answer to "can you cover this amount".
type Quote struct {
	Available int64
	// UnitPriceSun is informational; the authoritative price lives on
	// the capacity record and is refreshed from quotes periodically.
	UnitPriceSun float64
}

// Source is one energy supply channel. The allocator never branches on
// the channel type; self-staked capacity and every external provider
// sit behind this same contract.
type Source interface {
	// Name matches the capacity record's unique name
	Name() string

	// Quote probes current availability and pricing
	Quote(ctx context.Context, amount int64) (Quote, error)

	// Reserve commits the amount on the supply channel itself (for
	// external providers this places the order). Returns a channel
	// order reference where one exists.
	Reserve(ctx context.Context, targetAddress string, amount int64, duration time.Duration) (string, error)

	// Health performs a liveness probe
	Health(ctx context.Context) error
}
