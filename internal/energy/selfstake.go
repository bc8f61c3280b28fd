package energy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sunwire/tronsweep/internal/tron"
)

// SelfStaked is the energy obtained by staking TRX on the collection
// account. Reserving from it needs no external order: the capacity is
// already delegated on-chain, only the bookkeeping moves.
type SelfStaked struct {
	name    string
	client  *tron.Client
	address string
	logger  zerolog.Logger
}

// NewSelfStaked creates the self-staked supply channel for the account
// holding the stake.
func NewSelfStaked(name string, client *tron.Client, address string, logger zerolog.Logger) *SelfStaked {
	return &SelfStaked{
		name:    name,
		client:  client,
		address: address,
		logger:  logger.With().Str("component", "selfstake").Logger(),
	}
}

// Name implements Source
func (s *SelfStaked) Name() string {
	return s.name
}

// Quote reports the unspent staked energy on the account. Self-staked
// energy has no marginal purchase price.
func (s *SelfStaked) Quote(ctx context.Context, amount int64) (Quote, error) {
	resources, err := s.client.GetAccountResources(ctx, s.address)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to quote self-staked energy: %w", err)
	}
	return Quote{Available: resources.AvailableEnergy()}, nil
}

// Reserve is a bookkeeping-only operation for self-staked capacity.
func (s *SelfStaked) Reserve(ctx context.Context, targetAddress string, amount int64, duration time.Duration) (string, error) {
	s.logger.Debug().
		Str("target", targetAddress).
		Int64("amount", amount).
		Msg("Reserved self-staked energy")
	return "", nil
}

// Health probes the node for the staked account's resources.
func (s *SelfStaked) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.client.GetAccountResources(ctx, s.address); err != nil {
		return fmt.Errorf("self-staked health probe failed: %w", err)
	}
	return nil
}
