package energy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sunwire/tronsweep/internal/logger"
	"github.com/sunwire/tronsweep/internal/metrics"
	"github.com/sunwire/tronsweep/internal/models"
	"gorm.io/gorm"
)

// unhealthyAfterFails is how many consecutive failed probes flip a
// source to unhealthy.
const unhealthyAfterFails = 2

// Pool registers the available energy supply channels and keeps their
// capacity records fresh. Health results are cached: a source probed
// healthy within the TTL is treated as usable without re-probing.
type Pool struct {
	db        *gorm.DB
	sources   map[string]Source
	mutex     sync.RWMutex
	healthTTL time.Duration
	logger    zerolog.Logger
}

// NewPool creates an energy source pool
func NewPool(db *gorm.DB, healthTTL time.Duration, logger zerolog.Logger) *Pool {
	return &Pool{
		db:        db,
		sources:   make(map[string]Source),
		healthTTL: healthTTL,
		logger:    logger.With().Str("component", "energy_pool").Logger(),
	}
}

// Register attaches a supply channel to its capacity record, creating
// the record when the source is new.
func (p *Pool) Register(ctx context.Context, record *models.EnergySourceRecord, source Source) error {
	if record.Name != source.Name() {
		return fmt.Errorf("record name %q does not match source name %q", record.Name, source.Name())
	}

	var existing models.EnergySourceRecord
	err := p.db.WithContext(ctx).Where("name = ?", record.Name).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record.Status = models.SourceStatusActive
		record.LastHealthyAt = time.Now().UTC()
		if err := p.db.WithContext(ctx).Create(record).Error; err != nil {
			return fmt.Errorf("failed to create source record %s: %w", record.Name, err)
		}
	case err != nil:
		return fmt.Errorf("failed to load source record %s: %w", record.Name, err)
	default:
		*record = existing
	}

	p.mutex.Lock()
	p.sources[record.Name] = source
	p.mutex.Unlock()

	metrics.SetEnergyAvailable(record.Name, float64(record.AvailableEnergy))
	p.logger.Info().
		Str("source", record.Name).
		Str("type", record.Type).
		Int64("available", record.AvailableEnergy).
		Msg("Energy source registered")
	return nil
}

// Source returns the registered supply channel by name.
func (p *Pool) Source(name string) (Source, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	source, ok := p.sources[name]
	return source, ok
}

// ListActive returns the usable capacity records ordered by priority
// rank, then by price.
func (p *Pool) ListActive(ctx context.Context) ([]models.EnergySourceRecord, error) {
	var records []models.EnergySourceRecord
	err := p.db.WithContext(ctx).
		Where("status = ?", models.SourceStatusActive).
		Order("priority ASC, price_per_unit ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active sources: %w", err)
	}
	return records, nil
}

// RefreshHealth probes one source unless its last healthy result is
// still inside the cache window.
func (p *Pool) RefreshHealth(ctx context.Context, name string) error {
	source, ok := p.Source(name)
	if !ok {
		return fmt.Errorf("unknown energy source %s", name)
	}

	var record models.EnergySourceRecord
	if err := p.db.WithContext(ctx).Where("name = ?", name).First(&record).Error; err != nil {
		return fmt.Errorf("failed to load source record %s: %w", name, err)
	}

	if record.Status == models.SourceStatusInactive {
		return nil
	}

	// Stale-but-recently-healthy sources stay usable until the TTL runs out
	if record.Status == models.SourceStatusActive && time.Since(record.LastHealthyAt) < p.healthTTL {
		return nil
	}

	if err := source.Health(ctx); err != nil {
		fails := record.ConsecutiveFails + 1
		updates := map[string]interface{}{"consecutive_fails": fails}
		if fails >= unhealthyAfterFails {
			updates["status"] = models.SourceStatusUnhealthy
		}
		if dbErr := p.db.WithContext(ctx).Model(&record).Updates(updates).Error; dbErr != nil {
			return fmt.Errorf("failed to record health failure for %s: %w", name, dbErr)
		}

		metrics.SetSourceHealth(name, fails < unhealthyAfterFails)
		srcLogger := logger.WithSource(p.logger, name)
		srcLogger.Warn().
			Err(err).
			Int("consecutive_fails", fails).
			Msg("Energy source health probe failed")
		return nil
	}

	err := p.db.WithContext(ctx).Model(&record).Updates(map[string]interface{}{
		"status":            models.SourceStatusActive,
		"consecutive_fails": 0,
		"last_healthy_at":   time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to record health success for %s: %w", name, err)
	}

	metrics.SetSourceHealth(name, true)
	return nil
}

// RefreshAll probes every registered source.
func (p *Pool) RefreshAll(ctx context.Context) {
	p.mutex.RLock()
	names := make([]string, 0, len(p.sources))
	for name := range p.sources {
		names = append(names, name)
	}
	p.mutex.RUnlock()

	for _, name := range names {
		if err := p.RefreshHealth(ctx, name); err != nil {
			p.logger.Error().Err(err).Str("source", name).Msg("Health refresh failed")
		}
	}
}

// RunHealthLoop refreshes source health until the context ends.
func (p *Pool) RunHealthLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.RefreshAll(ctx)
		}
	}
}

// Deactivate permanently retires a source from allocation. Records are
// never deleted.
func (p *Pool) Deactivate(ctx context.Context, name string) error {
	res := p.db.WithContext(ctx).Model(&models.EnergySourceRecord{}).
		Where("name = ?", name).
		Update("status", models.SourceStatusInactive)
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate source %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("unknown energy source %s", name)
	}

	p.logger.Info().Str("source", name).Msg("Energy source deactivated")
	return nil
}
