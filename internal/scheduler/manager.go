package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sunwire/tronsweep/internal/config"
	"github.com/sunwire/tronsweep/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// stuckBatchTimeout is how long a batch may stay claimed before the
// recovery loop hands it back to the queue.
const stuckBatchTimeout = 15 * time.Minute

// Manager runs the scheduler loop and a dynamic pool of batch workers
// scaled on queue depth.
type Manager struct {
	config    config.Config
	scheduler *Scheduler
	queue     *Queue
	executor  BatchExecutor
	workers   []*Worker
	logger    zerolog.Logger
	mutex     sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	eg        *errgroup.Group
	stopped   bool
}

// NewManager creates a new sweep manager
func NewManager(cfg config.Config, sched *Scheduler, queue *Queue, executor BatchExecutor, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)

	return &Manager{
		config:    cfg,
		scheduler: sched,
		queue:     queue,
		executor:  executor,
		workers:   make([]*Worker, 0),
		logger:    logger.With().Str("component", "sweep_manager").Logger(),
		ctx:       egCtx,
		cancel:    cancel,
		eg:        eg,
	}
}

// Start begins the manager lifecycle
func (m *Manager) Start() error {
	m.logger.Info().
		Int("min_workers", m.config.MinWorkers).
		Int("max_workers", m.config.MaxWorkers).
		Dur("sweep_interval", m.config.SweepInterval).
		Msg("Starting sweep manager")

	if err := m.adjustWorkerCount(); err != nil {
		return fmt.Errorf("failed to start initial workers: %w", err)
	}

	m.eg.Go(func() error {
		return m.scheduler.Run(m.ctx)
	})

	m.eg.Go(func() error {
		return m.runScalingLoop()
	})

	m.eg.Go(func() error {
		return m.runStuckBatchRecovery()
	})

	m.eg.Go(func() error {
		return m.runQueueMonitoring()
	})

	m.logger.Info().Msg("Sweep manager started successfully")
	return nil
}

// Stop gracefully shuts down the manager
func (m *Manager) Stop() error {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return nil
	}
	m.stopped = true
	m.mutex.Unlock()

	m.logger.Info().Msg("Stopping sweep manager...")

	m.cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.eg.Wait()
	}()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			m.logger.Error().Err(err).Msg("Error during worker shutdown")
		}
	case <-time.After(30 * time.Second):
		m.logger.Warn().Msg("Worker shutdown timed out")
	}

	m.mutex.Lock()
	m.workers = nil
	m.mutex.Unlock()

	metrics.WorkersActive.Set(0)
	m.logger.Info().Msg("Sweep manager stopped")
	return nil
}

// runScalingLoop handles automatic worker scaling every 30 seconds
func (m *Manager) runScalingLoop() error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case <-ticker.C:
			if err := m.adjustWorkerCount(); err != nil {
				m.logger.Error().Err(err).Msg("Failed to adjust worker count")
			}
		}
	}
}

// adjustWorkerCount scales workers based on queue length
func (m *Manager) adjustWorkerCount() error {
	queueLength, err := m.queue.Length(m.ctx)
	if err != nil {
		return fmt.Errorf("failed to get queue length: %w", err)
	}

	metrics.SweepQueueLength.Set(float64(queueLength))

	desiredWorkers := m.calculateDesiredWorkers(int(queueLength))

	m.mutex.Lock()
	currentWorkers := len(m.workers)
	m.mutex.Unlock()

	if desiredWorkers == currentWorkers {
		return nil
	}

	m.logger.Info().
		Int("current_workers", currentWorkers).
		Int("desired_workers", desiredWorkers).
		Int64("queue_length", queueLength).
		Msg("Adjusting worker count")

	if desiredWorkers > currentWorkers {
		return m.addWorkers(desiredWorkers - currentWorkers)
	}
	return m.removeWorkers(currentWorkers - desiredWorkers)
}

// calculateDesiredWorkers determines worker count from queue depth.
// One worker per five waiting batches, within the configured bounds.
func (m *Manager) calculateDesiredWorkers(queueLength int) int {
	desired := queueLength / 5
	if desired < m.config.MinWorkers {
		desired = m.config.MinWorkers
	}
	if desired > m.config.MaxWorkers {
		desired = m.config.MaxWorkers
	}
	return desired
}

// addWorkers creates and starts new workers
func (m *Manager) addWorkers(count int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i := 0; i < count; i++ {
		workerID := fmt.Sprintf("worker-%d", len(m.workers)+1)
		worker := NewWorker(workerID, m.queue, m.executor, m.logger)

		m.eg.Go(func() error {
			return worker.Start(m.ctx)
		})

		m.workers = append(m.workers, worker)

		m.logger.Debug().
			Str("worker_id", workerID).
			Int("total_workers", len(m.workers)).
			Msg("Added worker")
	}

	metrics.WorkersActive.Set(float64(len(m.workers)))

	m.logger.Info().
		Int("added", count).
		Int("total_workers", len(m.workers)).
		Msg("Workers added")
	return nil
}

// removeWorkers gracefully stops and removes workers
func (m *Manager) removeWorkers(count int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if count > len(m.workers) {
		count = len(m.workers)
	}

	// Signal workers to stop; they finish their current batch first
	workersToRemove := m.workers[len(m.workers)-count:]
	for _, worker := range workersToRemove {
		worker.Stop()
	}

	m.workers = m.workers[:len(m.workers)-count]

	metrics.WorkersActive.Set(float64(len(m.workers)))

	m.logger.Info().
		Int("removed", count).
		Int("remaining_workers", len(m.workers)).
		Msg("Workers removed")
	return nil
}

// runStuckBatchRecovery periodically requeues batches whose worker died
func (m *Manager) runStuckBatchRecovery() error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case <-ticker.C:
			if err := m.queue.RequeueStuck(m.ctx, stuckBatchTimeout); err != nil {
				m.logger.Error().Err(err).Msg("Failed to requeue stuck batches")
			}
		}
	}
}

// runQueueMonitoring periodically logs queue statistics
func (m *Manager) runQueueMonitoring() error {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case <-ticker.C:
			queueLength, err := m.queue.Length(m.ctx)
			if err != nil {
				m.logger.Error().Err(err).Msg("Failed to get queue length for monitoring")
				continue
			}

			inFlight, err := m.queue.InFlightBatches(m.ctx)
			if err != nil {
				m.logger.Error().Err(err).Msg("Failed to get in-flight batches for monitoring")
				continue
			}

			m.mutex.RLock()
			activeWorkers := len(m.workers)
			m.mutex.RUnlock()

			m.logger.Info().
				Int64("queue_length", queueLength).
				Int("in_flight_batches", len(inFlight)).
				Int("active_workers", activeWorkers).
				Msg("Queue monitoring stats")
		}
	}
}

// GetStats returns current manager statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	queueLength, _ := m.queue.Length(context.Background())
	inFlight, _ := m.queue.InFlightBatches(context.Background())

	return map[string]interface{}{
		"active_workers":    len(m.workers),
		"queue_length":      queueLength,
		"in_flight_batches": len(inFlight),
		"min_workers":       m.config.MinWorkers,
		"max_workers":       m.config.MaxWorkers,
	}
}
