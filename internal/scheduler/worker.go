package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sunwire/tronsweep/internal/logger"
)

// BatchExecutor runs one claimed withdrawal batch to completion.
type BatchExecutor interface {
	Execute(ctx context.Context, batchID string) error
}

// Worker is a single batch processing worker
type Worker struct {
	id       string
	queue    *Queue
	executor BatchExecutor
	logger   zerolog.Logger
	stopped  bool
}

// NewWorker creates a new worker instance
func NewWorker(id string, queue *Queue, executor BatchExecutor, baseLogger zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		queue:    queue,
		executor: executor,
		logger:   logger.WithWorker(baseLogger, id),
	}
}

// Start begins the worker processing loop
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Msg("Starting worker")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker received shutdown signal")
			return ctx.Err()
		default:
			if w.stopped {
				w.logger.Info().Msg("Worker stopped")
				return nil
			}

			if err := w.processBatch(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Failed to process batch")

				// Brief pause to avoid tight error loops
				select {
				case <-time.After(5 * time.Second):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Stop signals the worker to stop gracefully
func (w *Worker) Stop() {
	w.stopped = true
	w.logger.Info().Msg("Worker stop signal received")
}

// processBatch claims and executes a single batch from the queue
func (w *Worker) processBatch(ctx context.Context) error {
	batchID, err := w.queue.PopBatch(ctx)
	if err != nil {
		return fmt.Errorf("failed to pop batch from queue: %w", err)
	}

	if batchID == "" {
		// Brief pause when the queue is empty to avoid spinning
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	if err := w.queue.SetInFlight(ctx, batchID, w.id); err != nil {
		w.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to mark batch as in-flight")
		// Re-queue the batch since we couldn't track it
		if requeueErr := w.queue.PushBatch(ctx, batchID, 0); requeueErr != nil {
			w.logger.Error().Err(requeueErr).Str("batch_id", batchID).Msg("Failed to requeue batch after in-flight error")
		}
		return err
	}

	batchLogger := logger.WithBatch(w.logger, batchID)
	startTime := time.Now()

	batchLogger.Info().Msg("Starting batch execution")
	err = w.executor.Execute(ctx, batchID)
	duration := time.Since(startTime)

	if removeErr := w.queue.RemoveInFlight(ctx, batchID); removeErr != nil {
		batchLogger.Error().Err(removeErr).Msg("Failed to remove batch from in-flight tracking")
	}

	if err != nil {
		batchLogger.Error().Err(err).Dur("duration", duration).Msg("Batch execution failed")
		return fmt.Errorf("batch execution failed: %w", err)
	}

	batchLogger.Info().Dur("duration", duration).Msg("Batch execution completed")
	return nil
}
