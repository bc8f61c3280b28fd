package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	batchQueueKey = "sweep:batch_queue"
	inFlightKey   = "sweep:inflight"
)

// Queue wraps Redis operations for sweep batch dispatch. The database
// stays the source of truth for batch contents; Redis only carries the
// ordering and the in-flight claims.
type Queue struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewQueue creates a Redis batch queue client
func NewQueue(redisURL string, logger zerolog.Logger) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info().Msg("Connected to Redis successfully")

	return &Queue{
		client: client,
		logger: logger.With().Str("component", "queue").Logger(),
	}, nil
}

// PopBatch removes and returns the batch with the lowest score
// (highest priority). Returns an empty string when the queue is empty.
func (q *Queue) PopBatch(ctx context.Context) (string, error) {
	result, err := q.client.ZPopMin(ctx, batchQueueKey, 1).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("failed to pop batch from queue: %w", err)
	}

	if len(result) == 0 {
		return "", nil
	}

	batchID := result[0].Member.(string)
	q.logger.Debug().Str("batch_id", batchID).Msg("Popped batch from queue")
	return batchID, nil
}

// PushBatch adds a batch to the queue with the specified score. Lower
// scores dequeue first.
func (q *Queue) PushBatch(ctx context.Context, batchID string, score float64) error {
	err := q.client.ZAdd(ctx, batchQueueKey, redis.Z{
		Score:  score,
		Member: batchID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push batch to queue: %w", err)
	}

	q.logger.Debug().
		Str("batch_id", batchID).
		Float64("score", score).
		Msg("Pushed batch to queue")
	return nil
}

// SetInFlight marks a batch as claimed by a worker
func (q *Queue) SetInFlight(ctx context.Context, batchID, worker string) error {
	value := fmt.Sprintf("%s,%d", worker, time.Now().Unix())
	if err := q.client.HSet(ctx, inFlightKey, batchID, value).Err(); err != nil {
		return fmt.Errorf("failed to set batch in-flight: %w", err)
	}

	q.logger.Debug().
		Str("batch_id", batchID).
		Str("worker", worker).
		Msg("Marked batch as in-flight")
	return nil
}

// RemoveInFlight releases a batch's in-flight claim
func (q *Queue) RemoveInFlight(ctx context.Context, batchID string) error {
	if err := q.client.HDel(ctx, inFlightKey, batchID).Err(); err != nil {
		return fmt.Errorf("failed to remove batch from in-flight: %w", err)
	}

	q.logger.Debug().Str("batch_id", batchID).Msg("Removed batch from in-flight")
	return nil
}

// Length returns the number of batches waiting in the queue
func (q *Queue) Length(ctx context.Context) (int64, error) {
	length, err := q.client.ZCard(ctx, batchQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return length, nil
}

// InFlightBatches returns all batches currently claimed by workers
func (q *Queue) InFlightBatches(ctx context.Context) (map[string]string, error) {
	result, err := q.client.HGetAll(ctx, inFlightKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-flight batches: %w", err)
	}
	return result, nil
}

// RequeueStuck moves batches whose claim has outlived the timeout back
// to the front of the queue. Covers workers that died mid-batch.
func (q *Queue) RequeueStuck(ctx context.Context, timeout time.Duration) error {
	inFlight, err := q.InFlightBatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to get in-flight batches: %w", err)
	}

	cutoff := time.Now().Add(-timeout).Unix()
	requeued := 0

	for batchID, value := range inFlight {
		parts := strings.SplitN(value, ",", 2)
		if len(parts) != 2 {
			q.logger.Warn().Str("batch_id", batchID).Str("value", value).Msg("Invalid in-flight value format")
			continue
		}

		claimedAt, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			q.logger.Warn().Str("batch_id", batchID).Str("value", value).Msg("Invalid timestamp in in-flight value")
			continue
		}

		if claimedAt < cutoff {
			if err := q.PushBatch(ctx, batchID, 0); err != nil {
				q.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to requeue stuck batch")
				continue
			}
			if err := q.RemoveInFlight(ctx, batchID); err != nil {
				q.logger.Error().Err(err).Str("batch_id", batchID).Msg("Failed to remove requeued batch from in-flight")
			}

			requeued++
			q.logger.Info().
				Str("batch_id", batchID).
				Str("worker", parts[0]).
				Int64("stuck_minutes", (time.Now().Unix()-claimedAt)/60).
				Msg("Requeued stuck batch")
		}
	}

	if requeued > 0 {
		q.logger.Info().Int("count", requeued).Msg("Requeued stuck batches")
	}
	return nil
}

// Close closes the Redis connection
func (q *Queue) Close() error {
	return q.client.Close()
}
