package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Audit event types emitted by the sweep core.
const (
	TypeSweepAttempted    = "sweep.attempted"
	TypeSweepSucceeded    = "sweep.succeeded"
	TypeSweepFailed       = "sweep.failed"
	TypeSweepHeld         = "sweep.held"
	TypeAllocationGranted = "energy.allocation_granted"
	TypeAllocationDenied  = "energy.allocation_denied"
)

const auditStream = "tronsweep:audit"

// Event is one structured audit record for the external audit
// subsystem. The core only writes; it never reads the stream back.
type Event struct {
	Type      string            `json:"type"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Emitter publishes audit events.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// StreamEmitter publishes events onto a Redis stream. Emission is
// best-effort: a failed append is logged, never propagated, so audit
// plumbing cannot fail a sweep.
type StreamEmitter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewStreamEmitter creates an emitter on the shared audit stream
func NewStreamEmitter(client *redis.Client, logger zerolog.Logger) *StreamEmitter {
	return &StreamEmitter{
		client: client,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Emit appends the event to the audit stream
func (e *StreamEmitter) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error().Err(err).Str("type", event.Type).Msg("Failed to marshal audit event")
		return
	}

	err = e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: auditStream,
		Values: map[string]interface{}{
			"type": event.Type,
			"data": string(payload),
		},
	}).Err()
	if err != nil {
		e.logger.Error().Err(err).Str("type", event.Type).Msg("Failed to publish audit event")
	}
}

// NopEmitter discards events; used in tests and when auditing is off.
type NopEmitter struct{}

// Emit implements Emitter
func (NopEmitter) Emit(ctx context.Context, event Event) {}
