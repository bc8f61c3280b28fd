package tron

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRoundRobin(t *testing.T) {
	pool := NewPool([]string{"http://node-a", "http://node-b"}, zerolog.Nop())
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		_, endpoint, err := pool.GetClient(ctx)
		require.NoError(t, err)
		seen[endpoint] = true
	}

	assert.Len(t, seen, 2, "round-robin should rotate across all endpoints")
}

func TestPoolSkipsUnhealthyEndpoint(t *testing.T) {
	pool := NewPool([]string{"http://node-a", "http://node-b"}, zerolog.Nop())
	ctx := context.Background()

	pool.MarkUnhealthy("http://node-a")
	assert.Equal(t, 1, pool.HealthyEndpointCount())

	for i := 0; i < 4; i++ {
		_, endpoint, err := pool.GetClient(ctx)
		require.NoError(t, err)
		assert.Equal(t, "http://node-b", endpoint)
	}

	pool.MarkHealthy("http://node-a")
	assert.Equal(t, 2, pool.HealthyEndpointCount())
}

func TestPoolCooldown(t *testing.T) {
	pool := NewPool([]string{"http://node-a", "http://node-b"}, zerolog.Nop())
	ctx := context.Background()

	pool.SetCooldown("http://node-a", time.Minute)
	assert.Equal(t, 1, pool.HealthyEndpointCount())

	_, endpoint, err := pool.GetClient(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://node-b", endpoint)

	// MarkHealthy clears the cooldown
	pool.MarkHealthy("http://node-a")
	assert.Equal(t, 2, pool.HealthyEndpointCount())
}
