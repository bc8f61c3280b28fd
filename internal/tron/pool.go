package tron

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sunwire/tronsweep/internal/metrics"
	"golang.org/x/time/rate"
)

// Pool manages a set of TRON full-node endpoints with load balancing
// and per-endpoint rate limiting.
type Pool struct {
	endpoints []*Endpoint
	current   int
	mutex     sync.RWMutex
	logger    zerolog.Logger
}

// Endpoint represents a single node endpoint with its own rate limiter
type Endpoint struct {
	URL           string
	client        *http.Client
	limiter       *rate.Limiter
	healthy       bool
	cooldownUntil time.Time
	mutex         sync.RWMutex
}

// NewPool creates a new node pool with the given endpoints
func NewPool(urls []string, logger zerolog.Logger) *Pool {
	endpoints := make([]*Endpoint, len(urls))

	for i, url := range urls {
		endpoints[i] = &Endpoint{
			URL: url,
			client: &http.Client{
				Timeout: 30 * time.Second,
			},
			// Public TRON nodes throttle aggressively; stay well under
			limiter: rate.NewLimiter(rate.Limit(5.0), 10),
			healthy: true,
		}

		metrics.SetNodeHealth(url, true)
	}

	return &Pool{
		endpoints: endpoints,
		current:   rand.Intn(len(endpoints)),
		logger:    logger.With().Str("component", "node_pool").Logger(),
	}
}

// GetClient returns the next available node client using round-robin
func (p *Pool) GetClient(ctx context.Context) (*http.Client, string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	attempts := 0
	startIndex := p.current

	for {
		endpoint := p.endpoints[p.current]
		p.current = (p.current + 1) % len(p.endpoints)
		attempts++

		endpoint.mutex.RLock()
		inCooldown := time.Now().Before(endpoint.cooldownUntil)
		healthy := endpoint.healthy
		endpoint.mutex.RUnlock()

		if inCooldown || !healthy {
			p.logger.Debug().
				Str("endpoint", endpoint.URL).
				Bool("in_cooldown", inCooldown).
				Msg("Endpoint unavailable, skipping")

			if attempts >= len(p.endpoints) {
				break
			}
			continue
		}

		if endpoint.limiter.Allow() {
			return endpoint.client, endpoint.URL, nil
		}

		if attempts >= len(p.endpoints) {
			break
		}
	}

	// All endpoints rate limited or unhealthy; wait on the first one
	endpoint := p.endpoints[startIndex]

	reservation := endpoint.limiter.Reserve()
	if !reservation.OK() {
		return nil, "", fmt.Errorf("rate limiter failed to make reservation")
	}

	delay := reservation.Delay()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			reservation.Cancel()
			return nil, "", ctx.Err()
		}
	}

	return endpoint.client, endpoint.URL, nil
}

// MarkUnhealthy marks an endpoint as unhealthy
func (p *Pool) MarkUnhealthy(url string) {
	for _, endpoint := range p.endpoints {
		if endpoint.URL == url {
			endpoint.mutex.Lock()
			endpoint.healthy = false
			endpoint.mutex.Unlock()

			metrics.SetNodeHealth(url, false)
			p.logger.Warn().Str("endpoint", url).Msg("Marked endpoint as unhealthy")
			break
		}
	}
}

// MarkHealthy marks an endpoint as healthy and clears any cooldown
func (p *Pool) MarkHealthy(url string) {
	for _, endpoint := range p.endpoints {
		if endpoint.URL == url {
			endpoint.mutex.Lock()
			wasUnhealthy := !endpoint.healthy
			endpoint.healthy = true
			endpoint.cooldownUntil = time.Time{}
			endpoint.mutex.Unlock()

			metrics.SetNodeHealth(url, true)
			if wasUnhealthy {
				p.logger.Info().Str("endpoint", url).Msg("Marked endpoint as healthy")
			}
			break
		}
	}
}

// SetCooldown puts an endpoint in cooldown for the specified duration
func (p *Pool) SetCooldown(url string, duration time.Duration) {
	for _, endpoint := range p.endpoints {
		if endpoint.URL == url {
			endpoint.mutex.Lock()
			endpoint.cooldownUntil = time.Now().Add(duration)
			endpoint.mutex.Unlock()

			p.logger.Warn().
				Str("endpoint", url).
				Dur("duration", duration).
				Msg("Set endpoint cooldown")
			break
		}
	}
}

// HealthyEndpointCount returns the number of usable endpoints
func (p *Pool) HealthyEndpointCount() int {
	count := 0
	for _, endpoint := range p.endpoints {
		endpoint.mutex.RLock()
		if endpoint.healthy && time.Now().After(endpoint.cooldownUntil) {
			count++
		}
		endpoint.mutex.RUnlock()
	}
	return count
}
