package energy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Provider is an external paid energy API wrapped behind the Source
// contract. Calls go through a circuit breaker that opens on a
// flapping provider, and a rate limiter that stays inside the
// provider's own quota.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter
	logger  zerolog.Logger
}

type providerQuote struct {
	Available    int64   `json:"available_energy"`
	UnitPriceSun float64 `json:"price_sun"`
}

type providerOrder struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// NewProvider creates an external provider client
func NewProvider(name, baseURL, apiKey string, logger zerolog.Logger) *Provider {
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Provider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(2.0), 4),
		logger:  logger.With().Str("component", "energy_provider").Str("provider", name).Logger(),
	}
}

// Name implements Source
func (p *Provider) Name() string {
	return p.name
}

// Quote implements Source
func (p *Provider) Quote(ctx context.Context, amount int64) (Quote, error) {
	body, err := p.call(ctx, "GET", "/api/v1/price", nil)
	if err != nil {
		return Quote{}, fmt.Errorf("provider %s price check failed: %w", p.name, err)
	}

	var quote providerQuote
	if err := json.Unmarshal(body, &quote); err != nil {
		return Quote{}, fmt.Errorf("provider %s returned malformed quote: %w", p.name, err)
	}

	return Quote{Available: quote.Available, UnitPriceSun: quote.UnitPriceSun}, nil
}

// Reserve implements Source by placing a delegation order.
func (p *Provider) Reserve(ctx context.Context, targetAddress string, amount int64, duration time.Duration) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"target_address": targetAddress,
		"amount":         amount,
		"duration_hours": int(duration.Hours()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal order: %w", err)
	}

	body, err := p.call(ctx, "POST", "/api/v1/orders", payload)
	if err != nil {
		return "", fmt.Errorf("provider %s order failed: %w", p.name, err)
	}

	var order providerOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return "", fmt.Errorf("provider %s returned malformed order: %w", p.name, err)
	}
	if order.OrderID == "" {
		return "", fmt.Errorf("provider %s accepted order without an id", p.name)
	}

	p.logger.Info().
		Str("order_id", order.OrderID).
		Str("target", targetAddress).
		Int64("amount", amount).
		Msg("Energy order placed")
	return order.OrderID, nil
}

// CheckStatus fetches the state of a previously placed order.
func (p *Provider) CheckStatus(ctx context.Context, orderID string) (string, error) {
	body, err := p.call(ctx, "GET", "/api/v1/orders/"+orderID, nil)
	if err != nil {
		return "", fmt.Errorf("provider %s status check failed: %w", p.name, err)
	}

	var order providerOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return "", fmt.Errorf("provider %s returned malformed status: %w", p.name, err)
	}
	return order.Status, nil
}

// Health implements Source with a short-deadline liveness probe.
func (p *Provider) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := p.call(ctx, "GET", "/api/v1/health", nil); err != nil {
		return fmt.Errorf("provider %s health probe failed: %w", p.name, err)
	}
	return nil
}

// call performs one HTTP request through the limiter and breaker.
func (p *Provider) call(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return p.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, body)
		}
		return body, nil
	})
}
