package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for tronsweep
type Config struct {
	// Redis configuration
	RedisURL string

	// TRON node configuration
	NodeEndpoints []string

	// Worker configuration
	MinWorkers int
	MaxWorkers int

	// Sweep configuration
	CollectionAddress  string
	TokenContract      string
	DefaultMinSweep    decimal.Decimal
	MaxBatchSize       int
	MaxRetries         int
	SweepInterval      time.Duration
	BroadcastTimeout   time.Duration
	ConfirmationBlocks int

	// Fee configuration
	MaxGasPriceSun     int64
	GasPriceMultiplier float64
	SaaSFeeRate        decimal.Decimal
	FeeBurnFallback    bool

	// Energy configuration
	EnergyPerTransfer     int64
	HealthRefreshInterval time.Duration

	// Vault configuration
	VaultPassphrase string

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsPort string
}

// TenantSettings holds the read-only per-tenant knobs consumed by the
// sweep core. Values default to the global configuration; the admin
// subsystem that owns tenant onboarding may override them.
type TenantSettings struct {
	MinSweepAmount   decimal.Decimal
	MaxBatchSize     int
	MaxGasPriceSun   int64
	AutoSweepEnabled bool
	MaxRetries       int
	FeeBurnFallback  bool
	HourlyEnergyCap  int64
	DailyEnergyCap   int64
}

// TenantSettings returns the effective settings for a tenant.
func (c Config) TenantSettings(tenantID string) TenantSettings {
	_ = tenantID // overrides come from the external config subsystem
	return TenantSettings{
		MinSweepAmount:   c.DefaultMinSweep,
		MaxBatchSize:     c.MaxBatchSize,
		MaxGasPriceSun:   c.MaxGasPriceSun,
		AutoSweepEnabled: true,
		MaxRetries:       c.MaxRetries,
		FeeBurnFallback:  c.FeeBurnFallback,
	}
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	cfg := Config{
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		CollectionAddress: getEnv("COLLECTION_ADDRESS", ""),
		// USDT is the default swept token
		TokenContract:     getEnv("TRC20_CONTRACT", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"),
		VaultPassphrase:   getEnv("VAULT_PASSPHRASE", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		MetricsPort:       getEnv("METRICS_PORT", "9100"),
	}

	// Parse TRON node endpoints
	endpointsStr := getEnv("TRON_NODE_ENDPOINTS", "")
	if endpointsStr == "" {
		return cfg, fmt.Errorf("TRON_NODE_ENDPOINTS environment variable is required")
	}
	cfg.NodeEndpoints = strings.Split(endpointsStr, ",")
	for i, endpoint := range cfg.NodeEndpoints {
		cfg.NodeEndpoints[i] = strings.TrimSpace(endpoint)
	}

	var err error
	cfg.MinWorkers, err = parseIntEnv("MIN_WORKERS", 4)
	if err != nil {
		return cfg, fmt.Errorf("invalid MIN_WORKERS: %w", err)
	}

	cfg.MaxWorkers, err = parseIntEnv("MAX_WORKERS", 20)
	if err != nil {
		return cfg, fmt.Errorf("invalid MAX_WORKERS: %w", err)
	}

	cfg.MaxBatchSize, err = parseIntEnv("MAX_BATCH_SIZE", 20)
	if err != nil {
		return cfg, fmt.Errorf("invalid MAX_BATCH_SIZE: %w", err)
	}

	cfg.MaxRetries, err = parseIntEnv("MAX_RETRIES", 3)
	if err != nil {
		return cfg, fmt.Errorf("invalid MAX_RETRIES: %w", err)
	}

	cfg.ConfirmationBlocks, err = parseIntEnv("CONFIRMATION_BLOCKS", 19)
	if err != nil {
		return cfg, fmt.Errorf("invalid CONFIRMATION_BLOCKS: %w", err)
	}

	cfg.MaxGasPriceSun, err = parseInt64Env("MAX_GAS_PRICE_SUN", 420)
	if err != nil {
		return cfg, fmt.Errorf("invalid MAX_GAS_PRICE_SUN: %w", err)
	}

	cfg.EnergyPerTransfer, err = parseInt64Env("ENERGY_PER_TRANSFER", 65000)
	if err != nil {
		return cfg, fmt.Errorf("invalid ENERGY_PER_TRANSFER: %w", err)
	}

	cfg.GasPriceMultiplier, err = parseFloatEnv("GAS_PRICE_MULTIPLIER", 1.1)
	if err != nil {
		return cfg, fmt.Errorf("invalid GAS_PRICE_MULTIPLIER: %w", err)
	}

	cfg.DefaultMinSweep, err = parseDecimalEnv("DEFAULT_MIN_SWEEP", "10")
	if err != nil {
		return cfg, fmt.Errorf("invalid DEFAULT_MIN_SWEEP: %w", err)
	}

	cfg.SaaSFeeRate, err = parseDecimalEnv("SAAS_FEE_RATE", "0.001")
	if err != nil {
		return cfg, fmt.Errorf("invalid SAAS_FEE_RATE: %w", err)
	}

	cfg.SweepInterval, err = parseDurationEnv("SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return cfg, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}

	cfg.BroadcastTimeout, err = parseDurationEnv("BROADCAST_TIMEOUT", 15*time.Second)
	if err != nil {
		return cfg, fmt.Errorf("invalid BROADCAST_TIMEOUT: %w", err)
	}

	cfg.HealthRefreshInterval, err = parseDurationEnv("HEALTH_REFRESH_INTERVAL", 5*time.Minute)
	if err != nil {
		return cfg, fmt.Errorf("invalid HEALTH_REFRESH_INTERVAL: %w", err)
	}

	cfg.FeeBurnFallback = getEnv("FEE_BURN_FALLBACK", "false") == "true"

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.CollectionAddress == "" {
		return fmt.Errorf("COLLECTION_ADDRESS is required")
	}

	if !strings.HasPrefix(c.CollectionAddress, "T") || len(c.CollectionAddress) != 34 {
		return fmt.Errorf("COLLECTION_ADDRESS must be a base58 TRON address")
	}

	if !strings.HasPrefix(c.TokenContract, "T") || len(c.TokenContract) != 34 {
		return fmt.Errorf("TRC20_CONTRACT must be a base58 TRON address")
	}

	if c.VaultPassphrase == "" {
		return fmt.Errorf("VAULT_PASSPHRASE is required")
	}

	if len(c.NodeEndpoints) == 0 {
		return fmt.Errorf("at least one TRON node endpoint is required")
	}

	if c.MinWorkers < 1 {
		return fmt.Errorf("MIN_WORKERS must be at least 1")
	}

	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("MAX_WORKERS must be greater than or equal to MIN_WORKERS")
	}

	if c.MaxBatchSize < 1 {
		return fmt.Errorf("MAX_BATCH_SIZE must be at least 1")
	}

	if c.MaxGasPriceSun < 1 {
		return fmt.Errorf("MAX_GAS_PRICE_SUN must be positive")
	}

	if c.DefaultMinSweep.IsNegative() || c.DefaultMinSweep.IsZero() {
		return fmt.Errorf("DEFAULT_MIN_SWEEP must be positive")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(str)
}

// parseInt64Env parses an int64 environment variable with a default value
func parseInt64Env(key string, defaultValue int64) (int64, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(str, 10, 64)
}

// parseFloatEnv parses a float environment variable with a default value
func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(str, 64)
}

// parseDecimalEnv parses a decimal environment variable with a default value
func parseDecimalEnv(key, defaultValue string) (decimal.Decimal, error) {
	str := os.Getenv(key)
	if str == "" {
		str = defaultValue
	}
	return decimal.NewFromString(str)
}

// parseDurationEnv parses a duration environment variable with a default value
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(str)
}
