package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sunwire/tronsweep/internal/config"
	"github.com/sunwire/tronsweep/internal/database"
	"github.com/sunwire/tronsweep/internal/energy"
	"github.com/sunwire/tronsweep/internal/events"
	"github.com/sunwire/tronsweep/internal/executor"
	"github.com/sunwire/tronsweep/internal/keyvault"
	"github.com/sunwire/tronsweep/internal/logger"
	"github.com/sunwire/tronsweep/internal/models"
	"github.com/sunwire/tronsweep/internal/registry"
	"github.com/sunwire/tronsweep/internal/scheduler"
	"github.com/sunwire/tronsweep/internal/tron"
	"github.com/sunwire/tronsweep/internal/watcher"
	"gorm.io/gorm"
)

const (
	watcherInterval = 15 * time.Second
	reaperInterval  = time.Minute
)

func main() {
	// Parse command-line arguments
	envFile := flag.String("envFile", ".env", "Path to .env file")
	flag.Parse()

	// Load environment variables from the specified file
	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("No .env file found at %s, using environment variables", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.LogLevel)
	logg.Info().Msg("Starting tronsweep daemon")

	db, err := database.Connect()
	if err != nil {
		logg.Fatal().Err(err).Msg("Failed to connect to database")
	}

	queue, err := scheduler.NewQueue(cfg.RedisURL, logg)
	if err != nil {
		logg.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer queue.Close()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logg.Fatal().Err(err).Msg("Failed to parse Redis URL")
	}
	auditClient := redis.NewClient(redisOpt)
	defer auditClient.Close()
	emitter := events.NewStreamEmitter(auditClient, logg)

	nodePool := tron.NewPool(cfg.NodeEndpoints, logg)
	client := tron.NewClient(nodePool, logg)

	vault := keyvault.New(db, cfg.VaultPassphrase, logg)
	reg := registry.New(db, logg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	energyPool := energy.NewPool(db, cfg.HealthRefreshInterval, logg)
	if err := registerEnergySources(ctx, db, energyPool, client, cfg, logg); err != nil {
		logg.Fatal().Err(err).Msg("Failed to register energy sources")
	}

	caps := func(tenantID string) (int64, int64) {
		settings := cfg.TenantSettings(tenantID)
		return settings.HourlyEnergyCap, settings.DailyEnergyCap
	}
	allocator := energy.NewAllocator(db, energyPool, emitter, caps, logg)
	allocator.DelegateAddress = cfg.CollectionAddress

	exec := executor.New(db, cfg, vault, client, allocator, emitter, logg)
	sched := scheduler.NewScheduler(db, cfg, reg, allocator, queue, logg)
	manager := scheduler.NewManager(cfg, sched, queue, exec, logg)
	confirmWatcher := watcher.New(db, cfg, client, reg, emitter, logg)

	go func() {
		if err := energyPool.RunHealthLoop(ctx, cfg.HealthRefreshInterval); err != nil && err != context.Canceled {
			logg.Error().Err(err).Msg("Energy health loop stopped")
		}
	}()
	go func() {
		if err := allocator.RunReaper(ctx, reaperInterval); err != nil && err != context.Canceled {
			logg.Error().Err(err).Msg("Allocation reaper stopped")
		}
	}()
	go func() {
		if err := confirmWatcher.Run(ctx, watcherInterval); err != nil && err != context.Canceled {
			logg.Error().Err(err).Msg("Confirmation watcher stopped")
		}
	}()

	go serveMetrics(cfg.MetricsPort, logg)

	if err := manager.Start(); err != nil {
		logg.Fatal().Err(err).Msg("Failed to start sweep manager")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logg.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	cancel()
	if err := manager.Stop(); err != nil {
		logg.Error().Err(err).Msg("Manager shutdown failed")
	}
	logg.Info().Msg("tronsweep daemon stopped")
}

// registerEnergySources attaches the self-staked supply channel and any
// external providers already present in the database.
func registerEnergySources(ctx context.Context, db *gorm.DB, pool *energy.Pool, client *tron.Client, cfg config.Config, logg zerolog.Logger) error {
	selfStaked := energy.NewSelfStaked("self-staked", client, cfg.CollectionAddress, logg)

	record := &models.EnergySourceRecord{
		Name:     "self-staked",
		Type:     models.SourceTypeSelfStaked,
		Priority: 1,
	}
	if quote, err := selfStaked.Quote(ctx, 0); err == nil {
		record.TotalEnergy = quote.Available
		record.AvailableEnergy = quote.Available
	} else {
		logg.Warn().Err(err).Msg("Could not quote self-staked energy at startup")
	}
	if err := pool.Register(ctx, record, selfStaked); err != nil {
		return err
	}

	var providers []models.EnergySourceRecord
	err := db.WithContext(ctx).
		Where("type = ?", models.SourceTypeProvider).
		Find(&providers).Error
	if err != nil {
		return err
	}

	for i := range providers {
		record := &providers[i]
		if record.ProviderURL == "" {
			logg.Warn().Str("source", record.Name).Msg("Provider record has no URL, skipping")
			continue
		}
		provider := energy.NewProvider(record.Name, record.ProviderURL, record.APIKey, logg)
		if err := pool.Register(ctx, record, provider); err != nil {
			return err
		}
	}
	return nil
}

// serveMetrics exposes the Prometheus scrape endpoint.
func serveMetrics(port string, logg zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logg.Info().Str("port", port).Msg("Metrics server listening")
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logg.Error().Err(err).Msg("Metrics server stopped")
	}
}
