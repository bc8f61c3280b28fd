package database

import (
	"fmt"
	"os"
	"time"

	"github.com/sunwire/tronsweep/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Connect() (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_PORT"),
	)

	// Configure GORM with optimized settings
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	// Set connection pool limits
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate applies the schema for all sweep-core models.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.MasterKey{},
		&models.DepositAddress{},
		&models.SweepQueueItem{},
		&models.SweepLog{},
		&models.EnergySourceRecord{},
		&models.EnergyAllocation{},
		&models.WithdrawalBatch{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Composite indexes for the hot query paths
	db.Exec("CREATE INDEX IF NOT EXISTS idx_sweep_items_tenant_status ON sweep_queue_items(tenant_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_sweep_items_status_next_retry ON sweep_queue_items(status, next_retry_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_deposit_addresses_eligibility ON deposit_addresses(tenant_id, is_active, is_monitored)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_energy_allocations_status_expiry ON energy_allocations(status, expires_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_sweep_logs_item_attempt ON sweep_logs(queue_item_id, attempt)")

	return nil
}
