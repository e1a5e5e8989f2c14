package database

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sankofapay/installment-engine/internal/config"
	"github.com/sankofapay/installment-engine/internal/models"
)

// Open connects to Postgres, verifies the connection, and migrates the
// engine schema.
func Open(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Database.Host),
		zap.String("name", cfg.Database.Name))
	return db, nil
}

// Migrate creates or updates the engine tables. Shared with the test
// helpers so the in-memory schema matches production.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Contract{},
		&models.Installment{},
		&models.PaymentAttempt{},
		&models.RetrySubAttempt{},
		&models.Mandate{},
		&models.RetryPolicy{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
