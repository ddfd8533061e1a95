// Package database opens the relational store and keeps its schema current.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/tickerex/internal/config"
	"github.com/Aidin1998/tickerex/internal/settlement"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/Aidin1998/tickerex/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database and sizes its pool
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: cfg.Driver == "postgres",
		NowFunc:     func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == "sqlite" {
		// one writer at a time; transactions must not wait on a second connection
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	log.Info("Connected to database",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", maxOpen))
	return db, nil
}

// Migrate creates or updates the tables owned by this service
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Order{}, &model.Trade{}, &settlement.Message{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// ReportPoolStats publishes connection pool gauges every interval until ctx ends
func ReportPoolStats(ctx context.Context, db *gorm.DB, name string, interval time.Duration) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats := sqlDB.Stats()
		metrics.DBOpenConns.WithLabelValues(name).Set(float64(stats.OpenConnections))
		metrics.DBInUseConns.WithLabelValues(name).Set(float64(stats.InUse))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
