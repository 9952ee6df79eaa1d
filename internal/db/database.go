package db

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bridge-agent/internal/config"
	"bridge-agent/internal/metrics"
	"bridge-agent/internal/models"
)

var DB *gorm.DB

// InitDB opens the configured database into DB and migrates it.
func InitDB(cfg config.DatabaseConfig, log *logrus.Logger) error {
	gdb, err := Open(cfg, log)
	if err != nil {
		return err
	}
	if err := Migrate(gdb, log); err != nil {
		return err
	}
	DB = gdb
	return nil
}

// Open connects with the postgres or sqlite driver.
func Open(cfg config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		CreateBatchSize:                          1000,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.Driver == "sqlite" {
		// one writer, or concurrent upserts fail with SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}

	metrics.DBConnectionStatus.Set(1)
	if log != nil {
		log.WithField("driver", cfg.Driver).Info("✅ Database connected successfully")
	}
	return gdb, nil
}

// Migrate creates or updates every table.
func Migrate(gdb *gorm.DB, log *logrus.Logger) error {
	if log != nil {
		log.Info("🚀 Starting database schema migration with GORM AutoMigrate...")
	}
	if err := gdb.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("AutoMigrate failed: %w", err)
	}
	if log != nil {
		log.Info("✅ Database schema migrated successfully")
	}
	return nil
}

// Close closes the underlying pool.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
