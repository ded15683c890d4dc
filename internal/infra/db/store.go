package db

import (
	"context"
	"fmt"
	"log/slog"

	"imgate/internal/config"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	DB        *gorm.DB
	Assets    *AssetRepository
	Purchases *PurchaseRepository
}

// NewStore opens the configured database. The memory driver returns a store
// with a nil DB; callers use the in-memory repositories instead.
func NewStore(cfg config.Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case config.DatabasePostgres:
		dialector = postgres.Open(cfg.PostgresDSN)
	case config.DatabaseSQLite:
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		log.Info("no database configured; running with in-memory stores", "driver", cfg.DatabaseDriver)
		return &Store{}, nil
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.DatabaseDriver, err)
	}
	return NewStoreFromDB(gdb), nil
}

func NewStoreFromDB(gdb *gorm.DB) *Store {
	return &Store{
		DB:        gdb,
		Assets:    NewAssetRepository(gdb),
		Purchases: NewPurchaseRepository(gdb),
	}
}

func (s *Store) Enabled() bool {
	return s != nil && s.DB != nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if !s.Enabled() {
		return errDBUnavailable
	}
	if err := s.DB.WithContext(ctx).AutoMigrate(&AssetModel{}, &PurchaseModel{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
