package migrate

import (
	"context"
	"fmt"

	"github.com/createtree2017/createtree/pkg/storage"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Debug  bool
	DBType string
	DBConn string
}

// Run creates or upgrades the job tables.
func Run(ctx context.Context, cfg *Config) error {
	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return fmt.Errorf("migrate: couldn't create: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("migrate: couldn't start: %w", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: couldn't migrate: %w", err)
	}
	log.Info().Str("db", cfg.DBType).Msg("migrate: database is up to date")
	return nil
}
