package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/database"
	"github.com/quarrylabs/quarry/pkg/logging"
	"github.com/quarrylabs/quarry/pkg/schema"
)

// Version is set at build time via ldflags
var Version = "dev"

// main brings a database up to date with the model definitions: it applies
// the system-table migrations, loads the YAML schema directory, and syncs
// per-model DDL. Run it after every schema change and on fresh databases.
func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("schema_dir", cfg.SchemaDir),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
	)

	ctx := context.Background()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Schema sync failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Schema sync complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	connStr := cfg.Database.ConnectionString()

	// Migrations need database/sql; the engine itself runs on pgx.
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, logger); err != nil {
		return err
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	models, err := schema.LoadDir(cfg.SchemaDir)
	if err != nil {
		return err
	}

	registry := schema.NewRegistry()
	for _, m := range models {
		if err := registry.Register(m); err != nil {
			return err
		}
	}
	if err := registry.SetUp(); err != nil {
		return err
	}
	logger.Info("Registry sealed", zap.Int("models", len(models)))

	return schema.SyncDDL(ctx, db, registry, logger)
}
