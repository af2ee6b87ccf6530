package main

import (
	"GoldLedger/internal/config"
	"GoldLedger/internal/observability"
	"GoldLedger/internal/persistence"
	"GoldLedger/migrations"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they are applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  GOLDLEDGER_POSTGRES_DSN   - Postgres connection string")
		fmt.Println("  GOLDLEDGER_MIGRATIONS_DIR - read migrations from disk instead of the embedded set")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var fsys fs.FS = migrations.FS
	if cfg.Migrations.Dir != "" {
		fsys = os.DirFS(cfg.Migrations.Dir)
	}
	migrator := persistence.NewMigrator(db, fsys, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%-10s %-8s %s\n", s.Version, state, s.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
