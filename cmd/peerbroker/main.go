// Package main is the entrypoint for peer-broker.
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/peer-broker/internal/config"
	"github.com/morezero/peer-broker/internal/server"
	"github.com/morezero/peer-broker/pkg/db"
)

const usage = `Usage: peerbroker [command]
       peerbroker serve              Start the broker (COMMS API, HTTP health and metrics).
       peerbroker migrate up         Run database migrations.
       peerbroker migrate down       Roll back one migration (not supported by every migration).
       peerbroker migrate status     Show migration status.
       peerbroker ensure-db [name]   Create database if missing (default name: peerbroker_test). Uses DATABASE_URL host/user.
       peerbroker clear              Truncate peers, collectives, addresses and message info; schema is preserved.
       peerbroker seed [file]        Seed peers, collectives and message info from a directory file.

Environment: DATABASE_URL (required for all but serve), MIGRATION_PATH, BROKER_KIND (memory|nats),
COMMS_URL, HTTP_ADDR (default :8080), PEERBROKER_DIRECTORY_FILE, SEED_FILE. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("peerbroker migrate: require subcommand (up, down, status)")
		}
		var run func(context.Context, *config.Config, *pgxpool.Pool) error
		switch args[1] {
		case "up":
			run = migrateUp
		case "status":
			run = func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
			}
		case "down":
			run = func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return db.MigrationDown(ctx, pool, cfg.MigrationPath, os.Stdout)
			}
		default:
			log.Fatalf("peerbroker migrate: unknown subcommand %q (use up, down, status)", args[1])
		}
		if err := withPool(run); err != nil {
			log.Fatalf("peerbroker migrate %s: %v", args[1], err)
		}
		return
	case "clear":
		err := withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
			return db.ClearDirectory(ctx, pool)
		})
		if err != nil {
			log.Fatalf("peerbroker clear: %v", err)
		}
		return
	case "seed":
		file := ""
		if len(args) > 1 {
			file = args[1]
		}
		err := withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
			return db.SeedDirectory(ctx, pool, seedPath(file, cfg))
		})
		if err != nil {
			log.Fatalf("peerbroker seed: %v", err)
		}
		return
	case "ensure-db":
		name := "peerbroker_test"
		if len(args) > 1 && args[1] != "" {
			name = args[1]
		}
		if err := runEnsureDB(name); err != nil {
			log.Fatalf("peerbroker ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("peerbroker: %v", err)
	}
}

// withPool loads the config, opens the database and runs fn against it.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func migrateUp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// seedPath picks the directory file to seed: the argument, then SEED_FILE, then
// PEERBROKER_DIRECTORY_FILE. Empty means the default search locations.
func seedPath(arg string, cfg *config.Config) string {
	switch {
	case arg != "":
		return arg
	case cfg.SeedFile != "":
		return cfg.SeedFile
	default:
		return cfg.DirectoryFile
	}
}

// targetDatabaseURL swaps the database name of databaseURL, keeping host, user and query.
func targetDatabaseURL(databaseURL, name string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + name
	return u.String(), nil
}

func runEnsureDB(name string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	target, err := targetDatabaseURL(cfg.DatabaseURL, name)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), target); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", name)
	return nil
}
