// Command migrate manages the Postgres schema for the trust score store.
//
// Usage:
//
//	migrate up                 # Apply all pending migrations
//	migrate down               # Roll back the last migration
//	migrate status             # Show migration status
//	migrate redo               # Roll back and re-apply the last migration
//	migrate up-to 2            # Migrate up to a specific version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/urfave/cli/v2"

	"github.com/blockid/trustledger/internal/logging"
	"github.com/blockid/trustledger/migrations"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	app := &cli.App{
		Name:  "migrate",
		Usage: "run trust score store migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Postgres connection string",
				EnvVars:  []string{"DATABASE_URL"},
				Required: true,
			},
		},
		Commands: []*cli.Command{
			gooseCommand("up", "apply all pending migrations", 0),
			gooseCommand("down", "roll back the last migration", 0),
			gooseCommand("status", "show migration status", 0),
			gooseCommand("version", "show the current schema version", 0),
			gooseCommand("redo", "roll back and re-apply the last migration", 0),
			gooseCommand("up-to", "migrate up to VERSION", 1),
			gooseCommand("down-to", "roll back down to VERSION", 1),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func gooseCommand(name, usage string, nargs int) *cli.Command {
	cmd := &cli.Command{
		Name:  name,
		Usage: usage,
		Action: func(c *cli.Context) error {
			if c.NArg() != nargs {
				return fmt.Errorf("%s takes %d argument(s)", name, nargs)
			}
			return run(c.Context, c.String("database-url"), name, c.Args().Slice()...)
		},
	}
	if nargs > 0 {
		cmd.ArgsUsage = "VERSION"
	}
	return cmd
}

func run(ctx context.Context, dsn, command string, args ...string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	return migrations.Run(ctx, db, command, args...)
}
