// Command migrate applies the schema in migrations/ with goose.
//
// Usage:
//
//	go run ./cmd/migrate up              # apply all pending migrations
//	go run ./cmd/migrate up-to 3         # apply up to and including version 3
//	go run ./cmd/migrate down            # roll back the latest migration
//	go run ./cmd/migrate down-to 0       # roll back everything
//	go run ./cmd/migrate status          # list migrations and their state
//	go run ./cmd/migrate version         # print the current schema version
//
// DATABASE_URL selects the database, as it does for the server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/taskhold/internal/logging"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the goose SQL files")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline for the command")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-dir migrations] <up|up-to N|down|down-to N|status|version>")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	// Not config.Load: migrations must not require the server's secrets.
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, dsn, *dir, flag.Args(), logger); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, dsn, dir string, args []string, logger *slog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(dir))
	if err != nil {
		return fmt.Errorf("load migrations from %s: %w", dir, err)
	}

	switch cmd := args[0]; cmd {
	case "up":
		results, err := provider.Up(ctx)
		logResults(logger, results...)
		return err
	case "up-to", "down-to":
		if len(args) < 2 {
			return fmt.Errorf("%s needs a target version", cmd)
		}
		version, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad version %q: %w", args[1], err)
		}
		var results []*goose.MigrationResult
		if cmd == "up-to" {
			results, err = provider.UpTo(ctx, version)
		} else {
			results, err = provider.DownTo(ctx, version)
		}
		logResults(logger, results...)
		return err
	case "down":
		result, err := provider.Down(ctx)
		if result != nil {
			logResults(logger, result)
		}
		return err
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := "-"
			if !st.AppliedAt.IsZero() {
				applied = st.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-6d %-10s %-25s %s\n", st.Source.Version, st.State, applied, st.Source.Path)
		}
		return nil
	case "version":
		version, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(version)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func logResults(logger *slog.Logger, results ...*goose.MigrationResult) {
	if len(results) == 0 {
		logger.Info("no migrations to apply")
		return
	}
	for _, r := range results {
		logger.Info("migration applied",
			"version", r.Source.Version,
			"direction", r.Direction,
			"duration", r.Duration,
			"path", r.Source.Path,
		)
	}
}
