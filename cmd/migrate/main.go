// Command migrate manages the paylock schema via goose.
//
// Usage:
//
//	go run ./cmd/migrate up             # Apply all pending migrations
//	go run ./cmd/migrate down           # Roll back the last migration
//	go run ./cmd/migrate status         # Show migration status
//	go run ./cmd/migrate up-to <n>      # Migrate up to a specific version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const migrationsDir = "migrations"

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: migrate <up|down|status|version|redo|up-to|down-to> [args]")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	command, rest := args[0], args[1:]
	if err := goose.RunContext(context.Background(), command, db, migrationsDir, rest...); err != nil {
		return fmt.Errorf("migration %s: %w", command, err)
	}
	return nil
}
