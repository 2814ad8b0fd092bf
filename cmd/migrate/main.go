package main

import (
	"IndexVault/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"text/tabwriter"

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
		fmt.Println("  VAULT_POSTGRES_DSN - Postgres connection string")
		fmt.Println("  MIGRATIONS_DIR     - read migrations from this directory instead of the embedded set")
		os.Exit(1)
	}

	pgURL := os.Getenv("VAULT_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/indexvault?sslmode=disable"
	}

	var files fs.FS = persistence.EmbeddedMigrations()
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate status: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
		for _, s := range status {
			fmt.Fprintf(w, "%s\t%s\t%t\n", s.Version, s.Filename, s.Applied)
		}
		w.Flush()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
