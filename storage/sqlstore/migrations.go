package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

func dialectFor(driver string) (database.Dialect, error) {
	switch driver {
	case DriverSQLite:
		return database.DialectSQLite3, nil
	case DriverMySQL:
		return database.DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

// runMigrations applies every pending embedded migration. Already applied
// migrations are skipped, so it is safe to run on every start.
func runMigrations(ctx context.Context, db *sql.DB, driver string) ([]string, error) {
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db, migrationFS)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	applied := make([]string, 0, len(results))
	for _, r := range results {
		if r.Source != nil {
			applied = append(applied, r.Source.Path)
		}
	}
	return applied, nil
}
