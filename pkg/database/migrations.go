package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// RunMigrations applies pending migrations from the files embedded into
// the binary, so deployments never depend on migration files on disk.
// The target schema comes from the connection's search_path, which is
// how tests isolate themselves in per-test schemas.
func RunMigrations(db *sql.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found - binary may be built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "campaignd", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB passed via
	// postgres.WithInstance().
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations reports whether the embedded FS contains any
// .sql migration files.
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}

	return false, nil
}
