// Package migrations applies the embedded SQLite schema for the chat store.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

var (
	// ErrDriverCreation is returned when the sqlite driver cannot be created.
	ErrDriverCreation = errors.New("failed to create sqlite driver")

	// ErrSourceCreation is returned when the migration source driver cannot be created.
	ErrSourceCreation = errors.New("failed to create source driver")

	// ErrMigrateInstance is returned when the migrate instance cannot be created.
	ErrMigrateInstance = errors.New("failed to create migrate instance")

	// ErrMigrationFailed is returned when migrations fail to run.
	ErrMigrationFailed = errors.New("failed to run migrations")
)

// Run applies all pending migrations to db.
func Run(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDriverCreation, err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "sql")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceCreation, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMigrateInstance, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	return nil
}

// Version reports the applied schema version and whether it is dirty.
func Version(db *sql.DB) (uint, bool, error) {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrDriverCreation, err)
	}
	v, dirty, err := driver.Version()
	if err != nil {
		return 0, false, err
	}
	if v < 0 {
		return 0, false, nil
	}
	return uint(v), dirty, nil
}
