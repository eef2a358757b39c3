package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// migrateUp applies the embedded migrations in dir using an already-open
// database driver. The driver is not closed here since it wraps the caller's
// connection.
func migrateUp(dir, driverName string, driver database.Driver) error {
	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to load migrations from %s: %w", dir, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to initialise migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}
