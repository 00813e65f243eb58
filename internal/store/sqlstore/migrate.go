package sqlstore

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// SchemaVersion is the newest embedded migration.
const SchemaVersion = 1

// NewMigrator returns a migrator for driver (DriverSQLite or DriverPostgres)
// over its own connection to dsn. Close releases that connection.
func NewMigrator(driver, dsn string) (*migrate.Migrate, error) {
	var dialect string
	switch driver {
	case DriverSQLite:
		dialect = "sqlite"
	case DriverPostgres:
		dialect = "postgres"
	default:
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	var inst database.Driver
	if driver == DriverSQLite {
		inst, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	} else {
		inst, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	}
	if err != nil {
		db.Close()
		src.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dialect, inst)
	if err != nil {
		inst.Close()
		src.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func migrateUp(driver, dsn string) error {
	m, err := NewMigrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
