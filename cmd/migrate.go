package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wxbridge/internal/config"
	"github.com/nextlevelbuilder/wxbridge/internal/lockfile"
	"github.com/nextlevelbuilder/wxbridge/internal/store/sqlstore"
)

// migrationTarget resolves the SQL driver and DSN of the configured state backend.
func migrationTarget(cfg *config.Config) (driver, dsn string, err error) {
	switch cfg.State.Backend {
	case "sqlite":
		return sqlstore.DriverSQLite, sqlstore.SQLiteDSN(cfg.DataDir()), nil
	case "postgres":
		if cfg.State.PostgresDSN == "" {
			return "", "", fmt.Errorf("state.postgres_dsn is not set (WXBRIDGE_POSTGRES_DSN)")
		}
		return sqlstore.DriverPostgres, cfg.State.PostgresDSN, nil
	case "", "file":
		return "", "", fmt.Errorf("state backend %q has no schema; migrations apply to sqlite and postgres", "file")
	default:
		return "", "", fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

// withMigrator opens a migrator for the configured backend while holding the data dir lock.
func withMigrator(fn func(m *migrate.Migrate) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	driver, dsn, err := migrationTarget(cfg)
	if err != nil {
		return err
	}
	lock, err := lockfile.Acquire(cfg.DataDir())
	if err != nil {
		return err
	}
	defer lock.Release()

	m, err := sqlstore.NewMigrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "State database migration management",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateVersionCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate up: %w", err)
				}
				v, dirty, _ := m.Version()
				slog.Info("migrate.up", "version", v, "dirty", dirty)
				return nil
			})
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				steps = 1
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate down: %w", err)
				}
				v, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					slog.Info("migrate.down", "version", "none")
					return nil
				}
				slog.Info("migrate.down", "version", v, "dirty", dirty)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")
	return cmd
}

func migrateVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				v, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Printf("version: none (latest %d)\n", sqlstore.SchemaVersion)
					return nil
				}
				if err != nil {
					return fmt.Errorf("get version: %w", err)
				}
				fmt.Printf("version: %d, dirty: %v (latest %d)\n", v, dirty, sqlstore.SchemaVersion)
				return nil
			})
		},
	}
}
