package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// getMigrationsPath locates the migrations directory across the execution
// contexts we run in (repo root, db/, containers with a copied tree).
func getMigrationsPath() (string, error) {
	possiblePaths := []string{
		"db/migrations",
		"migrations",
		"./db/migrations",
		"./migrations",
	}
	for _, path := range possiblePaths {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(path)
			if err != nil {
				return "", fmt.Errorf("absolute path for %s: %w", path, err)
			}
			return "file://" + absPath, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found in any of: %v", possiblePaths)
}

// RunMigrations applies versioned migrations from db/migrations using
// golang-migrate. Safe to run repeatedly; a run with nothing to apply is not
// an error.
//
// Migration files follow the usual convention:
//
//	000001_description.up.sql
//	000001_description.down.sql
func RunMigrations(db *sql.DB) error {
	migrationsPath, err := getMigrationsPath()
	if err != nil {
		return err
	}
	return RunMigrationsFromPath(db, migrationsPath)
}

// RunMigrationsFromPath runs migrations from a custom source path.
func RunMigrationsFromPath(db *sql.DB, migrationsPath string) error {
	m, err := newMigrator(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db"))
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version",
			slog.String("component", "db"),
			slog.Any("err", err))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, manual intervention required", version)
	}
	slog.Info("migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db"))
	return nil
}

// MigrateDown rolls back the most recent migration. Development and
// emergency use only; rollbacks can drop data.
func MigrateDown(db *sql.DB) error {
	migrationsPath, err := getMigrationsPath()
	if err != nil {
		return err
	}
	m, err := newMigrator(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("no migrations to roll back", slog.String("component", "db"))
			return nil
		}
		return fmt.Errorf("roll back migration: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		// Rolling back the last migration leaves no version to report.
		slog.Info("rolled back to empty schema", slog.String("component", "db"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d after rollback, manual intervention required", version)
	}
	slog.Info("migration rolled back",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db"))
	return nil
}

// GetMigrationVersion reports the current schema version and dirty flag.
func GetMigrationVersion(db *sql.DB) (version uint, dirty bool, err error) {
	migrationsPath, err := getMigrationsPath()
	if err != nil {
		return 0, false, err
	}
	m, err := newMigrator(db, migrationsPath)
	if err != nil {
		return 0, false, err
	}
	v, d, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get migration version: %w", err)
	}
	return v, d, nil
}

func newMigrator(db *sql.DB, migrationsPath string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}
