package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS { return migrationFiles }

// MigrationManager manages database migrations
type MigrationManager struct {
	migrate *migrate.Migrate
}

func newSource() (source.Driver, error) {
	d, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}
	return d, nil
}

// NewMigrationManager wires the embedded migrations to db. Close also closes db.
func NewMigrationManager(db *sql.DB, databaseName string) (*MigrationManager, error) {
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations",
		DatabaseName:    databaseName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}
	return newManager(dbDriver, databaseName)
}

func newManager(dbDriver migratedb.Driver, databaseName string) (*MigrationManager, error) {
	sourceDriver, err := newSource()
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return &MigrationManager{migrate: m}, nil
}

// Up runs all pending migrations
func (mm *MigrationManager) Up() error {
	if err := mm.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back every migration
func (mm *MigrationManager) Down() error {
	if err := mm.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	return nil
}

// Steps runs n migrations (positive for up, negative for down)
func (mm *MigrationManager) Steps(n int) error {
	if err := mm.migrate.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run %d migration steps: %w", n, err)
	}
	return nil
}

// Version returns the current migration version
func (mm *MigrationManager) Version() (uint, bool, error) {
	version, dirty, err := mm.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Force sets the migration version without running migrations
func (mm *MigrationManager) Force(version int) error {
	if err := mm.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

func (mm *MigrationManager) Close() error {
	sourceErr, dbErr := mm.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("failed to close migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migration database: %w", dbErr)
	}
	return nil
}

// AutoMigrate applies pending migrations on a dedicated connection, leaving
// db open for the caller. The postgres driver serialises concurrent runs with
// an advisory lock.
func AutoMigrate(ctx context.Context, db *sql.DB, databaseName string) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection: %w", err)
	}
	dbDriver, err := postgres.WithConnection(ctx, conn, &postgres.Config{
		MigrationsTable: "schema_migrations",
		DatabaseName:    databaseName,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	mm, err := newManager(dbDriver, databaseName)
	if err != nil {
		dbDriver.Close()
		return err
	}
	defer mm.Close()

	version, dirty, err := mm.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	return mm.Up()
}
