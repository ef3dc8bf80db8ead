// Package migrations holds the embedded Postgres schema.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed *.sql
var files embed.FS

// FS returns the embedded migration files.
func FS() fs.FS {
	return files
}

// Up applies every pending migration. No pending migrations is not an
// error.
func Up(pool *pgxpool.Pool) error {
	return run(pool, func(m *migrate.Migrate) error { return m.Up() })
}

// Down reverts the last applied migration.
func Down(pool *pgxpool.Pool) error {
	return run(pool, func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// Version reports the applied version and whether it is dirty. Version is 0
// when nothing has been applied.
func Version(pool *pgxpool.Pool) (version uint, dirty bool, err error) {
	err = run(pool, func(m *migrate.Migrate) error {
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			version, err = 0, nil
		}
		return err
	})
	return version, dirty, err
}

func run(pool *pgxpool.Pool, fn func(*migrate.Migrate) error) error {
	source, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("open migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
