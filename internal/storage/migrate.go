package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrations embed.FS

// Migrations returns the migration files for a dialect.
func Migrations(d Dialect) (fs.FS, error) {
	dir := "migrations/sqlite"
	if d.IsPostgres() {
		dir = "migrations/postgres"
	}
	return fs.Sub(migrations, dir)
}

// Migrate applies every pending migration.
func Migrate(ctx context.Context, db *DB) error {
	sub, err := Migrations(db.Dialect)
	if err != nil {
		return err
	}
	goose.SetBaseFS(sub)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(db.Dialect.Goose()); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.DB, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
