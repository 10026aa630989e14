package postgres

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies the embedded schema migrations to the database at dsn.
// Safe to run on every startup: goose tracks applied versions.
func Migrate(dsn string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("op=migrate.dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("op=migrate.open: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("op=migrate.up: %w", err)
	}
	return nil
}
