// Package migrations embeds SQL migration files and provides a function to apply them.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS contains the embedded SQL migration files, one directory per dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS

// Dir returns the migration directory and goose dialect for a database driver name.
func Dir(driver string) (dir, dialect string, err error) {
	switch driver {
	case "sqlite":
		return "sqlite", "sqlite3", nil
	case "postgres":
		return "postgres", "postgres", nil
	}
	return "", "", fmt.Errorf("unsupported driver %q", driver)
}

// Run applies all pending migrations to the given database.
func Run(db *sql.DB, driver string) error {
	dir, dialect, err := Dir(driver)
	if err != nil {
		return err
	}

	goose.SetBaseFS(FS)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
