package storage

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    filename   TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// migrationFiles lists the embedded scripts in apply order.
func migrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Migrate applies the embedded schema scripts that have not run yet. It is an
// explicit startup step; every script is idempotent on its own.
func (d *Database) Migrate(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return &MigrationError{Err: ErrNotConfigured}
	}

	if _, err := d.pool.Exec(ctx, createMigrationsTableSQL); err != nil {
		return &MigrationError{File: "schema_migrations", Err: err}
	}

	names, err := migrationFiles()
	if err != nil {
		return &MigrationError{Err: err}
	}

	for _, name := range names {
		var applied bool
		if err := d.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			name,
		).Scan(&applied); err != nil {
			return &MigrationError{File: name, Err: err}
		}
		if applied {
			continue
		}

		script, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return &MigrationError{File: name, Err: err}
		}

		if err := d.applyMigration(ctx, name, string(script)); err != nil {
			return &MigrationError{File: name, Err: err}
		}
	}

	return nil
}

func (d *Database) applyMigration(ctx context.Context, name, script string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, script); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
