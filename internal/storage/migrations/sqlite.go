package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// RunSqliteMigrations applies the embedded SQLite schema.
func RunSqliteMigrations(ctx context.Context, db *sql.DB) error {
	files, err := load(SqliteFS, "sqlite")
	if err != nil {
		return err
	}
	for _, m := range files {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}
