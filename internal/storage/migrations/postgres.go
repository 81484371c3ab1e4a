package migrations

import (
	"context"
	"fmt"

	"commission-ledger/internal/storage/postgres"
)

// RunPostgresMigrations applies the embedded PostgreSQL schema.
// Every statement is idempotent (IF NOT EXISTS), so it is safe on every start.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	files, err := load(PostgresFS, "postgres")
	if err != nil {
		return err
	}
	for _, m := range files {
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}
