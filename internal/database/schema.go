package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the frame journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS echo_frames (
    id          UUID PRIMARY KEY,
    kind        TEXT NOT NULL,
    payload     JSONB,
    received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS echo_frames_kind_received_at_idx
    ON echo_frames (kind, received_at);
`

// Execer runs statements that return no rows.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema applies Schema. It is safe to run on every start.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
