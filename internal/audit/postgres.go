package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id UUID PRIMARY KEY,
	event_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	details JSONB NOT NULL DEFAULT '{}'::jsonb,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS audit_events_user_idx ON audit_events (user_id, occurred_at DESC);
`

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresSink appends entries to the audit_events table. Rows are only
// ever inserted.
type PostgresSink struct {
	db execer
}

func NewPostgresSink(db execer) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, auditSchema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, entry Entry) error {
	details, err := json.Marshal(orEmpty(entry.Details))
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	metadata, err := json.Marshal(orEmpty(entry.Metadata))
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_events (id, event_type, user_id, occurred_at, details, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, string(entry.Type), entry.UserID, entry.Timestamp, details, metadata)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func orEmpty(values map[string]any) map[string]any {
	if values == nil {
		return map[string]any{}
	}
	return values
}
