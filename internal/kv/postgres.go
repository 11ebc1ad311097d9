package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS report_kv (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS report_kv_expires_at_idx ON report_kv (expires_at) WHERE expires_at IS NOT NULL;
CREATE TABLE IF NOT EXISTS report_lists (
	id BIGSERIAL PRIMARY KEY,
	list TEXT NOT NULL,
	member TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS report_lists_list_id_idx ON report_lists (list, id);
`

// PostgresStore keeps keys in report_kv and list members in report_lists.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return NewPostgresStoreFromPool(pool), nil
}

func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create kv schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM report_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query kv %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		at := time.Now().UTC().Add(ttl)
		expiresAt = &at
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO report_kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("upsert kv %s: %w", key, err)
	}
	return nil
}

// SetNX treats an expired row as absent and replaces it.
func (s *PostgresStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		at := time.Now().UTC().Add(ttl)
		expiresAt = &at
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO report_kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE report_kv.expires_at IS NOT NULL AND report_kv.expires_at <= now()
	`, key, value, expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert kv %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM report_kv WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	return nil
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM report_kv
		WHERE left(key, length($1)) = $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list kv keys %s: %w", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan kv keys: %w", err)
	}
	return keys, nil
}

// Update locks the row for the duration of fn.
func (s *PostgresStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current []byte
		err := tx.QueryRow(ctx, `
			SELECT value FROM report_kv
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
			FOR UPDATE
		`, key).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock kv %s: %w", key, err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE report_kv SET value = $2 WHERE key = $1`, key, next); err != nil {
			return fmt.Errorf("update kv %s: %w", key, err)
		}
		return nil
	})
}

func (s *PostgresStore) Push(ctx context.Context, list, member string) error {
	if _, err := s.pool.Exec(ctx, `INSERT INTO report_lists (list, member) VALUES ($1, $2)`, list, member); err != nil {
		return fmt.Errorf("push %s: %w", list, err)
	}
	return nil
}

func (s *PostgresStore) Pop(ctx context.Context, list string) (string, error) {
	var member string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM report_lists
		WHERE id = (
			SELECT id FROM report_lists
			WHERE list = $1
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING member
	`, list).Scan(&member)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("pop %s: %w", list, err)
	}
	return member, nil
}

func (s *PostgresStore) Len(ctx context.Context, list string) (int64, error) {
	var length int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM report_lists WHERE list = $1`, list).Scan(&length); err != nil {
		return 0, fmt.Errorf("count %s: %w", list, err)
	}
	return length, nil
}

// PurgeExpired deletes rows whose TTL has passed. Reads already ignore them.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	command, err := s.pool.Exec(ctx, `DELETE FROM report_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired kv: %w", err)
	}
	return command.RowsAffected(), nil
}
