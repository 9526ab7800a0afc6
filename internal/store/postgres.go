package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the LISTEN/NOTIFY channel carrying changed keys.
const notifyChannel = "account_state_changed"

// Schema creates the table PostgresStore writes to.
const Schema = `CREATE TABLE IF NOT EXISTS account_state (
	key        TEXT PRIMARY KEY,
	version    BIGINT NOT NULL DEFAULT 1,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore implements Persister and Watcher using PostgreSQL. Each key
// is one row; version increments on every save. Saves NOTIFY the key so
// other processes can refresh.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the state table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate account_state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data::TEXT FROM account_state WHERE key = $1`, key).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", key, err)
	}
	return data, nil
}

func (s *PostgresStore) Save(ctx context.Context, key string, data []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO account_state (key, version, data, updated_at)
		 VALUES ($1, 1, $2::JSONB, now())
		 ON CONFLICT (key) DO UPDATE SET
		     version    = account_state.version + 1,
		     data       = EXCLUDED.data,
		     updated_at = EXCLUDED.updated_at`,
		key, string(data),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", key, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, key); err != nil {
		return fmt.Errorf("notify state %s: %w", key, err)
	}
	return tx.Commit(ctx)
}

// Watch holds a dedicated connection in LISTEN mode and calls onChange for
// notifications naming key. Postgres also delivers the listener's own
// notifications; the caller filters those by content.
func (s *PostgresStore) Watch(ctx context.Context, key string, onChange func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait notification: %w", err)
		}
		if n.Payload == key {
			onChange()
		}
	}
}
