package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createBlobTableSQL = `CREATE TABLE IF NOT EXISTS baseline_blobs (
	key        TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	selectBlobSQL = `SELECT data FROM baseline_blobs WHERE key = $1`
	upsertBlobSQL = `INSERT INTO baseline_blobs (key, data, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
)

// querier is the subset of pgxpool.Pool used by PostgresStore
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps objects in a single key/bytea table.
type PostgresStore struct {
	db   querier
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool for dsn and ensures the blob table exists
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{db: pool, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresStore(db querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createBlobTableSQL); err != nil {
		return fmt.Errorf("failed to create baseline_blobs table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	if err := s.db.QueryRow(ctx, selectBlobSQL, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to select %s: %w", key, err)
	}
	return data, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.db.Exec(ctx, upsertBlobSQL, key, data); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
