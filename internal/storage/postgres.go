package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/cyderes/reel-publisher/internal/config"
)

const (
	pgCreateTable = `CREATE TABLE IF NOT EXISTS kv_documents (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	pgSelect = `SELECT value FROM kv_documents WHERE key = $1`
	pgUpsert = `INSERT INTO kv_documents (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
)

// PostgreSQLStorage implements Storage interface on a single kv_documents table
type PostgreSQLStorage struct {
	db *sql.DB
}

// NewPostgreSQLStorage opens the pool and makes sure the table exists
func NewPostgreSQLStorage(ctx context.Context, cfg config.StorageConfig) (*PostgreSQLStorage, error) {
	if cfg.PostgresURI == "" {
		return nil, fmt.Errorf("missing POSTGRES_URI")
	}

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := newPostgreSQLStorage(db)
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newPostgreSQLStorage(db *sql.DB) *PostgreSQLStorage {
	return &PostgreSQLStorage{db: db}
}

func (p *PostgreSQLStorage) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, pgCreateTable); err != nil {
		return fmt.Errorf("failed to create kv_documents: %w", err)
	}
	return nil
}

// Get selects the value for key
func (p *PostgreSQLStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, pgSelect, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Put upserts the value for key
func (p *PostgreSQLStorage) Put(ctx context.Context, key string, value []byte) error {
	if _, err := p.db.ExecContext(ctx, pgUpsert, key, value); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Close closes the pool
func (p *PostgreSQLStorage) Close() error {
	return p.db.Close()
}
