// Package postgres implements the store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"buildplane/internal/store"

	_ "github.com/lib/pq"
)

// Store provides PostgreSQL-backed implementations of all repositories.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store and verifies connectivity.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// executor returns tx when given, falling back to the connection pool.
func (s *Store) executor(tx store.DBTransaction) store.DBTransaction {
	if tx != nil {
		return tx
	}
	return s.db
}
