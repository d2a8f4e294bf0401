// Package store is the Postgres persistence layer. All writes are
// idempotent upserts keyed on natural uniques, so at-least-once job
// delivery never duplicates rows.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/pkg/logger"
)

// Store wraps the database handle. One instance is shared by all
// workers in a process.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// New wraps an existing handle (tests pass sqlmock here).
func New(db *sql.DB) *Store {
	return &Store{db: db, log: logger.With("store")}
}

// Open connects to Postgres and verifies the connection.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return New(db), nil
}

// DB exposes the handle for the queue, which shares the pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }
