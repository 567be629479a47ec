// Package postgres provides the Postgres-backed work queue, query source and
// output sink.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/archive-scanner/internal/store"
)

// DefaultQueriesColumn holds one JSON query definition per row.
const DefaultQueriesColumn = "definition"

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and schema names.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// QueriesColumn names the definition column of the queries table.
	QueriesColumn string
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.Store on Postgres.
type Store struct {
	pool          pool
	queriesColumn string
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.QueriesColumn)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, queriesColumn string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if queriesColumn == "" {
		queriesColumn = DefaultQueriesColumn
	}
	if !validIdentifier.MatchString(queriesColumn) {
		return nil, fmt.Errorf("invalid queries column %q", queriesColumn)
	}
	return &Store{pool: p, queriesColumn: queriesColumn}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Peek returns the smallest locator greater than after.
func (s *Store) Peek(ctx context.Context, after string) (string, error) {
	var url string
	err := s.pool.QueryRow(ctx,
		`SELECT url FROM inputs WHERE url > $1 ORDER BY url LIMIT 1`, after,
	).Scan(&url)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrEmpty
		}
		return "", fmt.Errorf("select input: %w", err)
	}
	return url, nil
}

// Take deletes one row and returns its locator. Concurrent callers never
// receive the same row.
func (s *Store) Take(ctx context.Context) (string, error) {
	var url string
	err := s.pool.QueryRow(ctx, `
DELETE FROM inputs
WHERE ctid IN (SELECT ctid FROM inputs LIMIT 1 FOR UPDATE SKIP LOCKED)
RETURNING url`).Scan(&url)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrEmpty
		}
		return "", fmt.Errorf("take input: %w", err)
	}
	return url, nil
}

// Remove deletes every row for locator.
func (s *Store) Remove(ctx context.Context, locator string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM inputs WHERE url = $1`, locator); err != nil {
		return fmt.Errorf("delete input: %w", err)
	}
	return nil
}

// QueryDefinitions returns the raw definition column of every query row.
func (s *Store) QueryDefinitions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM queries`, s.queriesColumn))
	if err != nil {
		return nil, fmt.Errorf("select queries: %w", err)
	}
	defer rows.Close()

	var defs []string
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("scan query row: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queries: %w", err)
	}
	return defs, nil
}

// InsertOutput writes one output document.
func (s *Store) InsertOutput(ctx context.Context, doc []byte) error {
	if len(doc) == 0 {
		return fmt.Errorf("output document is empty")
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO outputs (json) VALUES ($1)`, doc); err != nil {
		return fmt.Errorf("insert output: %w", err)
	}
	return nil
}

// VerifySchema checks pg_catalog for the inputs, queries and outputs tables.
func (s *Store) VerifySchema(ctx context.Context) error {
	want := []string{store.TableInputs, store.TableQueries, store.TableOutputs}
	rows, err := s.pool.Query(ctx, `
SELECT tablename FROM pg_catalog.pg_tables
WHERE schemaname = current_schema() AND tablename = ANY($1)`, want)
	if err != nil {
		return fmt.Errorf("query pg_tables: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(want))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan pg_tables row: %w", err)
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pg_tables: %w", err)
	}

	var missing []string
	for _, name := range want {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

var _ store.Store = (*Store)(nil)
