// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/posse-discovery/internal/discovery"
)

// DefaultTable is the table created by the bundled migrations.
const DefaultTable = "syndicated_posts"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostStoreConfig controls the Postgres connection pool used for syndication records.
type PostStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// PostStore persists SyndicatedPost records in Postgres. Rows are only ever inserted.
type PostStore struct {
	pool  pool
	table string
}

// NewPostStore creates a Postgres-backed PostStore using the provided config.
func NewPostStore(ctx context.Context, cfg PostStoreConfig) (*PostStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	return &PostStore{pool: p, table: table}, nil
}

// NewPostStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostStoreWithPool(p pool, table string) (*PostStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &PostStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return DefaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *PostStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *PostStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// FindBySyndication returns the earliest record for a syndicated URL, or nil.
func (s *PostStore) FindBySyndication(ctx context.Context, syndication string) (*discovery.SyndicatedPost, error) {
	return s.findOne(ctx, "syndication", syndication)
}

// FindByOriginal returns the earliest record for an original URL, or nil.
func (s *PostStore) FindByOriginal(ctx context.Context, original string) (*discovery.SyndicatedPost, error) {
	return s.findOne(ctx, "original", original)
}

func (s *PostStore) findOne(ctx context.Context, column, value string) (*discovery.SyndicatedPost, error) {
	if value == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT id, COALESCE(original, ''), COALESCE(syndication, ''), created_at
FROM %s
WHERE %s = $1
ORDER BY created_at, id
LIMIT 1`, s.table, column)

	var post discovery.SyndicatedPost
	err := s.pool.QueryRow(ctx, query, value).Scan(&post.ID, &post.Original, &post.Syndication, &post.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select by %s: %w", column, err)
	}
	return &post, nil
}

// Save inserts a record. Empty URL fields are stored as NULL.
func (s *PostStore) Save(ctx context.Context, post *discovery.SyndicatedPost) error {
	if post == nil {
		return fmt.Errorf("post is required")
	}
	if post.ID == "" {
		return fmt.Errorf("post id is required")
	}
	createdAt := post.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, original, syndication, created_at)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4)`, s.table)

	if _, err := s.pool.Exec(ctx, query, post.ID, post.Original, post.Syndication, createdAt); err != nil {
		return fmt.Errorf("insert syndicated post: %w", err)
	}
	return nil
}
