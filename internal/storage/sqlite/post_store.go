// Package sqlite provides a single-file SQLite persistence implementation for
// local runs.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/JakeFAU/posse-discovery/internal/discovery"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostStore persists SyndicatedPost records in SQLite. created_at is stored
// as Unix nanoseconds.
type PostStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn, e.g. "file:posse.db" or ":memory:".
func Open(dsn string) (*PostStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// ":memory:" databases exist per connection.
	db.SetMaxOpenConns(1)
	return &PostStore{db: db}, nil
}

// Migrate applies the bundled schema migrations.
func (s *PostStore) Migrate() (uint, error) {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create iofs source: %w", err)
	}
	// The migrate instance is not closed: closing it would close s.db.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, nil
}

// Close closes the database.
func (s *PostStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping verifies the database is usable.
func (s *PostStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// FindBySyndication returns the earliest record for a syndicated URL, or nil.
func (s *PostStore) FindBySyndication(ctx context.Context, syndication string) (*discovery.SyndicatedPost, error) {
	return s.findOne(ctx, `
SELECT id, COALESCE(original, ''), COALESCE(syndication, ''), created_at
FROM syndicated_posts WHERE syndication = ? ORDER BY created_at, id LIMIT 1`, syndication)
}

// FindByOriginal returns the earliest record for an original URL, or nil.
func (s *PostStore) FindByOriginal(ctx context.Context, original string) (*discovery.SyndicatedPost, error) {
	return s.findOne(ctx, `
SELECT id, COALESCE(original, ''), COALESCE(syndication, ''), created_at
FROM syndicated_posts WHERE original = ? ORDER BY created_at, id LIMIT 1`, original)
}

func (s *PostStore) findOne(ctx context.Context, query, value string) (*discovery.SyndicatedPost, error) {
	if value == "" {
		return nil, nil
	}
	var (
		post    discovery.SyndicatedPost
		created int64
	)
	err := s.db.QueryRowContext(ctx, query, value).Scan(&post.ID, &post.Original, &post.Syndication, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select syndicated post: %w", err)
	}
	post.CreatedAt = time.Unix(0, created).UTC()
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
	_, err := s.db.ExecContext(ctx, `
INSERT INTO syndicated_posts (id, original, syndication, created_at)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		post.ID, post.Original, post.Syndication, createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert syndicated post: %w", err)
	}
	return nil
}
