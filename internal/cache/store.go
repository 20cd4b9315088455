// Package cache is the local mirror of remote reads: a sqlite-backed
// store keyed by URL with a side-channel fetch timestamp per entry. The
// mirror serves GitHub API reads network-first with cache fallback, and
// static payloads cache-first within a freshness window. Reads that need
// read-after-write consistency must bypass it and use the gateway
// directly.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/pressly/goose/v3"
	// SQLite driver.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var driver = "sqlite"

// Store persists cached response bodies.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the cache database at the provided path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "data/cache"
	}
	db, err := sql.Open(driver, sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(driver); err != nil {
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to migrate cache database: %w", err)
	}

	return &Store{db: db}, nil
}

func sqliteDSN(path string) string {
	values := url.Values{}
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	return "file:" + path + "?" + values.Encode()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Entry is one cached body plus the time it was fetched.
type Entry struct {
	URL       string
	Body      []byte
	FetchedAt time.Time
}

// Get returns the cached entry for a URL, nil when absent.
func (s *Store) Get(ctx context.Context, rawURL string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body, fetched_at FROM cache_entries WHERE url = ?`, rawURL)
	var body []byte
	var fetchedAt int64
	if err := row.Scan(&body, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &Entry{URL: rawURL, Body: body, FetchedAt: time.Unix(fetchedAt, 0).UTC()}, nil
}

// Put stores or replaces the entry for a URL, stamping it as fetched now.
func (s *Store) Put(ctx context.Context, rawURL string, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (url, body, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET body = excluded.body, fetched_at = excluded.fetched_at`,
		rawURL, body, time.Now().UTC().Unix())
	return err
}

// Purge drops entries older than the given age.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan).Unix()
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fetched_at < ?`, cutoff)
	return err
}

// StartJanitor purges entries older than maxAge on every tick until the
// context is cancelled.
func (s *Store) StartJanitor(ctx context.Context, interval, maxAge time.Duration, log *slog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Purge(ctx, maxAge); err != nil {
					log.Warn("cache purge failed", "error", err)
				}
			}
		}
	}()
}
