// Package catalog records which cache entries exist and how often they are
// served. Entries never expire, so this is the operator's view of how far
// the bucket has grown.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

type Entry struct {
	CacheKey      string
	SourceID      string
	HoursAgo      int
	DurationHours int
	Samples       int
	SampleRate    float64
	StoredBytes   int64
	PopulatedAt   time.Time
	ServeCount    int64
	ServedBytes   int64
	LastServedAt  time.Time
}

type Catalog struct {
	db *sql.DB
}

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("catalog: entry not found")

func Open(dsn string) (*Catalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	c := &Catalog{db: db}
	if err := c.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) init() error {
	if _, err := c.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			cache_key TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			hours_ago INTEGER NOT NULL,
			duration_hours INTEGER NOT NULL,
			samples INTEGER NOT NULL,
			sample_rate REAL NOT NULL,
			stored_bytes INTEGER NOT NULL,
			populated_at INTEGER NOT NULL,
			serve_count INTEGER NOT NULL DEFAULT 0,
			served_bytes INTEGER NOT NULL DEFAULT 0,
			last_served_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_source ON entries(source);`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// RecordPopulated upserts an entry. A re-population (a racing writer, or a
// rewrite after a partial failure) replaces the descriptor but keeps the
// serve counters.
func (c *Catalog) RecordPopulated(ctx context.Context, e Entry) error {
	if e.PopulatedAt.IsZero() {
		e.PopulatedAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO entries(cache_key,source,hours_ago,duration_hours,samples,sample_rate,stored_bytes,populated_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(cache_key) DO UPDATE SET
			source=excluded.source,
			hours_ago=excluded.hours_ago,
			duration_hours=excluded.duration_hours,
			samples=excluded.samples,
			sample_rate=excluded.sample_rate,
			stored_bytes=excluded.stored_bytes,
			populated_at=excluded.populated_at`,
		e.CacheKey, e.SourceID, e.HoursAgo, e.DurationHours, e.Samples, e.SampleRate, e.StoredBytes, e.PopulatedAt.Unix())
	return err
}

// RecordServe bumps the serve counters. Keys populated by another process
// and not yet known here are ignored.
func (c *Catalog) RecordServe(ctx context.Context, cacheKey string, bytes int64) error {
	_, err := c.db.ExecContext(ctx, `UPDATE entries SET serve_count=serve_count+1, served_bytes=served_bytes+?, last_served_at=? WHERE cache_key=?`,
		bytes, time.Now().Unix(), cacheKey)
	return err
}

func (c *Catalog) Get(ctx context.Context, cacheKey string) (Entry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE cache_key=?`, cacheKey)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// List returns entries, most recently populated first.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY populated_at DESC, cache_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Totals sums stored bytes and entry count.
func (c *Catalog) Totals(ctx context.Context) (entries int, storedBytes int64, err error) {
	err = c.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(stored_bytes),0) FROM entries`).Scan(&entries, &storedBytes)
	return entries, storedBytes, err
}

const entryColumns = `cache_key,source,hours_ago,duration_hours,samples,sample_rate,stored_bytes,populated_at,serve_count,served_bytes,last_served_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                 Entry
		populated, served int64
	)
	if err := s.Scan(&e.CacheKey, &e.SourceID, &e.HoursAgo, &e.DurationHours, &e.Samples, &e.SampleRate,
		&e.StoredBytes, &populated, &e.ServeCount, &e.ServedBytes, &served); err != nil {
		return Entry{}, err
	}
	e.PopulatedAt = time.Unix(populated, 0)
	if served > 0 {
		e.LastServedAt = time.Unix(served, 0)
	}
	return e, nil
}
