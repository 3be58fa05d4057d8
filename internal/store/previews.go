// Package store persists link previews, observed image dimensions, and
// post-to-link associations in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sydlexius/linkpreview/internal/opengraph"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Preview is a cached scrape result for one URL. Failed previews are
// negative cache entries and carry no data.
type Preview struct {
	URL       string               `json:"url"`
	Data      *opengraph.OpenGraph `json:"data,omitempty"`
	BestImage string               `json:"best_image,omitempty"`
	Failed    bool                 `json:"failed,omitempty"`
	Error     string               `json:"error,omitempty"`
	FetchedAt time.Time            `json:"fetched_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// Expired reports whether the preview is stale at now.
func (p *Preview) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Previews stores previews keyed by normalized URL.
type Previews struct {
	db *sql.DB
}

// NewPreviews creates a preview store.
func NewPreviews(db *sql.DB) *Previews {
	return &Previews{db: db}
}

// Get returns the preview for url, or ErrNotFound.
func (s *Previews) Get(ctx context.Context, url string) (*Preview, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT url, data, best_image, failed, error, fetched_at, expires_at
		FROM previews WHERE url = ?
	`, url)

	var (
		p                Preview
		data             string
		fetched, expires string
	)
	if err := row.Scan(&p.URL, &data, &p.BestImage, &p.Failed, &p.Error, &fetched, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning preview: %w", err)
	}

	if !p.Failed {
		p.Data = &opengraph.OpenGraph{}
		if err := json.Unmarshal([]byte(data), p.Data); err != nil {
			return nil, fmt.Errorf("decoding preview data: %w", err)
		}
	}
	p.FetchedAt = parseTime(fetched)
	p.ExpiresAt = parseTime(expires)
	return &p, nil
}

// Put inserts or replaces a preview.
func (s *Previews) Put(ctx context.Context, p *Preview) error {
	if p.URL == "" {
		return fmt.Errorf("url is required")
	}

	data := []byte("{}")
	if p.Data != nil {
		var err error
		data, err = json.Marshal(p.Data)
		if err != nil {
			return fmt.Errorf("encoding preview data: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO previews (url, data, best_image, failed, error, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			data = excluded.data,
			best_image = excluded.best_image,
			failed = excluded.failed,
			error = excluded.error,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at
	`, p.URL, string(data), p.BestImage, p.Failed, p.Error, formatTime(p.FetchedAt), formatTime(p.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upserting preview: %w", err)
	}
	return nil
}

// Delete removes the preview for url. Deleting a missing row is not an error.
func (s *Previews) Delete(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM previews WHERE url = ?`, url); err != nil {
		return fmt.Errorf("deleting preview: %w", err)
	}
	return nil
}

// DeleteExpired removes previews that expired at or before now.
func (s *Previews) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM previews WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired previews: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Count returns the number of cached previews and how many of them are
// negative entries.
func (s *Previews) Count(ctx context.Context) (total, failed int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(failed), 0) FROM previews`).Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("counting previews: %w", err)
	}
	return total, failed, nil
}

// Timestamps are stored as fixed-width UTC RFC 3339 strings so that string
// comparison in SQL orders them correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
