package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sydlexius/linkpreview/internal/selector"
)

// Dimension sources.
const (
	SourcePage  = "page"  // reported by og:image:width/height
	SourceProbe = "probe" // decoded from the image header
)

// Dimensions remembers image sizes seen across scrapes. It backs the
// selector's side table for pages that omit og:image:width/height.
type Dimensions struct {
	db *sql.DB
}

// NewDimensions creates a dimension store.
func NewDimensions(db *sql.DB) *Dimensions {
	return &Dimensions{db: db}
}

// Record stores the dimensions of an image URL. A page-reported size never
// overwrites a probed one.
func (s *Dimensions) Record(ctx context.Context, url string, p selector.Point, source string) error {
	if url == "" || p.Width <= 0 || p.Height <= 0 {
		return nil
	}
	if source == "" {
		source = SourcePage
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_dimensions (url, width, height, source, observed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			width = excluded.width,
			height = excluded.height,
			source = excluded.source,
			observed_at = excluded.observed_at
		WHERE image_dimensions.source != 'probe' OR excluded.source = 'probe'
	`, url, p.Width, p.Height, source, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("recording dimensions: %w", err)
	}
	return nil
}

// Lookup returns the known dimensions for the given URLs. URLs with no
// recorded size are absent from the result.
func (s *Dimensions) Lookup(ctx context.Context, urls []string) (selector.DimensionLookup, error) {
	out := make(selector.DimensionLookup, len(urls))
	if len(urls) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(urls)), ",")
	args := make([]any, len(urls))
	for i, u := range urls {
		args[i] = u
	}

	rows, err := s.db.QueryContext(ctx, //nolint:gosec // placeholders only
		`SELECT url, width, height FROM image_dimensions WHERE url IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("looking up dimensions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			url string
			p   selector.Point
		)
		if err := rows.Scan(&url, &p.Width, &p.Height); err != nil {
			return nil, fmt.Errorf("scanning dimensions: %w", err)
		}
		out[url] = p
	}
	return out, rows.Err()
}

// DeleteOlderThan removes entries observed before cutoff.
func (s *Dimensions) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM image_dimensions WHERE observed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting old dimensions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Count returns the number of recorded image sizes.
func (s *Dimensions) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM image_dimensions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting dimensions: %w", err)
	}
	return n, nil
}
