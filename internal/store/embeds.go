package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EmbedLink records that a post links to a URL rendered as an embed.
type EmbedLink struct {
	PostID    string    `json:"post_id"`
	URL       string    `json:"url"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Embeds stores post to URL associations.
type Embeds struct {
	db *sql.DB
}

// NewEmbeds creates an embed store.
func NewEmbeds(db *sql.DB) *Embeds {
	return &Embeds{db: db}
}

// Attach associates url with postID. Attaching the same pair twice keeps
// the original row.
func (s *Embeds) Attach(ctx context.Context, postID, url, embedType string) error {
	if postID == "" || url == "" {
		return fmt.Errorf("post id and url are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO post_embeds (post_id, url, type, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(post_id, url) DO NOTHING
	`, postID, url, embedType, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("attaching embed: %w", err)
	}
	return nil
}

// ForPost returns the embeds attached to a post in insertion order.
func (s *Embeds) ForPost(ctx context.Context, postID string) ([]EmbedLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id, url, type, created_at FROM post_embeds
		WHERE post_id = ? ORDER BY created_at, rowid
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("listing embeds: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var links []EmbedLink
	for rows.Next() {
		var (
			l       EmbedLink
			created string
		)
		if err := rows.Scan(&l.PostID, &l.URL, &l.Type, &created); err != nil {
			return nil, fmt.Errorf("scanning embed: %w", err)
		}
		l.CreatedAt = parseTime(created)
		links = append(links, l)
	}
	return links, rows.Err()
}

// DeletePost removes every embed attached to a post.
func (s *Embeds) DeletePost(ctx context.Context, postID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM post_embeds WHERE post_id = ?`, postID); err != nil {
		return fmt.Errorf("deleting embeds: %w", err)
	}
	return nil
}
