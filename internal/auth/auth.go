// Package auth issues and verifies API tokens for preview clients.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const tokenPrefix = "lp_"

// ErrInvalidToken is returned for malformed, unknown, or revoked tokens.
var ErrInvalidToken = errors.New("invalid token")

// Token describes an issued API token. The secret is never stored.
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// Service provides token operations.
type Service struct {
	db *sql.DB
}

// NewService creates an auth service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Create issues a new token. The returned plaintext has the form
// lp_<id>_<secret> and is shown only once.
func (s *Service) Create(ctx context.Context, name string) (string, *Token, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("token name is required")
	}

	secret, err := generateSecret()
	if err != nil {
		return "", nil, fmt.Errorf("generating secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword(prehash(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing secret: %w", err)
	}

	tok := &Token{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, name, secret_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, tok.ID, tok.Name, string(hash), tok.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return "", nil, fmt.Errorf("creating token: %w", err)
	}

	return tokenPrefix + tok.ID + "_" + secret, tok, nil
}

// Verify checks a plaintext token and returns its record. Successful checks
// update the last-used time.
func (s *Service) Verify(ctx context.Context, raw string) (*Token, error) {
	id, secret, ok := splitToken(raw)
	if !ok {
		return nil, ErrInvalidToken
	}

	var (
		tok     Token
		hash    string
		created string
		used    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, secret_hash, created_at, last_used_at, revoked
		FROM api_tokens WHERE id = ?
	`, id).Scan(&tok.ID, &tok.Name, &hash, &created, &used, &tok.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}
	if tok.Revoked {
		return nil, ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), prehash(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	tok.CreatedAt, _ = time.Parse(time.RFC3339, created)
	now := time.Now().UTC().Truncate(time.Second)
	tok.LastUsedAt = &now
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = ? WHERE id = ?`, now.Format(time.RFC3339), tok.ID); err != nil {
		return nil, fmt.Errorf("updating last use: %w", err)
	}
	return &tok, nil
}

// Revoke disables a token. Revoking an unknown id is an error.
func (s *Service) Revoke(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_tokens SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("token %s: %w", id, ErrInvalidToken)
	}
	return nil
}

// List returns every token, newest first.
func (s *Service) List(ctx context.Context) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at, last_used_at, revoked
		FROM api_tokens ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var tokens []Token
	for rows.Next() {
		var (
			tok     Token
			created string
			used    sql.NullString
		)
		if err := rows.Scan(&tok.ID, &tok.Name, &created, &used, &tok.Revoked); err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		tok.CreatedAt, _ = time.Parse(time.RFC3339, created)
		if used.Valid {
			if t, err := time.Parse(time.RFC3339, used.String); err == nil {
				tok.LastUsedAt = &t
			}
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// Count returns the number of active tokens.
func (s *Service) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_tokens WHERE revoked = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting tokens: %w", err)
	}
	return n, nil
}

func splitToken(raw string) (id, secret string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(raw), tokenPrefix)
	if !found {
		return "", "", false
	}
	id, secret, ok = strings.Cut(rest, "_")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

// prehash digests the secret with SHA-256 so bcrypt's 72-byte input limit
// never truncates it.
func prehash(secret string) []byte {
	h := sha256.Sum256([]byte(secret))
	return []byte(hex.EncodeToString(h[:]))
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
