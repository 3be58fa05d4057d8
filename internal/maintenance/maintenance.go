// Package maintenance prunes stale cache rows and keeps the SQLite file
// compact.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sydlexius/linkpreview/internal/event"
	"github.com/sydlexius/linkpreview/internal/store"
)

const (
	keyLastPrune    = "maintenance.last_prune_at"
	keyLastOptimize = "maintenance.last_optimize_at"
)

// Status describes the cache database.
type Status struct {
	DBFileSize     int64  `json:"db_file_size"`
	DBFileSizeText string `json:"db_file_size_text"`
	WALFileSize    int64  `json:"wal_file_size"`
	WALSizeText    string `json:"wal_file_size_text"`
	Previews       int64  `json:"previews"`
	FailedPreviews int64  `json:"failed_previews"`
	Dimensions     int64  `json:"dimensions"`
	LastPruneAt    string `json:"last_prune_at,omitempty"`
	LastPruneText  string `json:"last_prune_text,omitempty"`
	LastOptimizeAt string `json:"last_optimize_at,omitempty"`
}

// PruneResult counts rows removed by Prune.
type PruneResult struct {
	Previews   int64 `json:"previews"`
	Dimensions int64 `json:"dimensions"`
}

// Service runs maintenance against the cache database.
type Service struct {
	db                 *sql.DB
	dbPath             string
	previews           *store.Previews
	dims               *store.Dimensions
	bus                *event.Bus
	dimensionRetention time.Duration
	logger             *slog.Logger
	now                func() time.Time
}

// NewService creates a maintenance service. bus may be nil. A non-positive
// dimensionRetention keeps dimension rows forever.
func NewService(db *sql.DB, dbPath string, previews *store.Previews, dims *store.Dimensions, bus *event.Bus, dimensionRetention time.Duration, logger *slog.Logger) *Service {
	return &Service{
		db:                 db,
		dbPath:             dbPath,
		previews:           previews,
		dims:               dims,
		bus:                bus,
		dimensionRetention: dimensionRetention,
		logger:             logger.With(slog.String("component", "maintenance")),
		now:                time.Now,
	}
}

// Prune deletes expired previews and dimension rows older than the
// retention window.
func (s *Service) Prune(ctx context.Context) (*PruneResult, error) {
	now := s.now()
	res := &PruneResult{}

	n, err := s.previews.DeleteExpired(ctx, now)
	if err != nil {
		return nil, err
	}
	res.Previews = n

	if s.dimensionRetention > 0 {
		n, err := s.dims.DeleteOlderThan(ctx, now.Add(-s.dimensionRetention))
		if err != nil {
			return nil, err
		}
		res.Dimensions = n
	}

	s.setSetting(ctx, keyLastPrune, now.UTC().Format(time.RFC3339))
	s.logger.Info("prune complete", "previews", res.Previews, "dimensions", res.Dimensions)
	if s.bus != nil {
		s.bus.Publish(event.Pruned{Previews: res.Previews, Dimensions: res.Dimensions})
	}
	return res, nil
}

// Optimize runs PRAGMA optimize followed by a WAL checkpoint.
func (s *Service) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("PRAGMA optimize: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("WAL checkpoint: %w", err)
	}
	s.setSetting(ctx, keyLastOptimize, s.now().UTC().Format(time.RFC3339))
	s.logger.Debug("optimize complete")
	return nil
}

// Status reports file sizes and row counts.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}

	if info, err := os.Stat(s.dbPath); err == nil {
		st.DBFileSize = info.Size()
	}
	if info, err := os.Stat(s.dbPath + "-wal"); err == nil {
		st.WALFileSize = info.Size()
	}
	st.DBFileSizeText = humanize.IBytes(uint64(st.DBFileSize))
	st.WALSizeText = humanize.IBytes(uint64(st.WALFileSize))

	var err error
	if st.Previews, st.FailedPreviews, err = s.previews.Count(ctx); err != nil {
		return nil, err
	}
	if st.Dimensions, err = s.dims.Count(ctx); err != nil {
		return nil, err
	}

	st.LastPruneAt = s.getSetting(ctx, keyLastPrune)
	if t, err := time.Parse(time.RFC3339, st.LastPruneAt); err == nil {
		st.LastPruneText = humanize.RelTime(t, s.now(), "ago", "from now")
	}
	st.LastOptimizeAt = s.getSetting(ctx, keyLastOptimize)
	return st, nil
}

// StartScheduler prunes and optimizes on a fixed interval until ctx is
// canceled.
func (s *Service) StartScheduler(ctx context.Context, interval time.Duration) {
	s.logger.Info("maintenance scheduler started", slog.String("interval", interval.String()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil {
				s.logger.Error("scheduled prune failed", slog.Any("error", err))
			}
			if err := s.Optimize(ctx); err != nil {
				s.logger.Error("scheduled optimize failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Service) getSetting(ctx context.Context, key string) string {
	var v string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v); err != nil {
		return ""
	}
	return v
}

func (s *Service) setSetting(ctx context.Context, key, value string) {
	now := s.now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		s.logger.Warn("recording setting", "key", key, "error", err)
	}
}
