package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	filePrefix = "linkpreview-"
	stampFmt   = "20060102-150405"
)

// ErrInvalidName is returned for names that are not backups made by this service.
var ErrInvalidName = errors.New("invalid backup filename")

var namePattern = regexp.MustCompile(`^linkpreview-\d{8}-\d{6}\.db$`)

// Info describes one snapshot on disk.
type Info struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	SizeText  string    `json:"size_text"`
	CreatedAt time.Time `json:"created_at"`
}

// Service writes point-in-time copies of the database with VACUUM INTO and
// keeps the newest Retention of them.
type Service struct {
	db        *sql.DB
	dir       string
	retention int
	mu        sync.Mutex
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a backup service writing into dir. A retention below
// one keeps every snapshot.
func NewService(db *sql.DB, dir string, retention int, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		dir:       dir,
		retention: retention,
		logger:    logger.With(slog.String("component", "backup")),
		now:       time.Now,
	}
}

// Dir returns the backup directory.
func (s *Service) Dir() string {
	return s.dir
}

// Backup snapshots the database and then prunes old snapshots.
func (s *Service) Backup(ctx context.Context) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		return nil, errors.New("backup directory not configured")
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	created := s.now().UTC().Truncate(time.Second)
	name := filePrefix + created.Format(stampFmt) + ".db"
	dest := filepath.Join(s.dir, name)
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("backup %s already exists", name)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return nil, fmt.Errorf("VACUUM INTO: %w", err)
	}
	st, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat backup file: %w", err)
	}

	info := &Info{Filename: name, Size: st.Size(), SizeText: humanize.IBytes(uint64(st.Size())), CreatedAt: created} //nolint:gosec // size is non-negative
	s.logger.Info("backup complete", slog.String("filename", name), slog.String("size", info.SizeText))

	if removed, err := s.prune(); err != nil {
		s.logger.Warn("pruning backups", slog.Any("error", err))
	} else if removed > 0 {
		s.logger.Info("pruned old backups", slog.Int("removed", removed))
	}
	return info, nil
}

// List returns the snapshots in the backup directory, newest first.
func (s *Service) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	backups := []Info{}
	for _, e := range entries {
		if e.IsDir() || !namePattern.MatchString(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(e.Name(), filePrefix), ".db")
		created, err := time.Parse(stampFmt, stamp)
		if err != nil {
			created = fi.ModTime().UTC()
		}
		backups = append(backups, Info{
			Filename:  e.Name(),
			Size:      fi.Size(),
			SizeText:  humanize.IBytes(uint64(fi.Size())), //nolint:gosec // size is non-negative
			CreatedAt: created,
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Delete removes one snapshot by name.
func (s *Service) Delete(name string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil { //nolint:gosec // name validated above
		return fmt.Errorf("removing backup: %w", err)
	}
	s.logger.Info("backup deleted", slog.String("filename", name))
	return nil
}

func (s *Service) prune() (int, error) {
	if s.retention < 1 {
		return 0, nil
	}
	backups, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(backups) <= s.retention {
		return 0, nil
	}
	removed := 0
	for _, b := range backups[s.retention:] {
		if err := os.Remove(filepath.Join(s.dir, b.Filename)); err != nil {
			s.logger.Warn("failed to remove old backup", slog.String("filename", b.Filename), slog.Any("error", err))
			continue
		}
		removed++
	}
	return removed, nil
}

// ValidName reports whether name looks like a snapshot and carries no path
// components.
func ValidName(name string) bool {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return namePattern.MatchString(name)
}
