// Package logging builds the process logger and lets its level, format,
// and output be changed while the server runs.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes log output. It is embedded directly in the YAML config.
type Config struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	// File, when set, receives a copy of every record with size-based rotation.
	File        string `yaml:"file" json:"file,omitempty"`
	MaxSizeMB   int    `yaml:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups  int    `yaml:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays  int    `yaml:"max_age_days" json:"max_age_days,omitempty"`
	CompressOld bool   `yaml:"compress" json:"compress,omitempty"`
}

// DefaultConfig returns JSON output at info level on stdout.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

// Validate reports an unknown level or format.
func (c Config) Validate() error {
	if _, ok := levels[strings.ToLower(c.Level)]; !ok {
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	switch strings.ToLower(c.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	return nil
}

func (c Config) sameOutput(o Config) bool {
	return strings.EqualFold(c.Format, o.Format) &&
		c.File == o.File &&
		c.MaxSizeMB == o.MaxSizeMB &&
		c.MaxBackups == o.MaxBackups &&
		c.MaxAgeDays == o.MaxAgeDays &&
		c.CompressOld == o.CompressOld
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel maps a level name to a slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	if l, ok := levels[strings.ToLower(s)]; ok {
		return l
	}
	return slog.LevelInfo
}

// switchHandler forwards to a handler that can be replaced at runtime.
// Loggers derived with With share the switch, so a swap reaches them too.
type switchHandler struct {
	root  *atomic.Pointer[slog.Handler]
	apply func(slog.Handler) slog.Handler
}

func newSwitchHandler(h slog.Handler) *switchHandler {
	root := &atomic.Pointer[slog.Handler]{}
	root.Store(&h)
	return &switchHandler{root: root, apply: func(h slog.Handler) slog.Handler { return h }}
}

func (s *switchHandler) current() slog.Handler {
	return s.apply(*s.root.Load())
}

func (s *switchHandler) swap(h slog.Handler) {
	s.root.Store(&h)
}

func (s *switchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*s.root.Load()).Enabled(ctx, level)
}

func (s *switchHandler) Handle(ctx context.Context, r slog.Record) error {
	return s.current().Handle(ctx, r)
}

func (s *switchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prev := s.apply
	return &switchHandler{root: s.root, apply: func(h slog.Handler) slog.Handler {
		return prev(h).WithAttrs(attrs)
	}}
}

func (s *switchHandler) WithGroup(name string) slog.Handler {
	prev := s.apply
	return &switchHandler{root: s.root, apply: func(h slog.Handler) slog.Handler {
		return prev(h).WithGroup(name)
	}}
}

// Manager owns the process logger.
type Manager struct {
	mu      sync.Mutex
	level   *slog.LevelVar
	handler *switchHandler
	cfg     Config
	stdout  io.Writer
	file    io.Closer
}

// NewManager builds a logger from cfg.
func NewManager(cfg Config) (*Manager, *slog.Logger) {
	return newManager(cfg, os.Stdout)
}

func newManager(cfg Config, stdout io.Writer) (*Manager, *slog.Logger) {
	m := &Manager{level: &slog.LevelVar{}, cfg: cfg, stdout: stdout}
	m.level.Set(ParseLevel(cfg.Level))
	m.handler = newSwitchHandler(m.build(cfg))
	return m, slog.New(m.handler)
}

// Reconfigure applies cfg. A level change takes effect immediately; a
// format or file change rebuilds the output. It reports whether anything
// changed.
func (m *Manager) Reconfigure(cfg Config) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	if lvl := ParseLevel(cfg.Level); lvl != m.level.Level() {
		m.level.Set(lvl)
		changed = true
	}
	if !cfg.sameOutput(m.cfg) {
		if m.file != nil {
			m.file.Close() //nolint:errcheck
			m.file = nil
		}
		m.handler.swap(m.build(cfg))
		changed = true
	}
	m.cfg = cfg
	return changed
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Close closes the log file, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// build creates the handler for cfg. Callers hold m.mu or own m exclusively.
func (m *Manager) build(cfg Config) slog.Handler {
	w := m.stdout
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   cfg.CompressOld,
		}
		m.file = rot
		w = io.MultiWriter(m.stdout, rot)
	}

	opts := &slog.HandlerOptions{Level: m.level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
