package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sydlexius/linkpreview/internal/logging"
)

// DefaultPath is used when LP_CONFIG_PATH is unset.
const DefaultPath = "/data/config.yaml"

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     logging.Config    `yaml:"logging"`
	Fetcher     FetcherConfig     `yaml:"fetcher"`
	Preview     PreviewConfig     `yaml:"preview"`
	Auth        AuthConfig        `yaml:"auth"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Backup      BackupConfig      `yaml:"backup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
	// RequestsPerMinute limits each client address. Zero disables the limit.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// FetcherConfig controls outbound requests.
type FetcherConfig struct {
	UserAgent     string        `yaml:"user_agent"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
	MaxImageBytes int64         `yaml:"max_image_bytes"`
	// PerDomainRate is requests per second to one registrable domain.
	PerDomainRate    float64 `yaml:"per_domain_rate"`
	PerDomainBurst   int     `yaml:"per_domain_burst"`
	AllowPrivate     bool    `yaml:"allow_private"`
	ProbeLimit       int     `yaml:"probe_limit"`
	ProbeConcurrency int     `yaml:"probe_concurrency"`
}

// PreviewConfig controls image selection and caching.
type PreviewConfig struct {
	ThumbnailWidth  int           `yaml:"thumbnail_width"`
	ThumbnailHeight int           `yaml:"thumbnail_height"`
	TTL             time.Duration `yaml:"ttl"`
	NegativeTTL     time.Duration `yaml:"negative_ttl"`
	MaxTitle        int           `yaml:"max_title"`
	MaxDescription  int           `yaml:"max_description"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MaintenanceConfig schedules cache pruning.
type MaintenanceConfig struct {
	Interval           time.Duration `yaml:"interval"`
	DimensionRetention time.Duration `yaml:"dimension_retention"`
}

// BackupConfig controls database snapshots. An empty Dir disables them.
type BackupConfig struct {
	Dir       string `yaml:"dir"`
	Retention int    `yaml:"retention"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			BasePath:          "/",
			RequestsPerMinute: 120,
		},
		Database: DatabaseConfig{
			Path: "/data/linkpreview.db",
		},
		Logging: logging.DefaultConfig(),
		Fetcher: FetcherConfig{
			UserAgent:        "linkpreview/1.0",
			Timeout:          10 * time.Second,
			MaxBodyBytes:     1 << 20,
			MaxImageBytes:    5 << 20,
			PerDomainRate:    2,
			PerDomainBurst:   4,
			ProbeLimit:       4,
			ProbeConcurrency: 2,
		},
		Preview: PreviewConfig{
			ThumbnailWidth:  80,
			ThumbnailHeight: 80,
			TTL:             24 * time.Hour,
			NegativeTTL:     15 * time.Minute,
			MaxTitle:        300,
			MaxDescription:  1000,
		},
		Maintenance: MaintenanceConfig{
			Interval:           time.Hour,
			DimensionRetention: 30 * 24 * time.Hour,
		},
		Backup: BackupConfig{
			Dir:       "/data/backups",
			Retention: 7,
		},
	}
}

// Path returns the config file location from LP_CONFIG_PATH.
func Path() string {
	if v := os.Getenv("LP_CONFIG_PATH"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() error {
	strs := map[string]*string{
		"LP_BASE_PATH":  &c.Server.BasePath,
		"LP_DB_PATH":    &c.Database.Path,
		"LP_LOG_LEVEL":  &c.Logging.Level,
		"LP_LOG_FORMAT": &c.Logging.Format,
		"LP_LOG_FILE":   &c.Logging.File,
		"LP_USER_AGENT": &c.Fetcher.UserAgent,
		"LP_BACKUP_DIR": &c.Backup.Dir,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"LP_PORT":                &c.Server.Port,
		"LP_REQUESTS_PER_MINUTE": &c.Server.RequestsPerMinute,
		"LP_PROBE_LIMIT":         &c.Fetcher.ProbeLimit,
		"LP_BACKUP_RETENTION":    &c.Backup.Retention,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"LP_FETCH_TIMEOUT":        &c.Fetcher.Timeout,
		"LP_PREVIEW_TTL":          &c.Preview.TTL,
		"LP_NEGATIVE_TTL":         &c.Preview.NegativeTTL,
		"LP_MAINTENANCE_INTERVAL": &c.Maintenance.Interval,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"LP_ALLOW_PRIVATE": &c.Fetcher.AllowPrivate,
		"LP_AUTH_ENABLED":  &c.Auth.Enabled,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	if v := os.Getenv("LP_THUMBNAIL_SIZE"); v != "" {
		w, h, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("LP_THUMBNAIL_SIZE: %w", err)
		}
		c.Preview.ThumbnailWidth, c.Preview.ThumbnailHeight = w, h
	}
	return nil
}

// parseSize parses "WIDTHxHEIGHT".
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("expected WIDTHxHEIGHT, got %q", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("width: %w", err)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("height: %w", err)
	}
	return w, h, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Preview.ThumbnailWidth <= 0 || c.Preview.ThumbnailHeight <= 0 {
		return fmt.Errorf("invalid thumbnail size %dx%d", c.Preview.ThumbnailWidth, c.Preview.ThumbnailHeight)
	}
	if c.Preview.TTL <= 0 || c.Preview.NegativeTTL <= 0 {
		return fmt.Errorf("preview ttl and negative_ttl must be positive")
	}
	if c.Fetcher.ProbeLimit < 0 {
		return fmt.Errorf("probe_limit must not be negative")
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	return nil
}
