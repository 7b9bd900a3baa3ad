package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// APIConfig points the client at the scholarship backend.
type APIConfig struct {
	// BaseURL is the REST root, e.g. "https://rs.example.gov.ph/api".
	BaseURL string `yaml:"base_url" json:"base_url" validate:"required,url"`
	// TokenFile stores the bearer credential with 0600 perms. Empty means
	// <data_dir>/token.
	TokenFile string `yaml:"token_file" json:"token_file"`
	// TimeoutSeconds bounds every request and capture step.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=1,lte=300"`
}

// PhotoConfig controls how proof photos are re-encoded before upload.
type PhotoConfig struct {
	MaxWidth int    `yaml:"max_width" json:"max_width" validate:"gte=0"`
	Format   string `yaml:"format" json:"format" validate:"oneof=jpeg webp"`
	Quality  int    `yaml:"quality" json:"quality" validate:"gte=1,lte=100"`
}

// GeocoderConfig configures reverse geocoding. An empty URL disables it and
// captures fall back to raw coordinates.
type GeocoderConfig struct {
	URL       string `yaml:"url" json:"url" validate:"omitempty,url"`
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// OfflineConfig controls the durable capture queue.
type OfflineConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// DrainCron is a cron-style schedule for replaying queued captures.
	DrainCron string `yaml:"drain_cron" json:"drain_cron"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the local API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the local API.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// Timezone is the IANA zone event schedules are published in.
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`

	// ScholarID overrides the id derived from the bearer token.
	ScholarID string `yaml:"scholar_id,omitempty" json:"scholar_id,omitempty"`

	// DataDir holds the event cache and the offline queue.
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`

	// RefreshCron is the schedule for re-reading the event feed in serve mode.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	LogLevel string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error"`

	API      APIConfig      `yaml:"api" json:"api"`
	Photo    PhotoConfig    `yaml:"photo" json:"photo"`
	Geocoder GeocoderConfig `yaml:"geocoder" json:"geocoder"`
	Offline  OfflineConfig  `yaml:"offline" json:"offline"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "Asia/Manila",
		DataDir:     "/var/lib/rstrack",
		RefreshCron: "*/15 * * * *",
		LogLevel:    "info",
		API: APIConfig{
			TimeoutSeconds: 20,
		},
		Photo: PhotoConfig{
			MaxWidth: 1280,
			Format:   "jpeg",
			Quality:  80,
		},
		Geocoder: GeocoderConfig{
			UserAgent: "rstrack",
		},
		Offline: OfflineConfig{
			Enabled:   false,
			DrainCron: "*/5 * * * *",
		},
	}
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.API.TimeoutSeconds <= 0 {
		c.API.TimeoutSeconds = def.API.TimeoutSeconds
	}
	if c.Photo.Format == "" {
		c.Photo.Format = def.Photo.Format
	}
	if c.Photo.Quality <= 0 || c.Photo.Quality > 100 {
		c.Photo.Quality = def.Photo.Quality
	}
	if c.Photo.MaxWidth < 0 {
		c.Photo.MaxWidth = def.Photo.MaxWidth
	}
	if c.Geocoder.UserAgent == "" {
		c.Geocoder.UserAgent = def.Geocoder.UserAgent
	}
	if c.Offline.DrainCron == "" {
		c.Offline.DrainCron = def.Offline.DrainCron
	}
}

// Validate checks the fields the client cannot run without.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Timeout is API.TimeoutSeconds as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// TokenPath is where the bearer token is stored.
func (c *Config) TokenPath() string {
	if c.API.TokenFile != "" {
		return c.API.TokenFile
	}
	return filepath.Join(c.DataDir, "token")
}

// QueueDir is where the offline queue lives.
func (c *Config) QueueDir() string { return filepath.Join(c.DataDir, "queue") }

// CacheDir is where event reads are cached.
func (c *Config) CacheDir() string { return filepath.Join(c.DataDir, "cache") }

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read and normalized.
//
// Environment overrides are not applied here; see ApplyEnv.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Env holds values taken from the environment (and an optional .env file)
// that are not written back to the YAML file.
type Env struct {
	Token string
}

// ApplyEnv loads envFile (if it exists) into the process environment
// without overriding variables already set, then applies RSTRACK_*
// overrides to c.
func (c *Config) ApplyEnv(envFile string) (Env, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Env{}, fmt.Errorf("config: load %s: %w", envFile, err)
			}
		}
	}

	if v := os.Getenv("RSTRACK_API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("RSTRACK_SCHOLAR_ID"); v != "" {
		c.ScholarID = v
	}
	if v := os.Getenv("RSTRACK_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("RSTRACK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RSTRACK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	return Env{Token: os.Getenv("RSTRACK_API_TOKEN")}, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms,
// creating the parent directory with 0700.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".rstrack-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save writes c to path; see the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
