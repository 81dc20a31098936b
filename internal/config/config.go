package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/theirongolddev/usagesync/internal/model"

	"github.com/BurntSushi/toml"
)

// Config holds all usagesync configuration.
type Config struct {
	AdminAPI    AdminAPIConfig     `toml:"admin_api"`
	RateLimit   RateLimitConfig    `toml:"rate_limit"`
	Transport   TransportConfig    `toml:"transport"`
	Ingest      IngestConfig       `toml:"ingest"`
	Storage     StorageConfig      `toml:"storage"`
	Daemon      DaemonConfig       `toml:"daemon"`
	Pricing     PricingOverrides   `toml:"pricing"`
	Credentials []CredentialConfig `toml:"credentials"`
}

// AdminAPIConfig holds provider endpoint settings.
type AdminAPIConfig struct {
	BaseURL         string   `toml:"base_url"`
	CompletionsPath string   `toml:"completions_path"`
	StandardPath    string   `toml:"standard_path"`
	RequestTimeout  Duration `toml:"request_timeout"`
	PageLimit       int      `toml:"page_limit"`
	MaxPages        int      `toml:"max_pages"`
}

// RateLimitConfig holds the process-wide admission budget.
type RateLimitConfig struct {
	RequestsPerMinute float64  `toml:"requests_per_minute"`
	Burst             int      `toml:"burst"`
	AcquireTimeout    Duration `toml:"acquire_timeout"`
}

// TransportConfig holds retry settings for admin API calls.
type TransportConfig struct {
	MaxAttempts       int      `toml:"max_attempts"`
	BaseDelay         Duration `toml:"base_delay"`
	MaxJitter         Duration `toml:"max_jitter"`
	RespectRetryAfter bool     `toml:"respect_retry_after"`
}

// IngestConfig holds orchestration settings.
type IngestConfig struct {
	SimulateOnPermissionFailure bool     `toml:"simulate_on_permission_failure"`
	LookbackDays                int      `toml:"lookback_days"`
	CredentialTimeout           Duration `toml:"credential_timeout"`
	ChunkSize                   int      `toml:"chunk_size"`
	ChunkPause                  Duration `toml:"chunk_pause"`
	Concurrency                 int      `toml:"concurrency"`
}

// StorageConfig selects the event store.
type StorageConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn,omitempty"`
}

// DaemonConfig holds background service settings.
type DaemonConfig struct {
	Addr         string   `toml:"addr"`
	Interval     Duration `toml:"interval"`
	EventsBuffer int      `toml:"events_buffer"`
}

// CredentialConfig is one tracked provider key.
type CredentialConfig struct {
	Subject        string `toml:"subject"`
	Ref            string `toml:"ref"`
	Secret         string `toml:"secret,omitempty"`
	SecretEnv      string `toml:"secret_env,omitempty"`
	UsageMode      string `toml:"usage_mode,omitempty"`
	OrganizationID string `toml:"organization_id,omitempty"`
	ProjectID      string `toml:"project_id,omitempty"`
}

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses values like "30s" or "1m30s".
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Dur wraps a time.Duration.
func Dur(d time.Duration) Duration { return Duration{Duration: d} }

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		AdminAPI: AdminAPIConfig{
			BaseURL:         "https://api.openai.com",
			CompletionsPath: "/v1/organization/usage/completions",
			StandardPath:    "/v1/usage",
			RequestTimeout:  Dur(30 * time.Second),
			PageLimit:       31,
			MaxPages:        20,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 50,
			Burst:             10,
			AcquireTimeout:    Dur(60 * time.Second),
		},
		Transport: TransportConfig{
			MaxAttempts:       3,
			BaseDelay:         Dur(500 * time.Millisecond),
			MaxJitter:         Dur(250 * time.Millisecond),
			RespectRetryAfter: true,
		},
		Ingest: IngestConfig{
			LookbackDays:      1,
			CredentialTimeout: Dur(5 * time.Minute),
			ChunkSize:         10,
			ChunkPause:        Dur(2 * time.Second),
			Concurrency:       4,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
		},
		Daemon: DaemonConfig{
			Addr:         "127.0.0.1:8787",
			Interval:     Dur(15 * time.Minute),
			EventsBuffer: 200,
		},
	}
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "usagesync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "usagesync")
}

// DataDir returns the XDG-compliant data directory holding the SQLite store
// and daemon state.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "usagesync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "usagesync")
}

// Path returns the full path to the default config file.
func Path() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads the default config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path, returning defaults if it doesn't exist.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	//nolint:gosec // config path is chosen by the local user
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to path.
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Exists returns true if a config file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validate reports every problem that would stop ingestion from starting.
// Per-credential usage-mode gaps are not reported here; they fail only the
// affected credential at run time.
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.AdminAPI.BaseURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("admin_api.base_url: %w", err))
	case u.Scheme != "https" || u.Host == "":
		errs = append(errs, fmt.Errorf("admin_api.base_url %q must be an https URL", c.AdminAPI.BaseURL))
	}
	for name, p := range map[string]string{
		"admin_api.completions_path": c.AdminAPI.CompletionsPath,
		"admin_api.standard_path":    c.AdminAPI.StandardPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with /", name, p))
		}
	}
	if c.AdminAPI.MaxPages < 1 {
		errs = append(errs, errors.New("admin_api.max_pages must be at least 1"))
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_minute must be positive"))
	}
	if c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.burst must be at least 1"))
	}
	if c.Transport.MaxAttempts < 1 {
		errs = append(errs, errors.New("transport.max_attempts must be at least 1"))
	}
	if c.Ingest.Concurrency < 1 {
		errs = append(errs, errors.New("ingest.concurrency must be at least 1"))
	}

	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if GetStorageDSN(c) == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q (want %s or %s)", c.Storage.Driver, DriverSQLite, DriverPostgres))
	}

	seen := make(map[string]bool)
	for i, cred := range c.Credentials {
		if cred.Subject == "" || cred.Ref == "" {
			errs = append(errs, fmt.Errorf("credentials[%d]: subject and ref are required", i))
			continue
		}
		id := cred.Subject + "/" + cred.Ref
		if seen[id] {
			errs = append(errs, fmt.Errorf("credentials[%d]: duplicate ref %q for subject %q", i, cred.Ref, cred.Subject))
		}
		seen[id] = true
		if _, err := model.ParseUsageMode(cred.UsageMode); err != nil {
			errs = append(errs, fmt.Errorf("credentials[%d]: %w", i, err))
		}
	}

	for name, o := range c.Pricing.Overrides {
		if err := o.validate(); err != nil {
			errs = append(errs, fmt.Errorf("pricing.overrides.%q: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// GetSecret returns a credential's secret from its env var or the config, in
// that order.
func GetSecret(c CredentialConfig) string {
	if c.SecretEnv != "" {
		if v := os.Getenv(c.SecretEnv); v != "" {
			return v
		}
	}
	return c.Secret
}

// GetStorageDSN returns the storage DSN from USAGESYNC_DATABASE_URL or the
// config, in that order. The SQLite driver falls back to a file in DataDir.
func GetStorageDSN(cfg Config) string {
	if dsn := os.Getenv("USAGESYNC_DATABASE_URL"); dsn != "" {
		return dsn
	}
	if cfg.Storage.DSN != "" {
		return cfg.Storage.DSN
	}
	if cfg.Storage.Driver == DriverSQLite {
		return filepath.Join(DataDir(), "usage.db")
	}
	return ""
}
