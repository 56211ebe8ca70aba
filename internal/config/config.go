package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"recurd/internal/recur"
)

// EnvPrefix prefixes every environment override, e.g. RECURD_LISTEN.
const EnvPrefix = "RECURD"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// StoreConfig selects where series and occurrences live.
type StoreConfig struct {
	// Driver is one of "memory", "file" or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	// Path is the series directory for "file" and the database file for
	// "sqlite". Ignored for "memory".
	Path string `yaml:"path" json:"path"`
}

// ReconcileConfig is the horizon policy plus the schedule of the periodic
// reconcile pass.
type ReconcileConfig struct {
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`
	MinFuture   int `yaml:"min_future" json:"min_future"`
	BatchCap    int `yaml:"batch_cap" json:"batch_cap"`

	// Cron is a standard 5-field cron expression. Empty disables the
	// periodic pass.
	Cron string `yaml:"cron" json:"cron"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// UTCOffset is the single fixed offset all instants are reported in,
	// e.g. "+09:00" or "Z".
	UTCOffset string `yaml:"utc_offset" json:"utc_offset"`

	// LogLevel is "debug", "info" or "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	Store     StoreConfig     `yaml:"store" json:"store"`
	Reconcile ReconcileConfig `yaml:"reconcile" json:"reconcile"`

	// ICSCacheDir keeps the last fetched body of imported calendar URLs.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// envOverrides mirrors the settings that may come from the environment.
// Zero values mean "not set".
type envOverrides struct {
	Listen        string `envconfig:"LISTEN"`
	UTCOffset     string `envconfig:"UTC_OFFSET"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	StoreDriver   string `envconfig:"STORE_DRIVER"`
	StorePath     string `envconfig:"STORE_PATH"`
	HorizonDays   int    `envconfig:"HORIZON_DAYS"`
	MinFuture     int    `envconfig:"MIN_FUTURE"`
	BatchCap      int    `envconfig:"BATCH_CAP"`
	ReconcileCron string `envconfig:"RECONCILE_CRON"`
	AuthUsername  string `envconfig:"AUTH_USERNAME"`
	AuthPassword  string `envconfig:"AUTH_PASSWORD"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	p := recur.DefaultPolicy()
	return &Config{
		Listen:    "127.0.0.1:8080",
		UTCOffset: "Z",
		LogLevel:  "info",
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "./var/recurd.db",
		},
		Reconcile: ReconcileConfig{
			HorizonDays: p.HorizonDays,
			MinFuture:   p.MinFuture,
			BatchCap:    p.BatchCap,
			Cron:        "*/15 * * * *",
		},
		ICSCacheDir: "./var/ics-cache",
	}
}

// Normalize fills in missing/zero values with defaults so partially
// filled configs still behave.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.UTCOffset == "" {
		c.UTCOffset = def.UTCOffset
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = def.LogLevel
	}
	if c.Store.Driver == "" {
		c.Store.Driver = def.Store.Driver
	}
	if c.Store.Path == "" && c.Store.Driver != DriverMemory {
		switch c.Store.Driver {
		case DriverFile:
			c.Store.Path = "./var/series"
		default:
			c.Store.Path = def.Store.Path
		}
	}
	if c.Reconcile.HorizonDays <= 0 {
		c.Reconcile.HorizonDays = def.Reconcile.HorizonDays
	}
	if c.Reconcile.MinFuture <= 0 {
		c.Reconcile.MinFuture = def.Reconcile.MinFuture
	}
	if c.Reconcile.BatchCap <= 0 {
		c.Reconcile.BatchCap = def.Reconcile.BatchCap
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverFile, DriverSQLite:
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if _, err := ParseOffset(c.UTCOffset); err != nil {
		return err
	}
	if c.Reconcile.Cron != "" {
		if _, err := cron.ParseStandard(c.Reconcile.Cron); err != nil {
			return fmt.Errorf("reconcile cron %q: %w", c.Reconcile.Cron, err)
		}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		return errors.New("basic_auth needs both username and password")
	}
	return nil
}

// Location returns the configured fixed offset. Call Validate first; an
// invalid offset falls back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := ParseOffset(c.UTCOffset)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Policy returns the horizon policy.
func (c *Config) Policy() recur.Policy {
	return recur.Policy{
		HorizonDays: c.Reconcile.HorizonDays,
		MinFuture:   c.Reconcile.MinFuture,
		BatchCap:    c.Reconcile.BatchCap,
	}
}

// ParseOffset parses "Z", "UTC" or a "+HH:MM" / "-HH:MM" offset into a
// fixed zone.
func ParseOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "Z" || strings.EqualFold(s, "UTC") {
		return time.UTC, nil
	}
	if len(s) != 6 || (s[0] != '+' && s[0] != '-') || s[3] != ':' {
		return nil, fmt.Errorf("invalid utc offset %q", s)
	}
	h, err := strconv.Atoi(s[1:3])
	if err != nil || h > 14 {
		return nil, fmt.Errorf("invalid utc offset %q", s)
	}
	m, err := strconv.Atoi(s[4:6])
	if err != nil || m > 59 {
		return nil, fmt.Errorf("invalid utc offset %q", s)
	}
	secs := h*3600 + m*60
	if s[0] == '-' {
		secs = -secs
	}
	if secs == 0 {
		return time.UTC, nil
	}
	return time.FixedZone(s, secs), nil
}

// ApplyEnv overlays RECURD_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to process environment variables: %w", err)
	}
	if env.Listen != "" {
		c.Listen = env.Listen
	}
	if env.UTCOffset != "" {
		c.UTCOffset = env.UTCOffset
	}
	if env.LogLevel != "" {
		c.LogLevel = env.LogLevel
	}
	if env.StoreDriver != "" {
		c.Store.Driver = env.StoreDriver
	}
	if env.StorePath != "" {
		c.Store.Path = env.StorePath
	}
	if env.HorizonDays > 0 {
		c.Reconcile.HorizonDays = env.HorizonDays
	}
	if env.MinFuture > 0 {
		c.Reconcile.MinFuture = env.MinFuture
	}
	if env.BatchCap > 0 {
		c.Reconcile.BatchCap = env.BatchCap
	}
	if env.ReconcileCron != "" {
		c.Reconcile.Cron = env.ReconcileCron
	}
	if env.AuthUsername != "" || env.AuthPassword != "" {
		c.BasicAuth = &BasicAuthConfig{Username: env.AuthUsername, Password: env.AuthPassword}
	}
	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path, then applies
// environment overrides.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and used.
//   - Otherwise the YAML is read and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
		cfg.Normalize()
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
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

	tmp, err := os.CreateTemp(dir, ".recurd-config-*.tmp")
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

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
