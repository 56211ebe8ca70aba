package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "recurd.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Listen, cfg.Listen)
	assert.Equal(t, 30, cfg.Reconcile.HorizonDays)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recurd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("utc_offset: \"+09:00\"\nstore:\n  driver: file\nreconcile:\n  min_future: 3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./var/series", cfg.Store.Path)
	assert.Equal(t, 3, cfg.Reconcile.MinFuture)
	assert.Equal(t, 50, cfg.Reconcile.BatchCap)
	assert.Equal(t, 9*3600, offsetOf(cfg.Location()))
	assert.Equal(t, 3, cfg.Policy().MinFuture)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RECURD_LISTEN", ":9999")
	t.Setenv("RECURD_STORE_DRIVER", "memory")
	t.Setenv("RECURD_HORIZON_DAYS", "7")
	t.Setenv("RECURD_AUTH_USERNAME", "admin")
	t.Setenv("RECURD_AUTH_PASSWORD", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "recurd.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 7, cfg.Reconcile.HorizonDays)
	require.NotNil(t, cfg.BasicAuth)
	assert.Equal(t, "admin", cfg.BasicAuth.Username)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"driver": func(c *Config) { c.Store.Driver = "postgres" },
		"offset": func(c *Config) { c.UTCOffset = "+9" },
		"cron":   func(c *Config) { c.Reconcile.Cron = "every minute" },
		"auth":   func(c *Config) { c.BasicAuth = &BasicAuthConfig{Username: "a"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestParseOffset(t *testing.T) {
	for in, want := range map[string]int{
		"Z":      0,
		"UTC":    0,
		"+00:00": 0,
		"+09:00": 9 * 3600,
		"-05:30": -(5*3600 + 30*60),
	} {
		loc, err := ParseOffset(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, offsetOf(loc), in)
	}
	for _, bad := range []string{"+0900", "09:00", "+15:00", "+09:60"} {
		_, err := ParseOffset(bad)
		assert.Error(t, err, bad)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recurd.yaml")
	cfg := DefaultConfig()
	cfg.BasicAuth = &BasicAuthConfig{Username: "u", Password: "p"}
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func offsetOf(loc *time.Location) int {
	_, off := time.Date(2025, 1, 1, 0, 0, 0, 0, loc).Zone()
	return off
}
