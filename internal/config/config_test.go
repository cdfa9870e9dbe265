package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestDefaults verifies the built-in configuration
func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, ModeFleet, cfg.Mode)
	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, 4000, cfg.BasePort())
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Duration)
	assert.NoError(t, cfg.Validate())
}

// TestLoadFile verifies TOML decoding
func TestLoadFile(t *testing.T) {
	path := writeFile(t, "userfleet.toml", `
mode = "single"
port = 5000
worker-base-port = 6000
workers = 3
admin-port = 5999
log-level = "debug"
health-interval = "250ms"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeSingle, cfg.Mode)
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, 6000, cfg.BasePort())
	assert.Equal(t, 3, cfg.WorkerCount())
	assert.Equal(t, 5999, cfg.AdminPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.HealthInterval.Duration)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Duration, "unset keys keep defaults")
}

// TestLoadMissingFile verifies that a missing file is an error
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

// TestApplyEnv verifies environment overrides
func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(*testing.T, *Config)
		wantErr bool
	}{
		{
			name: "ports and mode",
			env: map[string]string{
				"USERFLEET_MODE":    "fleet-inproc",
				"USERFLEET_PORT":    "7000",
				"USERFLEET_WORKERS": "2",
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, ModeFleetInproc, c.Mode)
				assert.Equal(t, 7000, c.Port)
				assert.Equal(t, 2, c.Workers)
			},
		},
		{
			name: "durations and sizes",
			env: map[string]string{
				"USERFLEET_SHUTDOWN_TIMEOUT": "1s",
				"USERFLEET_MAX_BODY_BYTES":   "1024",
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, time.Second, c.ShutdownTimeout.Duration)
				assert.Equal(t, int64(1024), c.MaxBodyBytes)
			},
		},
		{
			name: "empty value keeps default",
			env:  map[string]string{"USERFLEET_PORT": ""},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 4000, c.Port)
			},
		},
		{
			name:    "bad number",
			env:     map[string]string{"USERFLEET_PORT": "forty"},
			wantErr: true,
		},
		{
			name:    "bad duration",
			env:     map[string]string{"USERFLEET_HEALTH_INTERVAL": "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			err := cfg.applyEnv(func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

// TestValidate verifies configuration validation
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown mode", func(c *Config) { c.Mode = "cluster" }, true},
		{"port zero", func(c *Config) { c.Port = 0 }, true},
		{"port too large", func(c *Config) { c.Port = 70000 }, true},
		{"negative workers", func(c *Config) { c.Workers = -1 }, true},
		{"worker range overflow", func(c *Config) { c.Port = 65530; c.Workers = 8 }, true},
		{"bad admin port", func(c *Config) { c.AdminPort = -5 }, true},
		{"zero body limit", func(c *Config) { c.MaxBodyBytes = 0 }, true},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout.Duration = 0 }, true},
		{"health disabled", func(c *Config) { c.HealthInterval.Duration = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestWorkerCountDefaultsToCPUs verifies that a zero worker count is resolved
func TestWorkerCountDefaultsToCPUs(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.GreaterOrEqual(t, cfg.WorkerCount(), 1)
}

// TestLoadSeed verifies seed file handling
func TestLoadSeed(t *testing.T) {
	t.Run("no seed file", func(t *testing.T) {
		seed, err := NewDefaultConfig().LoadSeed()
		require.NoError(t, err)
		assert.Empty(t, seed)
	})

	t.Run("seed records", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.SeedFile = writeFile(t, "seed.json", `[{"id":"id1","username":"name1","age":18}]`)

		seed, err := cfg.LoadSeed()
		require.NoError(t, err)
		require.Len(t, seed, 1)
		assert.Equal(t, "id1", seed[0].ID)
		assert.Equal(t, `[]`, string(seed[0].Hobbies))
		assert.Equal(t, `18`, string(seed[0].Age))
	})

	t.Run("malformed seed", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.SeedFile = writeFile(t, "seed.json", `{"id":"id1"}`)

		_, err := cfg.LoadSeed()
		assert.Error(t, err)
	})
}
