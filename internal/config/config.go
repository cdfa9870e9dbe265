// Package config loads the settings shared by the coordinator and node
// binaries. Values come from defaults, an optional TOML file, and USERFLEET_*
// environment variables, in increasing order of precedence; command-line
// flags are applied on top by the binaries.
package config

import (
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/dreamware/userfleet/internal/storage"
)

// Deployment modes.
const (
	ModeSingle      = "single"
	ModeFleet       = "fleet"
	ModeFleetInproc = "fleet-inproc"
)

const envPrefix = "USERFLEET_"

// Duration wraps time.Duration so TOML files can say "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Mode string `toml:"mode"`
	Host string `toml:"host"`

	// Port is where the dispatcher (or the single worker) listens.
	Port int `toml:"port"`
	// WorkerBasePort is the base of the worker port range; worker i listens
	// on WorkerBasePort+i. Zero means Port.
	WorkerBasePort int `toml:"worker-base-port"`
	// Workers is the fleet size. Zero means one per logical CPU.
	Workers int `toml:"workers"`
	// AdminPort serves /health, /fleet and /metrics. Zero disables it.
	AdminPort int `toml:"admin-port"`

	LogLevel     string `toml:"log-level"`
	SeedFile     string `toml:"seed-file"`
	WorkerBinary string `toml:"worker-binary"`
	MaxBodyBytes int64  `toml:"max-body-bytes"`

	HealthInterval  Duration `toml:"health-interval"`
	ShutdownTimeout Duration `toml:"shutdown-timeout"`
}

// NewDefaultConfig returns the built-in defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Mode:            ModeFleet,
		Host:            "127.0.0.1",
		Port:            4000,
		LogLevel:        "info",
		MaxBodyBytes:    1 << 20,
		HealthInterval:  Duration{5 * time.Second},
		ShutdownTimeout: Duration{5 * time.Second},
	}
}

// Load builds a Config from defaults, the TOML file at path (if non-empty),
// and the environment.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "decode config file %s", path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", envPrefix, key)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			return nil
		}
		return errors.Wrapf(dst.UnmarshalText([]byte(v)), "%s%s", envPrefix, key)
	}

	str("MODE", &c.Mode)
	str("HOST", &c.Host)
	str("LOG_LEVEL", &c.LogLevel)
	str("SEED_FILE", &c.SeedFile)
	str("WORKER_BINARY", &c.WorkerBinary)
	for key, dst := range map[string]*int{
		"PORT":             &c.Port,
		"WORKER_BASE_PORT": &c.WorkerBasePort,
		"WORKERS":          &c.Workers,
		"ADMIN_PORT":       &c.AdminPort,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookup(envPrefix + "MAX_BODY_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "%sMAX_BODY_BYTES", envPrefix)
		}
		c.MaxBodyBytes = n
	}
	if err := dur("HEALTH_INTERVAL", &c.HealthInterval); err != nil {
		return err
	}
	return dur("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
}

// BasePort returns the effective worker base port.
func (c *Config) BasePort() int {
	if c.WorkerBasePort == 0 {
		return c.Port
	}
	return c.WorkerBasePort
}

// WorkerCount returns the fleet size: Workers when set, otherwise the number
// of logical CPUs on the host.
func (c *Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSingle, ModeFleet, ModeFleetInproc:
	default:
		return errors.Errorf("unknown mode %q (want %s, %s or %s)", c.Mode, ModeSingle, ModeFleet, ModeFleetInproc)
	}
	if err := validPort("port", c.Port); err != nil {
		return err
	}
	if c.WorkerBasePort != 0 {
		if err := validPort("worker-base-port", c.WorkerBasePort); err != nil {
			return err
		}
	}
	if c.AdminPort != 0 {
		if err := validPort("admin-port", c.AdminPort); err != nil {
			return err
		}
	}
	if c.Workers < 0 {
		return errors.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.BasePort()+c.Workers > 65535 {
		return errors.Errorf("worker ports %d..%d exceed 65535", c.BasePort()+1, c.BasePort()+c.Workers)
	}
	if c.MaxBodyBytes <= 0 {
		return errors.Errorf("max-body-bytes must be positive, got %d", c.MaxBodyBytes)
	}
	if c.HealthInterval.Duration < 0 {
		return errors.New("health-interval must not be negative")
	}
	if c.ShutdownTimeout.Duration <= 0 {
		return errors.New("shutdown-timeout must be positive")
	}
	return nil
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return errors.Errorf("%s must be in 1..65535, got %d", name, port)
	}
	return nil
}

// LoadSeed reads the seed collection from c.SeedFile. An empty path yields an
// empty collection.
func (c *Config) LoadSeed() ([]storage.User, error) {
	if c.SeedFile == "" {
		return []storage.User{}, nil
	}
	data, err := os.ReadFile(c.SeedFile)
	if err != nil {
		return nil, errors.Wrap(err, "read seed file")
	}
	var seed []storage.User
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, errors.Wrapf(err, "decode seed file %s", c.SeedFile)
	}
	for i := range seed {
		if seed[i].Hobbies == nil {
			seed[i].Hobbies = json.RawMessage("[]")
		}
	}
	return seed, nil
}
