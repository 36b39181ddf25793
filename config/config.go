// Package config assembles process configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/sushant-115/hvac/core/storage_engine/tiered_storage"
	"github.com/sushant-115/hvac/pkg/logger"
	"github.com/sushant-115/hvac/pkg/telemetry"
)

var ErrMissingConfig = errors.New("missing required configuration")

// Role selects which variables are required.
type Role int

const (
	ServerRole Role = iota
	ClientRole
)

// Config is everything a server or client process needs.
type Config struct {
	Policy tiered_storage.PolicyConfig

	// StagingBase is where the mover creates per-file staging directories.
	StagingBase string
	// MoverRate throttles migrations in bytes per second; 0 is unthrottled.
	MoverRate int64
	// SweepInterval enables the background fast tier sweeper when > 0.
	SweepInterval time.Duration

	// DataDir is the prefix under which client opens are tracked.
	DataDir     string
	ReadTimeout time.Duration

	JobID       string
	Rank        int
	RegistryDir string
	ListenAddr  string
	// TLSDir holds ca.crt and the key pairs for mutual TLS; empty disables it.
	TLSDir string

	Logger    logger.Config
	Telemetry telemetry.Config
}

// LoadDotEnv loads the given files (".env" when none) into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the configuration for role from the process environment.
func Load(role Role) (*Config, error) {
	return load(os.LookupEnv, role)
}

// FromMap reads the configuration from vars instead of the environment.
func FromMap(vars map[string]string, role Role) (*Config, error) {
	return load(func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}, role)
}

type env struct {
	lookup  func(string) (string, bool)
	missing []string
	errs    []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) required(keys ...string) string {
	_, v := e.requiredKey(keys...)
	return v
}

// requiredKey returns the first of keys that is set, with its value, so
// errors can name the variable the value actually came from.
func (e *env) requiredKey(keys ...string) (string, string) {
	for _, k := range keys {
		if v := e.str(k, ""); v != "" {
			return k, v
		}
	}
	e.missing = append(e.missing, keys[0])
	return keys[0], ""
}

func (e *env) uint(key string, v string) uint64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a byte count", key, v))
	}
	return n
}

func (e *env) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func load(lookup func(string) (string, bool), role Role) (*Config, error) {
	e := &env{lookup: lookup}
	cfg := &Config{}

	if role == ServerRole {
		cfg.Policy.FastPath = e.required("HVAC_FSDAX_PATH")
		cfg.Policy.CapacityPath = e.required("HVAC_SSD_PATH")
		// HVAC_FSDAX_CAPACITY is accepted as an older spelling.
		cfg.Policy.FastCapacity = e.uint(e.requiredKey("HVAC_PM_CAPACITY", "HVAC_FSDAX_CAPACITY"))
		cfg.Policy.CapacityCapacity = e.uint("HVAC_SSD_CAPACITY", e.required("HVAC_SSD_CAPACITY"))
		cfg.StagingBase = e.required("BBPATH")
	}

	switch mode := tiered_storage.EvictionMode(e.str("HVAC_EVICTION_MODE", string(tiered_storage.EvictDemote))); mode {
	case tiered_storage.EvictDemote, tiered_storage.EvictRemove:
		cfg.Policy.EvictionMode = mode
	default:
		e.errs = append(e.errs, fmt.Errorf("HVAC_EVICTION_MODE: unknown mode %q", mode))
	}

	if rate := e.str("HVAC_MOVER_RATE", ""); rate != "" {
		cfg.MoverRate = int64(e.uint("HVAC_MOVER_RATE", rate))
	}
	cfg.SweepInterval = e.duration("HVAC_SWEEP_INTERVAL", 0)
	cfg.DataDir = e.str("HVAC_DATA_DIR", "")
	cfg.ReadTimeout = e.duration("HVAC_READ_TIMEOUT", 30*time.Second)

	cfg.JobID = e.str("SLURM_JOBID", "local")
	cfg.Rank = e.int("SLURM_PROCID", 0)
	cfg.RegistryDir = e.str("HVAC_REGISTRY_DIR", ".")
	cfg.ListenAddr = e.str("HVAC_LISTEN_ADDR", ":0")
	cfg.TLSDir = e.str("HVAC_TLS_DIR", "")

	cfg.Logger = logger.Config{
		Level:      e.str("HVAC_LOG_LEVEL", "info"),
		Format:     e.str("HVAC_LOG_FORMAT", "json"),
		OutputFile: e.str("HVAC_LOG_FILE", "stderr"),
	}
	port := e.int("HVAC_METRICS_PORT", 0)
	cfg.Telemetry = telemetry.Config{
		Enabled:        port > 0,
		ServiceName:    "hvac",
		PrometheusPort: port,
	}

	if len(e.missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(e.missing, ", "))
	}
	if len(e.errs) > 0 {
		return nil, multierror.Append(nil, e.errs...)
	}
	return cfg, nil
}
