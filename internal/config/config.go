// Package config loads and validates the polystore configuration file.
//
// The file is YAML with four top-level sections mirroring the runtime
// layering: storage_configs (named backend bindings), model_defaults,
// connection_pools and performance (tuning), plus daemon settings and the
// model declarations themselves (inline under models: or referenced via
// model_files:, which may be YAML or TOML).
//
// Values may reference environment variables with ${VAR} or
// ${VAR:-default}. Substitutions that produce integer-looking or
// true/false text are coerced to typed values after expansion.
//
// Layout:
//   - config.go: configuration types, defaults, registry assembly
//   - load.go:   file discovery and viper-backed loading
//   - expand.go: environment expansion and scalar coercion
//   - watch.go:  fsnotify-based reload watching
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/polystore/polystore/internal/model"
)

// Config is the full runtime configuration.
type Config struct {
	// StorageConfigs maps a storage name to its backend binding. Models
	// reference these names in their storages list.
	StorageConfigs map[string]model.Binding `yaml:"storage_configs"`

	ModelDefaults   ModelDefaults         `yaml:"model_defaults"`
	ConnectionPools map[string]PoolLimits `yaml:"connection_pools"`
	Performance     Performance           `yaml:"performance"`
	Daemon          Daemon                `yaml:"daemon"`

	// Models declares descriptors inline; ModelFiles names additional
	// YAML or TOML declaration files, resolved relative to the config
	// file's directory.
	Models     []model.Spec `yaml:"models"`
	ModelFiles []string     `yaml:"model_files"`

	// dir is the directory the config was loaded from, for resolving
	// relative model_files paths.
	dir string
}

// ModelDefaults supplies per-model settings left blank in a declaration.
type ModelDefaults struct {
	SyncStrategy string `yaml:"sync_strategy"`
	Secured      bool   `yaml:"secured"`
}

// PoolLimits bounds a backend kind's connection pool.
type PoolLimits struct {
	MinConns int `yaml:"min_conns"`
	MaxConns int `yaml:"max_conns"`
}

// Performance tunes the worker pool and embedding pipeline.
type Performance struct {
	// Workers sizes the goroutine worker pool. Zero means NumCPU.
	Workers    int `yaml:"workers"`
	MinWorkers int `yaml:"min_workers"`
	// ProcessWorkers sizes the child-process pool used for CPU-heavy
	// tasks. Zero disables the process pool.
	ProcessWorkers     int           `yaml:"process_workers"`
	EmbeddingDimension int           `yaml:"embedding_dimension"`
	ReplicateTimeout   time.Duration `yaml:"replicate_timeout"`
	WorkerTTL          time.Duration `yaml:"worker_ttl"`
}

// Daemon configures the serve command's listeners.
type Daemon struct {
	Socket    string `yaml:"socket"`
	TCPAddr   string `yaml:"tcp_addr"`
	WSAddr    string `yaml:"ws_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`
}

// Defaults applied when the file leaves a section empty.
const (
	DefaultSyncStrategy       = "PRIMARY_FIRST"
	DefaultEmbeddingDimension = 384
	DefaultReplicateTimeout   = 30 * time.Second
)

// Default pool bounds per spec'd backend kind.
var defaultPools = map[model.Kind]PoolLimits{
	model.KindRelational: {MinConns: 2, MaxConns: 10},
	model.KindVector:     {MinConns: 2, MaxConns: 10},
	model.KindCache:      {MinConns: 0, MaxConns: 50},
}

// New returns a Config with defaults filled in.
func New() *Config {
	return &Config{
		StorageConfigs: map[string]model.Binding{},
		ModelDefaults:  ModelDefaults{SyncStrategy: DefaultSyncStrategy},
		Performance: Performance{
			EmbeddingDimension: DefaultEmbeddingDimension,
			ReplicateTimeout:   DefaultReplicateTimeout,
		},
		Daemon: Daemon{Socket: DefaultSocketPath()},
	}
}

// applyDefaults fills zero values after unmarshaling.
func (c *Config) applyDefaults() {
	if c.StorageConfigs == nil {
		c.StorageConfigs = map[string]model.Binding{}
	}
	if c.ModelDefaults.SyncStrategy == "" {
		c.ModelDefaults.SyncStrategy = DefaultSyncStrategy
	}
	if c.Performance.EmbeddingDimension == 0 {
		c.Performance.EmbeddingDimension = DefaultEmbeddingDimension
	}
	if c.Performance.ReplicateTimeout == 0 {
		c.Performance.ReplicateTimeout = DefaultReplicateTimeout
	}
	if c.Daemon.Socket == "" {
		c.Daemon.Socket = DefaultSocketPath()
	}
	for name, b := range c.StorageConfigs {
		if b.Port == 0 {
			b.Port = model.DefaultPort(b.Kind)
		}
		if b.Timeout == 0 {
			b.Timeout = 30 * time.Second
		}
		c.StorageConfigs[name] = b
	}
}

// Validate checks every binding and reports the first problem.
func (c *Config) Validate() error {
	for name, b := range c.StorageConfigs {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("storage_configs.%s: %w", name, err)
		}
	}
	for kind := range c.ConnectionPools {
		if _, err := model.ParseKind(kind); err != nil {
			return fmt.Errorf("connection_pools: %w", err)
		}
	}
	if len(c.Models) == 0 && len(c.ModelFiles) == 0 {
		return fmt.Errorf("config declares no models (need models: or model_files:)")
	}
	return nil
}

// Pool returns the configured limits for kind, falling back to the
// per-kind defaults.
func (c *Config) Pool(kind model.Kind) PoolLimits {
	if p, ok := c.ConnectionPools[string(kind)]; ok {
		return p
	}
	if p, ok := defaultPools[kind]; ok {
		return p
	}
	return PoolLimits{MinConns: 1, MaxConns: 10}
}

// Registry resolves every declared model, inline specs first then
// model_files in order, into a fresh model registry.
func (c *Config) Registry() (*model.Registry, error) {
	reg := model.NewRegistry()
	for i := range c.Models {
		d, err := c.Models[i].Resolve(c.StorageConfigs)
		if err != nil {
			return nil, err
		}
		c.applyModelDefaults(d)
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	for _, f := range c.ModelFiles {
		path := f
		if !filepath.IsAbs(path) && c.dir != "" {
			path = filepath.Join(c.dir, path)
		}
		descs, err := model.LoadFile(path, c.StorageConfigs)
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			c.applyModelDefaults(d)
			if err := reg.Register(d); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

// applyModelDefaults fills a descriptor's blanks from model_defaults.
// A secured default turns security on for every model; declarations
// cannot opt back out once the default is set.
func (c *Config) applyModelDefaults(d *model.Descriptor) {
	if d.Strategy == "" {
		d.Strategy = c.ModelDefaults.SyncStrategy
	}
	if c.ModelDefaults.Secured {
		d.Secured = true
	}
}

// Dir is the directory the config file was loaded from.
func (c *Config) Dir() string { return c.dir }

// HomeDir returns the polystore state directory, POLYSTORE_DIR or
// ~/.polystore. Lock and socket files live here by default.
func HomeDir() string {
	if dir := os.Getenv("POLYSTORE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".polystore"
	}
	return filepath.Join(home, ".polystore")
}

// DefaultSocketPath is where the daemon listens when the config does not
// say otherwise.
func DefaultSocketPath() string {
	return filepath.Join(HomeDir(), "poly.sock")
}
