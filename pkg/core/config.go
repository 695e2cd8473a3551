// pkg/core/config.go
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// Sync strategies
const (
	SyncFull        = "full"
	SyncIncremental = "incremental"
	SyncDeltaBased  = "delta_based"
	SyncSmart       = "smart"
)

// Mirror selection strategies
const (
	MirrorFastest      = "fastest"
	MirrorPriority     = "priority"
	MirrorLoadBalanced = "load_balanced"
	MirrorGeographic   = "geographic"
)

// Config holds mpkg configuration
type Config struct {
	InstallDir   string `yaml:"install_dir"`
	CacheDir     string `yaml:"cache_dir"`
	TempDir      string `yaml:"temp_dir"`
	ReposDir     string `yaml:"repos_dir"`
	Architecture string `yaml:"architecture"`

	VerifySignatures bool `yaml:"verify_signatures"`

	MaxCacheSize    int64         `yaml:"max_cache_size"`
	MaxCacheEntries int           `yaml:"max_cache_entries"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	EvictionPolicy  string        `yaml:"eviction_policy"`

	Timeout        time.Duration `yaml:"timeout"`
	NetworkTimeout time.Duration `yaml:"network_timeout"`
	DiskHeadroom   int64         `yaml:"disk_headroom"`
	Concurrency    int           `yaml:"concurrency"`

	Retry  RetryConfig  `yaml:"retry"`
	Mirror MirrorConfig `yaml:"mirror"`
	Sync   SyncConfig   `yaml:"sync"`
	Delta  DeltaConfig  `yaml:"delta"`

	Repositories []RepositorySpec `yaml:"repositories,omitempty"`

	Debug  bool        `yaml:"debug"`
	Logger *log.Logger `yaml:"-"`
}

// RetryConfig controls fetch retries
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// MirrorConfig controls mirror selection
type MirrorConfig struct {
	Strategy string `yaml:"strategy"`
	Region   string `yaml:"region,omitempty"`
}

// SyncConfig controls repository synchronization
type SyncConfig struct {
	Strategy       string `yaml:"strategy"`
	BandwidthLimit int64  `yaml:"bandwidth_limit"` // bytes per second, 0 = unlimited
}

// DeltaConfig controls delta patch usage
type DeltaConfig struct {
	Enabled          *bool   `yaml:"enabled,omitempty"`
	SavingsThreshold float64 `yaml:"savings_threshold"`
}

// DeltaEnabled reports whether delta patches may be used
func (c *Config) DeltaEnabled() bool {
	return derefBool(c.Delta.Enabled, true)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &Config{
		InstallDir:       getDefaultInstallDir(),
		CacheDir:         filepath.Join(home, ".cache", "mpkg"),
		TempDir:          os.TempDir(),
		ReposDir:         filepath.Join(home, ".config", "mpkg", "repos.d"),
		Architecture:     runtime.GOARCH,
		VerifySignatures: true,
		MaxCacheSize:     1 << 30,
		CacheTTL:         7 * 24 * time.Hour,
		EvictionPolicy:   "lru",
		Timeout:          300 * time.Second,
		NetworkTimeout:   30 * time.Second,
		DiskHeadroom:     64 << 20,
		Concurrency:      4,
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      500 * time.Millisecond,
			BackoffMultiplier: 2,
			MaxDelay:          30 * time.Second,
		},
		Mirror: MirrorConfig{Strategy: MirrorPriority},
		Sync:   SyncConfig{Strategy: SyncSmart},
		Delta:  DeltaConfig{SavingsThreshold: 0.9},
	}
}

// DefaultConfigPath returns $HOME/.config/mpkg/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mpkg", "config.yaml")
}

// LoadConfig loads configuration from file. Values missing from the file
// keep their defaults; a missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
		if path == "" {
			return DefaultConfig(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("%w: reading config: %v", ErrConfig, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config %s: %v", ErrConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves configuration to file
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
		if path == "" {
			return fmt.Errorf("%w: no config path", ErrConfig)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Validate checks the configuration and names the first bad field
func (c *Config) Validate() error {
	bad := func(field, format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrConfig, field, fmt.Sprintf(format, args...))
	}

	switch {
	case c.InstallDir == "":
		return bad("install_dir", "must be set")
	case c.CacheDir == "":
		return bad("cache_dir", "must be set")
	case c.MaxCacheSize < 0:
		return bad("max_cache_size", "must not be negative")
	case c.MaxCacheEntries < 0:
		return bad("max_cache_entries", "must not be negative")
	case c.CacheTTL < 0:
		return bad("cache_ttl", "must not be negative")
	case c.Timeout < 0:
		return bad("timeout", "must not be negative")
	case c.Concurrency < 0:
		return bad("concurrency", "must not be negative")
	case c.Retry.MaxAttempts < 0:
		return bad("retry.max_attempts", "must not be negative")
	case c.Retry.BackoffMultiplier != 0 && c.Retry.BackoffMultiplier < 1:
		return bad("retry.backoff_multiplier", "must be at least 1, got %v", c.Retry.BackoffMultiplier)
	case c.Delta.SavingsThreshold < 0 || c.Delta.SavingsThreshold > 1:
		return bad("delta.savings_threshold", "must be within [0,1], got %v", c.Delta.SavingsThreshold)
	}

	switch c.EvictionPolicy {
	case "", "lru", "lfu", "fifo", "largest":
	default:
		return bad("eviction_policy", "unknown policy %q", c.EvictionPolicy)
	}
	switch c.Mirror.Strategy {
	case "", MirrorFastest, MirrorPriority, MirrorLoadBalanced, MirrorGeographic:
	default:
		return bad("mirror.strategy", "unknown strategy %q", c.Mirror.Strategy)
	}
	switch c.Sync.Strategy {
	case "", SyncFull, SyncIncremental, SyncDeltaBased, SyncSmart:
	default:
		return bad("sync.strategy", "unknown strategy %q", c.Sync.Strategy)
	}

	seen := make(map[string]bool)
	for i, r := range c.Repositories {
		field := fmt.Sprintf("repositories[%d]", i)
		if r.ID == "" {
			return bad(field+".id", "must be set")
		}
		if seen[r.ID] {
			return bad(field+".id", "duplicate repository %q", r.ID)
		}
		seen[r.ID] = true
		if r.URL == "" {
			return bad(field+".url", "must be set")
		}
	}
	return nil
}

// DatabasePath is the installed-set database location
func (c *Config) DatabasePath() string {
	return filepath.Join(c.InstallDir, "var", "lib", "packages", "db")
}

func getDefaultInstallDir() string {
	if path := os.Getenv("MPKG_INSTALL_DIR"); path != "" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "/usr/local"
	}

	return filepath.Join(home, ".mpkg")
}
