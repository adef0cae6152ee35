package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every daemon-level option plus the profile table once the
// loader resolves the configured sources.
type Config struct {
	Server ServerConfig `koanf:"server"`
	Source SourceConfig `koanf:"source"`
	Cache  CacheConfig  `koanf:"cache"`

	InlineProfiles map[string]ProfileConfig `koanf:"-"`

	// ProfileSources records which files contributed profile definitions once
	// the loader resolves the configured sources. It is excluded from koanf so
	// the value only reflects runtime discovery rather than static input
	// documents.
	ProfileSources []string `koanf:"-"`
	// SkippedProfiles captures duplicate or otherwise invalid profile
	// definitions the loader intentionally disabled. The daemon can surface
	// these in health checks without re-parsing raw files.
	SkippedProfiles []ProfileSkip `koanf:"-"`
}

// ServerConfig collects the HTTP bootstrap knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SourceConfig selects and configures the backend the cache fetches from.
type SourceConfig struct {
	Backend string             `koanf:"backend"`
	File    FileSourceConfig   `koanf:"file"`
	Valkey  ValkeySourceConfig `koanf:"valkey"`
}

// FileSourceConfig points the file backend at a document root. Watch turns
// edits into cache invalidations.
type FileSourceConfig struct {
	Root  string `koanf:"root"`
	Watch *bool  `koanf:"watch"`
}

// WatchEnabled reports whether document edits should invalidate the cache.
// Defaults to true when unset.
func (c FileSourceConfig) WatchEnabled() bool {
	if c.Watch == nil {
		return true
	}
	return *c.Watch
}

// ValkeySourceConfig configures the valkey backend.
type ValkeySourceConfig struct {
	Address   string          `koanf:"address"`
	Username  string          `koanf:"username"`
	Password  string          `koanf:"password"`
	DB        int             `koanf:"db"`
	KeyPrefix string          `koanf:"keyPrefix"`
	TLS       ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// CacheConfig announces the sweep cadence, the default profile and how
// per-prefix profiles are sourced.
type CacheConfig struct {
	SweepInterval  string                   `koanf:"sweepInterval"`
	Defaults       ProfileConfig            `koanf:"defaults"`
	ProfilesFolder string                   `koanf:"profilesFolder"`
	ProfilesFile   string                   `koanf:"profilesFile"`
	Profiles       map[string]ProfileConfig `koanf:"profiles"`
}

// ProfileConfig is the serialized form of a cache profile. Durations are
// strings ("30s", "5m") so every supported document format can express them;
// empty means the library default.
type ProfileConfig struct {
	StaleAfter         string      `koanf:"staleAfter"`
	GCTimeout          string      `koanf:"gcTimeout"`
	RefetchInterval    string      `koanf:"refetchInterval"`
	RefetchOnFocus     *bool       `koanf:"refetchOnFocus"`
	RefetchOnReconnect *bool       `koanf:"refetchOnReconnect"`
	Retry              RetryConfig `koanf:"retry"`
}

// RetryConfig tunes fetch retries for a profile. RetryOn is an optional CEL
// condition over the failure attributes kind, status and message; when empty
// the built-in policy applies.
type RetryConfig struct {
	MaxAttempts int    `koanf:"maxAttempts"`
	Backoff     string `koanf:"backoff"`
	MaxBackoff  string `koanf:"maxBackoff"`
	RetryOn     string `koanf:"retryOn"`
}

// ProfileSkip describes a profile definition the loader intentionally ignored
// because it violated invariants (for example duplicate prefixes across
// files). The daemon surfaces these in health checks so operators know which
// profiles were quarantined.
type ProfileSkip struct {
	Prefix  string   `json:"prefix"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

const (
	BackendFile   = "file"
	BackendValkey = "valkey"
)

// Validate enforces invariants that keep the daemon predictable before
// serving traffic. Per-prefix profiles are validated leniently by the loader;
// everything here is fatal.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Cache.ProfilesFolder != "" && c.Cache.ProfilesFile != "" {
		return errors.New("config: profilesFolder and profilesFile are mutually exclusive")
	}
	if c.Cache.SweepInterval != "" {
		if _, err := time.ParseDuration(c.Cache.SweepInterval); err != nil {
			return fmt.Errorf("config: cache.sweepInterval invalid: %w", err)
		}
	}
	backend := strings.TrimSpace(strings.ToLower(c.Source.Backend))
	switch backend {
	case "", BackendFile:
		if strings.TrimSpace(c.Source.File.Root) == "" {
			return errors.New("config: source.file.root required for file backend")
		}
	case BackendValkey:
		if strings.TrimSpace(c.Source.Valkey.Address) == "" {
			return errors.New("config: source.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: source.backend unsupported: %s", c.Source.Backend)
	}
	return nil
}

// ParsedSweepInterval returns the parsed sweep cadence, zero when unset.
func (c CacheConfig) ParsedSweepInterval() time.Duration {
	if c.SweepInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 0
	}
	return d
}

// DefaultConfig returns the baseline values the loader starts from.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Source: SourceConfig{
			Backend: BackendFile,
			File: FileSourceConfig{
				Root: "./data",
			},
		},
		Cache: CacheConfig{
			SweepInterval: "1s",
			Defaults: ProfileConfig{
				StaleAfter: "30s",
			},
		},
	}
}
