package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence
// rules, then resolves the profile sources into a merged profile table.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"source.valkey.keyprefix":              "source.valkey.keyPrefix",
			"source.valkey.tls.cafile":             "source.valkey.tls.caFile",
			"cache.sweepinterval":                  "cache.sweepInterval",
			"cache.profilesfolder":                 "cache.profilesFolder",
			"cache.profilesfile":                   "cache.profilesFile",
			"cache.defaults.staleafter":            "cache.defaults.staleAfter",
			"cache.defaults.gctimeout":             "cache.defaults.gcTimeout",
			"cache.defaults.refetchinterval":       "cache.defaults.refetchInterval",
			"cache.defaults.refetchonfocus":        "cache.defaults.refetchOnFocus",
			"cache.defaults.refetchonreconnect":    "cache.defaults.refetchOnReconnect",
			"cache.defaults.retry.maxattempts":     "cache.defaults.retry.maxAttempts",
			"cache.defaults.retry.maxbackoff":      "cache.defaults.retry.maxBackoff",
			"cache.defaults.retry.retryon":         "cache.defaults.retry.retryOn",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineProfiles = cloneProfileMap(cfg.Cache.Profiles)

	bundle, err := buildProfileBundle(ctx, cfg.InlineProfiles, cfg.Cache)
	if err != nil {
		return Config{}, err
	}
	cfg.Cache.Profiles = bundle.Profiles
	cfg.ProfileSources = bundle.Sources
	cfg.SkippedProfiles = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"source": map[string]any{
			"backend": cfg.Source.Backend,
			"file": map[string]any{
				"root": cfg.Source.File.Root,
			},
			"valkey": map[string]any{
				"address":   cfg.Source.Valkey.Address,
				"username":  cfg.Source.Valkey.Username,
				"password":  cfg.Source.Valkey.Password,
				"db":        cfg.Source.Valkey.DB,
				"keyPrefix": cfg.Source.Valkey.KeyPrefix,
				"tls": map[string]any{
					"enabled": cfg.Source.Valkey.TLS.Enabled,
					"caFile":  cfg.Source.Valkey.TLS.CAFile,
				},
			},
		},
		"cache": map[string]any{
			"sweepInterval": cfg.Cache.SweepInterval,
			"defaults": map[string]any{
				"staleAfter": cfg.Cache.Defaults.StaleAfter,
			},
			"profilesFolder": cfg.Cache.ProfilesFolder,
			"profilesFile":   cfg.Cache.ProfilesFile,
		},
	}
}
