package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("REQUERY_SOURCE__FILE__ROOT", t.TempDir())
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, BackendFile, cfg.Source.Backend)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("REQUERY_SOURCE__FILE__ROOT", t.TempDir())
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("REQUERY_SOURCE__FILE__ROOT", t.TempDir())
				t.Setenv("REQUERY_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps canonical env keys",
			setup: func(t *testing.T) []string {
				t.Setenv("REQUERY_SOURCE__FILE__ROOT", t.TempDir())
				t.Setenv("REQUERY_CACHE__SWEEPINTERVAL", "250ms")
				t.Setenv("REQUERY_CACHE__DEFAULTS__STALEAFTER", "45s")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, "250ms", cfg.Cache.SweepInterval)
				require.Equal(t, "45s", cfg.Cache.Defaults.StaleAfter)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				t.Setenv("REQUERY_SOURCE__FILE__ROOT", t.TempDir())
				dir := t.TempDir()
				return []string{filepath.Join(dir, "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on invalid sweep interval",
			setup: func(t *testing.T) []string {
				t.Setenv("REQUERY_SOURCE__FILE__ROOT", t.TempDir())
				t.Setenv("REQUERY_CACHE__SWEEPINTERVAL", "soon")
				return nil
			},
			wantErr: true,
		},
		{
			name: "loads profiles file",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				profilesPath := filepath.Join(dir, "profiles.yaml")
				profileContents := "profiles:\n  users:\n    staleAfter: 10s\n    retry:\n      maxAttempts: 5\n"
				require.NoError(t, os.WriteFile(profilesPath, []byte(profileContents), 0o600))

				serverPath := filepath.Join(dir, "server.yaml")
				serverContents := "source:\n  file:\n    root: %s\ncache:\n  profilesFile: %s\n  profiles:\n    posts:\n      staleAfter: 1m\n"
				require.NoError(t, os.WriteFile(serverPath, []byte(fmt.Sprintf(serverContents, t.TempDir(), profilesPath)), 0o600))
				return []string{serverPath}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.Cache.Profiles, "users")
				require.Contains(t, cfg.Cache.Profiles, "posts")
				require.Equal(t, "10s", cfg.Cache.Profiles["users"].StaleAfter)
				require.NotEmpty(t, cfg.ProfileSources)
				require.Empty(t, cfg.SkippedProfiles)
				require.Contains(t, cfg.InlineProfiles, "posts")
			},
		},
		{
			name: "quarantines duplicate profiles",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				profilesDir := filepath.Join(dir, "profiles")
				require.NoError(t, os.MkdirAll(profilesDir, 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(profilesDir, "a.yaml"), []byte("profiles:\n  users:\n    staleAfter: 10s\n"), 0o600))
				require.NoError(t, os.WriteFile(filepath.Join(profilesDir, "b.yaml"), []byte("profiles:\n  users:\n    staleAfter: 20s\n"), 0o600))

				serverPath := filepath.Join(dir, "server.yaml")
				serverContents := "source:\n  file:\n    root: %s\ncache:\n  profilesFolder: %s\n"
				require.NoError(t, os.WriteFile(serverPath, []byte(fmt.Sprintf(serverContents, t.TempDir(), profilesDir)), 0o600))
				return []string{serverPath}
			},
			assert: func(t *testing.T, cfg Config) {
				require.NotContains(t, cfg.Cache.Profiles, "users")
				require.Len(t, cfg.SkippedProfiles, 1)
				require.Equal(t, "users", cfg.SkippedProfiles[0].Prefix)
				require.Equal(t, "duplicate definition", cfg.SkippedProfiles[0].Reason)
				require.Len(t, cfg.SkippedProfiles[0].Sources, 2)
			},
		},
		{
			name: "quarantines invalid profile definitions",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				profilesPath := filepath.Join(dir, "profiles.yaml")
				profileContents := "profiles:\n  users:\n    staleAfter: soon\n  posts:\n    retry:\n      retryOn: \"status +\"\n"
				require.NoError(t, os.WriteFile(profilesPath, []byte(profileContents), 0o600))

				serverPath := filepath.Join(dir, "server.yaml")
				serverContents := "source:\n  file:\n    root: %s\ncache:\n  profilesFile: %s\n"
				require.NoError(t, os.WriteFile(serverPath, []byte(fmt.Sprintf(serverContents, t.TempDir(), profilesPath)), 0o600))
				return []string{serverPath}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Empty(t, cfg.Cache.Profiles)
				require.Len(t, cfg.SkippedProfiles, 2)
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			args := tc.setup(t)
			loader := NewLoader("REQUERY", args...)

			cfg, err := loader.Load(ctx)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}
