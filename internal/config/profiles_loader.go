package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/requery"
	"github.com/l0p7/requery/internal/expr"
)

const inlineSourceName = "inline-config"

// ProfileBundle captures the merged profile definitions after loading every
// configured source. The daemon can use the metadata to explain what was
// loaded and why certain definitions were skipped.
type ProfileBundle struct {
	Profiles map[string]ProfileConfig
	Sources  []string
	Skipped  []ProfileSkip
}

type profileDocument struct {
	Profiles map[string]ProfileConfig `koanf:"profiles"`
}

type profileAggregator struct {
	profiles       map[string]ProfileConfig
	profileSources map[string]string
	profileSkips   map[string]*ProfileSkip

	sources map[string]struct{}
}

func newProfileAggregator() *profileAggregator {
	return &profileAggregator{
		profiles:       make(map[string]ProfileConfig),
		profileSources: make(map[string]string),
		profileSkips:   make(map[string]*ProfileSkip),
		sources:        make(map[string]struct{}),
	}
}

func (a *profileAggregator) addDocument(doc profileDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for prefix, cfg := range doc.Profiles {
		a.addProfile(prefix, cfg, source)
	}
}

func (a *profileAggregator) addProfile(prefix string, cfg ProfileConfig, source string) {
	if existing, ok := a.profileSkips[prefix]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.profileSources[prefix]; ok {
		a.recordSkip(prefix, "duplicate definition", prev, source)
		delete(a.profileSources, prefix)
		delete(a.profiles, prefix)
		return
	}
	a.profileSources[prefix] = source
	a.profiles[prefix] = cfg
}

// validateProfiles quarantines profiles whose prefix does not parse as a
// cache key or whose durations and retry condition do not compile. Capturing
// the issue here records the offending definition in SkippedProfiles so
// health checks can surface a precise diagnosis instead of failing a reload.
func (a *profileAggregator) validateProfiles(env *expr.Environment) {
	for prefix, cfg := range a.profiles {
		var reason string
		if _, err := requery.ParseKey(prefix); err != nil {
			reason = fmt.Sprintf("invalid prefix: %v", err)
		} else if _, err := buildProfile(env, cfg); err != nil {
			reason = fmt.Sprintf("invalid profile: %v", err)
		}
		if reason == "" {
			continue
		}
		source := a.profileSources[prefix]
		a.recordSkip(prefix, reason, source)
		delete(a.profileSources, prefix)
		delete(a.profiles, prefix)
	}
}

func (a *profileAggregator) recordSkip(prefix, reason string, sources ...string) {
	if skip, ok := a.profileSkips[prefix]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &ProfileSkip{
		Prefix:  prefix,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.profileSkips[prefix] = skip
}

func (a *profileAggregator) bundle() ProfileBundle {
	profiles := make(map[string]ProfileConfig, len(a.profiles))
	for prefix, cfg := range a.profiles {
		profiles[prefix] = cfg
	}
	skipped := make([]ProfileSkip, 0, len(a.profileSkips))
	for _, skip := range a.profileSkips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		return skipped[i].Prefix < skipped[j].Prefix
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return ProfileBundle{Profiles: profiles, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildProfileBundle(ctx context.Context, inlineProfiles map[string]ProfileConfig, cacheCfg CacheConfig) (ProfileBundle, error) {
	agg := newProfileAggregator()
	if len(inlineProfiles) > 0 {
		agg.addDocument(profileDocument{Profiles: inlineProfiles}, inlineSourceName)
	}

	files, err := collectProfileSources(ctx, cacheCfg)
	if err != nil {
		return ProfileBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return ProfileBundle{}, ctx.Err()
		default:
		}
		doc, err := loadProfileDocument(path)
		if err != nil {
			return ProfileBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return ProfileBundle{}, err
	}
	agg.validateProfiles(env)
	return agg.bundle(), nil
}

func collectProfileSources(ctx context.Context, cacheCfg CacheConfig) ([]string, error) {
	if cacheCfg.ProfilesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(cacheCfg.ProfilesFile); err != nil {
			return nil, err
		}
		return []string{cacheCfg.ProfilesFile}, nil
	}
	if cacheCfg.ProfilesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(cacheCfg.ProfilesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: profiles folder %s: %w", cacheCfg.ProfilesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: profiles folder %s is not a directory", cacheCfg.ProfilesFolder)
	}
	var files []string
	err = filepath.WalkDir(cacheCfg.ProfilesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedProfilesFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk profiles folder %s: %w", cacheCfg.ProfilesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: profiles file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: profiles file %s: expected a file, found directory", path)
	}
	return nil
}

func loadProfileDocument(path string) (profileDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return profileDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return profileDocument{}, fmt.Errorf("config: load profiles from %s: %w", path, err)
	}
	var doc profileDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return profileDocument{}, fmt.Errorf("config: decode profiles from %s: %w", path, err)
	}
	if doc.Profiles == nil {
		doc.Profiles = make(map[string]ProfileConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".huml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported profiles file extension %s", ext)
	}
}

func isSupportedProfilesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneProfileMap(in map[string]ProfileConfig) map[string]ProfileConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}

// BuildProfiles converts the serialized cache configuration into the default
// profile and per-prefix rules the cache consumes. Prefixes come out sorted
// so reloads are deterministic.
func BuildProfiles(cacheCfg CacheConfig) (requery.Profile, []requery.ProfileRule, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return requery.Profile{}, nil, err
	}
	defaults, err := buildProfile(env, cacheCfg.Defaults)
	if err != nil {
		return requery.Profile{}, nil, fmt.Errorf("config: cache.defaults: %w", err)
	}
	prefixes := make([]string, 0, len(cacheCfg.Profiles))
	for prefix := range cacheCfg.Profiles {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	rules := make([]requery.ProfileRule, 0, len(prefixes))
	for _, prefix := range prefixes {
		key, kerr := requery.ParseKey(prefix)
		if kerr != nil {
			return requery.Profile{}, nil, fmt.Errorf("config: profile %q: %w", prefix, kerr)
		}
		prof, perr := buildProfile(env, cacheCfg.Profiles[prefix])
		if perr != nil {
			return requery.Profile{}, nil, fmt.Errorf("config: profile %q: %w", prefix, perr)
		}
		rules = append(rules, requery.ProfileRule{Prefix: key, Profile: prof})
	}
	return defaults, rules, nil
}

func buildProfile(env *expr.Environment, pc ProfileConfig) (requery.Profile, error) {
	var prof requery.Profile
	var err error
	if prof.StaleAfter, err = parseOptionalDuration("staleAfter", pc.StaleAfter); err != nil {
		return requery.Profile{}, err
	}
	if prof.GCTimeout, err = parseOptionalDuration("gcTimeout", pc.GCTimeout); err != nil {
		return requery.Profile{}, err
	}
	if prof.RefetchInterval, err = parseOptionalDuration("refetchInterval", pc.RefetchInterval); err != nil {
		return requery.Profile{}, err
	}
	if pc.RefetchOnFocus != nil {
		prof.RefetchOnFocus = *pc.RefetchOnFocus
	}
	if pc.RefetchOnReconnect != nil {
		prof.RefetchOnReconnect = *pc.RefetchOnReconnect
	}
	if pc.Retry.MaxAttempts < 0 {
		return requery.Profile{}, fmt.Errorf("retry.maxAttempts invalid: %d", pc.Retry.MaxAttempts)
	}
	prof.Retry.MaxAttempts = pc.Retry.MaxAttempts
	if prof.Retry.Backoff, err = parseOptionalDuration("retry.backoff", pc.Retry.Backoff); err != nil {
		return requery.Profile{}, err
	}
	if prof.Retry.MaxBackoff, err = parseOptionalDuration("retry.maxBackoff", pc.Retry.MaxBackoff); err != nil {
		return requery.Profile{}, err
	}
	if condition := strings.TrimSpace(pc.Retry.RetryOn); condition != "" {
		rule, cerr := env.Compile(condition)
		if cerr != nil {
			return requery.Profile{}, fmt.Errorf("retry.retryOn: %w", cerr)
		}
		prof.Retry.IsRetryable = retryableFromRule(rule)
	}
	return prof, nil
}

// retryableFromRule adapts a compiled condition to the cache's retry hook.
// Evaluation failures fail closed: the attempt is not retried.
func retryableFromRule(rule expr.Rule) func(error) bool {
	return func(err error) bool {
		allow, everr := rule.Allow(err)
		if everr != nil {
			return false
		}
		return allow
	}
}

func parseOptionalDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s invalid: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s negative: %s", field, value)
	}
	return d, nil
}
