package config

import (
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags toggles the optional side paths of the pipeline. The core
// path (validate, persist, score, progress, achievements) is never flagged.
type FeatureFlags struct {
	mu       sync.RWMutex
	features map[string]*Feature
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool
}

// Predefined feature flag names.
const (
	// Publish ContributionValidated / AchievementUnlocked after commit.
	FeatureEventPublishing = "events.publish"

	// Mirror points into the Redis sorted set and serve the leaderboard from it.
	FeatureLeaderboardMirror = "leaderboard.mirror"

	// Read-through Redis cache in front of the problem catalog.
	FeatureCatalogCache = "catalog.cache"

	// Scheduled relay of outbox events the immediate publish did not deliver.
	FeatureOutboxRelay = "worker.outbox_relay"

	// Worker dispatcher that logs every published event.
	FeatureEventAudit = "worker.event_audit"
)

// ErrFeatureNotFound is returned for unknown feature names.
var ErrFeatureNotFound = errors.New("feature flag not found")

// LoadFeatureFlags loads defaults and applies environment overrides.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()
	ff.loadFromEnvironment()
	return ff
}

// NewFeatureFlags returns the defaults without reading the environment.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{features: make(map[string]*Feature)}
	for _, f := range []Feature{
		{FeatureEventPublishing, "Publish domain events after commit", true},
		{FeatureLeaderboardMirror, "Mirror points into the Redis leaderboard", true},
		{FeatureCatalogCache, "Cache problem definitions in Redis", true},
		{FeatureOutboxRelay, "Relay undelivered events from the outbox", true},
		{FeatureEventAudit, "Log every published event in the worker", false},
	} {
		f := f
		ff.features[f.Name] = &f
	}
	return ff
}

// loadFromEnvironment applies FEATURE_<NAME>=true|false overrides.
// Example: FEATURE_CATALOG_CACHE=false
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}
		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
		}
	}
}

// featureNameToEnvKey converts a feature name to its environment key.
// "catalog.cache" -> "FEATURE_CATALOG_CACHE"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled reports whether a feature is on. Unknown features are off.
func (ff *FeatureFlags) IsEnabled(name string) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	f, ok := ff.features[name]
	return ok && f.Enabled
}

// SetEnabled flips a feature at runtime.
func (ff *FeatureFlags) SetEnabled(name string, enabled bool) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	f, ok := ff.features[name]
	if !ok {
		return ErrFeatureNotFound
	}
	f.Enabled = enabled
	return nil
}

// All returns copies of every feature, sorted by name.
func (ff *FeatureFlags) All() []Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	out := make([]Feature, 0, len(ff.features))
	for _, f := range ff.features {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
