// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"grimm.is/rano/internal/errors"
	"grimm.is/rano/internal/logging"
)

// EnvConfigVar names the environment variable that may point at an
// additional TOML file (precedence layer 6).
const EnvConfigVar = "RANO_CONFIG"

// ResolveOptions carries the CLI-supplied inputs to the resolver.
type ResolveOptions struct {
	// ConfigPath is the --config-toml value; empty means unset.
	ConfigPath string
	// Presets are --preset names in CLI order.
	Presets []string
	// NoConfig disables all file loading.
	NoConfig bool
	// Overrides are the parsed command-line flags (highest precedence).
	Overrides Overrides
	Logger    *logging.Logger
}

// Overrides holds flag values; nil pointer means the flag was not given.
type Overrides struct {
	Patterns         []string
	NoDescendants    *bool
	IncludeUDP       *bool
	IncludeListening *bool
	Once             *bool
	JSON             *bool
	NoDNS            *bool
	NoStore          *bool
	NoBanner         *bool
	IntervalMs       *int
	StatsIntervalMs  *int
	DBPath           *string
	Tap              *bool
	TapDevice        *string
	SessionName      *string
	LogLevel         *string
	AlertDomains     []string
	AlertMaxConns    *int
	AlertMaxPerProv  *int
	AlertDurationMs  *int
	AlertUnknown     *bool
	AlertBell        *bool
	AlertCooldownMs  *int
	NoAlerts         *bool
}

// tomlDocument mirrors the whole TOML file. In its [providers] section,
// everything except "mode" is a provider name with a pattern array.
type tomlDocument struct {
	Providers map[string]any `toml:"providers"`
}

// Resolve computes the frozen settings record and provider taxonomy
// from all configuration layers, lowest precedence first.
func Resolve(opts ResolveOptions) (*Resolved, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("config")

	settings := DefaultSettings()
	taxonomy := DefaultTaxonomy()
	var sources []string

	if !opts.NoConfig {
		for _, path := range defaultSearchPaths() {
			if applyTOMLFile(path, taxonomy, log, false) {
				sources = append(sources, path)
			}
		}
		if opts.ConfigPath != "" {
			if applyTOMLFile(opts.ConfigPath, taxonomy, log, true) {
				sources = append(sources, opts.ConfigPath)
			}
		}
		if envPath := os.Getenv(EnvConfigVar); envPath != "" {
			if applyTOMLFile(envPath, taxonomy, log, true) {
				sources = append(sources, envPath)
			}
		}
		for _, name := range opts.Presets {
			path, err := presetPath(name)
			if err != nil {
				return nil, err
			}
			if err := applyPreset(path, &settings, log); err != nil {
				return nil, err
			}
			sources = append(sources, path)
		}
	}

	applyOverrides(&settings, opts.Overrides)

	if err := validate(&settings); err != nil {
		return nil, err
	}

	return &Resolved{Settings: settings, Taxonomy: taxonomy, Sources: sources}, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "rano.db"
	}
	return filepath.Join(home, ".local", "share", "rano", "rano.db")
}

// defaultSearchPaths returns the implicit TOML locations, lowest
// precedence first.
func defaultSearchPaths() []string {
	var paths []string
	home, err := os.UserHomeDir()
	if err == nil {
		paths = append(paths, filepath.Join(home, ".rano.toml"))
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "rano", "rano.toml"))
	} else if err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rano", "rano.toml"))
	}
	paths = append(paths, "rano.toml")
	return paths
}

// applyTOMLFile merges one TOML layer into the taxonomy. Returns true
// if the file contributed. Explicit paths warn when missing; search
// paths are skipped silently.
func applyTOMLFile(path string, taxonomy *Taxonomy, log *logging.Logger, explicit bool) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if explicit {
				log.Warn("Config file not found", "path", path)
			}
		} else {
			log.Warn("Config file unreadable", "path", path, "error", err)
		}
		return false
	}

	var doc tomlDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		log.Warn("Malformed TOML, skipping file", "path", path, "error", err)
		return false
	}
	if doc.Providers == nil {
		return true
	}

	mode := "merge"
	if m, ok := doc.Providers["mode"].(string); ok {
		mode = strings.ToLower(m)
	}
	if mode == "replace" {
		taxonomy.Reset()
	}

	// TOML maps iterate randomly; sort names for reproducible
	// first-mention order in the taxonomy.
	names := make([]string, 0, len(doc.Providers))
	for name := range doc.Providers {
		if name == "mode" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		patterns, ok := stringList(doc.Providers[name])
		if !ok {
			log.Warn("Provider entry is not a string array", "path", path, "provider", name)
			continue
		}
		if mode == "replace" {
			taxonomy.Set(name, patterns)
		} else {
			taxonomy.Append(name, patterns)
		}
	}
	return true
}

func stringList(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func applyOverrides(s *Settings, o Overrides) {
	if len(o.Patterns) > 0 {
		s.Patterns = append(s.Patterns, o.Patterns...)
	}
	if o.NoDescendants != nil {
		s.IncludeDescendants = !*o.NoDescendants
	}
	if o.IncludeUDP != nil {
		s.IncludeUDP = *o.IncludeUDP
	}
	if o.IncludeListening != nil {
		s.IncludeListening = *o.IncludeListening
	}
	if o.Once != nil {
		s.Once = *o.Once
	}
	if o.JSON != nil {
		s.JSON = *o.JSON
	}
	if o.NoDNS != nil && *o.NoDNS {
		s.DomainMode = DomainModeOff
	}
	if o.NoStore != nil {
		s.NoStore = *o.NoStore
	}
	if o.NoBanner != nil {
		s.NoBanner = *o.NoBanner
	}
	if o.IntervalMs != nil {
		s.IntervalMs = *o.IntervalMs
	}
	if o.StatsIntervalMs != nil {
		s.StatsIntervalMs = *o.StatsIntervalMs
	}
	if o.DBPath != nil {
		s.DBPath = *o.DBPath
	}
	if o.Tap != nil {
		s.TapEnabled = *o.Tap
	}
	if o.TapDevice != nil {
		s.TapDevice = *o.TapDevice
		s.TapEnabled = true
	}
	if o.SessionName != nil {
		s.SessionName = *o.SessionName
	}
	if o.LogLevel != nil {
		s.LogLevel = *o.LogLevel
	}
	if len(o.AlertDomains) > 0 {
		s.Alerts.DomainGlobs = append(s.Alerts.DomainGlobs, o.AlertDomains...)
	}
	if o.AlertMaxConns != nil {
		s.Alerts.MaxConnections = *o.AlertMaxConns
	}
	if o.AlertMaxPerProv != nil {
		s.Alerts.MaxPerProvider = *o.AlertMaxPerProv
	}
	if o.AlertDurationMs != nil {
		s.Alerts.DurationMs = *o.AlertDurationMs
	}
	if o.AlertUnknown != nil {
		s.Alerts.UnknownDomain = *o.AlertUnknown
	}
	if o.AlertBell != nil {
		s.Alerts.Bell = *o.AlertBell
	}
	if o.AlertCooldownMs != nil {
		s.Alerts.CooldownMs = *o.AlertCooldownMs
	}
	if o.NoAlerts != nil {
		s.Alerts.Disabled = *o.NoAlerts
	}
}

func validate(s *Settings) error {
	if s.IntervalMs <= 0 {
		return errors.Errorf(errors.KindValidation, "interval must be positive, got %dms", s.IntervalMs)
	}
	if s.StatsIntervalMs < 0 {
		return errors.Errorf(errors.KindValidation, "stats interval must not be negative, got %dms", s.StatsIntervalMs)
	}
	if s.Alerts.CooldownMs < 0 {
		return errors.Errorf(errors.KindValidation, "alert cooldown must not be negative, got %dms", s.Alerts.CooldownMs)
	}
	switch s.DomainMode {
	case DomainModePTR, DomainModeOff:
	default:
		return errors.Errorf(errors.KindValidation, "unknown domain mode %q", s.DomainMode)
	}
	var norm []string
	for _, p := range s.Patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			norm = append(norm, p)
		}
	}
	s.Patterns = norm
	return nil
}

// Describe renders the resolved configuration for `rano config`.
func (r *Resolved) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "patterns: %s\n", strings.Join(r.Settings.Patterns, ", "))
	fmt.Fprintf(&b, "interval_ms: %d\n", r.Settings.IntervalMs)
	fmt.Fprintf(&b, "stats_interval_ms: %d\n", r.Settings.StatsIntervalMs)
	fmt.Fprintf(&b, "domain_mode: %s\n", r.Settings.DomainMode)
	fmt.Fprintf(&b, "db: %s\n", r.Settings.DBPath)
	fmt.Fprintf(&b, "descendants: %v\n", r.Settings.IncludeDescendants)
	fmt.Fprintf(&b, "udp: %v listening: %v tap: %v\n",
		r.Settings.IncludeUDP, r.Settings.IncludeListening, r.Settings.TapEnabled)
	b.WriteString("providers:\n")
	for _, name := range r.Taxonomy.Providers() {
		fmt.Fprintf(&b, "  %s: %s\n", name, strings.Join(r.Taxonomy.Patterns(name), ", "))
	}
	if len(r.Sources) > 0 {
		fmt.Fprintf(&b, "sources: %s\n", strings.Join(r.Sources, " < "))
	}
	return b.String()
}
