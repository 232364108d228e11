// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"grimm.is/rano/internal/errors"
	"grimm.is/rano/internal/logging"
)

// presetDir returns the directory searched for named presets.
func presetDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "rano", "presets")
}

// ListPresets returns the known preset names, sorted.
func ListPresets() []string {
	entries, err := os.ReadDir(presetDir())
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".conf"))
	}
	sort.Strings(names)
	return names
}

// presetPath resolves a preset name to its file, failing with a listing
// of known presets when the name is unknown.
func presetPath(name string) (string, error) {
	path := filepath.Join(presetDir(), name+".conf")
	if _, err := os.Stat(path); err != nil {
		known := ListPresets()
		if len(known) == 0 {
			return "", errors.Errorf(errors.KindConfig,
				"unknown preset %q (no presets found in %s)", name, presetDir())
		}
		return "", errors.Errorf(errors.KindConfig,
			"unknown preset %q, known presets: %s", name, strings.Join(known, ", "))
	}
	return path, nil
}

// applyPreset reads a key=value preset file into the settings. Invalid
// lines are warned and skipped.
func applyPreset(path string, s *Settings, log *logging.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, errors.KindConfig, "failed to open preset %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			log.Warn("Invalid preset line, skipping", "path", path, "line", lineNo)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := applyPresetKey(s, key, value); err != nil {
			log.Warn("Invalid preset value, skipping", "path", path, "line", lineNo, "key", key, "error", err)
		}
	}
	return scanner.Err()
}

func applyPresetKey(s *Settings, key, value string) error {
	switch key {
	case "pattern":
		s.Patterns = append(s.Patterns, value)
	case "descendants":
		return parseBool(value, &s.IncludeDescendants)
	case "include_udp":
		return parseBool(value, &s.IncludeUDP)
	case "include_listening":
		return parseBool(value, &s.IncludeListening)
	case "interval_ms":
		return parsePositiveInt(value, &s.IntervalMs)
	case "stats_interval_ms":
		return parsePositiveInt(value, &s.StatsIntervalMs)
	case "dns":
		switch strings.ToLower(value) {
		case DomainModePTR, DomainModeOff:
			s.DomainMode = strings.ToLower(value)
		default:
			return errors.Errorf(errors.KindValidation, "unknown dns mode %q", value)
		}
	case "db":
		s.DBPath = value
	case "no_sqlite":
		return parseBool(value, &s.NoStore)
	case "json":
		return parseBool(value, &s.JSON)
	case "no_banner":
		return parseBool(value, &s.NoBanner)
	case "tap":
		return parseBool(value, &s.TapEnabled)
	case "iface":
		s.TapDevice = value
		s.TapEnabled = true
	case "session_name":
		s.SessionName = value
	case "log_level":
		s.LogLevel = value
	case "alert_domain":
		s.Alerts.DomainGlobs = append(s.Alerts.DomainGlobs, value)
	case "alert_max_connections":
		return parsePositiveInt(value, &s.Alerts.MaxConnections)
	case "alert_max_per_provider":
		return parsePositiveInt(value, &s.Alerts.MaxPerProvider)
	case "alert_duration_ms":
		return parsePositiveInt(value, &s.Alerts.DurationMs)
	case "alert_unknown_domain":
		return parseBool(value, &s.Alerts.UnknownDomain)
	case "alert_bell":
		return parseBool(value, &s.Alerts.Bell)
	case "alert_cooldown_ms":
		return parsePositiveInt(value, &s.Alerts.CooldownMs)
	case "no_alerts":
		return parseBool(value, &s.Alerts.Disabled)
	default:
		return errors.Errorf(errors.KindConfig, "unknown key %q", key)
	}
	return nil
}

func parseBool(value string, dst *bool) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "not a boolean: %q", value)
	}
	*dst = v
	return nil
}

func parsePositiveInt(value string, dst *int) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "not an integer: %q", value)
	}
	if v < 0 {
		return errors.Errorf(errors.KindValidation, "must not be negative: %d", v)
	}
	*dst = v
	return nil
}
