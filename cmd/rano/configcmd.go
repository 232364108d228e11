// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"grimm.is/rano/internal/config"
)

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var presets stringSlice
	fs.Var(&presets, "preset", "named settings preset (repeatable)")
	configTOML := fs.String("config-toml", "", "additional provider config file")
	noConfig := fs.Bool("no-config", false, "ignore all config files")
	jsonOut := fs.Bool("json", false, "JSON output")
	if err := parseArgs(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usageError{fmt.Errorf("unexpected argument %q", fs.Arg(0))}
	}

	resolved, err := config.Resolve(config.ResolveOptions{
		ConfigPath: *configTOML,
		Presets:    presets,
		NoConfig:   *noConfig,
	})
	if err != nil {
		return err
	}

	if *jsonOut {
		s := resolved.Settings
		providers := make(map[string][]string, resolved.Taxonomy.Len())
		for _, name := range resolved.Taxonomy.Providers() {
			providers[name] = resolved.Taxonomy.Patterns(name)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Patterns        []string            `json:"patterns"`
			IntervalMs      int                 `json:"interval_ms"`
			StatsIntervalMs int                 `json:"stats_interval_ms"`
			DomainMode      string              `json:"domain_mode"`
			DB              string              `json:"db"`
			Descendants     bool                `json:"descendants"`
			UDP             bool                `json:"udp"`
			Listening       bool                `json:"listening"`
			Tap             bool                `json:"tap"`
			Providers       map[string][]string `json:"providers"`
			Sources         []string            `json:"sources,omitempty"`
		}{
			s.Patterns, s.IntervalMs, s.StatsIntervalMs, s.DomainMode,
			s.DBPath, s.IncludeDescendants, s.IncludeUDP, s.IncludeListening,
			s.TapEnabled, providers, resolved.Sources,
		})
	}

	fmt.Print(resolved.Describe())
	return nil
}
