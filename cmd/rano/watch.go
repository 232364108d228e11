// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"grimm.is/rano/internal/config"
	"grimm.is/rano/internal/emit"
	"grimm.is/rano/internal/engine"
	"grimm.is/rano/internal/logging"
	"grimm.is/rano/internal/store"
)

// stringSlice collects repeatable string flags in CLI order.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var patterns, presets, alertDomains stringSlice
	fs.Var(&patterns, "pattern", "process name substring to watch (repeatable)")
	fs.Var(&presets, "preset", "named settings preset (repeatable)")
	fs.Var(&alertDomains, "alert-domain", "domain glob that raises an alert (repeatable)")

	noDescendants := fs.Bool("no-descendants", false, "do not watch children of matched processes")
	includeUDP := fs.Bool("include-udp", false, "also track UDP sockets")
	includeListening := fs.Bool("include-listening", false, "also track listening sockets")
	once := fs.Bool("once", false, "run one cycle and exit")
	jsonOut := fs.Bool("json", false, "emit JSON lines instead of text")
	noDNS := fs.Bool("no-dns", false, "disable reverse DNS resolution")
	noSQLite := fs.Bool("no-sqlite", false, "do not persist events")
	noBanner := fs.Bool("no-banner", false, "suppress the startup banner")
	intervalMs := fs.Int("interval-ms", 0, "polling interval in milliseconds")
	statsIntervalMs := fs.Int("stats-interval-ms", 0, "stats event interval in milliseconds (0 disables)")
	configTOML := fs.String("config-toml", "", "additional provider config file")
	noConfig := fs.Bool("no-config", false, "ignore all config files")
	dbPath := fs.String("db", "", "database path")
	iface := fs.String("iface", "", "capture device (implies --tap)")
	tapOn := fs.Bool("tap", false, "enable packet capture")
	sessionName := fs.String("session-name", "", "label for this session")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	alertMaxConns := fs.Int("alert-max-connections", 0, "alert when total active flows reach N")
	alertMaxPerProv := fs.Int("alert-max-per-provider", 0, "alert when one provider's active flows reach N")
	alertDurationMs := fs.Int("alert-duration-ms", 0, "alert when a flow outlives N milliseconds")
	alertUnknown := fs.Bool("alert-unknown-domain", false, "alert on closes of unresolved public remotes")
	alertBell := fs.Bool("alert-bell", false, "ring the terminal bell on alerts")
	alertCooldownMs := fs.Int("alert-cooldown-ms", 0, "per-rule-and-subject alert cooldown in milliseconds")
	noAlerts := fs.Bool("no-alerts", false, "disable alert evaluation")

	if err := parseArgs(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usageError{fmt.Errorf("unexpected argument %q", fs.Arg(0))}
	}

	overrides := config.Overrides{Patterns: patterns, AlertDomains: alertDomains}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "no-descendants":
			overrides.NoDescendants = noDescendants
		case "include-udp":
			overrides.IncludeUDP = includeUDP
		case "include-listening":
			overrides.IncludeListening = includeListening
		case "once":
			overrides.Once = once
		case "json":
			overrides.JSON = jsonOut
		case "no-dns":
			overrides.NoDNS = noDNS
		case "no-sqlite":
			overrides.NoStore = noSQLite
		case "no-banner":
			overrides.NoBanner = noBanner
		case "interval-ms":
			overrides.IntervalMs = intervalMs
		case "stats-interval-ms":
			overrides.StatsIntervalMs = statsIntervalMs
		case "db":
			overrides.DBPath = dbPath
		case "iface":
			overrides.TapDevice = iface
		case "tap":
			overrides.Tap = tapOn
		case "session-name":
			overrides.SessionName = sessionName
		case "log-level":
			overrides.LogLevel = logLevel
		case "alert-max-connections":
			overrides.AlertMaxConns = alertMaxConns
		case "alert-max-per-provider":
			overrides.AlertMaxPerProv = alertMaxPerProv
		case "alert-duration-ms":
			overrides.AlertDurationMs = alertDurationMs
		case "alert-unknown-domain":
			overrides.AlertUnknown = alertUnknown
		case "alert-bell":
			overrides.AlertBell = alertBell
		case "alert-cooldown-ms":
			overrides.AlertCooldownMs = alertCooldownMs
		case "no-alerts":
			overrides.NoAlerts = noAlerts
		}
	})

	resolved, err := config.Resolve(config.ResolveOptions{
		ConfigPath: *configTOML,
		Presets:    presets,
		NoConfig:   *noConfig,
		Overrides:  overrides,
	})
	if err != nil {
		return err
	}
	settings := resolved.Settings

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(settings.LogLevel),
		Output: os.Stderr,
	})
	logging.SetDefault(log)

	opts := engine.Options{
		Resolved: resolved,
		Version:  version,
		Emitter: emit.New(emit.Config{
			JSON: settings.JSON,
			Bell: settings.Alerts.Bell,
			Out:  os.Stdout,
			Err:  os.Stderr,
		}),
		Logger: log,
	}

	if !settings.NoStore {
		if dir := filepath.Dir(settings.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		st, err := store.Open(settings.DBPath, log)
		if err != nil {
			return err
		}
		defer st.Close()
		opts.Store = st
	}

	eng, err := engine.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return eng.Run(ctx)
}
