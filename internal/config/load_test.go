// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv(EnvConfigVar, "")
	return home
}

func TestResolveDefaults(t *testing.T) {
	isolateHome(t)

	r, err := Resolve(ResolveOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1000, r.Settings.IntervalMs)
	assert.Equal(t, DomainModePTR, r.Settings.DomainMode)
	assert.True(t, r.Settings.IncludeDescendants)
	assert.False(t, r.Settings.IncludeUDP)
	assert.Equal(t, 60000, r.Settings.Alerts.CooldownMs)
	assert.Greater(t, r.Taxonomy.Len(), 0)
	assert.Contains(t, r.Taxonomy.Providers(), "anthropic")
}

func TestResolveMergeAppends(t *testing.T) {
	home := isolateHome(t)
	path := writeFile(t, home, "custom.toml", `
[providers]
mode = "merge"
openai = ["probecli"]
`)

	r, err := Resolve(ResolveOptions{ConfigPath: path})
	require.NoError(t, err)

	patterns := r.Taxonomy.Patterns("openai")
	assert.Contains(t, patterns, "openai")
	assert.Contains(t, patterns, "probecli")
	// merge keeps the other defaults
	assert.Contains(t, r.Taxonomy.Providers(), "anthropic")
}

func TestResolveReplaceDiscardsTaxonomy(t *testing.T) {
	home := isolateHome(t)
	path := writeFile(t, home, "custom.toml", `
[providers]
mode = "replace"
openai = ["probecli"]
`)

	r, err := Resolve(ResolveOptions{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, []string{"openai"}, r.Taxonomy.Providers())
	assert.Equal(t, []string{"probecli"}, r.Taxonomy.Patterns("openai"))
}

func TestReplaceIdempotent(t *testing.T) {
	home := isolateHome(t)
	content := `
[providers]
mode = "replace"
openai = ["probecli", "PROBECLI", " probecli "]
`
	p1 := writeFile(t, home, "a.toml", content)

	r1, err := Resolve(ResolveOptions{ConfigPath: p1})
	require.NoError(t, err)

	// Applying the same replace layer again through the env var slot
	// must not change the outcome.
	t.Setenv(EnvConfigVar, p1)
	r2, err := Resolve(ResolveOptions{ConfigPath: p1})
	require.NoError(t, err)

	assert.Equal(t, r1.Taxonomy.Providers(), r2.Taxonomy.Providers())
	assert.Equal(t, []string{"probecli"}, r2.Taxonomy.Patterns("openai"))
}

func TestMergeEmptyListIsNoop(t *testing.T) {
	home := isolateHome(t)
	path := writeFile(t, home, "a.toml", `
[providers]
openai = []
`)

	base, err := Resolve(ResolveOptions{})
	require.NoError(t, err)
	merged, err := Resolve(ResolveOptions{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, base.Taxonomy.Patterns("openai"), merged.Taxonomy.Patterns("openai"))
	assert.Equal(t, base.Taxonomy.Providers(), merged.Taxonomy.Providers())
}

func TestPrecedenceHomeThenXDG(t *testing.T) {
	home := isolateHome(t)
	writeFile(t, home, ".rano.toml", `
[providers]
mode = "replace"
low = ["from-home"]
`)
	xdg := filepath.Join(home, "xdgconf")
	t.Setenv("XDG_CONFIG_HOME", xdg)
	writeFile(t, xdg, "rano/rano.toml", `
[providers]
low = ["from-xdg"]
`)

	r, err := Resolve(ResolveOptions{})
	require.NoError(t, err)

	// XDG merges on top of the home-level replace.
	assert.Equal(t, []string{"from-home", "from-xdg"}, r.Taxonomy.Patterns("low"))
}

func TestMalformedTOMLSkipped(t *testing.T) {
	home := isolateHome(t)
	good := writeFile(t, home, ".rano.toml", `
[providers]
mode = "replace"
keep = ["me"]
`)
	_ = good
	bad := writeFile(t, home, "bad.toml", `this is { not toml ===`)

	r, err := Resolve(ResolveOptions{ConfigPath: bad})
	require.NoError(t, err)

	// The malformed layer is skipped; lower layers survive.
	assert.Equal(t, []string{"me"}, r.Taxonomy.Patterns("keep"))
}

func TestMissingExplicitPathWarnsButContinues(t *testing.T) {
	isolateHome(t)

	r, err := Resolve(ResolveOptions{ConfigPath: "/does/not/exist.toml"})
	require.NoError(t, err)
	assert.Greater(t, r.Taxonomy.Len(), 0)
}

func TestUnknownPresetFatal(t *testing.T) {
	isolateHome(t)

	_, err := Resolve(ResolveOptions{Presets: []string{"nope"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestPresetApplied(t *testing.T) {
	home := isolateHome(t)
	writeFile(t, home, ".config/rano/presets/fast.conf", `
# tight polling
interval_ms=250
pattern=probecli
alert_max_connections=10
bogus line without equals
unknown_key=1
include_udp=true
`)

	r, err := Resolve(ResolveOptions{Presets: []string{"fast"}})
	require.NoError(t, err)

	assert.Equal(t, 250, r.Settings.IntervalMs)
	assert.Equal(t, []string{"probecli"}, r.Settings.Patterns)
	assert.Equal(t, 10, r.Settings.Alerts.MaxConnections)
	assert.True(t, r.Settings.IncludeUDP)
}

func TestPresetOrderMatters(t *testing.T) {
	home := isolateHome(t)
	writeFile(t, home, ".config/rano/presets/a.conf", "interval_ms=100\n")
	writeFile(t, home, ".config/rano/presets/b.conf", "interval_ms=200\n")

	r, err := Resolve(ResolveOptions{Presets: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 200, r.Settings.IntervalMs)

	r, err = Resolve(ResolveOptions{Presets: []string{"b", "a"}})
	require.NoError(t, err)
	assert.Equal(t, 100, r.Settings.IntervalMs)
}

func TestNoConfigDisablesFiles(t *testing.T) {
	home := isolateHome(t)
	writeFile(t, home, ".rano.toml", `
[providers]
mode = "replace"
only = ["this"]
`)

	r, err := Resolve(ResolveOptions{NoConfig: true})
	require.NoError(t, err)
	assert.NotEqual(t, []string{"only"}, r.Taxonomy.Providers())
	assert.Contains(t, r.Taxonomy.Providers(), "anthropic")
}

func TestFlagOverridesWin(t *testing.T) {
	home := isolateHome(t)
	writeFile(t, home, ".config/rano/presets/slow.conf", "interval_ms=5000\n")

	interval := 42
	noDNS := true
	r, err := Resolve(ResolveOptions{
		Presets: []string{"slow"},
		Overrides: Overrides{
			IntervalMs: &interval,
			NoDNS:      &noDNS,
			Patterns:   []string{"Claude"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 42, r.Settings.IntervalMs)
	assert.Equal(t, DomainModeOff, r.Settings.DomainMode)
	// patterns are normalized to lowercase
	assert.Equal(t, []string{"claude"}, r.Settings.Patterns)
}

func TestValidateRejectsBadInterval(t *testing.T) {
	isolateHome(t)
	zero := 0
	_, err := Resolve(ResolveOptions{Overrides: Overrides{IntervalMs: &zero}})
	require.Error(t, err)
}

func TestNormalizePatterns(t *testing.T) {
	got := normalizePatterns([]string{" Claude ", "claude", "", "OpenAI", "openai"})
	assert.Equal(t, []string{"claude", "openai"}, got)
}
