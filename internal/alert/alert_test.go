// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alert

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rano/internal/clock"
	"grimm.is/rano/internal/config"
	"grimm.is/rano/internal/errors"
	"grimm.is/rano/internal/event"
	"grimm.is/rano/internal/tracker"
)

func newEngine(t *testing.T, clk clock.Clock, s config.AlertSettings) *Engine {
	t.Helper()
	if s.CooldownMs == 0 {
		s.CooldownMs = 60000
	}
	e, err := New(Config{Settings: s, Clock: clk})
	require.NoError(t, err)
	return e
}

func connectEvent(provider, domain, remoteIP string, pid int) *event.Event {
	e := &event.Event{
		Event:      event.TypeConnect,
		Provider:   provider,
		PID:        pid,
		Comm:       "claude",
		Proto:      event.ProtoTCP,
		RemoteIP:   remoteIP,
		RemotePort: 443,
	}
	if domain != "" {
		e.Domain = &domain
	}
	return e
}

func closeEvent(provider, domain, remoteIP string, pid int) *event.Event {
	e := connectEvent(provider, domain, remoteIP, pid)
	e.Event = event.TypeClose
	return e
}

func liveFlow(remote string, firstSeen time.Time) *tracker.Flow {
	return &tracker.Flow{
		Key: event.FlowKey{
			Proto:  event.ProtoTCP,
			Local:  netip.MustParseAddrPort("10.0.0.5:40000"),
			Remote: netip.MustParseAddrPort(remote),
		},
		PID:       100,
		Comm:      "claude",
		Provider:  "anthropic",
		FirstSeen: firstSeen,
	}
}

func TestBadGlobIsFatal(t *testing.T) {
	_, err := New(Config{Settings: config.AlertSettings{DomainGlobs: []string{"[unclosed"}}})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestDomainWatch(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	e := newEngine(t, clk, config.AlertSettings{DomainGlobs: []string{"*.anthropic.com"}})

	hit := connectEvent("anthropic", "api.anthropic.com", "140.1.2.3", 100)
	miss := connectEvent("openai", "api.openai.com", "150.1.1.1", 200)
	firings := e.Evaluate([]*event.Event{hit, miss}, 2, nil, nil)

	require.Len(t, firings, 1)
	assert.Equal(t, RuleDomainWatch, firings[0].Rule)
	assert.Equal(t, "api.anthropic.com", firings[0].Subject)
	assert.True(t, hit.Alert)
	assert.False(t, miss.Alert)
}

func TestDomainWatchSkipsLocalAndCloses(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	e := newEngine(t, clk, config.AlertSettings{DomainGlobs: []string{"*"}})

	local := connectEvent(event.ReservedLocal, "nas.home", "192.168.1.10", 100)
	closed := closeEvent("anthropic", "api.anthropic.com", "140.1.2.3", 100)
	firings := e.Evaluate([]*event.Event{local, closed}, 2, nil, nil)
	assert.Empty(t, firings)
}

func TestMaxConnections(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	e := newEngine(t, clk, config.AlertSettings{MaxConnections: 3})

	ev := connectEvent("anthropic", "", "140.1.2.3", 100)
	firings := e.Evaluate([]*event.Event{ev}, 2, nil, nil)
	assert.Empty(t, firings)
	assert.False(t, ev.Alert)

	firings = e.Evaluate([]*event.Event{ev}, 3, nil, nil)
	require.Len(t, firings, 1)
	assert.Equal(t, RuleMaxConnections, firings[0].Rule)
	assert.True(t, ev.Alert)
}

func TestMaxPerProvider(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	e := newEngine(t, clk, config.AlertSettings{MaxPerProvider: 5})

	ev := connectEvent("openai", "", "150.1.1.1", 200)
	perProvider := map[string]int64{"anthropic": 2, "openai": 5, event.ReservedLocal: 9}
	firings := e.Evaluate([]*event.Event{ev}, 16, perProvider, nil)

	require.Len(t, firings, 1)
	assert.Equal(t, RuleMaxPerProvider, firings[0].Rule)
	assert.Equal(t, "openai", firings[0].Subject)
	assert.True(t, ev.Alert)

	alerts, suppressed := e.Counters()
	assert.EqualValues(t, 1, alerts)
	assert.EqualValues(t, 0, suppressed)
}

func TestDurationFiresOnceAndMarksClose(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	e := newEngine(t, clk, config.AlertSettings{DurationMs: 2000})

	f := liveFlow("140.1.2.3:443", clk.Now())
	assert.Empty(t, e.Evaluate(nil, 1, nil, []*tracker.Flow{f}))

	clk.Advance(2500 * time.Millisecond)
	firings := e.Evaluate(nil, 1, nil, []*tracker.Flow{f})
	require.Len(t, firings, 1)
	assert.Equal(t, RuleDuration, firings[0].Rule)
	assert.Equal(t, "140.1.2.3:443", firings[0].Subject)

	// still live next cycle: no repeat firing for the same flow
	clk.Advance(time.Second)
	assert.Empty(t, e.Evaluate(nil, 1, nil, []*tracker.Flow{f}))

	// the close event inherits the flag
	closed := closeEvent("anthropic", "", "140.1.2.3", 100)
	closed.LocalPort = 40000
	assert.Empty(t, e.Evaluate([]*event.Event{closed}, 0, nil, nil))
	assert.True(t, closed.Alert)
}

func TestUnknownDomainAtClose(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	e := newEngine(t, clk, config.AlertSettings{UnknownDomain: true})

	unresolved := closeEvent("unknown", "", "203.0.113.9", 100)
	resolved := closeEvent("anthropic", "api.anthropic.com", "140.1.2.3", 100)
	private := closeEvent(event.ReservedLocal, "", "192.168.1.10", 100)
	private.RemoteIsPrivate = true
	connect := connectEvent("unknown", "", "203.0.113.10", 100)

	firings := e.Evaluate([]*event.Event{unresolved, resolved, private, connect}, 1, nil, nil)
	require.Len(t, firings, 1)
	assert.Equal(t, RuleUnknownDomain, firings[0].Rule)
	assert.Equal(t, "203.0.113.9", firings[0].Subject)
	assert.True(t, unresolved.Alert)
	assert.False(t, resolved.Alert)
	assert.False(t, connect.Alert)
}

func TestCooldownSuppression(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	e := newEngine(t, clk, config.AlertSettings{MaxConnections: 10, CooldownMs: 5000})

	firings := e.Evaluate(nil, 10, nil, nil)
	assert.Len(t, firings, 1)

	// still over the threshold inside the window
	clk.Advance(4 * time.Second)
	firings = e.Evaluate(nil, 10, nil, nil)
	assert.Empty(t, firings)

	// drops below, then re-crosses after the window
	clk.Advance(time.Second)
	assert.Empty(t, e.Evaluate(nil, 4, nil, nil))
	clk.Advance(time.Second)
	firings = e.Evaluate(nil, 11, nil, nil)
	assert.Len(t, firings, 1)

	alerts, suppressed := e.Counters()
	assert.EqualValues(t, 2, alerts)
	assert.EqualValues(t, 1, suppressed)
}

func TestCooldownIsPerSubject(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	e := newEngine(t, clk, config.AlertSettings{MaxPerProvider: 2})

	firings := e.Evaluate(nil, 4, map[string]int64{"anthropic": 2}, nil)
	assert.Len(t, firings, 1)

	// a different provider crossing is not suppressed
	firings = e.Evaluate(nil, 4, map[string]int64{"anthropic": 2, "openai": 3}, nil)
	require.Len(t, firings, 1)
	assert.Equal(t, "openai", firings[0].Subject)
}

func TestDisabledEvaluatesNothing(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	e := newEngine(t, clk, config.AlertSettings{MaxConnections: 1, Disabled: true})

	assert.True(t, e.Disabled())
	assert.Empty(t, e.Evaluate(nil, 99, nil, nil))
	alerts, suppressed := e.Counters()
	assert.Zero(t, alerts)
	assert.Zero(t, suppressed)
}
