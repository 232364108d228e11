// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alert evaluates the configured rules against each cycle's
// events and live flows. Evaluation runs synchronously before the
// batch is written, so the alert flag lands on the stored record.
package alert

import (
	"fmt"
	"path"
	"time"

	"grimm.is/rano/internal/clock"
	"grimm.is/rano/internal/config"
	"grimm.is/rano/internal/errors"
	"grimm.is/rano/internal/event"
	"grimm.is/rano/internal/logging"
	"grimm.is/rano/internal/tracker"
)

// Rule names as they appear on the alert stream.
const (
	RuleDomainWatch    = "domain-watch"
	RuleMaxConnections = "max-connections"
	RuleMaxPerProvider = "max-per-provider"
	RuleDuration       = "duration"
	RuleUnknownDomain  = "unknown-domain"
)

// Firing is one alert emission for the stderr stream.
type Firing struct {
	TS      time.Time
	Rule    string
	Subject string
	Detail  string
}

// Config wires an Engine.
type Config struct {
	Settings config.AlertSettings
	Clock    clock.Clock
	Logger   *logging.Logger
}

type cooldownKey struct {
	rule    string
	subject string
}

// Engine holds per-session alert state. Not goroutine-safe; it runs on
// the engine loop like the tracker.
type Engine struct {
	settings config.AlertSettings
	cooldown time.Duration
	clk      clock.Clock
	log      *logging.Logger

	lastFired map[cooldownKey]time.Time
	// flows whose duration rule already fired; their eventual close
	// event carries the alert flag
	durationFired map[event.FlowKey]struct{}

	alerts     int64
	suppressed int64
}

// New validates the rule configuration. A malformed domain glob is
// fatal at startup rather than silently never matching.
func New(cfg Config) (*Engine, error) {
	for _, glob := range cfg.Settings.DomainGlobs {
		if _, err := path.Match(glob, "probe"); err != nil {
			return nil, errors.Errorf(errors.KindValidation, "bad alert domain glob %q", glob)
		}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		settings:      cfg.Settings,
		cooldown:      time.Duration(cfg.Settings.CooldownMs) * time.Millisecond,
		clk:           clk,
		log:           log.WithComponent("alert"),
		lastFired:     make(map[cooldownKey]time.Time),
		durationFired: make(map[event.FlowKey]struct{}),
	}, nil
}

// Disabled reports whether evaluation is switched off entirely.
func (e *Engine) Disabled() bool { return e.settings.Disabled }

// Counters returns lifetime firing and suppression counts.
func (e *Engine) Counters() (alerts, suppressed int64) {
	return e.alerts, e.suppressed
}

// Evaluate runs every rule against one cycle's output. Triggering
// events are flagged in place; returned firings go to the alert
// stream. Flows labeled with the reserved local provider never alert.
func (e *Engine) Evaluate(events []*event.Event, active int, perProvider map[string]int64, live []*tracker.Flow) []Firing {
	if e.settings.Disabled {
		return nil
	}
	now := e.clk.Now()
	var out []Firing

	out = e.evalDomainWatch(now, events, out)
	out = e.evalMaxConnections(now, active, events, out)
	out = e.evalMaxPerProvider(now, perProvider, events, out)
	out = e.evalDuration(now, live, out)
	out = e.evalUnknownDomain(now, events, out)
	e.markDurationCloses(events)
	return out
}

func (e *Engine) evalDomainWatch(now time.Time, events []*event.Event, out []Firing) []Firing {
	if len(e.settings.DomainGlobs) == 0 {
		return out
	}
	for _, ev := range events {
		if ev.Event != event.TypeConnect || ev.Domain == nil || ev.Provider == event.ReservedLocal {
			continue
		}
		for _, glob := range e.settings.DomainGlobs {
			if ok, _ := path.Match(glob, *ev.Domain); !ok {
				continue
			}
			if e.fire(now, RuleDomainWatch, *ev.Domain) {
				ev.Alert = true
				out = append(out, Firing{
					TS:      now,
					Rule:    RuleDomainWatch,
					Subject: *ev.Domain,
					Detail:  fmt.Sprintf("%s pid=%d matched %q", ev.Comm, ev.PID, glob),
				})
			}
			break
		}
	}
	return out
}

func (e *Engine) evalMaxConnections(now time.Time, active int, events []*event.Event, out []Firing) []Firing {
	threshold := e.settings.MaxConnections
	if threshold <= 0 || active < threshold {
		return out
	}
	if !e.fire(now, RuleMaxConnections, "") {
		return out
	}
	if ev := lastConnect(events, ""); ev != nil {
		ev.Alert = true
	}
	return append(out, Firing{
		TS:      now,
		Rule:    RuleMaxConnections,
		Subject: "total",
		Detail:  fmt.Sprintf("%d active flows (threshold %d)", active, threshold),
	})
}

func (e *Engine) evalMaxPerProvider(now time.Time, perProvider map[string]int64, events []*event.Event, out []Firing) []Firing {
	threshold := e.settings.MaxPerProvider
	if threshold <= 0 {
		return out
	}
	for provider, count := range perProvider {
		if provider == event.ReservedLocal || count < int64(threshold) {
			continue
		}
		if !e.fire(now, RuleMaxPerProvider, provider) {
			continue
		}
		if ev := lastConnect(events, provider); ev != nil {
			ev.Alert = true
		}
		out = append(out, Firing{
			TS:      now,
			Rule:    RuleMaxPerProvider,
			Subject: provider,
			Detail:  fmt.Sprintf("%d active flows (threshold %d)", count, threshold),
		})
	}
	return out
}

func (e *Engine) evalDuration(now time.Time, live []*tracker.Flow, out []Firing) []Firing {
	threshold := time.Duration(e.settings.DurationMs) * time.Millisecond
	if threshold <= 0 {
		return out
	}
	for _, f := range live {
		if f.Provider == event.ReservedLocal {
			continue
		}
		if _, done := e.durationFired[f.Key]; done {
			continue
		}
		age := now.Sub(f.FirstSeen)
		if age < threshold {
			continue
		}
		subject := fmt.Sprintf("%s:%d", f.Key.Remote.Addr().Unmap(), f.Key.Remote.Port())
		if !e.fire(now, RuleDuration, subject) {
			continue
		}
		e.durationFired[f.Key] = struct{}{}
		out = append(out, Firing{
			TS:      now,
			Rule:    RuleDuration,
			Subject: subject,
			Detail:  fmt.Sprintf("%s pid=%d live for %dms (threshold %dms)", f.Comm, f.PID, age.Milliseconds(), e.settings.DurationMs),
		})
	}
	return out
}

func (e *Engine) evalUnknownDomain(now time.Time, events []*event.Event, out []Firing) []Firing {
	if !e.settings.UnknownDomain {
		return out
	}
	for _, ev := range events {
		if ev.Event != event.TypeClose || ev.Domain != nil || ev.RemoteIsPrivate || ev.Provider == event.ReservedLocal {
			continue
		}
		if !e.fire(now, RuleUnknownDomain, ev.RemoteIP) {
			continue
		}
		ev.Alert = true
		out = append(out, Firing{
			TS:      now,
			Rule:    RuleUnknownDomain,
			Subject: ev.RemoteIP,
			Detail:  fmt.Sprintf("%s pid=%d closed with no resolvable domain", ev.Comm, ev.PID),
		})
	}
	return out
}

// markDurationCloses flags the close event of any flow whose duration
// rule fired while it was live.
func (e *Engine) markDurationCloses(events []*event.Event) {
	if len(e.durationFired) == 0 {
		return
	}
	for _, ev := range events {
		if ev.Event != event.TypeClose {
			continue
		}
		for key := range e.durationFired {
			if keyMatchesEvent(key, ev) {
				ev.Alert = true
				delete(e.durationFired, key)
				break
			}
		}
	}
}

func keyMatchesEvent(key event.FlowKey, ev *event.Event) bool {
	return key.Remote.Addr().Unmap().String() == ev.RemoteIP &&
		key.Remote.Port() == ev.RemotePort &&
		key.Local.Port() == ev.LocalPort &&
		key.Proto == ev.Proto
}

// fire applies the cooldown. True means emit; false means suppressed.
func (e *Engine) fire(now time.Time, rule, subject string) bool {
	key := cooldownKey{rule: rule, subject: subject}
	if last, ok := e.lastFired[key]; ok && e.cooldown > 0 && now.Sub(last) < e.cooldown {
		e.suppressed++
		return false
	}
	e.lastFired[key] = now
	e.alerts++
	return true
}

// lastConnect returns the final connect event in the batch, optionally
// restricted to one provider. The batch is sorted, so this is the
// event that pushed the count over the threshold.
func lastConnect(events []*event.Event, provider string) *event.Event {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Event != event.TypeConnect {
			continue
		}
		if ev.Provider == event.ReservedLocal {
			continue
		}
		if provider != "" && ev.Provider != provider {
			continue
		}
		return ev
	}
	return nil
}
