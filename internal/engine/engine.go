// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine runs the polling loop: process match, socket
// snapshot, tap drain, flow tracking, alert evaluation, and the sinks.
// Everything stateful runs on this single loop; the tap and DNS
// workers only feed it through channels and the cache.
package engine

import (
	"context"
	"net/netip"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"

	"grimm.is/rano/internal/alert"
	"grimm.is/rano/internal/clock"
	"grimm.is/rano/internal/config"
	"grimm.is/rano/internal/dnscache"
	"grimm.is/rano/internal/emit"
	"grimm.is/rano/internal/event"
	"grimm.is/rano/internal/logging"
	"grimm.is/rano/internal/metrics"
	"grimm.is/rano/internal/netstat"
	"grimm.is/rano/internal/proc"
	"grimm.is/rano/internal/tap"
	"grimm.is/rano/internal/tracker"
)

// drainLimit bounds how many tap messages one cycle integrates, so a
// flood cannot starve the poll.
const drainLimit = tap.ChannelCapacity

// procSource yields the watched process set each cycle.
type procSource interface {
	Snapshot() (proc.Snapshot, error)
}

// sockSource yields the socket snapshot for the watched pids.
type sockSource interface {
	Snapshot(pids map[int]struct{}) ([]netstat.Sock, error)
}

// domainCache is the resolver surface the engine needs.
type domainCache interface {
	tracker.DomainLookup
	PutHint(addr netip.Addr, domain string, src dnscache.Source)
	Counters() (lookups, negative int64)
	Close()
}

// tapSource is the capture surface the engine needs.
type tapSource interface {
	Messages() <-chan tap.Message
	Dropped() int64
	Degraded() bool
	Device() string
	Close() error
}

// eventStore is the persistence surface the engine needs.
type eventStore interface {
	BeginSession(event.Session) error
	FinishSession(runID string, endTS time.Time, connects, closes int64) error
	WriteBatch([]event.Event) error
	Counters() (storeErrors int64, degraded bool)
	Close() error
}

// Options assembles an Engine. Zero components are wired from the
// resolved config; tests inject fakes.
type Options struct {
	Resolved *config.Resolved
	Version  string

	Procs   procSource
	Socks   sockSource
	Domains domainCache
	Tap     tapSource
	Store   eventStore
	Emitter *emit.Emitter
	Clock   clock.Clock
	Logger  *logging.Logger
}

// Engine is one watch session.
type Engine struct {
	runID    string
	settings config.Settings
	taxonomy *config.Taxonomy
	version  string

	procs   procSource
	socks   sockSource
	domains domainCache
	tap     tapSource
	store   eventStore
	emitter *emit.Emitter
	tracker *tracker.Tracker
	alerts  *alert.Engine
	metrics *metrics.Metrics
	clk     clock.Clock
	log     *logging.Logger

	startTS    time.Time
	enumErrors int64
}

// New wires an engine from resolved configuration. The tap is best
// effort: open failure degrades to poll-only.
func New(opts Options) (*Engine, error) {
	settings := opts.Resolved.Settings
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("engine")

	alerts, err := alert.New(alert.Config{Settings: settings.Alerts, Clock: clk, Logger: log})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		runID:    uuid.NewString(),
		settings: settings,
		taxonomy: opts.Resolved.Taxonomy,
		version:  opts.Version,
		procs:    opts.Procs,
		socks:    opts.Socks,
		domains:  opts.Domains,
		tap:      opts.Tap,
		store:    opts.Store,
		emitter:  opts.Emitter,
		alerts:   alerts,
		metrics:  metrics.New(),
		clk:      clk,
		log:      log,
	}

	patterns := e.effectivePatterns()
	if e.procs == nil {
		e.procs = proc.NewMatcher(proc.NewScanner(), patterns, settings.IncludeDescendants)
	}
	if e.socks == nil {
		e.socks = netstat.NewEnumerator(netstat.Options{
			IncludeUDP:       settings.IncludeUDP,
			IncludeListening: settings.IncludeListening,
		})
	}
	if e.domains == nil && settings.DomainMode != config.DomainModeOff {
		r := dnscache.New(dnscache.Config{
			Mode:   settings.DomainMode,
			Clock:  clk,
			Logger: log,
		})
		r.Start()
		e.domains = r
	}
	if e.tap == nil && settings.TapEnabled {
		t, err := tap.Open(settings.TapDevice, clk, log)
		if err != nil {
			log.Warn("Capture unavailable, continuing poll-only", "error", err)
		} else {
			e.tap = t
		}
	}

	var domains tracker.DomainLookup
	if e.domains != nil {
		domains = e.domains
	}
	e.tracker = tracker.New(tracker.Config{
		RunID:         e.runID,
		Taxonomy:      e.taxonomy,
		Domains:       domains,
		StatsInterval: time.Duration(settings.StatsIntervalMs) * time.Millisecond,
		Clock:         clk,
		Logger:        log,
	})
	return e, nil
}

// RunID returns the session identifier.
func (e *Engine) RunID() string { return e.runID }

// effectivePatterns falls back to the union of all taxonomy patterns
// when no explicit pattern was configured.
func (e *Engine) effectivePatterns() []string {
	if len(e.settings.Patterns) > 0 {
		return e.settings.Patterns
	}
	var union []string
	for _, name := range e.taxonomy.Providers() {
		union = append(union, e.taxonomy.Patterns(name)...)
	}
	return union
}

// Run drives the session until ctx is canceled, a fatal error occurs,
// or the single --once cycle completes.
func (e *Engine) Run(ctx context.Context) error {
	e.startTS = e.clk.Now()
	if err := e.beginSession(); err != nil {
		return err
	}
	if !e.settings.NoBanner && !e.settings.JSON {
		device := ""
		if e.tap != nil {
			device = e.tap.Device()
		}
		_ = e.emitter.Banner(e.version, device, e.effectivePatterns(), e.settings.DBPath)
	}

	interval := time.Duration(e.settings.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		if err := e.cycle(); err != nil {
			runErr = err
			break
		}
		if e.settings.Once {
			break
		}
		select {
		case <-ctx.Done():
			e.log.Info("Shutdown requested")
			break loop
		case <-ticker.C:
		}
	}
	e.shutdown()
	return runErr
}

func (e *Engine) beginSession() error {
	if e.store == nil {
		return nil
	}
	host, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return e.store.BeginSession(event.Session{
		RunID:           e.runID,
		StartTS:         e.startTS,
		Host:            host,
		User:            username,
		Patterns:        e.effectivePatterns(),
		DomainMode:      e.settings.DomainMode,
		Args:            os.Args[1:],
		IntervalMs:      e.settings.IntervalMs,
		StatsIntervalMs: e.settings.StatsIntervalMs,
		Name:            e.settings.SessionName,
	})
}

// cycle is one full poll: snapshot, reconcile, drain, alert, emit,
// persist. A non-nil return is fatal.
func (e *Engine) cycle() error {
	cycleStart := time.Now()
	defer func() {
		e.metrics.CycleDuration.Observe(time.Since(cycleStart).Seconds())
	}()

	procs, err := e.procs.Snapshot()
	if err != nil {
		return e.skipCycle(err)
	}
	pids := make(map[int]struct{}, len(procs))
	for pid := range procs {
		pids[pid] = struct{}{}
	}
	socks, err := e.socks.Snapshot(pids)
	if err != nil {
		return e.skipCycle(err)
	}

	events := e.tracker.Poll(socks, procs)
	events = append(events, e.drainTap(procs)...)

	if e.tracker.StatsDue() {
		events = append(events, e.buildStats())
	}
	return e.flush(events)
}

func (e *Engine) skipCycle(cause error) error {
	e.enumErrors++
	if err := e.tracker.PollFailed(cause); err != nil {
		return err
	}
	return nil
}

// drainTap integrates pending capture messages, bounded per cycle.
func (e *Engine) drainTap(procs proc.Snapshot) []event.Event {
	if e.tap == nil {
		return nil
	}
	var events []event.Event
	for i := 0; i < drainLimit; i++ {
		select {
		case m := <-e.tap.Messages():
			switch {
			case m.Hint != nil && e.domains != nil:
				e.domains.PutHint(m.Hint.Addr, m.Hint.Name, m.Hint.Source)
			case m.Signal != nil:
				events = append(events, e.tracker.Signal(*m.Signal, procs)...)
			}
		default:
			return events
		}
	}
	return events
}

// flush runs alerts over the batch and hands it to every sink.
func (e *Engine) flush(events []event.Event) error {
	refs := make([]*event.Event, len(events))
	for i := range events {
		refs[i] = &events[i]
	}
	firings := e.alerts.Evaluate(refs, e.tracker.Active(), e.tracker.ActivePerProvider(), e.tracker.Live())

	if err := e.emitter.Events(events); err != nil {
		e.log.Warn("Event emit failed", "error", err)
	}
	if err := e.emitter.Alerts(firings); err != nil {
		e.log.Warn("Alert emit failed", "error", err)
	}
	if e.store != nil && len(events) > 0 {
		if err := e.store.WriteBatch(events); err != nil {
			e.log.Warn("Event batch not committed", "error", err)
		}
	}
	return nil
}

// collectStats assembles the cross-component counter block.
func (e *Engine) collectStats() event.Stats {
	var s event.Stats
	s.Alerts, s.AlertsSuppressed = e.alerts.Counters()
	if e.domains != nil {
		s.DNSLookups, s.DNSNegative = e.domains.Counters()
	}
	if e.tap != nil {
		s.TapDropped = e.tap.Dropped()
	}
	if e.store != nil {
		s.StoreErrors, s.StoreDegraded = e.store.Counters()
	}
	s.EnumErrors = e.enumErrors
	return s
}

func (e *Engine) buildStats() event.Event {
	ev := e.tracker.BuildStats(e.collectStats())
	e.metrics.Sync(*ev.Stats)
	return ev
}

// shutdown emits synthetic closes, finalizes the session row, and
// prints the end summary.
func (e *Engine) shutdown() {
	events := e.tracker.CloseAll()
	if err := e.flush(events); err != nil {
		e.log.Warn("Final flush failed", "error", err)
	}

	connects, closes := e.tracker.Totals()
	final := e.collectStats()
	final.Connects = connects
	final.Closes = closes
	e.metrics.Sync(final)

	if e.store != nil {
		if err := e.store.FinishSession(e.runID, e.clk.Now(), connects, closes); err != nil {
			e.log.Warn("Session not finalized", "error", err)
		}
	}
	if e.tap != nil {
		if err := e.tap.Close(); err != nil {
			e.log.Warn("Capture close failed", "error", err)
		}
	}
	if e.domains != nil {
		e.domains.Close()
	}
	if err := e.emitter.Final(emit.Summary{
		RunID:      e.runID,
		DurationMs: e.clk.Since(e.startTS).Milliseconds(),
		Stats:      final,
	}); err != nil {
		e.log.Warn("Summary emit failed", "error", err)
	}
}
