// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tracker maintains the live flow map and turns socket
// snapshots and tap signals into connect/close/stats events.
//
// UDP has no handshake: a UDP flow opens when its socket first appears
// in a snapshot and closes when the socket is gone from a later one, so
// its duration_ms is quantized to the polling interval.
package tracker

import (
	"net/netip"
	"sort"
	"strings"
	"time"

	"grimm.is/rano/internal/clock"
	"grimm.is/rano/internal/config"
	"grimm.is/rano/internal/errors"
	"grimm.is/rano/internal/event"
	"grimm.is/rano/internal/logging"
	"grimm.is/rano/internal/netstat"
	"grimm.is/rano/internal/netutil"
	"grimm.is/rano/internal/proc"
	"grimm.is/rano/internal/tap"
)

// State of a tracked flow.
type State int

const (
	StateNew State = iota
	StateEstablished
	StateClosed
)

// maxPollFailures consecutive enumeration failures are fatal; fewer
// only skip their cycles.
const maxPollFailures = 3

// Flow is one attributed live flow. Provider is assigned at connect
// and never reclassified; Domain may be stamped later for use on the
// close event.
type Flow struct {
	Key           event.FlowKey
	PID           int
	Comm          string
	Cmdline       string
	Provider      string
	Domain        string
	RemotePrivate bool
	FirstSeen     time.Time
	LastSeen      time.Time
	State         State
}

// DomainLookup is the non-blocking cache view the tracker consults.
type DomainLookup interface {
	Lookup(netip.Addr) (string, bool)
}

// Config configures a Tracker for one session.
type Config struct {
	RunID         string
	Taxonomy      *config.Taxonomy
	Domains       DomainLookup // nil means no resolution
	StatsInterval time.Duration
	Clock         clock.Clock
	Logger        *logging.Logger
}

// Tracker owns the flow map. It is not goroutine-safe: everything runs
// on the engine loop.
type Tracker struct {
	runID         string
	taxonomy      *config.Taxonomy
	domains       DomainLookup
	statsInterval time.Duration
	clk           clock.Clock
	log           *logging.Logger

	flows map[event.FlowKey]*Flow
	// keys closed in the current cycle, held one cycle so late tap
	// signals for just-closed flows are ignored instead of
	// resurrecting them
	recentlyClosed map[event.FlowKey]struct{}

	pollFailures int
	connects     int64
	closes       int64
	lastStats    time.Time
}

// New builds a tracker with a fresh flow map.
func New(cfg Config) *Tracker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Tracker{
		runID:          cfg.RunID,
		taxonomy:       cfg.Taxonomy,
		domains:        cfg.Domains,
		statsInterval:  cfg.StatsInterval,
		clk:            clk,
		log:            log.WithComponent("tracker"),
		flows:          make(map[event.FlowKey]*Flow),
		recentlyClosed: make(map[event.FlowKey]struct{}),
		lastStats:      clk.Now(),
	}
}

// Poll reconciles one socket snapshot against the live flow map and
// returns the cycle's events: all closes first, then all connects,
// each group ordered by (provider, pid, remote_ip, remote_port).
func (t *Tracker) Poll(socks []netstat.Sock, procs proc.Snapshot) []event.Event {
	now := t.clk.Now()
	t.pollFailures = 0
	t.recentlyClosed = make(map[event.FlowKey]struct{})

	seen := make(map[event.FlowKey]netstat.Sock, len(socks))
	for _, s := range socks {
		seen[s.Key] = s
	}

	var closeEvents, connectEvents []event.Event
	for key, f := range t.flows {
		if _, ok := seen[key]; !ok {
			closeEvents = append(closeEvents, t.closeFlow(f, now))
		}
	}
	for key, s := range seen {
		if f, ok := t.flows[key]; ok {
			f.LastSeen = now
			f.State = StateEstablished
			if f.PID == 0 && s.PID != 0 {
				t.backfill(f, s.PID, procs)
			}
			continue
		}
		f := t.addFlow(key, s.PID, procs, now, StateEstablished)
		connectEvents = append(connectEvents, t.connectEvent(f, now))
	}

	sortEvents(closeEvents)
	sortEvents(connectEvents)
	return append(closeEvents, connectEvents...)
}

// PollFailed records a skipped cycle. The cycle emits nothing (no
// spurious closes); repeated failure is fatal.
func (t *Tracker) PollFailed(cause error) error {
	t.pollFailures++
	if t.pollFailures >= maxPollFailures {
		return errors.Wrapf(cause, errors.KindEnumeration,
			"socket enumeration failed %d consecutive cycles", t.pollFailures)
	}
	t.log.Warn("Socket enumeration failed, skipping cycle", "failures", t.pollFailures, "error", cause)
	return nil
}

// Signal integrates one tap observation. The key is wire-oriented, so
// both orientations are tried against the flow map.
func (t *Tracker) Signal(sig tap.Signal, procs proc.Snapshot) []event.Event {
	now := t.clk.Now()
	reversed := event.FlowKey{Proto: sig.Key.Proto, Local: sig.Key.Remote, Remote: sig.Key.Local}

	switch sig.Kind {
	case tap.KindFIN, tap.KindRST:
		for _, key := range []event.FlowKey{sig.Key, reversed} {
			if f, ok := t.flows[key]; ok {
				return []event.Event{t.closeFlow(f, now)}
			}
		}
		return nil
	case tap.KindSYN, tap.KindSYNACK:
		key := sig.Key
		if sig.Kind == tap.KindSYNACK {
			// the responder's SYN-ACK names the initiator as dst
			key = reversed
		}
		if f, ok := t.flows[key]; ok {
			f.State = StateEstablished
			f.LastSeen = now
			return nil
		}
		if _, ok := t.flows[reverse(key)]; ok {
			return nil
		}
		if t.wasRecentlyClosed(key) {
			return nil
		}
		// process identity is unknown until the next poll
		f := t.addFlow(key, 0, procs, now, StateNew)
		return []event.Event{t.connectEvent(f, now)}
	}
	return nil
}

func reverse(k event.FlowKey) event.FlowKey {
	return event.FlowKey{Proto: k.Proto, Local: k.Remote, Remote: k.Local}
}

func (t *Tracker) wasRecentlyClosed(key event.FlowKey) bool {
	if _, ok := t.recentlyClosed[key]; ok {
		return true
	}
	_, ok := t.recentlyClosed[reverse(key)]
	return ok
}

// CloseAll synthesizes a close for every live flow, for shutdown.
func (t *Tracker) CloseAll() []event.Event {
	now := t.clk.Now()
	var out []event.Event
	for _, f := range t.flows {
		out = append(out, t.closeFlow(f, now))
	}
	sortEvents(out)
	return out
}

// StatsDue reports whether a stats event should be emitted.
func (t *Tracker) StatsDue() bool {
	if t.statsInterval <= 0 {
		return false
	}
	return t.clk.Since(t.lastStats) >= t.statsInterval
}

// BuildStats fills the tracker-owned counters into extra and wraps it
// in a stats event. The caller supplies the counters owned elsewhere
// (dns, tap, store).
func (t *Tracker) BuildStats(extra event.Stats) event.Event {
	now := t.clk.Now()
	t.lastStats = now
	extra.Connects = t.connects
	extra.Closes = t.closes
	extra.Active = int64(len(t.flows))
	extra.PerProvider = t.ActivePerProvider()
	return event.Event{
		TS:    now,
		RunID: t.runID,
		Event: event.TypeStats,
		Stats: &extra,
	}
}

// Active returns the live flow count.
func (t *Tracker) Active() int { return len(t.flows) }

// ActivePerProvider counts live flows per provider label.
func (t *Tracker) ActivePerProvider() map[string]int64 {
	out := make(map[string]int64)
	for _, f := range t.flows {
		out[f.Provider]++
	}
	return out
}

// Totals returns lifetime connect and close counts for the session.
func (t *Tracker) Totals() (connects, closes int64) {
	return t.connects, t.closes
}

// Live returns the current flow records, for alert evaluation and
// status rendering. Callers must not retain them across cycles.
func (t *Tracker) Live() []*Flow {
	out := make([]*Flow, 0, len(t.flows))
	for _, f := range t.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return lessFlow(out[i], out[j]) })
	return out
}

func (t *Tracker) addFlow(key event.FlowKey, pid int, procs proc.Snapshot, now time.Time, state State) *Flow {
	f := &Flow{
		Key:           key,
		PID:           pid,
		RemotePrivate: netutil.IsPrivate(key.Remote.Addr()),
		FirstSeen:     now,
		LastSeen:      now,
		State:         state,
	}
	if p, ok := procs[pid]; ok && pid != 0 {
		f.Comm = p.Comm
		f.Cmdline = p.Cmdline
	}
	if t.domains != nil {
		if domain, ok := t.domains.Lookup(key.Remote.Addr()); ok {
			f.Domain = domain
		}
	}
	f.Provider = t.classify(f)
	t.flows[key] = f
	t.connects++
	return f
}

// backfill fills process identity onto a flow created from a tap
// signal. The provider label is not revisited.
func (t *Tracker) backfill(f *Flow, pid int, procs proc.Snapshot) {
	f.PID = pid
	if p, ok := procs[pid]; ok {
		f.Comm = p.Comm
		f.Cmdline = p.Cmdline
	}
}

func (t *Tracker) closeFlow(f *Flow, now time.Time) event.Event {
	f.State = StateClosed
	if f.Domain == "" && t.domains != nil {
		if domain, ok := t.domains.Lookup(f.Key.Remote.Addr()); ok {
			f.Domain = domain
		}
	}
	delete(t.flows, f.Key)
	t.recentlyClosed[f.Key] = struct{}{}
	t.closes++

	e := t.baseEvent(f, now)
	e.Event = event.TypeClose
	d := now.Sub(f.FirstSeen).Milliseconds()
	if d < 0 {
		d = 0
	}
	e.DurationMs = &d
	return e
}

func (t *Tracker) connectEvent(f *Flow, now time.Time) event.Event {
	e := t.baseEvent(f, now)
	e.Event = event.TypeConnect
	return e
}

func (t *Tracker) baseEvent(f *Flow, now time.Time) event.Event {
	e := event.Event{
		TS:              now,
		RunID:           t.runID,
		Provider:        f.Provider,
		PID:             f.PID,
		Comm:            f.Comm,
		Cmdline:         f.Cmdline,
		Proto:           f.Key.Proto,
		LocalIP:         f.Key.Local.Addr().Unmap().String(),
		LocalPort:       f.Key.Local.Port(),
		RemoteIP:        f.Key.Remote.Addr().Unmap().String(),
		RemotePort:      f.Key.Remote.Port(),
		RemoteIsPrivate: f.RemotePrivate,
		IPVersion:       f.Key.IPVersion(),
	}
	if f.Domain != "" {
		d := f.Domain
		e.Domain = &d
	}
	return e
}

// classify picks the first provider in taxonomy order with a pattern
// contained in comm, cmdline, or domain. Private remotes are always
// the reserved local label.
func (t *Tracker) classify(f *Flow) string {
	if f.RemotePrivate {
		return event.ReservedLocal
	}
	comm := strings.ToLower(f.Comm)
	cmdline := strings.ToLower(f.Cmdline)
	domain := strings.ToLower(f.Domain)
	for _, name := range t.taxonomy.Providers() {
		for _, pat := range t.taxonomy.Patterns(name) {
			if strings.Contains(comm, pat) || strings.Contains(cmdline, pat) ||
				(domain != "" && strings.Contains(domain, pat)) {
				return name
			}
		}
	}
	return event.ProviderUnknown
}

func sortEvents(events []event.Event) {
	sort.Slice(events, func(i, j int) bool {
		a, b := &events[i], &events[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.PID != b.PID {
			return a.PID < b.PID
		}
		if a.RemoteIP != b.RemoteIP {
			return a.RemoteIP < b.RemoteIP
		}
		return a.RemotePort < b.RemotePort
	})
}

func lessFlow(a, b *Flow) bool {
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	if a.PID != b.PID {
		return a.PID < b.PID
	}
	if c := a.Key.Remote.Addr().Compare(b.Key.Remote.Addr()); c != 0 {
		return c < 0
	}
	return a.Key.Remote.Port() < b.Key.Remote.Port()
}
