// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the engine's Prometheus instruments on a
// private registry. Nothing is served; Sync copies the tracker's stats
// into the instruments, and nothing reads them back.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/rano/internal/event"
)

// Metrics holds all engine Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	Connects         prometheus.Counter
	Closes           prometheus.Counter
	ActiveFlows      prometheus.Gauge
	Alerts           prometheus.Counter
	AlertsSuppressed prometheus.Counter
	DNSLookups       prometheus.Counter
	DNSNegative      prometheus.Counter
	TapDropped       prometheus.Counter
	StoreErrors      prometheus.Counter
	EnumErrors       prometheus.Counter
	CycleDuration    prometheus.Histogram

	// cumulative values already applied to the counters
	last event.Stats
}

// New creates the engine metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rano_connects_total",
			Help: "Total number of connect events emitted",
		}),
		Closes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rano_closes_total",
			Help: "Total number of close events emitted",
		}),
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rano_active_flows",
			Help: "Flows currently tracked",
		}),
		Alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rano_alerts_total",
			Help: "Total number of alert firings",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rano_alerts_suppressed_total",
			Help: "Total number of alert firings suppressed by cooldown",
		}),
		DNSLookups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rano_dns_lookups_total",
			Help: "Total number of reverse DNS queries issued",
		}),
		DNSNegative: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rano_dns_negative_total",
			Help: "Total number of reverse DNS queries with no answer",
		}),
		TapDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rano_tap_dropped_total",
			Help: "Total number of capture messages dropped on overflow",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rano_store_errors_total",
			Help: "Total number of failed event batch commits",
		}),
		EnumErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rano_enum_errors_total",
			Help: "Total number of skipped polling cycles",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rano_cycle_duration_seconds",
			Help:    "Wall time of one polling cycle",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.Connects, m.Closes, m.ActiveFlows,
		m.Alerts, m.AlertsSuppressed,
		m.DNSLookups, m.DNSNegative, m.TapDropped,
		m.StoreErrors, m.EnumErrors, m.CycleDuration,
	)
	return m
}

// Registry exposes the private registry for tests and any future
// scrape endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Sync raises every counter to the authoritative cumulative values
// held by the components and sets the gauges, then returns the block
// unchanged. Prometheus counters only go up, so deltas against the
// last sync are applied.
func (m *Metrics) Sync(s event.Stats) event.Stats {
	addDelta(m.Connects, &m.last.Connects, s.Connects)
	addDelta(m.Closes, &m.last.Closes, s.Closes)
	m.ActiveFlows.Set(float64(s.Active))
	addDelta(m.Alerts, &m.last.Alerts, s.Alerts)
	addDelta(m.AlertsSuppressed, &m.last.AlertsSuppressed, s.AlertsSuppressed)
	addDelta(m.DNSLookups, &m.last.DNSLookups, s.DNSLookups)
	addDelta(m.DNSNegative, &m.last.DNSNegative, s.DNSNegative)
	addDelta(m.TapDropped, &m.last.TapDropped, s.TapDropped)
	addDelta(m.StoreErrors, &m.last.StoreErrors, s.StoreErrors)
	addDelta(m.EnumErrors, &m.last.EnumErrors, s.EnumErrors)
	return s
}

func addDelta(c prometheus.Counter, last *int64, target int64) {
	if delta := target - *last; delta > 0 {
		c.Add(float64(delta))
		*last = target
	}
}
