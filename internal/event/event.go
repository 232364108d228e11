// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package event

import (
	"net/netip"
	"time"

	"grimm.is/rano/internal/netutil"
)

// Proto is the transport protocol of a flow.
type Proto string

const (
	ProtoTCP Proto = "tcp"
	ProtoUDP Proto = "udp"
)

// Type is the lifecycle event kind.
type Type string

const (
	TypeConnect Type = "connect"
	TypeClose   Type = "close"
	TypeStats   Type = "stats"
)

// FlowKey identifies a single transport flow within a snapshot.
type FlowKey struct {
	Proto  Proto
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// IPVersion returns 4 or 6 based on the local address.
func (k FlowKey) IPVersion() int {
	return netutil.IPVersion(k.Local.Addr())
}

// Stats carries the aggregate counters attached to stats events and the
// final session summary.
type Stats struct {
	Connects         int64            `json:"connects"`
	Closes           int64            `json:"closes"`
	Active           int64            `json:"active"`
	PerProvider      map[string]int64 `json:"per_provider,omitempty"`
	Alerts           int64            `json:"alerts"`
	AlertsSuppressed int64            `json:"alerts_suppressed"`
	DNSLookups       int64            `json:"dns_lookups"`
	DNSNegative      int64            `json:"dns_negative"`
	TapDropped       int64            `json:"tap_dropped"`
	StoreErrors      int64            `json:"store_errors"`
	StoreDegraded    bool             `json:"store_degraded"`
	EnumErrors       int64            `json:"enum_errors"`
}

// Event is a single append-only record in a session's stream. Field
// order matters: it fixes the JSON key order on the wire.
type Event struct {
	TS              time.Time `json:"ts"`
	RunID           string    `json:"run_id"`
	Event           Type      `json:"event"`
	Provider        string    `json:"provider"`
	PID             int       `json:"pid"`
	Comm            string    `json:"comm"`
	Cmdline         string    `json:"cmdline"`
	Proto           Proto     `json:"proto"`
	LocalIP         string    `json:"local_ip"`
	LocalPort       uint16    `json:"local_port"`
	RemoteIP        string    `json:"remote_ip"`
	RemotePort      uint16    `json:"remote_port"`
	Domain          *string   `json:"domain"`
	RemoteIsPrivate bool      `json:"remote_is_private"`
	IPVersion       int       `json:"ip_version"`
	DurationMs      *int64    `json:"duration_ms"`
	Alert           bool      `json:"alert"`
	Stats           *Stats    `json:"stats,omitempty"`
}

// Session describes one engine invocation.
type Session struct {
	RunID           string
	StartTS         time.Time
	EndTS           time.Time
	Host            string
	User            string
	Patterns        []string
	DomainMode      string
	Args            []string
	IntervalMs      int
	StatsIntervalMs int
	Connects        int64
	Closes          int64
	Name            string
}

// ReservedLocal is the provider label for flows to private remotes.
// It never participates in alert evaluation.
const ReservedLocal = "local"

// ProviderUnknown labels flows matching no taxonomy entry.
const ProviderUnknown = "unknown"
