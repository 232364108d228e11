// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"grimm.is/rano/internal/errors"
	"grimm.is/rano/internal/event"
)

// ProviderAgg is one row of a per-provider aggregation.
type ProviderAgg struct {
	Provider string   `json:"provider"`
	Connects int64    `json:"connects"`
	Closes   int64    `json:"closes"`
	Domains  []string `json:"domains,omitempty"`
}

// Sessions lists every recorded session, newest first.
func (s *Store) Sessions() ([]event.Session, error) {
	rows, err := s.db.Query(`
		SELECT run_id, start_ts, end_ts, host, user, patterns, domain_mode, args, interval_ms, stats_interval_ms, connects, closes, session_name
		FROM sessions ORDER BY start_ts DESC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStore, "cannot list sessions")
	}
	defer rows.Close()
	var out []event.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LatestSession returns the most recently started session.
func (s *Store) LatestSession() (event.Session, error) {
	row := s.db.QueryRow(`
		SELECT run_id, start_ts, end_ts, host, user, patterns, domain_mode, args, interval_ms, stats_interval_ms, connects, closes, session_name
		FROM sessions ORDER BY start_ts DESC LIMIT 1`)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return event.Session{}, errors.New(errors.KindStore, "no sessions recorded")
	}
	return sess, err
}

// Session looks up one session by run id.
func (s *Store) Session(runID string) (event.Session, error) {
	row := s.db.QueryRow(`
		SELECT run_id, start_ts, end_ts, host, user, patterns, domain_mode, args, interval_ms, stats_interval_ms, connects, closes, session_name
		FROM sessions WHERE run_id = ?`, runID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return event.Session{}, errors.Errorf(errors.KindStore, "no such session %s", runID)
	}
	return sess, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (event.Session, error) {
	var (
		sess             event.Session
		startTS          int64
		endTS            sql.NullInt64
		patterns, args   sql.NullString
		host, user, name sql.NullString
		domainMode       sql.NullString
	)
	err := r.Scan(&sess.RunID, &startTS, &endTS, &host, &user, &patterns,
		&domainMode, &args, &sess.IntervalMs, &sess.StatsIntervalMs,
		&sess.Connects, &sess.Closes, &name)
	if err == sql.ErrNoRows {
		return sess, err
	}
	if err != nil {
		return sess, errors.Wrap(err, errors.KindStore, "cannot read session row")
	}
	sess.StartTS = time.UnixMilli(startTS)
	if endTS.Valid {
		sess.EndTS = time.UnixMilli(endTS.Int64)
	}
	sess.Host = host.String
	sess.User = user.String
	sess.DomainMode = domainMode.String
	sess.Name = name.String
	if patterns.Valid && patterns.String != "" {
		_ = json.Unmarshal([]byte(patterns.String), &sess.Patterns)
	}
	if args.Valid && args.String != "" {
		_ = json.Unmarshal([]byte(args.String), &sess.Args)
	}
	return sess, nil
}

// Events returns a session's stream in insertion order. since is
// optional; the zero time means everything.
func (s *Store) Events(runID string, since time.Time) ([]event.Event, error) {
	query := `
		SELECT ts, run_id, event, provider, pid, comm, cmdline, proto, local_ip, local_port, remote_ip, remote_port, domain, remote_is_private, ip_version, duration_ms, alert, stats
		FROM events WHERE run_id = ?`
	args := []any{runID}
	if !since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, since.UnixMilli())
	}
	query += " ORDER BY id ASC"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStore, "cannot read events")
	}
	defer rows.Close()
	var out []event.Event
	for rows.Next() {
		var (
			e        event.Event
			ts       int64
			etype    string
			proto    sql.NullString
			domain   sql.NullString
			private  int
			alert    int
			duration sql.NullInt64
			stats    sql.NullString
		)
		err := rows.Scan(&ts, &e.RunID, &etype, &e.Provider, &e.PID,
			&e.Comm, &e.Cmdline, &proto, &e.LocalIP, &e.LocalPort,
			&e.RemoteIP, &e.RemotePort, &domain, &private,
			&e.IPVersion, &duration, &alert, &stats)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindStore, "cannot read event row")
		}
		e.TS = time.UnixMilli(ts)
		e.Event = event.Type(etype)
		e.Proto = event.Proto(proto.String)
		e.RemoteIsPrivate = private != 0
		e.Alert = alert != 0
		if domain.Valid {
			d := domain.String
			e.Domain = &d
		}
		if duration.Valid {
			d := duration.Int64
			e.DurationMs = &d
		}
		if stats.Valid && stats.String != "" {
			var st event.Stats
			if json.Unmarshal([]byte(stats.String), &st) == nil {
				e.Stats = &st
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ProviderSummary aggregates connect/close counts and the distinct
// domain set per provider for one session, ordered by connects.
func (s *Store) ProviderSummary(runID string, since time.Time) ([]ProviderAgg, error) {
	query := `
		SELECT provider,
			SUM(CASE WHEN event = 'connect' THEN 1 ELSE 0 END),
			SUM(CASE WHEN event = 'close' THEN 1 ELSE 0 END)
		FROM events WHERE run_id = ? AND event IN ('connect', 'close')`
	args := []any{runID}
	if !since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, since.UnixMilli())
	}
	query += " GROUP BY provider ORDER BY 2 DESC, provider ASC"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStore, "cannot aggregate events")
	}
	defer rows.Close()
	var out []ProviderAgg
	for rows.Next() {
		var agg ProviderAgg
		if err := rows.Scan(&agg.Provider, &agg.Connects, &agg.Closes); err != nil {
			return nil, errors.Wrap(err, errors.KindStore, "cannot aggregate events")
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindStore, "cannot aggregate events")
	}
	for i := range out {
		domains, err := s.providerDomains(runID, out[i].Provider, since)
		if err != nil {
			return nil, err
		}
		out[i].Domains = domains
	}
	return out, nil
}

func (s *Store) providerDomains(runID, provider string, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT domain FROM events
		WHERE run_id = ? AND provider = ? AND domain IS NOT NULL`
	args := []any{runID, provider}
	if !since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, since.UnixMilli())
	}
	query += " ORDER BY domain ASC"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStore, "cannot list domains")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, errors.Wrap(err, errors.KindStore, "cannot list domains")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
