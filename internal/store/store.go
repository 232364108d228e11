// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store persists sessions and their event streams to SQLite.
// Writes happen only from the engine loop; readers are the reporting
// subcommands.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/rano/internal/errors"
	"grimm.is/rano/internal/event"
	"grimm.is/rano/internal/logging"
)

const schemaVersion = 1

// degradeAfter is how many consecutive failed batch commits flip the
// store into degraded mode.
const degradeAfter = 5

// pendingLimit caps the retry queue; beyond it the oldest events are
// dropped rather than growing without bound.
const pendingLimit = 10000

// Store wraps the session database.
type Store struct {
	db  *sql.DB
	log *logging.Logger

	// events whose batch failed to commit, retried next cycle
	pending     []event.Event
	failStreak  int
	storeErrors int64
	degraded    bool
}

// Open opens or creates the database at path and brings the schema up
// to date.
func Open(path string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Default()
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindStore, "cannot open database %s", path)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindStore, "cannot set synchronous mode")
	}
	s := &Store{db: db, log: log.WithComponent("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes nothing; pending events that never committed are lost
// and were already counted.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_meta (
		version INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		run_id TEXT PRIMARY KEY,
		start_ts INTEGER NOT NULL,
		end_ts INTEGER,
		host TEXT,
		user TEXT,
		patterns TEXT,
		domain_mode TEXT,
		args TEXT,
		interval_ms INTEGER,
		stats_interval_ms INTEGER,
		connects INTEGER DEFAULT 0,
		closes INTEGER DEFAULT 0,
		session_name TEXT
	);
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		event TEXT NOT NULL,
		provider TEXT,
		pid INTEGER,
		comm TEXT,
		cmdline TEXT,
		proto TEXT,
		local_ip TEXT,
		local_port INTEGER,
		remote_ip TEXT,
		remote_port INTEGER,
		domain TEXT,
		remote_is_private INTEGER,
		ip_version INTEGER,
		duration_ms INTEGER,
		alert INTEGER DEFAULT 0,
		stats TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
	CREATE INDEX IF NOT EXISTS idx_events_provider ON events(provider);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, errors.KindStore, "cannot create schema")
	}
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_meta LIMIT 1").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec("INSERT INTO schema_meta (version) VALUES (?)", schemaVersion); err != nil {
			return errors.Wrap(err, errors.KindStore, "cannot record schema version")
		}
	case err != nil:
		return errors.Wrap(err, errors.KindStore, "cannot read schema version")
	case version > schemaVersion:
		return errors.Errorf(errors.KindStore,
			"database schema version %d is newer than supported %d", version, schemaVersion)
	case version < schemaVersion:
		if err := s.migrate(version); err != nil {
			return err
		}
	}
	return s.checkColumns()
}

// migrate applies additive migrations from an older schema version.
func (s *Store) migrate(from int) error {
	s.log.Info("Migrating schema", "from", from, "to", schemaVersion)
	if _, err := s.db.Exec("UPDATE schema_meta SET version = ?", schemaVersion); err != nil {
		return errors.Wrap(err, errors.KindStore, "cannot bump schema version")
	}
	return nil
}

// eventColumns is every column an event row carries, in insert order.
var eventColumns = []string{
	"ts", "run_id", "event", "provider", "pid", "comm", "cmdline",
	"proto", "local_ip", "local_port", "remote_ip", "remote_port",
	"domain", "remote_is_private", "ip_version", "duration_ms",
	"alert", "stats",
}

// checkColumns adds any column missing from an existing events table.
// Only additive drift is tolerated.
func (s *Store) checkColumns() error {
	rows, err := s.db.Query("PRAGMA table_info(events)")
	if err != nil {
		return errors.Wrap(err, errors.KindStore, "cannot inspect events table")
	}
	defer rows.Close()
	have := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return errors.Wrap(err, errors.KindStore, "cannot inspect events table")
		}
		have[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.KindStore, "cannot inspect events table")
	}
	for _, col := range eventColumns {
		if _, ok := have[col]; ok {
			continue
		}
		s.log.Info("Adding missing column", "column", col)
		if _, err := s.db.Exec("ALTER TABLE events ADD COLUMN " + col); err != nil {
			return errors.Wrapf(err, errors.KindStore, "cannot add column %s", col)
		}
	}
	return nil
}

// BeginSession records the session row at startup.
func (s *Store) BeginSession(sess event.Session) error {
	patterns, _ := json.Marshal(sess.Patterns)
	args, _ := json.Marshal(sess.Args)
	_, err := s.db.Exec(`
		INSERT INTO sessions (run_id, start_ts, host, user, patterns, domain_mode, args, interval_ms, stats_interval_ms, session_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.RunID, sess.StartTS.UnixMilli(), sess.Host, sess.User,
		string(patterns), sess.DomainMode, string(args),
		sess.IntervalMs, sess.StatsIntervalMs, sess.Name,
	)
	if err != nil {
		return errors.Wrap(err, errors.KindStore, "cannot record session")
	}
	return nil
}

// FinishSession stamps the end of a session.
func (s *Store) FinishSession(runID string, endTS time.Time, connects, closes int64) error {
	_, err := s.db.Exec(
		"UPDATE sessions SET end_ts = ?, connects = ?, closes = ? WHERE run_id = ?",
		endTS.UnixMilli(), connects, closes, runID,
	)
	if err != nil {
		return errors.Wrap(err, errors.KindStore, "cannot finalize session")
	}
	return nil
}

// WriteBatch appends one cycle's events. The batch commits atomically
// together with any events retried from earlier failed cycles; on
// failure everything stays queued for the next cycle.
func (s *Store) WriteBatch(events []event.Event) error {
	s.pending = append(s.pending, events...)
	if over := len(s.pending) - pendingLimit; over > 0 {
		s.pending = s.pending[over:]
	}
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.commit(s.pending); err != nil {
		s.storeErrors++
		s.failStreak++
		if s.failStreak >= degradeAfter && !s.degraded {
			s.degraded = true
			s.log.Error("Store persistently failing, marking degraded", "error", err)
		}
		return errors.Wrap(err, errors.KindStore, "batch write failed, will retry")
	}
	s.pending = s.pending[:0]
	s.failStreak = 0
	s.degraded = false
	return nil
}

func (s *Store) commit(events []event.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO events (ts, run_id, event, provider, pid, comm, cmdline, proto, local_ip, local_port, remote_ip, remote_port, domain, remote_is_private, ip_version, duration_ms, alert, stats)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i := range events {
		e := &events[i]
		var stats any
		if e.Stats != nil {
			b, err := json.Marshal(e.Stats)
			if err != nil {
				tx.Rollback()
				return err
			}
			stats = string(b)
		}
		var domain any
		if e.Domain != nil {
			domain = *e.Domain
		}
		var duration any
		if e.DurationMs != nil {
			duration = *e.DurationMs
		}
		_, err := stmt.Exec(
			e.TS.UnixMilli(), e.RunID, string(e.Event), e.Provider,
			e.PID, e.Comm, e.Cmdline, string(e.Proto),
			e.LocalIP, e.LocalPort, e.RemoteIP, e.RemotePort,
			domain, boolInt(e.RemoteIsPrivate), e.IPVersion,
			duration, boolInt(e.Alert), stats,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Pending returns how many events await a successful commit.
func (s *Store) Pending() int { return len(s.pending) }

// Counters reports write failures and the degraded flag for stats.
func (s *Store) Counters() (storeErrors int64, degraded bool) {
	return s.storeErrors, s.degraded
}
