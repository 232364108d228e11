// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package emit renders the event stream for humans and machines.
// Events go to stdout (text or JSON lines), alerts to stderr.
package emit

import (
	"encoding/json"
	"fmt"
	"io"

	"grimm.is/rano/internal/alert"
	"grimm.is/rano/internal/event"
)

// Config selects the output shape.
type Config struct {
	JSON bool
	Bell bool
	Out  io.Writer // events; default os.Stdout wired by the caller
	Err  io.Writer // alerts and the banner
}

// Emitter writes events and alerts to the configured streams.
type Emitter struct {
	json bool
	bell bool
	out  io.Writer
	err  io.Writer
}

// New builds an Emitter. Out and Err must be non-nil.
func New(cfg Config) *Emitter {
	return &Emitter{
		json: cfg.JSON,
		bell: cfg.Bell,
		out:  cfg.Out,
		err:  cfg.Err,
	}
}

// Events writes one cycle's batch.
func (e *Emitter) Events(events []event.Event) error {
	for i := range events {
		ev := &events[i]
		if e.json {
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(e.out, "%s\n", line); err != nil {
				return err
			}
			continue
		}
		if err := e.writeText(ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) writeText(ev *event.Event) error {
	ts := ev.TS.Format("15:04:05")
	switch ev.Event {
	case event.TypeConnect:
		_, err := fmt.Fprintf(e.out, "%s + %-10s %s[%d] -> %s%s\n",
			ts, ev.Provider, ev.Comm, ev.PID, remote(ev), alertMark(ev))
		return err
	case event.TypeClose:
		var dur string
		if ev.DurationMs != nil {
			dur = fmt.Sprintf(" %dms", *ev.DurationMs)
		}
		_, err := fmt.Fprintf(e.out, "%s - %-10s %s[%d] -> %s%s%s\n",
			ts, ev.Provider, ev.Comm, ev.PID, remote(ev), dur, alertMark(ev))
		return err
	case event.TypeStats:
		if ev.Stats == nil {
			return nil
		}
		_, err := fmt.Fprintf(e.out, "%s = active=%d connects=%d closes=%d alerts=%d\n",
			ts, ev.Stats.Active, ev.Stats.Connects, ev.Stats.Closes, ev.Stats.Alerts)
		return err
	}
	return nil
}

func remote(ev *event.Event) string {
	host := ev.RemoteIP
	if ev.Domain != nil {
		host = fmt.Sprintf("%s (%s)", ev.RemoteIP, *ev.Domain)
	}
	return fmt.Sprintf("%s:%d/%s", host, ev.RemotePort, ev.Proto)
}

func alertMark(ev *event.Event) string {
	if ev.Alert {
		return " [ALERT]"
	}
	return ""
}

// Alerts writes one line per firing to the alert stream, ringing the
// bell once if anything fired.
func (e *Emitter) Alerts(firings []alert.Firing) error {
	for _, f := range firings {
		_, err := fmt.Fprintf(e.err, "ALERT rule=%s subject=%s %s\n", f.Rule, f.Subject, f.Detail)
		if err != nil {
			return err
		}
	}
	if e.bell && len(firings) > 0 {
		if _, err := fmt.Fprint(e.err, "\a"); err != nil {
			return err
		}
	}
	return nil
}

// Summary is the session-end JSON object.
type Summary struct {
	RunID      string      `json:"run_id"`
	DurationMs int64       `json:"duration_ms"`
	Stats      event.Stats `json:"stats"`
}

// Final writes the end-of-session summary to stdout regardless of
// mode; scripts scrape it.
func (e *Emitter) Final(s Summary) error {
	line, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.out, "%s\n", line)
	return err
}

// Banner prints the one-line startup banner to stderr.
func (e *Emitter) Banner(version, device string, patterns []string, dbPath string) error {
	tap := "off"
	if device != "" {
		tap = device
	}
	_, err := fmt.Fprintf(e.err, "rano %s watching %d pattern(s), tap=%s, db=%s\n",
		version, len(patterns), tap, dbPath)
	return err
}
