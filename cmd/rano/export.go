// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"grimm.is/rano/internal/event"
)

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dbPath := fs.String("db", "", "database path")
	runID := fs.String("run", "", "session run id (default: latest)")
	format := fs.String("format", "jsonl", "output format: jsonl or csv")
	if err := parseArgs(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usageError{fmt.Errorf("unexpected argument %q", fs.Arg(0))}
	}
	if *format != "jsonl" && *format != "csv" {
		return usageError{fmt.Errorf("unknown format %q", *format)}
	}

	st, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := pickSession(st, *runID)
	if err != nil {
		return err
	}
	events, err := st.Events(sess.RunID, time.Time{})
	if err != nil {
		return err
	}

	if *format == "csv" {
		return writeCSV(os.Stdout, events)
	}
	return writeJSONL(os.Stdout, events)
}

func writeJSONL(w io.Writer, events []event.Event) error {
	bw := bufio.NewWriter(w)
	for i := range events {
		line, err := json.Marshal(&events[i])
		if err != nil {
			return err
		}
		bw.Write(line)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func writeCSV(w io.Writer, events []event.Event) error {
	cw := csv.NewWriter(w)
	header := []string{
		"ts", "run_id", "event", "provider", "pid", "comm", "cmdline",
		"proto", "local_ip", "local_port", "remote_ip", "remote_port",
		"domain", "remote_is_private", "ip_version", "duration_ms", "alert",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i := range events {
		e := &events[i]
		domain := ""
		if e.Domain != nil {
			domain = *e.Domain
		}
		duration := ""
		if e.DurationMs != nil {
			duration = strconv.FormatInt(*e.DurationMs, 10)
		}
		row := []string{
			strconv.FormatInt(e.TS.UnixMilli(), 10),
			e.RunID,
			string(e.Event),
			e.Provider,
			strconv.Itoa(e.PID),
			e.Comm,
			e.Cmdline,
			string(e.Proto),
			e.LocalIP,
			strconv.Itoa(int(e.LocalPort)),
			e.RemoteIP,
			strconv.Itoa(int(e.RemotePort)),
			domain,
			strconv.FormatBool(e.RemoteIsPrivate),
			strconv.Itoa(e.IPVersion),
			duration,
			strconv.FormatBool(e.Alert),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
