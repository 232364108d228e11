// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

func runSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dbPath := fs.String("db", "", "database path")
	jsonOut := fs.Bool("json", false, "JSON output")
	if err := parseArgs(fs, args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return usageError{fmt.Errorf("unexpected argument %q", fs.Arg(0))}
	}

	st, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.Sessions()
	if err != nil {
		return err
	}

	if *jsonOut {
		type row struct {
			RunID    string   `json:"run_id"`
			Name     string   `json:"name,omitempty"`
			StartTS  int64    `json:"start_ts"`
			EndTS    int64    `json:"end_ts,omitempty"`
			Patterns []string `json:"patterns,omitempty"`
			Connects int64    `json:"connects"`
			Closes   int64    `json:"closes"`
		}
		rows := make([]row, 0, len(sessions))
		for _, s := range sessions {
			r := row{
				RunID:    s.RunID,
				Name:     s.Name,
				StartTS:  s.StartTS.UnixMilli(),
				Patterns: s.Patterns,
				Connects: s.Connects,
				Closes:   s.Closes,
			}
			if !s.EndTS.IsZero() {
				r.EndTS = s.EndTS.UnixMilli()
			}
			rows = append(rows, r)
		}
		return json.NewEncoder(os.Stdout).Encode(rows)
	}

	if len(sessions) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}
	for _, s := range sessions {
		end := "running"
		if !s.EndTS.IsZero() {
			end = s.EndTS.Format("15:04:05")
		}
		label := ""
		if s.Name != "" {
			label = " " + s.Name
		}
		fmt.Printf("%s  %s - %s  connects=%d closes=%d  [%s]%s\n",
			s.RunID, s.StartTS.Format("2006-01-02 15:04:05"), end,
			s.Connects, s.Closes, strings.Join(s.Patterns, ","), label)
	}
	return nil
}
