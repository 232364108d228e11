// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"grimm.is/rano/internal/store"
)

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
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

	sess, err := st.LatestSession()
	if err != nil {
		return err
	}
	aggs, err := st.ProviderSummary(sess.RunID, sinceTime(0))
	if err != nil {
		return err
	}
	var active int64
	for _, a := range aggs {
		active += a.Connects - a.Closes
	}

	if *jsonOut {
		return json.NewEncoder(os.Stdout).Encode(struct {
			RunID     string              `json:"run_id"`
			Name      string              `json:"name,omitempty"`
			StartTS   int64               `json:"start_ts"`
			Finished  bool                `json:"finished"`
			Active    int64               `json:"active"`
			Providers []store.ProviderAgg `json:"providers"`
		}{sess.RunID, sess.Name, sess.StartTS.UnixMilli(), !sess.EndTS.IsZero(), active, aggs})
	}

	state := "running"
	if !sess.EndTS.IsZero() {
		state = "finished " + sess.EndTS.Format("2006-01-02 15:04:05")
	}
	fmt.Printf("session %s started %s (%s)\n", sess.RunID, sess.StartTS.Format("2006-01-02 15:04:05"), state)
	if sess.Name != "" {
		fmt.Printf("name: %s\n", sess.Name)
	}
	fmt.Printf("active: %d\n", active)
	for _, a := range aggs {
		fmt.Printf("  %s: %d\n", a.Provider, a.Connects)
	}
	return nil
}
