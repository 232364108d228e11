// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"grimm.is/rano/internal/store"
)

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dbPath := fs.String("db", "", "database path")
	runID := fs.String("run", "", "session run id (default: latest)")
	since := fs.Duration("since", 0, "only count events newer than now minus this duration")
	provider := fs.String("provider", "", "restrict to one provider")
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

	sess, err := pickSession(st, *runID)
	if err != nil {
		return err
	}
	aggs, err := st.ProviderSummary(sess.RunID, sinceTime(*since))
	if err != nil {
		return err
	}
	if *provider != "" {
		var kept []store.ProviderAgg
		for _, a := range aggs {
			if a.Provider == *provider {
				kept = append(kept, a)
			}
		}
		aggs = kept
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(struct {
			RunID     string              `json:"run_id"`
			Providers []store.ProviderAgg `json:"providers"`
		}{sess.RunID, aggs})
	}

	fmt.Printf("session %s started %s\n", sess.RunID, sess.StartTS.Format("2006-01-02 15:04:05"))
	if len(aggs) == 0 {
		fmt.Println("no matching events")
		return nil
	}
	for _, a := range aggs {
		fmt.Printf("%-14s connects=%-5d closes=%-5d\n", a.Provider, a.Connects, a.Closes)
		if len(a.Domains) > 0 {
			fmt.Printf("%-14s %s\n", "", strings.Join(a.Domains, ", "))
		}
	}
	return nil
}
