// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"grimm.is/rano/internal/store"
)

func runDiff(args []string) error {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dbPath := fs.String("db", "", "database path")
	threshold := fs.Int("threshold", 0, "only report connect-count changes of at least N")
	if err := parseArgs(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return usageError{fmt.Errorf("expected two run ids, got %d arguments", fs.NArg())}
	}
	oldID, newID := fs.Arg(0), fs.Arg(1)

	st, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.Session(oldID); err != nil {
		return err
	}
	if _, err := st.Session(newID); err != nil {
		return err
	}
	oldAggs, err := st.ProviderSummary(oldID, time.Time{})
	if err != nil {
		return err
	}
	newAggs, err := st.ProviderSummary(newID, time.Time{})
	if err != nil {
		return err
	}

	oldBy := byProvider(oldAggs)
	newBy := byProvider(newAggs)
	names := make(map[string]struct{}, len(oldBy)+len(newBy))
	for n := range oldBy {
		names[n] = struct{}{}
	}
	for n := range newBy {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	changed := false
	for _, name := range sorted {
		o, n := oldBy[name], newBy[name]
		delta := n.Connects - o.Connects
		added, removed := domainDiff(o.Domains, n.Domains)
		if absInt64(delta) < int64(*threshold) && len(added) == 0 && len(removed) == 0 {
			continue
		}
		if delta == 0 && len(added) == 0 && len(removed) == 0 {
			continue
		}
		changed = true
		fmt.Printf("%s: %d -> %d (%+d)\n", name, o.Connects, n.Connects, delta)
		for _, d := range added {
			fmt.Printf("  + %s\n", d)
		}
		for _, d := range removed {
			fmt.Printf("  - %s\n", d)
		}
	}
	if !changed {
		fmt.Println("no changes")
	}
	return nil
}

func byProvider(aggs []store.ProviderAgg) map[string]store.ProviderAgg {
	out := make(map[string]store.ProviderAgg, len(aggs))
	for _, a := range aggs {
		out[a.Provider] = a
	}
	return out
}

// domainDiff returns sorted domains only in b (added) and only in a
// (removed).
func domainDiff(a, b []string) (added, removed []string) {
	inA := make(map[string]struct{}, len(a))
	for _, d := range a {
		inA[d] = struct{}{}
	}
	inB := make(map[string]struct{}, len(b))
	for _, d := range b {
		inB[d] = struct{}{}
	}
	for _, d := range b {
		if _, ok := inA[d]; !ok {
			added = append(added, d)
		}
	}
	for _, d := range a {
		if _, ok := inB[d]; !ok {
			removed = append(removed, d)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
