// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proc

import "strings"

// Matcher selects the observed process set for each polling cycle:
// every process whose comm or cmdline contains one of the patterns
// (case-insensitive), optionally expanded to all transitive
// descendants. The closure is recomputed per cycle so children spawned
// between polls are caught.
type Matcher struct {
	scanner     *Scanner
	patterns    []string
	descendants bool
}

// NewMatcher builds a matcher. Patterns are expected lowercase; the
// config resolver normalizes them.
func NewMatcher(scanner *Scanner, patterns []string, includeDescendants bool) *Matcher {
	return &Matcher{scanner: scanner, patterns: patterns, descendants: includeDescendants}
}

// Snapshot scans the proc filesystem and returns the matched set.
func (m *Matcher) Snapshot() (Snapshot, error) {
	all, err := m.scanner.Scan()
	if err != nil {
		return nil, err
	}
	matched := make(Snapshot)
	for pid, p := range all {
		if m.matches(p) {
			matched[pid] = p
		}
	}
	if m.descendants {
		expandDescendants(all, matched)
	}
	return matched, nil
}

func (m *Matcher) matches(p Proc) bool {
	comm := strings.ToLower(p.Comm)
	cmdline := strings.ToLower(p.Cmdline)
	for _, pat := range m.patterns {
		if strings.Contains(comm, pat) || strings.Contains(cmdline, pat) {
			return true
		}
	}
	return false
}

// expandDescendants grows matched with every process transitively
// parented by a matched pid.
func expandDescendants(all, matched Snapshot) {
	children := make(map[int][]int, len(all))
	for pid, p := range all {
		children[p.PPID] = append(children[p.PPID], pid)
	}
	queue := make([]int, 0, len(matched))
	for pid := range matched {
		queue = append(queue, pid)
	}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if _, ok := matched[child]; ok {
				continue
			}
			matched[child] = all[child]
			queue = append(queue, child)
		}
	}
}
