// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package proc enumerates local processes and selects the observed set
// for each polling cycle.
package proc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"grimm.is/rano/internal/errors"
)

// Proc is one process record from a snapshot.
type Proc struct {
	PID     int
	PPID    int
	Comm    string
	Cmdline string
}

// Snapshot maps pid to its record for one polling cycle.
type Snapshot map[int]Proc

// Scanner reads process records from a proc filesystem.
type Scanner struct {
	root string
}

// NewScanner returns a scanner over /proc.
func NewScanner() *Scanner { return &Scanner{root: "/proc"} }

// NewScannerAt returns a scanner rooted at an alternate directory.
func NewScannerAt(root string) *Scanner { return &Scanner{root: root} }

// Root returns the proc filesystem root this scanner reads.
func (s *Scanner) Root() string { return s.root }

// Scan enumerates every visible process. Individual unreadable pids are
// skipped; an unreadable root is an error.
func (s *Scanner) Scan() (Snapshot, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindEnumeration, "cannot enumerate %s", s.root)
	}
	snap := make(Snapshot, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		p, ok := s.read(pid)
		if !ok {
			continue
		}
		snap[pid] = p
	}
	return snap, nil
}

func (s *Scanner) read(pid int) (Proc, bool) {
	dir := filepath.Join(s.root, strconv.Itoa(pid))
	stat, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return Proc{}, false
	}
	comm, ppid, ok := parseStat(string(stat))
	if !ok {
		return Proc{}, false
	}
	return Proc{
		PID:     pid,
		PPID:    ppid,
		Comm:    comm,
		Cmdline: readCmdline(dir),
	}, true
}

// parseStat extracts comm and ppid from a /proc/<pid>/stat line. The
// comm field is parenthesized and may itself contain spaces and parens,
// so the last ')' delimits it.
func parseStat(raw string) (comm string, ppid int, ok bool) {
	open := strings.Index(raw, "(")
	close := strings.LastIndex(raw, ")")
	if open == -1 || close == -1 || close < open {
		return "", 0, false
	}
	comm = raw[open+1 : close]
	fields := strings.Fields(raw[close+1:])
	if len(fields) < 2 {
		return "", 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, false
	}
	return comm, ppid, true
}

// readCmdline joins the NUL-separated argv. Kernel threads have an
// empty cmdline; that is preserved as "".
func readCmdline(dir string) string {
	b, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(b), "\x00", " "))
}
