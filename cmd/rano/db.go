// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"
	"os"
	"time"

	"grimm.is/rano/internal/config"
	"grimm.is/rano/internal/event"
	"grimm.is/rano/internal/logging"
	"grimm.is/rano/internal/store"
)

// openStore opens the session database for the read-only subcommands.
// An empty path falls back to the default location.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		path = config.DefaultSettings().DBPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no database at %s", path)
	}
	return store.Open(path, logging.Default())
}

// pickSession resolves an explicit run id, defaulting to the latest.
func pickSession(st *store.Store, runID string) (event.Session, error) {
	if runID == "" {
		return st.LatestSession()
	}
	return st.Session(runID)
}

func sinceTime(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-d)
}
