// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command rano watches AI agent processes and records their network
// activity. The default subcommand is watch; the rest are thin readers
// over the session database.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

var version = "0.1.0"

func main() {
	args := os.Args[1:]
	name := "watch"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name = args[0]
		args = args[1:]
	}

	var err error
	switch name {
	case "watch":
		err = runWatch(args)
	case "report":
		err = runReport(args)
	case "status":
		err = runStatus(args)
	case "diff":
		err = runDiff(args)
	case "export":
		err = runExport(args)
	case "config":
		err = runConfig(args)
	case "sessions":
		err = runSessions(args)
	case "version":
		fmt.Println("rano", version)
		return
	case "help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "rano: unknown command %q\n", name)
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "rano %s: %v\n", name, ue.err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "rano %s: %v\n", name, err)
		os.Exit(1)
	}
}

// usageError marks CLI misuse, which exits 2 instead of 1.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

// parseArgs runs the flag set and classifies failures as usage errors.
func parseArgs(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return usageError{err}
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: rano [command] [flags]

Commands:
  watch     watch matching processes and record their connections (default)
  report    per-provider summary of a recorded session
  status    snapshot of the most recent session
  diff      compare two sessions
  export    dump a session's events as jsonl or csv
  config    print the effective configuration
  sessions  list recorded sessions
  version   print the version

Run 'rano <command> -h' for command flags.
`)
}
