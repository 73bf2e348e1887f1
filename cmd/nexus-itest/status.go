package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/zrcxvs/nexus-cli/internal/itest/runstate"
)

func newStatusCommand(stdout, stderr io.Writer) *cobra.Command {
	var logsRoot string
	var asJSON, latest bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a run directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if latest {
				if logsRoot != "" {
					fmt.Fprintln(stderr, "--latest and --logs-root are mutually exclusive")
					return exitWith(1)
				}
				root, err := latestRunLogsRoot(filepath.Join(stateDir, "runs"))
				if err != nil {
					fmt.Fprintln(stderr, err)
					return exitWith(1)
				}
				logsRoot = root
				fmt.Fprintf(stderr, "logs_root=%s\n", logsRoot)
			}
			if logsRoot == "" {
				fmt.Fprintln(stderr, "--logs-root or --latest is required")
				return exitWith(1)
			}
			return exitWith(printSnapshot(logsRoot, stdout, stderr, asJSON))
		},
	}
	cmd.Flags().StringVar(&logsRoot, "logs-root", "", "run artifact directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	cmd.Flags().BoolVar(&latest, "latest", false, "use the most recent run under "+stateDir+"/runs")
	return cmd
}

func printSnapshot(logsRoot string, stdout, stderr io.Writer, asJSON bool) int {
	s, err := runstate.LoadSnapshot(logsRoot)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "state=%s\n", s.State)
	if s.RunID != "" {
		fmt.Fprintf(stdout, "run_id=%s\n", s.RunID)
	}
	if s.PID > 0 {
		fmt.Fprintf(stdout, "pid=%d\npid_alive=%t\n", s.PID, s.PIDAlive)
	}
	if s.Candidate != "" {
		fmt.Fprintf(stdout, "attempt=%d\ncandidate=%s\n", s.Attempt, s.Candidate)
	}
	if s.LastEvent != "" {
		fmt.Fprintf(stdout, "last_event=%s\n", s.LastEvent)
	}
	if !s.LastEventAt.IsZero() {
		fmt.Fprintf(stdout, "last_event_at=%s\n", s.LastEventAt.Format(time.RFC3339))
	}
	for _, a := range s.Attempts {
		fmt.Fprintf(stdout, "attempt[%d]=%s %s\n", a.Index, a.Candidate, a.Outcome)
	}
	if s.FailureReason != "" {
		fmt.Fprintf(stdout, "failure_reason=%s\n", s.FailureReason)
	}
	return 0
}

// latestRunLogsRoot picks the newest run directory. Run IDs are ULIDs, so
// the lexically greatest valid name is the most recent.
func latestRunLogsRoot(runsDir string) (string, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return "", fmt.Errorf("no runs found: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := ulid.ParseStrict(e.Name()); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no runs found in %s", runsDir)
	}
	sort.Strings(ids)
	return filepath.Join(runsDir, ids[len(ids)-1]), nil
}
