package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zrcxvs/nexus-cli/internal/itest/config"
	"github.com/zrcxvs/nexus-cli/internal/itest/history"
)

func newHistoryCommand(stdout, stderr io.Writer) *cobra.Command {
	var dbPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs and their per-candidate outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.EqualFold(dbPath, config.HistoryOff) {
				fmt.Fprintln(stderr, "history is disabled")
				return exitWith(1)
			}
			if dbPath == "" {
				dbPath = filepath.Join(stateDir, defaultHistory)
			}
			store, err := history.Open(dbPath)
			if err != nil {
				fmt.Fprintf(stderr, "open history: %v\n", err)
				return exitWith(1)
			}
			defer store.Close()
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				fmt.Fprintf(stderr, "list history: %v\n", err)
				return exitWith(1)
			}
			writeHistory(stdout, runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "history-db", "", "run history database (default "+stateDir+"/"+defaultHistory+")")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

func writeHistory(w io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	for _, r := range runs {
		took := ""
		if !r.FinishedAt.IsZero() {
			took = " " + r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s  %s  %s%s  source=%s\n", r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), strings.ToUpper(r.Status), took, r.CandidateSource)
		for _, a := range r.Attempts {
			esc := ""
			if a.Escalated {
				esc = " escalated"
			}
			fmt.Fprintf(w, "    %2d. %s  %s exit=%d%s\n", a.Seq, a.Candidate, a.Outcome, a.ExitCode, esc)
		}
	}
}
