package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zrcxvs/nexus-cli/internal/itest/procutil"
	"github.com/zrcxvs/nexus-cli/internal/itest/runstate"
	"github.com/zrcxvs/nexus-cli/internal/itest/runtime"
)

type verifiedProcess struct {
	PID            int
	StartTime      uint64
	StartTimeKnown bool
}

func newStopCommand(stdout, stderr io.Writer) *cobra.Command {
	var logsRoot string
	var graceMS int
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running orchestrator (and its worker) by logs root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if graceMS < 0 {
				fmt.Fprintf(stderr, "invalid --grace-ms value: %d\n", graceMS)
				return exitWith(1)
			}
			return exitWith(runStop(logsRoot, time.Duration(graceMS)*time.Millisecond, force, stdout, stderr))
		},
	}
	cmd.Flags().StringVar(&logsRoot, "logs-root", "", "run artifact directory")
	cmd.Flags().IntVar(&graceMS, "grace-ms", 5000, "time to wait after SIGTERM")
	cmd.Flags().BoolVar(&force, "force", false, "send SIGKILL if the run outlives the grace period")
	return cmd
}

func runStop(logsRoot string, grace time.Duration, force bool, stdout, stderr io.Writer) int {
	if logsRoot == "" {
		fmt.Fprintln(stderr, "--logs-root is required")
		return 1
	}
	snapshot, err := runstate.LoadSnapshot(logsRoot)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if snapshot.State != runstate.StateRunning {
		fmt.Fprintf(stderr, "run state is %q (expected %q); refusing to stop\n", snapshot.State, runstate.StateRunning)
		return 1
	}
	if snapshot.PID <= 0 {
		fmt.Fprintln(stderr, "run pid is not available (run.pid missing or invalid)")
		return 1
	}
	verified, err := verifyRunPID(snapshot.PID, logsRoot)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	// The orchestrator treats SIGTERM as an interrupt: it shuts its worker
	// down and writes final.json itself.
	if err := signalVerified(verified, syscall.SIGTERM); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if waitForPIDExit(verified, grace) {
		if err := ensureTerminalOutcomeAfterStop(logsRoot, snapshot.RunID, "stopped_by_operator"); err != nil {
			fmt.Fprintf(stderr, "stopped pid %d but could not persist final outcome: %v\n", verified.PID, err)
			return 1
		}
		fmt.Fprintf(stdout, "pid=%d\nstopped=graceful\n", verified.PID)
		return 0
	}
	if !force {
		fmt.Fprintf(stderr, "pid %d did not exit within %s\n", verified.PID, grace)
		return 1
	}

	// SIGKILL cannot be handled, so the worker's group goes down with it.
	if err := signalVerified(verified, syscall.SIGKILL); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	forceWait := min(max(grace, time.Second), 10*time.Second)
	if !waitForPIDExit(verified, forceWait) {
		fmt.Fprintf(stderr, "pid %d did not exit after SIGKILL\n", verified.PID)
		return 1
	}
	if err := ensureTerminalOutcomeAfterStop(logsRoot, snapshot.RunID, "stopped_by_operator_forced"); err != nil {
		fmt.Fprintf(stderr, "stopped pid %d but could not persist final outcome: %v\n", verified.PID, err)
		return 1
	}
	fmt.Fprintf(stdout, "pid=%d\nstopped=forced\n", verified.PID)
	return 0
}

func signalVerified(proc verifiedProcess, sig syscall.Signal) error {
	if err := verifyProcessIdentity(proc); err != nil {
		return err
	}
	if err := syscall.Kill(proc.PID, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("send %s to pid %d: %w", sig, proc.PID, err)
	}
	return nil
}

// ensureTerminalOutcomeAfterStop covers runs killed before they could write
// their own verdict.
func ensureTerminalOutcomeAfterStop(logsRoot, runID, failureReason string) error {
	finalPath := filepath.Join(logsRoot, runstate.FinalFileName)
	if _, err := os.Stat(finalPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	out := runtime.FinalOutcome{
		Timestamp:     time.Now().UTC(),
		Status:        runtime.FinalFail,
		RunID:         strings.TrimSpace(runID),
		FailureReason: failureReason,
	}
	return out.Save(finalPath)
}

func waitForPIDExit(proc verifiedProcess, grace time.Duration) bool {
	gone := func() bool { return !procutil.PIDAlive(proc.PID) || !processIdentityMatches(proc) }
	if gone() {
		return true
	}
	deadline := time.Now().Add(grace)
	poll := min(max(grace/5, 10*time.Millisecond), 100*time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(poll)
		if gone() {
			return true
		}
	}
	return gone()
}

// verifyRunPID refuses to signal anything that is not a "run" invocation of
// this executable for the same logs root.
func verifyRunPID(pid int, logsRoot string) (verifiedProcess, error) {
	if !procutil.PIDAlive(pid) {
		return verifiedProcess{}, fmt.Errorf("pid %d is not running", pid)
	}
	if err := verifyPIDExecutableMatchesSelf(pid); err != nil {
		return verifiedProcess{}, err
	}
	args, err := procutil.ReadPIDCmdline(pid)
	if err != nil {
		return verifiedProcess{}, fmt.Errorf("refusing to signal pid %d: cannot read process command line: %w", pid, err)
	}
	if !cmdlineIsRun(args) {
		return verifiedProcess{}, fmt.Errorf("refusing to signal pid %d: process is not a run command", pid)
	}
	if root, ok := cmdlineLogsRoot(args); ok && !samePath(root, logsRoot) {
		return verifiedProcess{}, fmt.Errorf("refusing to signal pid %d: --logs-root mismatch (pid=%q requested=%q)", pid, root, logsRoot)
	}
	if !procutil.ProcFSAvailable() {
		return verifiedProcess{PID: pid}, nil
	}
	start, err := procutil.ReadPIDStartTime(pid)
	if err != nil {
		return verifiedProcess{}, fmt.Errorf("refusing to signal pid %d: cannot read process start time: %w", pid, err)
	}
	return verifiedProcess{PID: pid, StartTime: start, StartTimeKnown: true}, nil
}

func verifyPIDExecutableMatchesSelf(pid int) error {
	if !procutil.ProcFSAvailable() {
		return nil
	}
	selfExe, err := readProcessExePath("self")
	if err != nil {
		return fmt.Errorf("refusing to signal pid %d: cannot resolve current executable: %w", pid, err)
	}
	targetExe, err := readProcessExePath(strconv.Itoa(pid))
	if err != nil {
		return fmt.Errorf("refusing to signal pid %d: cannot resolve target executable: %w", pid, err)
	}
	if !samePath(selfExe, targetExe) {
		return fmt.Errorf("refusing to signal pid %d: executable mismatch (target=%q current=%q)", pid, targetExe, selfExe)
	}
	return nil
}

func readProcessExePath(pidToken string) (string, error) {
	resolved, err := os.Readlink(filepath.Join("/proc", pidToken, "exe"))
	if err != nil {
		return "", err
	}
	if eval, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = eval
	}
	return resolved, nil
}

func verifyProcessIdentity(proc verifiedProcess) error {
	if !procutil.PIDAlive(proc.PID) {
		return fmt.Errorf("refusing to signal pid %d: process is no longer running", proc.PID)
	}
	if !processIdentityMatches(proc) {
		return fmt.Errorf("refusing to signal pid %d: process identity changed (pid was reused)", proc.PID)
	}
	return nil
}

func processIdentityMatches(proc verifiedProcess) bool {
	if !proc.StartTimeKnown {
		return true
	}
	start, err := procutil.ReadPIDStartTime(proc.PID)
	return err == nil && start == proc.StartTime
}

// cmdlineIsRun reports whether the first positional argument is "run".
func cmdlineIsRun(args []string) bool {
	for _, a := range args[min(1, len(args)):] {
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a == "run"
	}
	return false
}

func cmdlineLogsRoot(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--logs-root" && i+1 < len(args):
			return strings.TrimSpace(args[i+1]), true
		case strings.HasPrefix(args[i], "--logs-root="):
			return strings.TrimSpace(strings.TrimPrefix(args[i], "--logs-root=")), true
		}
	}
	return "", false
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return false
	}
	return filepath.Clean(absA) == filepath.Clean(absB)
}
