package attempt

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/zrcxvs/nexus-cli/internal/itest/detect"
	"github.com/zrcxvs/nexus-cli/internal/itest/procutil"
	"github.com/zrcxvs/nexus-cli/internal/itest/supervisor"
	"github.com/zrcxvs/nexus-cli/internal/itest/timeout"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("requires sh")
	}
}

func writeWorker(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "nexus-network")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	return p
}

// newTestRunner uses a 10ms tick: 50 ticks primary window, 20 ticks grace.
func newTestRunner(t *testing.T, bin string) (*Runner, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	logger := log.New(&logs, "", 0)
	return &Runner{
		Supervisor:    &supervisor.Supervisor{TermGrace: 150 * time.Millisecond, WaitDelay: 200 * time.Millisecond, Logger: logger},
		Detector:      detect.NewSubstring([]string{detect.DefaultSuccessMarker}, []string{detect.DefaultRateLimitedMarker}),
		Limits:        timeout.Limits{PrimaryTicks: 50, GraceTicks: 20},
		Tick:          10 * time.Millisecond,
		ProgressEvery: 10,
		TailLines:     5,
		Binary:        bin,
		Args:          []string{"start", "--headless"},
		CandidateFlag: "--node-id",
		MaxTasksFlag:  "--max-tasks",
		LogsRoot:      t.TempDir(),
		Logger:        logger,
	}, &logs
}

func TestRunner_Argv(t *testing.T) {
	r := &Runner{Args: []string{"start", "--headless"}, CandidateFlag: "--node-id", MaxTasksFlag: "--max-tasks"}
	if got := r.Argv("42"); !reflect.DeepEqual(got, []string{"start", "--headless", "--node-id", "42"}) {
		t.Fatalf("argv=%v", got)
	}
	r.SingleAttempt = true
	if got := r.Argv("42"); !reflect.DeepEqual(got, []string{"start", "--headless", "--node-id", "42", "--max-tasks", "1"}) {
		t.Fatalf("argv=%v", got)
	}
	r = &Runner{}
	if got := r.Argv("42"); !reflect.DeepEqual(got, []string{"42"}) {
		t.Fatalf("positional argv=%v", got)
	}
}

func TestRunner_SuccessThenCleanExit(t *testing.T) {
	requireShell(t)
	bin := writeWorker(t, `
echo "Step 1 of 4: Fetching task..."
sleep 0.05
echo "Step 4 of 4: Proof submitted successfully for task 7"
sleep 0.05
exit 0`)
	r, _ := newTestRunner(t, bin)
	rec, err := r.Run(context.Background(), 1, "5880437")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Outcome.Kind != KindSuccess || rec.Exit.Code != 0 || rec.Escalated || rec.Terminations != 0 {
		t.Fatalf("record=%+v", rec)
	}
	if rec.Summary.TimedOut || rec.Summary.ForcedAfterSuccess {
		t.Fatalf("summary=%+v", rec.Summary)
	}
	b, err := os.ReadFile(rec.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(b), "Proof submitted successfully") {
		t.Fatalf("output file=%q", b)
	}
	if !strings.Contains(rec.OutputPath, filepath.Join("attempts", "01-5880437")) {
		t.Fatalf("output path=%s", rec.OutputPath)
	}
	if len(rec.Tail) != 2 || rec.OutputBLAKE3 == "" || rec.OutputBytes == 0 {
		t.Fatalf("tail=%q digest=%q bytes=%d", rec.Tail, rec.OutputBLAKE3, rec.OutputBytes)
	}
}

func TestRunner_SuccessWithNonZeroExitIsSuccess(t *testing.T) {
	requireShell(t)
	bin := writeWorker(t, `echo "Step 4 of 4: Proof submitted successfully"; sleep 0.05; exit 1`)
	r, _ := newTestRunner(t, bin)
	rec, err := r.Run(context.Background(), 1, "X")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Outcome.Kind != KindSuccess || rec.Exit.Code != 1 {
		t.Fatalf("outcome=%s exit=%+v", rec.Outcome, rec.Exit)
	}
}

func TestRunner_MarkerWithoutNewlineAtExit(t *testing.T) {
	requireShell(t)
	bin := writeWorker(t, `printf "Step 4 of 4: Proof submitted successfully"; exit 0`)
	r, _ := newTestRunner(t, bin)
	rec, err := r.Run(context.Background(), 1, "X")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Outcome.Kind != KindSuccess {
		t.Fatalf("outcome=%s", rec.Outcome)
	}
}

func TestRunner_GraceExpiryForcesShutdownButKeepsSuccess(t *testing.T) {
	requireShell(t)
	bin := writeWorker(t, `trap '' TERM
echo "Step 4 of 4: Proof submitted successfully"
while :; do sleep 0.05; done`)
	r, logs := newTestRunner(t, bin)
	rec, err := r.Run(context.Background(), 1, "X")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Outcome.Kind != KindSuccess {
		t.Fatalf("outcome=%s", rec.Outcome)
	}
	if !rec.Summary.ForcedAfterSuccess || !rec.Escalated || rec.Exit.Kind != supervisor.ExitForcedKill {
		t.Fatalf("summary=%+v escalated=%v exit=%+v", rec.Summary, rec.Escalated, rec.Exit)
	}
	if rec.Terminations != 1 || rec.Kills != 1 {
		t.Fatalf("terminations=%d kills=%d, want one of each", rec.Terminations, rec.Kills)
	}
	if procutil.PIDAlive(rec.PID) {
		t.Fatalf("worker pid %d still alive", rec.PID)
	}
	if !strings.Contains(logs.String(), "ignored SIGTERM") {
		t.Fatalf("expected escalation log line, got:\n%s", logs.String())
	}
}

func TestRunner_NoMarkerTimesOut(t *testing.T) {
	requireShell(t)
	bin := writeWorker(t, `echo "Step 1 of 4: Waiting - ready for next task"; exec sleep 30`)
	r, _ := newTestRunner(t, bin)
	start := time.Now()
	rec, err := r.Run(context.Background(), 1, "X")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Outcome.Kind != KindTimeout || !rec.Summary.TimedOut {
		t.Fatalf("outcome=%s summary=%+v", rec.Outcome, rec.Summary)
	}
	if rec.Exit.Kind != supervisor.ExitGracefulStop || rec.Escalated {
		t.Fatalf("sleep honours SIGTERM; exit=%+v escalated=%v", rec.Exit, rec.Escalated)
	}
	if rec.Terminations != 1 || rec.Kills != 0 {
		t.Fatalf("terminations=%d kills=%d, want exactly one SIGTERM and no SIGKILL", rec.Terminations, rec.Kills)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("timeout path took too long: %s", time.Since(start))
	}
	if procutil.PIDAlive(rec.PID) {
		t.Fatalf("worker pid %d still alive", rec.PID)
	}
}

// stalledWriter models an echo target nobody reads (a paused pager or a full
// pipe).
type stalledWriter struct{ release chan struct{} }

func (w stalledWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func TestRunner_StalledEchoStillTimesOut(t *testing.T) {
	requireShell(t)
	bin := writeWorker(t, `echo hello; exec sleep 30`)
	r, _ := newTestRunner(t, bin)
	echo := stalledWriter{release: make(chan struct{})}
	defer close(echo.release)
	r.Echo = echo

	type result struct {
		rec Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := r.Run(context.Background(), 1, "X")
		done <- result{rec, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Run: %v", res.err)
		}
		if res.rec.Outcome.Kind != KindTimeout || res.rec.Terminations != 1 {
			t.Fatalf("outcome=%s terminations=%d", res.rec.Outcome, res.rec.Terminations)
		}
		if res.rec.OutputBytes != len("hello\n") {
			t.Fatalf("captured %d bytes", res.rec.OutputBytes)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("attempt did not conclude while its echo target was stalled")
	}
}

func TestRunner_RateLimited(t *testing.T) {
	requireShell(t)
	bin := writeWorker(t, `echo "Error: Rate limited - retry after 60s" 1>&2; exit 1`)
	r, _ := newTestRunner(t, bin)
	rec, err := r.Run(context.Background(), 1, "X")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Outcome.Kind != KindRateLimited {
		t.Fatalf("outcome=%s", rec.Outcome)
	}
}

func TestRunner_CrashAndUnknown(t *testing.T) {
	requireShell(t)
	r, _ := newTestRunner(t, writeWorker(t, `echo "panicked at src/main.rs"; exit 101`))
	rec, err := r.Run(context.Background(), 1, "X")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Outcome.String() != "crashed(101)" {
		t.Fatalf("outcome=%s", rec.Outcome)
	}

	r, _ = newTestRunner(t, writeWorker(t, `echo "nothing to do"; exit 0`))
	rec, err = r.Run(context.Background(), 2, "Y")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Outcome.String() != "unknown(0)" {
		t.Fatalf("outcome=%s", rec.Outcome)
	}
}

func TestRunner_InterruptTerminatesWorker(t *testing.T) {
	requireShell(t)
	bin := writeWorker(t, `exec sleep 30`)
	r, _ := newTestRunner(t, bin)
	r.Limits = timeout.Limits{PrimaryTicks: 10_000, GraceTicks: 10}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	rec, err := r.Run(ctx, 1, "X")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !rec.Summary.Interrupted || rec.Outcome.Kind != KindUnknown {
		t.Fatalf("summary=%+v outcome=%s", rec.Summary, rec.Outcome)
	}
	if procutil.PIDAlive(rec.PID) {
		t.Fatalf("worker pid %d survived interrupt", rec.PID)
	}
}

func TestRunner_BinaryNotFound(t *testing.T) {
	r, _ := newTestRunner(t, filepath.Join(t.TempDir(), "missing"))
	_, err := r.Run(context.Background(), 1, "X")
	if !errors.Is(err, supervisor.ErrBinaryNotFound) {
		t.Fatalf("expected ErrBinaryNotFound, got %v", err)
	}
}

func TestPathSafe(t *testing.T) {
	if got := pathSafe("node/../1 2"); got != "node_.._1_2" {
		t.Fatalf("pathSafe=%q", got)
	}
	if got := pathSafe(""); got != "_" {
		t.Fatalf("pathSafe(empty)=%q", got)
	}
}
