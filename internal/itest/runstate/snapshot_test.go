package runstate

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/zrcxvs/nexus-cli/internal/itest/progress"
	"github.com/zrcxvs/nexus-cli/internal/itest/runtime"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadSnapshot_FinalIsAuthoritative(t *testing.T) {
	root := t.TempDir()
	fo := &runtime.FinalOutcome{
		Timestamp:     time.Now().UTC(),
		Status:        runtime.FinalFail,
		RunID:         "01RUN",
		FailureReason: "all 2 candidate(s) exhausted without success",
		Attempts: []runtime.AttemptSummary{
			{Index: 1, Candidate: "X", Outcome: "rate_limited"},
			{Index: 2, Candidate: "Y", Outcome: "timeout"},
		},
	}
	if err := fo.Save(filepath.Join(root, FinalFileName)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	writeFile(t, filepath.Join(root, progress.LiveFileName), `{"event":"attempt_progress","candidate":"Z","attempt":9}`)

	s, err := LoadSnapshot(root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateFail || s.RunID != "01RUN" || !s.Terminal() {
		t.Fatalf("snapshot=%+v", s)
	}
	if s.Candidate != "Y" || s.Attempt != 2 || len(s.Attempts) != 2 || s.LastEvent != "" {
		t.Fatalf("live feed must not override final.json: %+v", s)
	}
	if s.FailureReason == "" {
		t.Fatalf("expected failure reason")
	}
}

func TestLoadSnapshot_RunningFromLiveAndPID(t *testing.T) {
	root := t.TempDir()
	if err := WritePIDFile(root); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	writeFile(t, filepath.Join(root, progress.LiveFileName),
		`{"ts":"2026-01-02T03:04:05.5Z","run_id":"01LIVE","event":"attempt_started","attempt":1,"candidate":"5880437"}`)

	s, err := LoadSnapshot(root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.State != StateRunning || s.PID != os.Getpid() || !s.PIDAlive {
		t.Fatalf("snapshot=%+v", s)
	}
	if s.RunID != "01LIVE" || s.LastEvent != "attempt_started" || s.Candidate != "5880437" || s.Attempt != 1 {
		t.Fatalf("snapshot=%+v", s)
	}
	if s.LastEventAt.IsZero() {
		t.Fatalf("expected event time")
	}
}

func TestLoadSnapshot_FallsBackToProgressLog(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, progress.FileName),
		"{\"event\":\"attempt_started\",\"attempt\":1}\n{\"event\":\"attempt_concluded\",\"attempt\":1,\"candidate\":\"X\"}\n\n")
	s, err := LoadSnapshot(root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.LastEvent != "attempt_concluded" || s.Candidate != "X" || s.State != StateUnknown {
		t.Fatalf("snapshot=%+v", s)
	}
}

func TestLoadSnapshot_DeadPIDIsUnknown(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("requires true: %v", err)
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, PIDFileName), strconv.Itoa(cmd.Process.Pid))
	s, err := LoadSnapshot(root)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.PIDAlive || s.State != StateUnknown {
		t.Fatalf("snapshot=%+v", s)
	}
}

func TestLoadSnapshot_Errors(t *testing.T) {
	if _, err := LoadSnapshot("  "); err == nil {
		t.Fatalf("expected error for empty logs root")
	}
	if _, err := LoadSnapshot(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing logs root")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, PIDFileName), "not-a-pid")
	if _, err := LoadSnapshot(root); err == nil {
		t.Fatalf("expected error for invalid pid file")
	}
}
