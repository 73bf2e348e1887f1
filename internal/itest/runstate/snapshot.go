// Package runstate summarizes a run directory for status and stop.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zrcxvs/nexus-cli/internal/itest/procutil"
	"github.com/zrcxvs/nexus-cli/internal/itest/progress"
	"github.com/zrcxvs/nexus-cli/internal/itest/runtime"
)

const (
	FinalFileName = "final.json"
	PIDFileName   = "run.pid"
)

type State string

const (
	StateRunning State = "running"
	StatePass    State = "pass"
	StateFail    State = "fail"
	StateUnknown State = "unknown"
)

type Snapshot struct {
	LogsRoot      string                   `json:"logs_root"`
	RunID         string                   `json:"run_id,omitempty"`
	State         State                    `json:"state"`
	PID           int                      `json:"pid,omitempty"`
	PIDAlive      bool                     `json:"pid_alive"`
	LastEvent     string                   `json:"last_event,omitempty"`
	LastEventAt   time.Time                `json:"last_event_at,omitzero"`
	Candidate     string                   `json:"candidate,omitempty"`
	Attempt       int                      `json:"attempt,omitempty"`
	FailureReason string                   `json:"failure_reason,omitempty"`
	Attempts      []runtime.AttemptSummary `json:"attempts,omitempty"`
}

// Terminal reports whether final.json recorded a verdict.
func (s *Snapshot) Terminal() bool {
	return s.State == StatePass || s.State == StateFail
}

// LoadSnapshot reads run artifacts in logsRoot and returns a compact run snapshot.
func LoadSnapshot(logsRoot string) (*Snapshot, error) {
	root := strings.TrimSpace(logsRoot)
	if root == "" {
		return nil, fmt.Errorf("logs root is required")
	}
	if st, err := os.Stat(root); err != nil {
		return nil, err
	} else if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	s := &Snapshot{LogsRoot: root, State: StateUnknown}
	if err := applyFinalOutcome(s); err != nil {
		return nil, err
	}
	terminal := s.Terminal()

	// final.json is authoritative once present; the event feed only fills in
	// activity for runs still in flight.
	if !terminal {
		if err := applyLiveOrProgress(s); err != nil {
			return nil, err
		}
	}
	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if s.State == StateUnknown && s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

func applyFinalOutcome(s *Snapshot) error {
	fo, err := runtime.LoadFinalOutcome(filepath.Join(s.LogsRoot, FinalFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if rid := strings.TrimSpace(fo.RunID); rid != "" {
		s.RunID = rid
	}
	s.Attempts = fo.Attempts
	switch runtime.FinalStatus(strings.ToLower(strings.TrimSpace(string(fo.Status)))) {
	case runtime.FinalPass:
		s.State = StatePass
	case runtime.FinalFail:
		s.State = StateFail
		s.FailureReason = strings.TrimSpace(fo.FailureReason)
	}
	if n := len(fo.Attempts); n > 0 {
		s.Attempt = fo.Attempts[n-1].Index
		s.Candidate = fo.Attempts[n-1].Candidate
	}
	return nil
}

func applyLiveOrProgress(s *Snapshot) error {
	live, found, err := readLiveEvent(filepath.Join(s.LogsRoot, progress.LiveFileName))
	if err != nil {
		return err
	}
	if !found {
		live, found, err = readLastProgressEvent(filepath.Join(s.LogsRoot, progress.FileName))
		if err != nil {
			return err
		}
	}
	if !found {
		return nil
	}

	if rid := eventString(live["run_id"]); rid != "" && s.RunID == "" {
		s.RunID = rid
	}
	s.LastEvent = eventString(live["event"])
	s.Candidate = eventString(live["candidate"])
	if n, err := strconv.Atoi(eventString(live["attempt"])); err == nil {
		s.Attempt = n
	}
	if ts := parseEventTime(live["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	if reason := eventString(live["failure_reason"]); reason != "" {
		s.FailureReason = reason
	}
	return nil
}

func applyPIDFile(s *Snapshot, terminalState bool) error {
	path := filepath.Join(s.LogsRoot, PIDFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminalState {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = procutil.PIDAlive(pid)
	return nil
}

func readLiveEvent(path string) (map[string]any, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var ev map[string]any
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func readLastProgressEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return time.Time{}
}

// WritePIDFile records the current process as the run owner.
func WritePIDFile(logsRoot string) error {
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(logsRoot, PIDFileName), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
