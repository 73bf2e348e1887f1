// Package attempt runs the worker once against one candidate and classifies
// what happened.
package attempt

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zrcxvs/nexus-cli/internal/itest/capture"
	"github.com/zrcxvs/nexus-cli/internal/itest/detect"
	"github.com/zrcxvs/nexus-cli/internal/itest/progress"
	"github.com/zrcxvs/nexus-cli/internal/itest/supervisor"
	"github.com/zrcxvs/nexus-cli/internal/itest/timeout"
)

const (
	DefaultTick          = time.Second
	DefaultProgressEvery = 10
	DefaultTailLines     = 20
)

// Record is everything known about one finished attempt.
type Record struct {
	ID           string          `json:"id"`
	Index        int             `json:"index"`
	Candidate    string          `json:"candidate"`
	Argv         []string        `json:"argv"`
	PID          int             `json:"pid"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
	Exit         supervisor.Exit `json:"exit"`
	Summary      timeout.Summary `json:"summary"`
	Outcome      Outcome         `json:"outcome"`
	Escalated    bool            `json:"escalated"`
	Terminations int             `json:"terminations"`
	Kills        int             `json:"kills"`
	OutputPath   string          `json:"output_path,omitempty"`
	OutputBytes  int             `json:"output_bytes"`
	OutputBLAKE3 string          `json:"output_blake3"`
	Tail         []string        `json:"tail,omitempty"`
}

func (r Record) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

type Runner struct {
	Supervisor *supervisor.Supervisor
	Detector   detect.Detector
	Limits     timeout.Limits
	// Tick is one time unit of the poll loop.
	Tick          time.Duration
	ProgressEvery int
	TailLines     int

	Binary        string
	Args          []string
	CandidateFlag string
	MaxTasksFlag  string
	SingleAttempt bool
	Env           []string
	Dir           string

	// LogsRoot receives attempts/<NN>-<candidate>/output.log; empty keeps
	// output in memory only.
	LogsRoot string
	Echo     io.Writer
	Logger   *log.Logger
	Events   *progress.Log
}

// Argv builds the worker arguments for candidate.
func (r *Runner) Argv(candidate string) []string {
	args := append([]string(nil), r.Args...)
	if r.CandidateFlag != "" {
		args = append(args, r.CandidateFlag, candidate)
	} else {
		args = append(args, candidate)
	}
	if r.SingleAttempt && r.MaxTasksFlag != "" {
		args = append(args, r.MaxTasksFlag, "1")
	}
	return args
}

// Run supervises one worker execution. A non-nil error means the attempt
// could not be carried out (spawn failure) or the context was cancelled; in
// the latter case the returned record is still complete and the worker has
// been shut down.
func (r *Runner) Run(ctx context.Context, index int, candidate string) (Record, error) {
	rec := Record{
		ID:        ulid.Make().String(),
		Index:     index,
		Candidate: candidate,
		Argv:      r.Argv(candidate),
		StartedAt: time.Now().UTC(),
	}
	if r.Detector == nil {
		return rec, fmt.Errorf("attempt runner has no detector")
	}
	if err := ctx.Err(); err != nil {
		return rec, err
	}

	if r.LogsRoot != "" {
		rec.OutputPath = filepath.Join(r.LogsRoot, "attempts", fmt.Sprintf("%02d-%s", index, pathSafe(candidate)), "output.log")
	}
	sink, err := capture.Open(rec.OutputPath, r.Echo)
	if err != nil {
		return rec, fmt.Errorf("open output capture: %w", err)
	}
	defer func() { _ = sink.Close() }()

	sv := r.Supervisor
	if sv == nil {
		sv = &supervisor.Supervisor{Logger: r.Logger}
	}
	proc, err := sv.Spawn(supervisor.Command{
		Path:   r.Binary,
		Args:   rec.Argv,
		Env:    r.Env,
		Dir:    r.Dir,
		Output: sink,
	})
	if err != nil {
		return rec, err
	}
	defer func() {
		if proc.Alive() {
			_ = proc.Terminate()
		}
	}()
	rec.PID = proc.PID()
	r.logf("attempt %d: candidate=%s pid=%d started: %s %s", index, candidate, rec.PID, r.Binary, strings.Join(rec.Argv, " "))
	r.Events.Append(map[string]any{
		"event":     "attempt_started",
		"attempt":   index,
		"candidate": candidate,
		"pid":       rec.PID,
	})

	m := timeout.New(r.Limits)
	interrupted := r.poll(ctx, proc, sink, m, &rec)

	rec.Exit = proc.Wait()
	rec.Summary = m.Summary()
	rec.Escalated = proc.Escalated()
	rec.Terminations = proc.Terminations()
	rec.Kills = proc.Kills()
	rec.Outcome = Classify(rec.Exit, rec.Summary)
	rec.EndedAt = time.Now().UTC()
	_ = sink.Close()
	rec.OutputBytes = sink.Len()
	rec.OutputBLAKE3 = sink.Digest()
	rec.Tail = sink.Tail(r.tailLines())
	if err := sink.Err(); err != nil {
		r.logf("attempt %d: output capture degraded: %v", index, err)
	}

	r.report(rec)
	return rec, interrupted
}

// poll drives the timeout machine until it concludes. Each tick: liveness,
// then a scan of a stable snapshot, then sleep.
func (r *Runner) poll(ctx context.Context, proc *supervisor.Process, sink *capture.Sink, m *timeout.Machine, rec *Record) error {
	tick := r.tick()
	every := r.progressEvery()
	var interrupted error
	var successLogged, rateLogged bool
	for n := 0; ; n++ {
		obs := timeout.Observation{Alive: proc.Alive()}
		obs.Marker = r.Detector.Scan(sink.Snapshot())
		switch {
		case obs.Marker == detect.MarkerSuccess && !successLogged:
			successLogged = true
			r.logf("attempt %d: success marker detected after %s", rec.Index, time.Since(rec.StartedAt).Round(time.Millisecond))
			r.Events.Append(map[string]any{"event": "success_marker_detected", "attempt": rec.Index, "candidate": rec.Candidate})
		case obs.Marker == detect.MarkerRateLimited && !rateLogged:
			rateLogged = true
			r.logf("attempt %d: rate-limit marker detected", rec.Index)
			r.Events.Append(map[string]any{"event": "rate_limit_marker_detected", "attempt": rec.Index, "candidate": rec.Candidate})
		}

		switch m.Step(obs) {
		case timeout.ActionConclude:
			return interrupted
		case timeout.ActionTerminate:
			r.logf("attempt %d: shutting down worker pid=%d (phase=%s)", rec.Index, proc.PID(), m.Phase())
			if err := proc.Terminate(); err != nil {
				r.logf("attempt %d: terminate: %v", rec.Index, err)
			}
			if proc.Escalated() {
				r.Events.Append(map[string]any{"event": "termination_escalated", "attempt": rec.Index, "candidate": rec.Candidate, "pid": proc.PID()})
			}
			m.Terminated()
			continue
		}

		if every > 0 && n > 0 && n%every == 0 {
			s := m.Summary()
			r.logf("attempt %d: candidate=%s phase=%s elapsed=%s output=%dB", rec.Index, rec.Candidate, s.Phase, time.Since(rec.StartedAt).Round(time.Second), sink.Len())
			r.Events.Append(map[string]any{
				"event":        "attempt_progress",
				"attempt":      rec.Index,
				"candidate":    rec.Candidate,
				"phase":        string(s.Phase),
				"ticks":        s.Ticks,
				"output_bytes": sink.Len(),
			})
		}

		timer := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			if m.Interrupt() {
				interrupted = ctx.Err()
				r.logf("attempt %d: interrupted: %v", rec.Index, ctx.Err())
			}
		case <-timer.C:
		}
	}
}

func (r *Runner) report(rec Record) {
	r.logf("attempt %d: candidate=%s outcome=%s exit=%d (%s) phase=%s duration=%s",
		rec.Index, rec.Candidate, rec.Outcome, rec.Exit.Code, rec.Exit.Kind, rec.Summary.Phase, rec.Duration().Round(time.Millisecond))
	if len(rec.Tail) > 0 && r.Logger != nil {
		r.Logger.Printf("---- last %d line(s) of output, candidate %s ----", len(rec.Tail), rec.Candidate)
		for _, line := range rec.Tail {
			r.Logger.Printf("| %s", line)
		}
	}
	r.Events.Append(map[string]any{
		"event":         "attempt_concluded",
		"attempt":       rec.Index,
		"candidate":     rec.Candidate,
		"outcome":       rec.Outcome.String(),
		"exit_code":     rec.Exit.Code,
		"exit_kind":     string(rec.Exit.Kind),
		"escalated":     rec.Escalated,
		"output_bytes":  rec.OutputBytes,
		"output_blake3": rec.OutputBLAKE3,
	})
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

func (r *Runner) tick() time.Duration {
	if r.Tick <= 0 {
		return DefaultTick
	}
	return r.Tick
}

func (r *Runner) progressEvery() int {
	if r.ProgressEvery < 0 {
		return 0
	}
	if r.ProgressEvery == 0 {
		return DefaultProgressEvery
	}
	return r.ProgressEvery
}

func (r *Runner) tailLines() int {
	if r.TailLines == 0 {
		return DefaultTailLines
	}
	if r.TailLines < 0 {
		return 0
	}
	return r.TailLines
}

func pathSafe(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
