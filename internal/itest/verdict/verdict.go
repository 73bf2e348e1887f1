// Package verdict loops attempts over the candidate pool and reduces them to
// a single pass/fail verdict.
package verdict

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zrcxvs/nexus-cli/internal/itest/attempt"
	"github.com/zrcxvs/nexus-cli/internal/itest/candidate"
	"github.com/zrcxvs/nexus-cli/internal/itest/progress"
	"github.com/zrcxvs/nexus-cli/internal/itest/runtime"
)

type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// Verdict carries every attempted candidate's outcome in trial order.
type Verdict struct {
	RunID           string
	Status          Status
	CandidateSource candidate.Source
	FailureReason   string
	Attempts        []attempt.Record
}

// ExitCode maps the verdict to the orchestrator's process exit status.
func (v Verdict) ExitCode() int {
	if v.Status == StatusPass {
		return 0
	}
	return 1
}

// Winner returns the successful attempt, if any.
func (v Verdict) Winner() (attempt.Record, bool) {
	for _, a := range v.Attempts {
		if a.Outcome.IsSuccess() {
			return a, true
		}
	}
	return attempt.Record{}, false
}

// AttemptRunner is satisfied by *attempt.Runner.
type AttemptRunner interface {
	Run(ctx context.Context, index int, candidate string) (attempt.Record, error)
}

type Aggregator struct {
	RunID           string
	Runner          AttemptRunner
	CandidateSource candidate.Source
	// SingleAttempt marks runs where each candidate gets one unit of work;
	// rate limiting is then an expected rotation signal.
	SingleAttempt bool
	Logger        *log.Logger
	Events        *progress.Log
}

// Run tries candidates in selector order until one succeeds. Per-attempt
// failures rotate to the next candidate. A returned error means the run was
// cut short (spawn failure or cancellation); the verdict is still filled in
// and is never a pass unless an attempt already succeeded.
func (a *Aggregator) Run(ctx context.Context, sel *candidate.Selector) (Verdict, error) {
	v := Verdict{RunID: a.RunID, Status: StatusFail, CandidateSource: a.CandidateSource}
	if sel == nil || sel.Len() == 0 {
		v.FailureReason = candidate.ErrNoCandidatesConfigured.Error()
		return v, candidate.ErrNoCandidatesConfigured
	}
	total := sel.Len()
	a.logf("trying %d candidate(s) in order %v", total, sel.Order())
	for index := 1; ; index++ {
		cand, ok := sel.Next()
		if !ok {
			break
		}
		a.logf("[%d/%d] candidate %s", index, total, cand)
		rec, err := a.Runner.Run(ctx, index, cand)
		if err != nil && rec.PID == 0 {
			// Nothing was spawned; the attempt has no outcome to record.
			v.FailureReason = err.Error()
			a.finish(&v)
			return v, err
		}
		v.Attempts = append(v.Attempts, rec)
		if rec.Outcome.IsSuccess() {
			v.Status = StatusPass
			v.FailureReason = ""
			a.finish(&v)
			return v, nil
		}
		if err != nil {
			v.FailureReason = fmt.Sprintf("interrupted during candidate %s: %v", cand, err)
			a.finish(&v)
			return v, err
		}
		a.noteRotation(rec, sel.Remaining())
	}
	v.FailureReason = fmt.Sprintf("all %d candidate(s) exhausted without success", total)
	a.finish(&v)
	return v, nil
}

func (a *Aggregator) noteRotation(rec attempt.Record, remaining int) {
	switch rec.Outcome.Kind {
	case attempt.KindRateLimited:
		if a.SingleAttempt {
			a.logf("candidate %s rate limited (expected in single-attempt mode); rotating, %d left", rec.Candidate, remaining)
		} else {
			a.logf("WARNING: candidate %s rate limited; rotating, %d left", rec.Candidate, remaining)
		}
	case attempt.KindCrashed:
		a.logf("UNEXPECTED: worker crashed for candidate %s with exit code %d; rotating, %d left", rec.Candidate, rec.Outcome.ExitCode, remaining)
	default:
		a.logf("candidate %s finished with %s; rotating, %d left", rec.Candidate, rec.Outcome, remaining)
	}
}

func (a *Aggregator) finish(v *Verdict) {
	ev := map[string]any{
		"event":    "run_finished",
		"status":   string(v.Status),
		"attempts": len(v.Attempts),
	}
	if v.FailureReason != "" {
		ev["failure_reason"] = v.FailureReason
	}
	a.Events.Append(ev)
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

// FinalOutcome converts v into the persisted final.json document.
func (v Verdict) FinalOutcome() *runtime.FinalOutcome {
	status := runtime.FinalFail
	if v.Status == StatusPass {
		status = runtime.FinalPass
	}
	fo := &runtime.FinalOutcome{
		Timestamp:       time.Now().UTC(),
		Status:          status,
		RunID:           v.RunID,
		CandidateSource: string(v.CandidateSource),
		FailureReason:   v.FailureReason,
		Attempts:        make([]runtime.AttemptSummary, 0, len(v.Attempts)),
	}
	for _, r := range v.Attempts {
		fo.Attempts = append(fo.Attempts, runtime.AttemptSummary{
			ID:           r.ID,
			Index:        r.Index,
			Candidate:    r.Candidate,
			Outcome:      r.Outcome.String(),
			ExitCode:     r.Exit.Code,
			ExitKind:     string(r.Exit.Kind),
			Phase:        string(r.Summary.Phase),
			Escalated:    r.Escalated,
			StartedAt:    r.StartedAt,
			EndedAt:      r.EndedAt,
			OutputPath:   r.OutputPath,
			OutputBytes:  r.OutputBytes,
			OutputBLAKE3: r.OutputBLAKE3,
		})
	}
	return fo
}

// Failed builds a fail verdict for a run that never reached its first attempt.
func Failed(runID string, err error) Verdict {
	v := Verdict{RunID: runID, Status: StatusFail}
	if err != nil {
		v.FailureReason = err.Error()
	}
	return v
}

// IsInterrupt reports whether err came from operator cancellation.
func IsInterrupt(err error) bool {
	return errors.Is(err, context.Canceled)
}
