// Package timeout implements the staged attempt timer: a primary window for
// the worker to reach its success marker, then a grace window for it to exit
// on its own before it is shut down.
package timeout

import (
	"fmt"

	"github.com/zrcxvs/nexus-cli/internal/itest/detect"
)

type Phase string

const (
	PhaseRunning      Phase = "running"
	PhaseSuccessGrace Phase = "success_grace"
	PhaseEscalating   Phase = "escalating"
	PhaseConcluded    Phase = "concluded"
)

type Action int

const (
	// ActionWait: sleep one tick and observe again.
	ActionWait Action = iota
	// ActionTerminate: shut the worker down, then call Terminated.
	ActionTerminate
	// ActionConclude: the worker has exited; classify the attempt.
	ActionConclude
)

func (a Action) String() string {
	switch a {
	case ActionWait:
		return "wait"
	case ActionTerminate:
		return "terminate"
	case ActionConclude:
		return "conclude"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Limits are expressed in ticks (one tick is one time unit of the poll loop).
type Limits struct {
	PrimaryTicks int
	GraceTicks   int
}

// DefaultLimits is the reference cadence: 60 units to reach the marker, 30 to
// exit after it.
var DefaultLimits = Limits{PrimaryTicks: 60, GraceTicks: 30}

// Observation is what the poll loop saw in one tick. Alive must be sampled
// before the output is scanned.
type Observation struct {
	Alive  bool
	Marker detect.Marker
}

// Summary is the machine's account of an attempt, consumed by outcome
// classification.
type Summary struct {
	Phase           Phase `json:"phase"`
	SuccessSeen     bool  `json:"success_seen"`
	RateLimitedSeen bool  `json:"rate_limited_seen"`
	TimedOut        bool  `json:"timed_out"`
	// ForcedAfterSuccess: the grace window ran out and the worker was shut
	// down after its success marker.
	ForcedAfterSuccess bool `json:"forced_after_success"`
	Interrupted        bool `json:"interrupted"`
	Ticks              int  `json:"ticks"`
	GraceTicks         int  `json:"grace_ticks"`
}

// Machine is not safe for concurrent use; it is driven by a single poll loop.
type Machine struct {
	limits Limits
	s      Summary
}

func New(l Limits) *Machine {
	if l.PrimaryTicks <= 0 {
		l.PrimaryTicks = DefaultLimits.PrimaryTicks
	}
	if l.GraceTicks < 0 {
		l.GraceTicks = 0
	}
	return &Machine{limits: l, s: Summary{Phase: PhaseRunning}}
}

func (m *Machine) Phase() Phase { return m.s.Phase }

func (m *Machine) Summary() Summary { return m.s }

// Step advances the machine by one observation.
func (m *Machine) Step(obs Observation) Action {
	switch obs.Marker {
	case detect.MarkerSuccess:
		m.s.SuccessSeen = true
	case detect.MarkerRateLimited:
		m.s.RateLimitedSeen = true
	}

	switch m.s.Phase {
	case PhaseConcluded:
		return ActionConclude
	case PhaseEscalating:
		return ActionTerminate
	}

	if !obs.Alive {
		m.s.Phase = PhaseConcluded
		return ActionConclude
	}

	switch m.s.Phase {
	case PhaseRunning:
		if m.s.SuccessSeen {
			m.s.Phase = PhaseSuccessGrace
			return m.stepGrace()
		}
		if m.s.Ticks >= m.limits.PrimaryTicks {
			m.s.Phase = PhaseEscalating
			m.s.TimedOut = true
			return ActionTerminate
		}
		m.s.Ticks++
		return ActionWait
	case PhaseSuccessGrace:
		return m.stepGrace()
	}
	return ActionWait
}

func (m *Machine) stepGrace() Action {
	if m.s.GraceTicks >= m.limits.GraceTicks {
		m.s.Phase = PhaseEscalating
		m.s.ForcedAfterSuccess = true
		return ActionTerminate
	}
	m.s.GraceTicks++
	return ActionWait
}

// Interrupt moves a live attempt to escalation because the operator aborted
// the run. It reports whether the worker must be terminated.
func (m *Machine) Interrupt() bool {
	if m.s.Phase == PhaseConcluded {
		return false
	}
	m.s.Interrupted = true
	m.s.Phase = PhaseEscalating
	return true
}

// Terminated records that the worker has been shut down and reaped.
func (m *Machine) Terminated() {
	m.s.Phase = PhaseConcluded
}
