package attempt

import (
	"fmt"

	"github.com/zrcxvs/nexus-cli/internal/itest/supervisor"
	"github.com/zrcxvs/nexus-cli/internal/itest/timeout"
)

type Kind string

const (
	KindSuccess     Kind = "success"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindCrashed     Kind = "crashed"
	KindUnknown     Kind = "unknown"
)

// Outcome is the classified result of one attempt. ExitCode is meaningful for
// crashed and unknown outcomes.
type Outcome struct {
	Kind     Kind `json:"kind"`
	ExitCode int  `json:"exit_code"`
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindCrashed, KindUnknown:
		return fmt.Sprintf("%s(%d)", o.Kind, o.ExitCode)
	default:
		return string(o.Kind)
	}
}

func (o Outcome) IsSuccess() bool { return o.Kind == KindSuccess }

// Classify derives the outcome from how the worker exited and what the
// timeout machine observed. Precedence: success marker, then rate-limit
// marker, then timeout, then the exit code. A detected success is never
// demoted by the exit code or by a forced shutdown during the grace window.
func Classify(exit supervisor.Exit, s timeout.Summary) Outcome {
	switch {
	case s.SuccessSeen:
		return Outcome{Kind: KindSuccess, ExitCode: exit.Code}
	case s.RateLimitedSeen:
		return Outcome{Kind: KindRateLimited, ExitCode: exit.Code}
	case s.TimedOut:
		return Outcome{Kind: KindTimeout, ExitCode: exit.Code}
	case s.Interrupted:
		return Outcome{Kind: KindUnknown, ExitCode: exit.Code}
	case exit.Code != 0:
		return Outcome{Kind: KindCrashed, ExitCode: exit.Code}
	default:
		return Outcome{Kind: KindUnknown, ExitCode: exit.Code}
	}
}
