// Package candidate resolves the pool of node IDs a run may use and hands
// them out in a randomized order.
package candidate

import (
	"errors"
	"math/rand/v2"
	"strings"
)

var ErrNoCandidatesConfigured = errors.New("no candidates configured")

// BuiltinFallback is used when neither an environment list nor a forced
// candidate is supplied and configuration does not override the fallback.
var BuiltinFallback = []string{"5880437"}

type Source string

const (
	SourceEnv      Source = "env"
	SourceForced   Source = "forced"
	SourceFallback Source = "fallback"
)

// Pool holds the raw inputs in resolution order.
type Pool struct {
	EnvList  string   // comma-separated list from the environment
	Forced   string   // single explicitly requested candidate
	Fallback []string // used last; nil or empty means no fallback
}

// Resolve applies env list > forced > fallback. Blank entries are dropped and
// duplicates collapse to their first occurrence.
func Resolve(p Pool) ([]string, Source, error) {
	if list := normalize(strings.Split(p.EnvList, ",")); len(list) > 0 {
		return list, SourceEnv, nil
	}
	if f := strings.TrimSpace(p.Forced); f != "" {
		return []string{f}, SourceForced, nil
	}
	if list := normalize(p.Fallback); len(list) > 0 {
		return list, SourceFallback, nil
	}
	return nil, "", ErrNoCandidatesConfigured
}

func normalize(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Selector yields every candidate exactly once, in an order shuffled at
// construction time.
type Selector struct {
	order []string
	next  int
}

// NewSelector copies and shuffles cands. A nil rng uses the global source.
func NewSelector(cands []string, rng *rand.Rand) (*Selector, error) {
	order := normalize(cands)
	if len(order) == 0 {
		return nil, ErrNoCandidatesConfigured
	}
	swap := func(i, j int) { order[i], order[j] = order[j], order[i] }
	if rng != nil {
		rng.Shuffle(len(order), swap)
	} else {
		rand.Shuffle(len(order), swap)
	}
	return &Selector{order: order}, nil
}

// Next returns the next untried candidate.
func (s *Selector) Next() (string, bool) {
	if s.next >= len(s.order) {
		return "", false
	}
	c := s.order[s.next]
	s.next++
	return c, true
}

// Order returns the full iteration order.
func (s *Selector) Order() []string {
	return append([]string(nil), s.order...)
}

func (s *Selector) Len() int { return len(s.order) }

// Remaining is the number of candidates not yet handed out.
func (s *Selector) Remaining() int { return len(s.order) - s.next }
