// Package detect finds success and rate-limit markers in captured worker output.
package detect

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

type Marker int

const (
	MarkerNone Marker = iota
	MarkerSuccess
	MarkerRateLimited
)

func (m Marker) String() string {
	switch m {
	case MarkerSuccess:
		return "success"
	case MarkerRateLimited:
		return "rate_limited"
	default:
		return "none"
	}
}

// Default markers emitted by the nexus-network prover CLI.
const (
	DefaultSuccessMarker     = "Step 4 of 4: Proof submitted successfully"
	DefaultRateLimitedMarker = "Rate limited"
)

// Detector inspects the whole accumulated output buffer. Implementations must
// report MarkerSuccess whenever a success marker is present, even if a
// rate-limit marker is present too.
type Detector interface {
	Scan(buf []byte) Marker
}

const (
	ModeSubstring = "substring"
	ModeRegexp    = "regexp"
)

// New builds a detector for mode ("" means substring).
func New(mode string, success, rateLimited []string) (Detector, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeSubstring:
		return NewSubstring(success, rateLimited), nil
	case ModeRegexp:
		return NewPattern(success, rateLimited)
	default:
		return nil, fmt.Errorf("unknown marker mode %q (want %s|%s)", mode, ModeSubstring, ModeRegexp)
	}
}

// Substring matches markers by plain containment. Matches are not anchored to
// line boundaries.
type Substring struct {
	success     [][]byte
	rateLimited [][]byte
}

func NewSubstring(success, rateLimited []string) *Substring {
	return &Substring{success: toBytes(success), rateLimited: toBytes(rateLimited)}
}

func (d *Substring) Scan(buf []byte) Marker {
	for _, m := range d.success {
		if bytes.Contains(buf, m) {
			return MarkerSuccess
		}
	}
	for _, m := range d.rateLimited {
		if bytes.Contains(buf, m) {
			return MarkerRateLimited
		}
	}
	return MarkerNone
}

// Pattern matches markers with regular expressions.
type Pattern struct {
	success     []*regexp.Regexp
	rateLimited []*regexp.Regexp
}

func NewPattern(success, rateLimited []string) (*Pattern, error) {
	s, err := compileAll(success)
	if err != nil {
		return nil, fmt.Errorf("success marker: %w", err)
	}
	r, err := compileAll(rateLimited)
	if err != nil {
		return nil, fmt.Errorf("rate_limited marker: %w", err)
	}
	return &Pattern{success: s, rateLimited: r}, nil
}

func (d *Pattern) Scan(buf []byte) Marker {
	for _, re := range d.success {
		if re.Match(buf) {
			return MarkerSuccess
		}
	}
	for _, re := range d.rateLimited {
		if re.Match(buf) {
			return MarkerRateLimited
		}
	}
	return MarkerNone
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		if strings.TrimSpace(e) == "" {
			continue
		}
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func toBytes(in []string) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, s := range in {
		// An empty marker would match every buffer.
		if s == "" {
			continue
		}
		out = append(out, []byte(s))
	}
	return out
}
