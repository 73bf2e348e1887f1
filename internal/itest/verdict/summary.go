package verdict

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/zrcxvs/nexus-cli/internal/itest/attempt"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	passStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// WriteSummary prints one line per attempted candidate followed by the
// verdict. color selects styled output for terminals.
func WriteSummary(w io.Writer, v Verdict, color bool) {
	render := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, render(titleStyle, "Integration test summary"))
	if v.RunID != "" {
		fmt.Fprintln(w, render(dimStyle, "run "+v.RunID))
	}
	width := len("candidate")
	for _, a := range v.Attempts {
		if len(a.Candidate) > width {
			width = len(a.Candidate)
		}
	}
	if len(v.Attempts) == 0 {
		fmt.Fprintln(w, "  (no attempts)")
	}
	for _, a := range v.Attempts {
		outcome := a.Outcome.String()
		fmt.Fprintf(w, "  %2d. %-*s  %s  %s\n",
			a.Index, width, a.Candidate,
			render(outcomeStyle(a.Outcome.Kind), fmt.Sprintf("%-14s", outcome)),
			render(dimStyle, attemptDetail(a)))
	}
	if v.Status == StatusPass {
		fmt.Fprintln(w, render(passStyle, "VERDICT: PASS"))
		return
	}
	line := "VERDICT: FAIL"
	if reason := strings.TrimSpace(v.FailureReason); reason != "" {
		line += " (" + reason + ")"
	}
	fmt.Fprintln(w, render(failStyle, line))
}

func outcomeStyle(k attempt.Kind) lipgloss.Style {
	switch k {
	case attempt.KindSuccess:
		return successStyle
	case attempt.KindRateLimited, attempt.KindTimeout:
		return warnStyle
	default:
		return errorStyle
	}
}

func attemptDetail(a attempt.Record) string {
	parts := []string{
		fmt.Sprintf("exit=%d", a.Exit.Code),
		string(a.Exit.Kind),
		a.Duration().Round(100 * time.Millisecond).String(),
	}
	if a.Escalated {
		parts = append(parts, "escalated")
	}
	return strings.Join(parts, " ")
}
