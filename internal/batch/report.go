package batch

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
)

// render formats the live batch-wide status view
func (e *execution) render() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var running, ok, failed, pending int
	for i := range e.states {
		switch e.states[i].Status {
		case domain.RunRunning:
			running++
		case domain.RunOK:
			ok++
		case domain.RunFailed:
			failed++
		default:
			pending++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "research batch: %d running, %d ok, %d failed, %d pending\n",
		running, ok, failed, pending)
	for i := range e.states {
		b.WriteString(statusLine(&e.states[i], len(e.states)))
		b.WriteString("\n")
	}
	return b.String()
}

func statusLine(st *domain.RunState, total int) string {
	prefix := fmt.Sprintf("  [%d/%d]", st.Index+1, total)
	switch st.Status {
	case domain.RunPending:
		return fmt.Sprintf("%s pending: %s", prefix, shorten(st.Question, 60))
	case domain.RunRunning:
		return fmt.Sprintf("%s running (%s) %d searches, %d pages, last: %s",
			prefix, st.Elapsed().Round(time.Second), st.Searches, st.PagesOpened, st.LastAction)
	case domain.RunOK:
		return fmt.Sprintf("%s ok (%s) %d searches, %d pages",
			prefix, st.Elapsed().Round(time.Second), st.Searches, st.PagesOpened)
	default:
		return fmt.Sprintf("%s failed (%s)", prefix, st.Elapsed().Round(time.Second))
	}
}

// composeBatchReport renders the final human-readable report: one
// section per run in submission order, then the summary block
func composeBatchReport(outcome *domain.BatchOutcome) string {
	var b strings.Builder

	for i, out := range outcome.Outcomes {
		st := outcome.Runs[i]
		fmt.Fprintf(&b, "=== Query %d/%d: %s\n", i+1, outcome.Summary.Total, st.Question)
		if out.OK {
			b.WriteString(out.Text)
		} else {
			fmt.Fprintf(&b, "FAILED (%s): %s\n", out.Reason, out.Text)
			if out.Hint != "" {
				fmt.Fprintf(&b, "Hint: %s\n", out.Hint)
			}
		}
		b.WriteString("\n")
	}

	s := outcome.Summary
	fmt.Fprintf(&b, "Summary: %d/%d succeeded (%d failed), parallelism %d, elapsed %.0fs\n",
		s.Succeeded, s.Total, s.Failed, s.Parallelism, s.ElapsedSeconds)
	return b.String()
}

// shorten cuts s to at most max bytes, never splitting a rune
func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
