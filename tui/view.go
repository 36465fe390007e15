package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	pendingStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
		Bold(true)

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	var active, ok, failed, pending int
	for _, r := range m.runs {
		switch r.Status {
		case domain.RunRunning:
			active++
		case domain.RunOK:
			ok++
		case domain.RunFailed:
			failed++
		default:
			pending++
		}
	}

	header := fmt.Sprintf(" Research Orchestrator │ Batch: %s │ Active: %d │ OK: %d │ Failed: %d │ Pending: %d ",
		shortID(m.batchID), active, ok, failed, pending)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRuns()))
	b.WriteString("\n")

	status := " q: quit │ j/k: navigate │ r: refresh "
	if m.done {
		status = " batch finished │ q: quit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(status))

	return b.String()
}

func (m Model) renderRuns() string {
	if len(m.runs) == 0 {
		return "No queries"
	}

	var b strings.Builder
	for i, r := range m.runs {
		line := m.runLine(r)

		style := styleFor(r.Status)
		if i == m.selectedRow {
			style = style.Inherit(selectedStyle)
			line = "> " + line
		} else {
			line = "  " + line
		}

		b.WriteString(style.Render(line))
		if i < len(m.runs)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m Model) runLine(r domain.RunState) string {
	question := r.Question
	maxQ := m.width - 50
	if maxQ < 20 {
		maxQ = 20
	}
	if len(question) > maxQ {
		question = question[:maxQ-3] + "..."
	}

	line := fmt.Sprintf("[%d] %-8s %s", r.Index, r.Status, question)

	if r.Status == domain.RunRunning || r.Status.Terminal() {
		line += fmt.Sprintf(" (%d searches, %d pages, %s)",
			r.Searches, r.PagesOpened, r.Elapsed().Round(time.Second))
	}
	if r.Status == domain.RunRunning && r.LastAction != "" {
		line += " " + r.LastAction
	}

	return line
}

func styleFor(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.RunRunning:
		return runningStyle
	case domain.RunOK:
		return okStyle
	case domain.RunFailed:
		return failedStyle
	default:
		return pendingStyle
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
