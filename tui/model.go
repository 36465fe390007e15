package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
)

// Snapshot is the data the dashboard renders on each refresh
type Snapshot struct {
	BatchID string
	Runs    []domain.RunState
	Done    bool
}

// SnapshotFunc supplies the current batch state
type SnapshotFunc func() Snapshot

// Model is the TUI application model
type Model struct {
	snapshot SnapshotFunc

	// Data
	batchID string
	runs    []domain.RunState
	done    bool

	// UI state
	width       int
	height      int
	selectedRow int

	lastRefresh time.Time
}

// NewModel creates a new TUI model
func NewModel(snapshot SnapshotFunc) Model {
	m := Model{snapshot: snapshot}
	if snapshot != nil {
		m.apply(snapshot())
	}
	return m
}

func (m *Model) apply(s Snapshot) {
	m.batchID = s.BatchID
	m.runs = s.Runs
	m.done = s.Done
	m.lastRefresh = time.Now()
	if m.selectedRow >= len(m.runs) && len(m.runs) > 0 {
		m.selectedRow = len(m.runs) - 1
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
