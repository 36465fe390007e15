package domain

import "time"

// Params is the shared configuration snapshot applied to every query in a
// batch. It is built once at submission time and never mutated.
type Params struct {
	Period              TimePeriod    `json:"period"`
	Year                int           `json:"year"`
	Model               string        `json:"model,omitempty"`
	Timeout             time.Duration `json:"timeout"`
	MaxSources          int           `json:"max_sources"`
	RejectCommandEvents bool          `json:"reject_command_events"`
}

// Usage holds token accounting reported by the agent's final result event
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Telemetry accumulates over a run's full event stream. It is built once
// per run and immutable after the run resolves.
type Telemetry struct {
	SearchTrace   []string `json:"search_trace,omitempty"`
	Usage         *Usage   `json:"usage,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	CommandEvents []string `json:"command_events,omitempty"`
}

// ResearchResult is the structured answer the agent writes to the final
// output artifact. Sources are re-validated by the caller regardless of
// what the agent emitted.
type ResearchResult struct {
	Answer     string   `json:"answer"`
	AsOf       string   `json:"as_of"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// RunOutcome is the complete result of one query, produced exactly once
type RunOutcome struct {
	OK         bool            `json:"ok"`
	Reason     string          `json:"reason,omitempty"`
	Hint       string          `json:"hint,omitempty"`
	Text       string          `json:"text"`
	Result     *ResearchResult `json:"result,omitempty"`
	Telemetry  Telemetry       `json:"telemetry"`
	ExitCode   int             `json:"exit_code"`
	Stderr     string          `json:"stderr,omitempty"`
	StdoutTail []string        `json:"stdout_tail,omitempty"`
	RawPrefix  string          `json:"raw_prefix,omitempty"`
	Elapsed    time.Duration   `json:"elapsed"`
}

// RunState is the per-query mutable record tracked by the batch
// orchestrator for the lifetime of a batch. Each slot is written only by
// its own run's callback chain.
type RunState struct {
	Index       int        `json:"index"`
	Question    string     `json:"question"`
	Status      RunStatus  `json:"status"`
	Searches    int        `json:"searches"`
	PagesOpened int        `json:"pages_opened"`
	LastAction  string     `json:"last_action,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Elapsed returns how long the run has been going, or took
func (s *RunState) Elapsed() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.FinishedAt != nil {
		return s.FinishedAt.Sub(*s.StartedAt)
	}
	return time.Since(*s.StartedAt)
}

// BatchSummary is the aggregate counters block of a batch outcome
type BatchSummary struct {
	Total          int     `json:"total"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Parallelism    int     `json:"parallelism"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// BatchOutcome aggregates every run's outcome and final state snapshot.
// Entries are positionally ordered by original submission index.
type BatchOutcome struct {
	ID             string        `json:"id"`
	OK             bool          `json:"ok"`
	Reason         string        `json:"reason,omitempty"`
	PartialFailure bool          `json:"partial_failure"`
	Text           string        `json:"text"`
	Summary        BatchSummary  `json:"summary"`
	Runs           []RunState    `json:"runs"`
	Outcomes       []*RunOutcome `json:"outcomes"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}
