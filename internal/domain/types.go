package domain

// RunStatus represents the lifecycle state of a single research run
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunOK      RunStatus = "ok"
	RunFailed  RunStatus = "failed"
)

// Terminal reports whether the status can no longer move forward
func (s RunStatus) Terminal() bool {
	return s == RunOK || s == RunFailed
}

// Failure reason codes attached to run and batch outcomes
const (
	ReasonMissingQuestion = "missing_question"
	ReasonTimeout         = "timeout"
	ReasonAborted         = "aborted"
	ReasonNonZeroExit     = "non_zero_exit"
	ReasonNoFinalOutput   = "no_final_output"
	ReasonInvalidOutput   = "invalid_structured_output"
	ReasonCommandEvents   = "command_events_detected"
	ReasonSpawnFailure    = "spawn_failure"
	ReasonRunnerException = "runner_exception"
	ReasonNotStartedAbort = "not_started_due_abort"
	ReasonAllFailed       = "all_failed"
)

// TimePeriod is a coarse hint for framing the research question in time
type TimePeriod string

const (
	PeriodEarly TimePeriod = "early"
	PeriodMid   TimePeriod = "mid"
	PeriodLate  TimePeriod = "late"
)

// ParsePeriod returns the period for s, defaulting to early
func ParsePeriod(s string) TimePeriod {
	switch TimePeriod(s) {
	case PeriodMid:
		return PeriodMid
	case PeriodLate:
		return PeriodLate
	default:
		return PeriodEarly
	}
}
