package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/events"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/runner"
)

const (
	// MaxParallel bounds concurrent agent subprocesses regardless of the
	// requested worker count
	MaxParallel = 5

	defaultThrottle  = 2 * time.Second
	defaultHeartbeat = 15 * time.Second
)

// QueryRunner runs one research query to completion
type QueryRunner interface {
	Run(ctx context.Context, req runner.Request, onProgress runner.Progress) *domain.RunOutcome
}

// Orchestrator executes question lists with bounded parallelism and
// merges the per-run outcomes into one batch outcome whose entry order
// matches submission order regardless of completion order.
type Orchestrator struct {
	Runner QueryRunner
	Log    *logrus.Entry

	// Observer, if set, receives a state snapshot on every progress
	// update. Used by the TUI and the web dashboard.
	Observer func(runs []domain.RunState)

	// Zero values select the defaults; tests shorten them
	Throttle  time.Duration
	Heartbeat time.Duration
}

// Request is one batch invocation
type Request struct {
	Questions   []string
	Params      domain.Params
	Parallelism int
}

// FilterQuestions drops entries that are blank after trimming
func FilterQuestions(questions []string) []string {
	var out []string
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

// ClampParallelism bounds the requested worker count to
// [1, min(questions, MaxParallel)]
func ClampParallelism(requested, questions int) int {
	limit := MaxParallel
	if questions < limit {
		limit = questions
	}
	if requested < 1 {
		return 1
	}
	if requested > limit {
		return limit
	}
	return requested
}

// Execute runs the batch. The only error is the empty-question-list
// precondition; every per-run failure surfaces as a structured outcome.
// The sink, if non-nil, receives human-readable progress text.
func (o *Orchestrator) Execute(ctx context.Context, req Request, sink func(string)) (*domain.BatchOutcome, error) {
	questions := FilterQuestions(req.Questions)
	if len(questions) == 0 {
		return nil, fmt.Errorf("no non-blank questions to run")
	}

	n := len(questions)
	par := ClampParallelism(req.Parallelism, n)
	started := time.Now()

	e := &execution{
		orch:      o,
		questions: questions,
		params:    req.Params,
		states:    make([]domain.RunState, n),
		outcomes:  make([]*domain.RunOutcome, n),
		em:        newEmitter(sink, orDefault(o.Throttle, defaultThrottle)),
	}
	for i := range e.states {
		e.states[i] = domain.RunState{Index: i, Question: questions[i], Status: domain.RunPending}
	}

	log := o.log().WithFields(logrus.Fields{"questions": n, "parallelism": par})
	log.Info("starting research batch")

	if n == 1 {
		// Degenerate case: no pool, the single run's outcome carries
		if ctx.Err() == nil {
			e.runOne(ctx, 0)
		}
	} else {
		hbDone := make(chan struct{})
		hb := time.NewTicker(orDefault(o.Heartbeat, defaultHeartbeat))
		go func() {
			for {
				select {
				case <-hb.C:
					e.em.emit(e.render, true)
					e.notify()
				case <-hbDone:
					return
				}
			}
		}()

		// Shared cursor: each worker claims the next unclaimed index and
		// runs it to completion before claiming another. Cancellation is
		// observed before every claim.
		var cursor atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < par; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					if ctx.Err() != nil {
						return
					}
					idx := int(cursor.Add(1)) - 1
					if idx >= n {
						return
					}
					e.runOne(ctx, idx)
				}
			}()
		}
		wg.Wait()
		hb.Stop()
		close(hbDone)
	}

	return e.finish(started, par, log), nil
}

type execution struct {
	orch      *Orchestrator
	questions []string
	params    domain.Params
	em        *emitter

	// mu guards states and outcomes. Each slot still has a single
	// writer (its own run); the lock exists so renderers can snapshot
	// all slots while runs are in flight.
	mu       sync.Mutex
	states   []domain.RunState
	outcomes []*domain.RunOutcome
}

func (e *execution) runOne(ctx context.Context, i int) {
	now := time.Now()
	e.mu.Lock()
	e.states[i].Status = domain.RunRunning
	e.states[i].StartedAt = &now
	e.mu.Unlock()
	e.em.emit(e.render, true)
	e.notify()

	onProgress := func(c events.Counters, forced bool) {
		e.mu.Lock()
		st := &e.states[i]
		st.Searches = c.Searches
		st.PagesOpened = c.PagesOpened
		if c.LastAction != "" {
			st.LastAction = c.LastAction
		}
		e.mu.Unlock()
		e.em.emit(e.render, forced)
		e.notify()
	}

	out := e.runSafe(ctx, i, onProgress)

	fin := time.Now()
	e.mu.Lock()
	e.outcomes[i] = out
	st := &e.states[i]
	st.FinishedAt = &fin
	if out.OK {
		st.Status = domain.RunOK
	} else {
		st.Status = domain.RunFailed
	}
	e.mu.Unlock()
	e.em.emit(e.render, true)
	e.notify()
}

func (e *execution) notify() {
	if e.orch.Observer == nil {
		return
	}
	e.mu.Lock()
	snap := append([]domain.RunState(nil), e.states...)
	e.mu.Unlock()
	e.orch.Observer(snap)
}

// runSafe converts a panicking runner into a structured failure so one
// run's defect never aborts sibling runs
func (e *execution) runSafe(ctx context.Context, i int, onProgress runner.Progress) (out *domain.RunOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = &domain.RunOutcome{
				Reason: domain.ReasonRunnerException,
				Text:   fmt.Sprintf("runner panicked: %v", rec),
			}
		}
	}()
	return e.orch.Runner.Run(ctx, runner.Request{Question: e.questions[i], Params: e.params}, onProgress)
}

// finish synthesizes outcomes for never-claimed indexes and aggregates
func (e *execution) finish(started time.Time, par int, log *logrus.Entry) *domain.BatchOutcome {
	finished := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	failed := 0
	for i := range e.outcomes {
		if e.outcomes[i] == nil {
			e.outcomes[i] = &domain.RunOutcome{
				Reason: domain.ReasonNotStartedAbort,
				Text:   "not started: batch aborted",
			}
			e.states[i].Status = domain.RunFailed
		}
		if !e.outcomes[i].OK {
			failed++
		}
	}

	n := len(e.outcomes)
	succeeded := n - failed
	outcome := &domain.BatchOutcome{
		ID:             uuid.NewString(),
		OK:             succeeded > 0,
		PartialFailure: succeeded > 0 && failed > 0,
		Summary: domain.BatchSummary{
			Total:          n,
			Succeeded:      succeeded,
			Failed:         failed,
			Parallelism:    par,
			ElapsedSeconds: finished.Sub(started).Seconds(),
		},
		Runs:       append([]domain.RunState(nil), e.states...),
		Outcomes:   e.outcomes,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if succeeded == 0 {
		outcome.Reason = domain.ReasonAllFailed
	}
	outcome.Text = composeBatchReport(outcome)

	log.WithFields(logrus.Fields{
		"succeeded": succeeded,
		"failed":    failed,
		"elapsed":   finished.Sub(started).Round(time.Second),
	}).Info("research batch finished")

	return outcome
}

func (o *Orchestrator) log() *logrus.Entry {
	if o.Log != nil {
		return o.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
