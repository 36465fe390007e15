package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/runner"
)

// fakeRunner adapts a function to the QueryRunner interface
type fakeRunner struct {
	fn func(ctx context.Context, req runner.Request, onProgress runner.Progress) *domain.RunOutcome
}

func (f *fakeRunner) Run(ctx context.Context, req runner.Request, onProgress runner.Progress) *domain.RunOutcome {
	return f.fn(ctx, req, onProgress)
}

func okRunner() *fakeRunner {
	return &fakeRunner{fn: func(ctx context.Context, req runner.Request, _ runner.Progress) *domain.RunOutcome {
		return &domain.RunOutcome{OK: true, Text: req.Question}
	}}
}

func testOrchestrator(r QueryRunner) *Orchestrator {
	return &Orchestrator{Runner: r, Throttle: time.Millisecond, Heartbeat: time.Hour}
}

func TestClampParallelism(t *testing.T) {
	tests := []struct {
		requested, questions, want int
	}{
		{99, 8, 5},
		{0, 3, 1},
		{-1, 2, 1},
		{3, 10, 3},
		{4, 2, 2},
		{1, 1, 1},
		{5, 5, 5},
	}
	for _, tt := range tests {
		if got := ClampParallelism(tt.requested, tt.questions); got != tt.want {
			t.Errorf("ClampParallelism(%d, %d) = %d, want %d", tt.requested, tt.questions, got, tt.want)
		}
	}
}

func TestFilterQuestions(t *testing.T) {
	got := FilterQuestions([]string{" a ", "", "  ", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v, want [a b]", got)
	}
}

func TestExecute_EmptyQuestions(t *testing.T) {
	o := testOrchestrator(okRunner())
	if _, err := o.Execute(context.Background(), Request{Questions: []string{"", "   "}}, nil); err == nil {
		t.Error("all-blank question list should be a precondition failure")
	}
}

func TestExecute_OrderPreserved(t *testing.T) {
	// Later questions finish first; output order must still match input
	r := &fakeRunner{fn: func(ctx context.Context, req runner.Request, _ runner.Progress) *domain.RunOutcome {
		var i int
		fmt.Sscanf(req.Question, "q%d", &i)
		time.Sleep(time.Duration(8-i) * 10 * time.Millisecond)
		return &domain.RunOutcome{OK: true, Text: req.Question}
	}}

	questions := []string{"q1", "q2", "q3", "q4", "q5", "q6"}
	out, err := testOrchestrator(r).Execute(context.Background(), Request{Questions: questions, Parallelism: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i, o := range out.Outcomes {
		if o.Text != questions[i] {
			t.Errorf("outcome[%d] = %q, want %q", i, o.Text, questions[i])
		}
	}
	for i, st := range out.Runs {
		if st.Index != i || st.Question != questions[i] {
			t.Errorf("runs[%d] = %+v, out of order", i, st)
		}
	}
}

func TestExecute_BoundedConcurrency(t *testing.T) {
	var current, peak atomic.Int64
	r := &fakeRunner{fn: func(ctx context.Context, req runner.Request, _ runner.Progress) *domain.RunOutcome {
		cur := current.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return &domain.RunOutcome{OK: true}
	}}

	questions := make([]string, 8)
	for i := range questions {
		questions[i] = fmt.Sprintf("q%d", i)
	}

	out, err := testOrchestrator(r).Execute(context.Background(), Request{Questions: questions, Parallelism: 99}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if out.Summary.Parallelism != MaxParallel {
		t.Errorf("got parallelism=%d, want %d", out.Summary.Parallelism, MaxParallel)
	}
	if p := peak.Load(); p > MaxParallel {
		t.Errorf("observed %d concurrent runs, ceiling is %d", p, MaxParallel)
	}
}

func TestExecute_AllFailed(t *testing.T) {
	r := &fakeRunner{fn: func(ctx context.Context, req runner.Request, _ runner.Progress) *domain.RunOutcome {
		return &domain.RunOutcome{Reason: domain.ReasonNonZeroExit, Text: "boom"}
	}}

	out, err := testOrchestrator(r).Execute(context.Background(), Request{Questions: []string{"a", "b"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.OK {
		t.Error("batch with zero successes should not be ok")
	}
	if out.Reason != domain.ReasonAllFailed {
		t.Errorf("got reason=%q, want all_failed", out.Reason)
	}
	if out.PartialFailure {
		t.Error("all_failed is not a partial failure")
	}
}

func TestExecute_PartialFailure(t *testing.T) {
	r := &fakeRunner{fn: func(ctx context.Context, req runner.Request, _ runner.Progress) *domain.RunOutcome {
		if req.Question == "bad" {
			return &domain.RunOutcome{Reason: domain.ReasonTimeout}
		}
		return &domain.RunOutcome{OK: true}
	}}

	out, err := testOrchestrator(r).Execute(context.Background(), Request{Questions: []string{"good", "bad", "good2"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.OK || !out.PartialFailure {
		t.Errorf("got ok=%v partialFailure=%v, want true/true", out.OK, out.PartialFailure)
	}
	if out.Summary.Succeeded != 2 || out.Summary.Failed != 1 {
		t.Errorf("got summary %+v, want 2 succeeded, 1 failed", out.Summary)
	}
}

func TestExecute_PreAborted(t *testing.T) {
	var invocations atomic.Int64
	r := &fakeRunner{fn: func(ctx context.Context, req runner.Request, _ runner.Progress) *domain.RunOutcome {
		invocations.Add(1)
		return &domain.RunOutcome{OK: true}
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := testOrchestrator(r).Execute(ctx, Request{Questions: []string{"a", "b", "c"}, Parallelism: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if n := invocations.Load(); n != 0 {
		t.Errorf("pre-aborted batch ran %d queries, want 0", n)
	}
	for i, o := range out.Outcomes {
		if o.Reason != domain.ReasonNotStartedAbort {
			t.Errorf("outcome[%d] reason=%q, want not_started_due_abort", i, o.Reason)
		}
	}
	if out.OK || out.Reason != domain.ReasonAllFailed {
		t.Errorf("got ok=%v reason=%q, want failed all_failed", out.OK, out.Reason)
	}
}

func TestExecute_MidBatchCancel(t *testing.T) {
	started := make(chan int, 4)
	r := &fakeRunner{fn: func(ctx context.Context, req runner.Request, _ runner.Progress) *domain.RunOutcome {
		var i int
		fmt.Sscanf(req.Question, "q%d", &i)
		started <- i
		<-ctx.Done()
		return &domain.RunOutcome{Reason: domain.ReasonAborted}
	}}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-started
		<-started
		cancel()
	}()

	out, err := testOrchestrator(r).Execute(ctx, Request{Questions: []string{"q0", "q1", "q2", "q3"}, Parallelism: 2}, nil)
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}

	aborted, notStarted := 0, 0
	for _, o := range out.Outcomes {
		switch o.Reason {
		case domain.ReasonAborted:
			aborted++
		case domain.ReasonNotStartedAbort:
			notStarted++
		default:
			t.Errorf("unexpected reason %q", o.Reason)
		}
	}
	if aborted != 2 || notStarted != 2 {
		t.Errorf("got %d aborted, %d not started, want 2 and 2", aborted, notStarted)
	}
}

func TestExecute_PanicConverted(t *testing.T) {
	r := &fakeRunner{fn: func(ctx context.Context, req runner.Request, _ runner.Progress) *domain.RunOutcome {
		if req.Question == "bad" {
			panic("runner bug")
		}
		return &domain.RunOutcome{OK: true}
	}}

	out, err := testOrchestrator(r).Execute(context.Background(), Request{Questions: []string{"good", "bad"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Outcomes[1].Reason != domain.ReasonRunnerException {
		t.Errorf("got reason=%q, want runner_exception", out.Outcomes[1].Reason)
	}
	if !out.Outcomes[0].OK {
		t.Error("sibling run should be unaffected by the panic")
	}
	if !out.OK || !out.PartialFailure {
		t.Errorf("got ok=%v partialFailure=%v, want true/true", out.OK, out.PartialFailure)
	}
}

func TestExecute_SingleQuestion(t *testing.T) {
	out, err := testOrchestrator(okRunner()).Execute(context.Background(), Request{Questions: []string{"only"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Outcomes) != 1 || !out.Outcomes[0].OK {
		t.Fatalf("unexpected outcome: %+v", out.Outcomes)
	}
	if out.Summary.Total != 1 || out.Summary.Parallelism != 1 {
		t.Errorf("unexpected summary: %+v", out.Summary)
	}

	// A panicking runner still resolves as a structured failure
	r := &fakeRunner{fn: func(ctx context.Context, req runner.Request, _ runner.Progress) *domain.RunOutcome {
		panic("single run bug")
	}}
	out, err = testOrchestrator(r).Execute(context.Background(), Request{Questions: []string{"only"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Outcomes[0].Reason != domain.ReasonRunnerException {
		t.Errorf("got reason=%q, want runner_exception", out.Outcomes[0].Reason)
	}
}

func TestExecute_ProgressEmissions(t *testing.T) {
	var mu sync.Mutex
	var emissions []string
	sink := func(s string) {
		mu.Lock()
		emissions = append(emissions, s)
		mu.Unlock()
	}

	out, err := testOrchestrator(okRunner()).Execute(context.Background(),
		Request{Questions: []string{"a", "b"}, Parallelism: 2}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if !out.OK {
		t.Fatal("batch should succeed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(emissions) == 0 {
		t.Fatal("state transitions should force progress emissions")
	}
	last := emissions[len(emissions)-1]
	if !strings.Contains(last, "2 ok") {
		t.Errorf("final emission should reflect completed runs: %q", last)
	}
}

func TestExecute_HeartbeatEmitsWhileIdle(t *testing.T) {
	var mu sync.Mutex
	var emissions []string
	sink := func(s string) {
		mu.Lock()
		emissions = append(emissions, s)
		mu.Unlock()
	}

	// Runners that go quiet: no progress callbacks between start and finish
	r := &fakeRunner{fn: func(ctx context.Context, req runner.Request, _ runner.Progress) *domain.RunOutcome {
		time.Sleep(120 * time.Millisecond)
		return &domain.RunOutcome{OK: true, Text: req.Question}
	}}

	orch := &Orchestrator{Runner: r, Throttle: time.Millisecond, Heartbeat: 10 * time.Millisecond}
	out, err := orch.Execute(context.Background(),
		Request{Questions: []string{"a", "b"}, Parallelism: 2}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if !out.OK {
		t.Fatal("batch should succeed")
	}

	mu.Lock()
	defer mu.Unlock()

	// Two starts plus two finishes account for at most a handful of
	// forced emissions; the rest can only come from the heartbeat.
	if len(emissions) <= 5 {
		t.Fatalf("got %d emissions, want heartbeat emissions on top of state transitions", len(emissions))
	}

	idle := 0
	for _, e := range emissions {
		if strings.Contains(e, "2 running") {
			idle++
		}
	}
	if idle < 2 {
		t.Errorf("got %d emissions of the unchanged running state, want repeated heartbeat snapshots", idle)
	}
}

func TestExecute_ObserverSnapshots(t *testing.T) {
	var mu sync.Mutex
	var snapshots [][]domain.RunState

	orch := testOrchestrator(okRunner())
	orch.Observer = func(runs []domain.RunState) {
		mu.Lock()
		snapshots = append(snapshots, runs)
		mu.Unlock()
	}

	out, err := orch.Execute(context.Background(),
		Request{Questions: []string{"a", "b"}, Parallelism: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !out.OK {
		t.Fatal("batch should succeed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) == 0 {
		t.Fatal("observer should receive state snapshots")
	}

	var sawRunning, sawTerminal bool
	for _, snap := range snapshots {
		if len(snap) != 2 {
			t.Fatalf("snapshot size = %d, want 2", len(snap))
		}
		for _, r := range snap {
			if r.Status == domain.RunRunning {
				sawRunning = true
			}
			if r.Status.Terminal() {
				sawTerminal = true
			}
		}
	}
	if !sawRunning || !sawTerminal {
		t.Errorf("snapshots should cover running and terminal states, got running=%v terminal=%v", sawRunning, sawTerminal)
	}
}
