package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/agent"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
)

func testParams() domain.Params {
	return domain.Params{
		Period:              domain.PeriodEarly,
		Year:                2025,
		Timeout:             time.Minute,
		MaxSources:          10,
		RejectCommandEvents: true,
	}
}

// fakeExec swaps the subprocess invocation for a canned result. The fake
// can stage the final artifact via opts.WorkDir, mirroring the real
// agent's contract.
func fakeExec(t *testing.T, fn func(opts agent.Options) (*agent.Result, error)) *Runner {
	t.Helper()
	r := New("claude", t.TempDir(), nil, nil)
	r.execute = func(ctx context.Context, opts agent.Options) (*agent.Result, error) {
		return fn(opts)
	}
	return r
}

func writeArtifact(t *testing.T, workDir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(workDir, outputFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRun_MissingQuestion(t *testing.T) {
	r := fakeExec(t, func(opts agent.Options) (*agent.Result, error) {
		t.Fatal("agent should not be invoked for a blank question")
		return nil, nil
	})

	out := r.Run(context.Background(), Request{Question: "   ", Params: testParams()}, nil)
	if out.OK || out.Reason != domain.ReasonMissingQuestion {
		t.Errorf("got %+v, want missing_question failure", out)
	}
}

func TestRun_Success(t *testing.T) {
	r := fakeExec(t, func(opts agent.Options) (*agent.Result, error) {
		// The schema artifact must be staged before the agent starts
		if _, err := os.Stat(filepath.Join(opts.WorkDir, schemaFile)); err != nil {
			t.Errorf("schema artifact not staged: %v", err)
		}
		if !strings.Contains(opts.Prompt, "what year did go ship generics") {
			t.Errorf("prompt missing question: %q", opts.Prompt)
		}
		writeArtifact(t, opts.WorkDir,
			`{"answer":"2022","as_of":"March 2022","confidence":0.95,"sources":["https://a","https://a","ftp://c","http://b"]}`)
		return &agent.Result{ExitCode: 0, Telemetry: domain.Telemetry{Usage: &domain.Usage{InputTokens: 100}}}, nil
	})

	out := r.Run(context.Background(), Request{Question: "what year did go ship generics", Params: testParams()}, nil)
	if !out.OK {
		t.Fatalf("got failure %q: %s", out.Reason, out.Text)
	}
	if len(out.Result.Sources) != 2 {
		t.Errorf("sources not normalized: %v", out.Result.Sources)
	}
	if !strings.Contains(out.Text, "2022") {
		t.Errorf("report missing answer: %s", out.Text)
	}

	// The per-run scratch directory is released on success
	entries, err := os.ReadDir(r.ScratchDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir not cleaned up: %v", entries)
	}
}

func TestRun_FencedArtifact(t *testing.T) {
	r := fakeExec(t, func(opts agent.Options) (*agent.Result, error) {
		writeArtifact(t, opts.WorkDir, "```json\n{\"answer\":\"x\",\"as_of\":\"2025\",\"confidence\":0.4}\n```")
		return &agent.Result{ExitCode: 0}, nil
	})

	out := r.Run(context.Background(), Request{Question: "q", Params: testParams()}, nil)
	if !out.OK {
		t.Fatalf("fenced artifact should parse, got %q: %s", out.Reason, out.Text)
	}
}

func TestRun_NoFinalOutput(t *testing.T) {
	r := fakeExec(t, func(opts agent.Options) (*agent.Result, error) {
		// Exit 0, no artifact, no usage: strong timeout signal
		return &agent.Result{ExitCode: 0}, nil
	})

	out := r.Run(context.Background(), Request{Question: "q", Params: testParams()}, nil)
	if out.Reason != domain.ReasonNoFinalOutput {
		t.Errorf("got reason=%q, want no_final_output", out.Reason)
	}
	if !strings.Contains(out.Hint, "timeout") {
		t.Errorf("expected a timeout hint, got %q", out.Hint)
	}
}

func TestRun_EmptyArtifactWithUsage(t *testing.T) {
	r := fakeExec(t, func(opts agent.Options) (*agent.Result, error) {
		return &agent.Result{
			ExitCode:  0,
			Telemetry: domain.Telemetry{Usage: &domain.Usage{InputTokens: 50}},
		}, nil
	})

	out := r.Run(context.Background(), Request{Question: "q", Params: testParams()}, nil)
	if out.Reason != domain.ReasonInvalidOutput {
		t.Errorf("got reason=%q, want invalid_structured_output", out.Reason)
	}
}

func TestRun_InvalidArtifact(t *testing.T) {
	r := fakeExec(t, func(opts agent.Options) (*agent.Result, error) {
		writeArtifact(t, opts.WorkDir, `{"answer":"x","as_of":"2025"}`)
		return &agent.Result{ExitCode: 0}, nil
	})

	out := r.Run(context.Background(), Request{Question: "q", Params: testParams()}, nil)
	if out.Reason != domain.ReasonInvalidOutput {
		t.Errorf("got reason=%q, want invalid_structured_output", out.Reason)
	}
	if out.RawPrefix == "" {
		t.Error("raw output prefix should be carried for diagnostics")
	}
}

func TestRun_FailurePriority(t *testing.T) {
	tests := []struct {
		name   string
		result agent.Result
		want   string
	}{
		{"timeout beats exit code", agent.Result{ExitCode: 1, TimedOut: true, Aborted: true}, domain.ReasonTimeout},
		{"abort beats exit code", agent.Result{ExitCode: 1, Aborted: true}, domain.ReasonAborted},
		{"plain non-zero exit", agent.Result{ExitCode: 2, Stderr: "boom"}, domain.ReasonNonZeroExit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.result
			r := fakeExec(t, func(opts agent.Options) (*agent.Result, error) {
				return &res, nil
			})
			out := r.Run(context.Background(), Request{Question: "q", Params: testParams()}, nil)
			if out.Reason != tt.want {
				t.Errorf("got reason=%q, want %q", out.Reason, tt.want)
			}
		})
	}
}

func TestRun_CommandEventsPolicy(t *testing.T) {
	result := func(opts agent.Options) (*agent.Result, error) {
		writeArtifact(t, opts.WorkDir, `{"answer":"x","as_of":"2025","confidence":0.8}`)
		return &agent.Result{
			ExitCode:  0,
			Telemetry: domain.Telemetry{CommandEvents: []string{"Bash"}},
		}, nil
	}

	// Policy enabled: reject, but keep the structured result attached
	r := fakeExec(t, result)
	out := r.Run(context.Background(), Request{Question: "q", Params: testParams()}, nil)
	if out.OK || out.Reason != domain.ReasonCommandEvents {
		t.Errorf("got %+v, want command_events_detected", out)
	}
	if out.Result == nil {
		t.Error("structured result should stay attached for diagnostics")
	}

	// Policy disabled: succeed with a warning in the report
	params := testParams()
	params.RejectCommandEvents = false
	r = fakeExec(t, result)
	out = r.Run(context.Background(), Request{Question: "q", Params: params}, nil)
	if !out.OK {
		t.Fatalf("got failure %q, want success with warning", out.Reason)
	}
	if !strings.Contains(out.Text, "Warning") {
		t.Errorf("report should carry a policy warning: %s", out.Text)
	}
}

func TestRun_SpawnFailure(t *testing.T) {
	r := fakeExec(t, func(opts agent.Options) (*agent.Result, error) {
		return nil, os.ErrNotExist
	})

	out := r.Run(context.Background(), Request{Question: "q", Params: testParams()}, nil)
	if out.Reason != domain.ReasonSpawnFailure {
		t.Errorf("got reason=%q, want spawn_failure", out.Reason)
	}
}

func TestRun_PanicConverted(t *testing.T) {
	r := fakeExec(t, func(opts agent.Options) (*agent.Result, error) {
		panic("unexpected")
	})

	out := r.Run(context.Background(), Request{Question: "q", Params: testParams()}, nil)
	if out == nil || out.OK {
		t.Fatal("panic should resolve as a failed outcome")
	}
	if out.Reason != domain.ReasonSpawnFailure {
		t.Errorf("got reason=%q, want spawn_failure", out.Reason)
	}
}
