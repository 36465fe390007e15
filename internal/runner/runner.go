package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/agent"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/events"
)

const (
	schemaFile = "schema.json"
	outputFile = "final.json"

	stderrTailLen = 2000
	rawPrefixLen  = 400
)

// Progress receives counter snapshots during a run. Forced updates fire
// even when no new events arrived.
type Progress func(c events.Counters, forced bool)

// Request is one query plus the batch's shared configuration snapshot
type Request struct {
	Question string
	Params   domain.Params
}

// Runner composes prompt construction, the subprocess lifecycle, final
// artifact reading, validation, and policy enforcement into one query's
// complete outcome.
type Runner struct {
	Binary         string
	ScratchDir     string
	CommandPattern *regexp.Regexp
	Log            *logrus.Entry

	execute func(ctx context.Context, opts agent.Options) (*agent.Result, error)
}

// New creates a Runner that spawns the real agent binary
func New(binary, scratchDir string, pattern *regexp.Regexp, log *logrus.Entry) *Runner {
	return &Runner{
		Binary:         binary,
		ScratchDir:     scratchDir,
		CommandPattern: pattern,
		Log:            log,
		execute:        agent.Run,
	}
}

// Run executes one research query to completion. It never panics and
// never returns nil: every failure mode resolves as a structured outcome.
func (r *Runner) Run(ctx context.Context, req Request, onProgress Progress) (out *domain.RunOutcome) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			out = &domain.RunOutcome{
				Reason:  domain.ReasonSpawnFailure,
				Text:    fmt.Sprintf("internal failure: %v", rec),
				Elapsed: time.Since(start),
			}
		}
	}()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return &domain.RunOutcome{
			Reason: domain.ReasonMissingQuestion,
			Text:   "no question provided",
		}
	}

	workDir, err := os.MkdirTemp(r.ScratchDir, "research-run-")
	if err != nil {
		return &domain.RunOutcome{
			Reason:  domain.ReasonSpawnFailure,
			Text:    fmt.Sprintf("staging run directory: %v", err),
			Elapsed: time.Since(start),
		}
	}
	// Artifacts are released on every exit path, panics included
	defer os.RemoveAll(workDir)

	schemaPath := filepath.Join(workDir, schemaFile)
	outputPath := filepath.Join(workDir, outputFile)
	if err := os.WriteFile(schemaPath, []byte(ResultSchema), 0644); err != nil {
		return &domain.RunOutcome{
			Reason:  domain.ReasonSpawnFailure,
			Text:    fmt.Sprintf("staging schema artifact: %v", err),
			Elapsed: time.Since(start),
		}
	}

	prompt := BuildPrompt(question, req.Params.Period, req.Params.Year, schemaPath, outputPath)

	if r.Log != nil {
		r.Log.WithFields(logrus.Fields{
			"question": question,
			"timeout":  req.Params.Timeout,
		}).Debug("launching research agent")
	}

	res, err := r.execute(ctx, agent.Options{
		Binary:         r.Binary,
		Prompt:         prompt,
		Model:          req.Params.Model,
		WorkDir:        workDir,
		SessionID:      uuid.NewString(),
		Timeout:        req.Params.Timeout,
		CommandPattern: r.CommandPattern,
		OnProgress: func(c events.Counters, forced bool) {
			if onProgress != nil {
				onProgress(c, forced)
			}
		},
	})
	if err != nil {
		return &domain.RunOutcome{
			Reason:  domain.ReasonSpawnFailure,
			Text:    err.Error(),
			Elapsed: time.Since(start),
		}
	}

	// Always attempt to read the final artifact; absence is not itself fatal
	raw, _ := os.ReadFile(outputPath)
	elapsed := time.Since(start)

	out = &domain.RunOutcome{
		ExitCode:   res.ExitCode,
		Stderr:     tailString(res.Stderr, stderrTailLen),
		StdoutTail: res.StdoutTail,
		Telemetry:  res.Telemetry,
		Elapsed:    elapsed,
	}

	if res.ExitCode != 0 {
		switch {
		case res.TimedOut:
			out.Reason = domain.ReasonTimeout
			out.Text = fmt.Sprintf("run timed out after %s", req.Params.Timeout)
			out.Hint = "increase the run timeout"
		case res.Aborted:
			out.Reason = domain.ReasonAborted
			out.Text = "run was aborted"
		default:
			out.Reason = domain.ReasonNonZeroExit
			out.Text = fmt.Sprintf("agent exited with code %d", res.ExitCode)
		}
		return out
	}

	if len(bytes.TrimSpace(raw)) == 0 && res.Telemetry.Usage == nil {
		// The agent never reported usage either: it almost certainly ran
		// out of time before producing anything.
		out.Reason = domain.ReasonNoFinalOutput
		out.Text = "agent produced no final output and reported no usage"
		out.Hint = "increase the run timeout"
		return out
	}

	result, perr := ParseResult(raw)
	if perr != nil {
		out.Reason = domain.ReasonInvalidOutput
		out.Text = perr.Error()
		out.RawPrefix = prefixString(string(raw), rawPrefixLen)
		return out
	}

	var warnings []string
	if len(res.Telemetry.CommandEvents) > 0 {
		if req.Params.RejectCommandEvents {
			out.Reason = domain.ReasonCommandEvents
			out.Text = fmt.Sprintf("rejected: %d command-like events observed (%s)",
				len(res.Telemetry.CommandEvents), strings.Join(res.Telemetry.CommandEvents, ", "))
			// Structured result stays attached for diagnostics
			out.Result = result
			return out
		}
		warnings = append(warnings, fmt.Sprintf("command-like events observed: %s",
			strings.Join(res.Telemetry.CommandEvents, ", ")))
	}

	result.Sources = NormalizeSources(result.Sources, req.Params.MaxSources)

	out.OK = true
	out.Result = result
	out.Text = ComposeReport(result, res.Counters, res.Telemetry, elapsed, warnings)
	return out
}

// tailString keeps the last max bytes of s
func tailString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

// prefixString keeps the first max bytes of s
func prefixString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
