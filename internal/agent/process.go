package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/events"
)

const (
	// DefaultBinary is the external search agent executable
	DefaultBinary = "claude"

	heartbeatInterval = 5 * time.Second
	killGrace         = 1500 * time.Millisecond
	readChunk         = 16 * 1024
)

// Options configures one subprocess run. The security posture of the
// spawned agent is fixed and not configurable from here.
type Options struct {
	Binary         string
	Prompt         string
	Model          string // optional override, appended only if non-blank
	WorkDir        string
	SessionID      string
	Timeout        time.Duration
	CommandPattern *regexp.Regexp
	OnProgress     func(c events.Counters, forced bool)
}

// Result is the resolved state of a finished subprocess run
type Result struct {
	ExitCode   int
	TimedOut   bool
	Aborted    bool
	Stderr     string
	StdoutTail []string
	Counters   events.Counters
	Telemetry  domain.Telemetry
}

// Run launches the agent process, streams its stdout through the event
// parser, and enforces the timeout with graceful-then-forceful
// termination. It returns an error only when the process could not be
// spawned at all; a bad exit code resolves as a Result.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	r := &run{opts: opts, parser: events.NewParser(opts.CommandPattern)}
	return r.execute(ctx)
}

type run struct {
	opts   Options
	parser *events.Parser

	mu        sync.Mutex
	timedOut  bool
	aborted   bool
	killTimer *time.Timer

	cmd  *exec.Cmd
	once sync.Once
}

// buildArgs returns the fixed, security-constrained argument set:
// non-interactive streaming output, an ephemeral session, and a tool
// allowlist that excludes anything that can mutate a repository or run
// shell commands.
func buildArgs(o Options) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--allowedTools", "WebSearch,WebFetch,Read,Write",
		"--disallowedTools", "Bash",
		"--strict-mcp-config",
	}
	if o.SessionID != "" {
		args = append(args, "--session-id", o.SessionID)
	}
	if m := strings.TrimSpace(o.Model); m != "" {
		args = append(args, "--model", m)
	}
	return append(args, "-p", o.Prompt)
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	cmd := exec.Command(r.opts.Binary, buildArgs(r.opts)...)
	cmd.Dir = r.opts.WorkDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.opts.Binary, err)
	}
	r.cmd = cmd

	done := make(chan struct{})

	// The timeout fires exactly once: mark, force a progress emission so
	// the caller sees why the run went quiet, then escalate.
	var timeoutTimer *time.Timer
	if r.opts.Timeout > 0 {
		timeoutTimer = time.AfterFunc(r.opts.Timeout, func() {
			r.mu.Lock()
			r.timedOut = true
			r.parser.SetLastAction(fmt.Sprintf("timed out after %s, terminating", r.opts.Timeout))
			r.mu.Unlock()
			r.emit(true)
			r.terminate()
		})
	}

	// Cancellation watcher; deregistered via done when the run resolves
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.aborted = true
			r.parser.SetLastAction("aborted, terminating")
			r.mu.Unlock()
			r.emit(true)
			r.terminate()
		case <-done:
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	go func() {
		for {
			select {
			case <-heartbeat.C:
				r.emit(true)
			case <-done:
				return
			}
		}
	}()

	buf := make([]byte, readChunk)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			r.mu.Lock()
			changed := r.parser.Feed(buf[:n])
			r.mu.Unlock()
			if changed {
				r.emit(false)
			}
		}
		if readErr != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	close(done)
	heartbeat.Stop()
	if timeoutTimer != nil {
		timeoutTimer.Stop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.killTimer != nil {
		r.killTimer.Stop()
	}
	r.parser.Flush()

	return &Result{
		ExitCode:   exitCode(waitErr),
		TimedOut:   r.timedOut,
		Aborted:    r.aborted,
		Stderr:     stderr.String(),
		StdoutTail: r.parser.Tail(),
		Counters:   r.parser.Counters(),
		Telemetry:  r.parser.Telemetry(),
	}, nil
}

// terminate sends SIGTERM, then SIGKILL after the grace window. The kill
// timer is cancelled if the process exits early.
func (r *run) terminate() {
	r.once.Do(func() {
		proc := r.cmd.Process
		if proc == nil {
			return
		}
		_ = proc.Signal(syscall.SIGTERM)
		r.mu.Lock()
		r.killTimer = time.AfterFunc(killGrace, func() {
			_ = proc.Kill()
		})
		r.mu.Unlock()
	})
}

func (r *run) emit(forced bool) {
	if r.opts.OnProgress == nil {
		return
	}
	r.mu.Lock()
	c := r.parser.Counters()
	r.mu.Unlock()
	r.opts.OnProgress(c, forced)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
