package events

import (
	"bytes"
	"encoding/json"
	"regexp"
	"unicode/utf8"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
)

const (
	// lastAction summaries are truncated to keep status lines readable
	maxActionLen = 96
	tailLines    = 40
)

// DefaultCommandPattern flags tool names that look like shell execution.
// The exact rule is policy, not correctness; config can override it.
var DefaultCommandPattern = regexp.MustCompile(`(?i)(bash|shell|command|exec|terminal)`)

// Counters is the per-run progress triple. It is owned by a single run
// and written only from that run's own callback sequence, so no locking.
type Counters struct {
	Searches    int
	PagesOpened int
	LastAction  string
}

// streamEvent is the decoded shape of one stream-json line. Unknown
// fields are ignored; unknown types fall through as unrecognized.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error string `json:"error,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Parser consumes an incremental byte stream of line-delimited JSON
// events, reconstructing line boundaries across arbitrarily fragmented
// chunks. Malformed lines are skipped silently; telemetry must never
// abort a run.
type Parser struct {
	partial   bytes.Buffer
	counters  Counters
	telemetry domain.Telemetry
	cmdRe     *regexp.Regexp
	tail      []string
}

// NewParser creates a parser. A nil pattern selects DefaultCommandPattern.
func NewParser(commandPattern *regexp.Regexp) *Parser {
	if commandPattern == nil {
		commandPattern = DefaultCommandPattern
	}
	return &Parser{cmdRe: commandPattern}
}

// Feed consumes a chunk of stream output and returns whether progress
// state changed. Chunks may split a line or carry several lines at once.
func (p *Parser) Feed(chunk []byte) bool {
	p.partial.Write(chunk)
	changed := false
	for {
		data := p.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(data[:idx])
		p.partial.Next(idx + 1)
		if p.feedLine(line) {
			changed = true
		}
	}
	return changed
}

// Flush attempts a final decode of any trailing line that arrived
// without a terminating newline. Call once after stream end.
func (p *Parser) Flush() bool {
	if p.partial.Len() == 0 {
		return false
	}
	line := p.partial.String()
	p.partial.Reset()
	return p.feedLine(line)
}

func (p *Parser) feedLine(line string) bool {
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) == 0 {
		return false
	}
	p.appendTail(line)

	var ev streamEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return false
	}

	switch {
	case ev.Type == "assistant":
		return p.handleContent(ev.Message.Content)
	case ev.Type == "result":
		if ev.Usage != nil {
			p.telemetry.Usage = &domain.Usage{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			}
		}
		p.counters.LastAction = "finalizing"
		return true
	case ev.Type == "error" || ev.Subtype == "error":
		msg := ev.Error
		if msg == "" {
			msg = truncate(line, maxActionLen)
		}
		p.telemetry.Errors = append(p.telemetry.Errors, msg)
		p.counters.LastAction = "error event"
		return true
	}
	return false
}

func (p *Parser) handleContent(blocks []contentBlock) bool {
	changed := false
	for _, b := range blocks {
		if b.Type != "tool_use" || b.Name == "" {
			continue
		}
		// Policy-risk signal, orthogonal to the action classification
		if p.cmdRe.MatchString(b.Name) {
			p.telemetry.CommandEvents = append(p.telemetry.CommandEvents, b.Name)
		}
		switch b.Name {
		case "WebSearch":
			var in struct {
				Query string `json:"query"`
			}
			_ = json.Unmarshal(b.Input, &in)
			p.counters.Searches++
			action := truncate("search: "+in.Query, maxActionLen)
			p.counters.LastAction = action
			p.telemetry.SearchTrace = append(p.telemetry.SearchTrace, action)
		case "WebFetch":
			var in struct {
				URL string `json:"url"`
			}
			_ = json.Unmarshal(b.Input, &in)
			p.counters.PagesOpened++
			action := truncate("open: "+in.URL, maxActionLen)
			p.counters.LastAction = action
			p.telemetry.SearchTrace = append(p.telemetry.SearchTrace, action)
		default:
			p.counters.LastAction = b.Name
		}
		changed = true
	}
	return changed
}

func (p *Parser) appendTail(line string) {
	p.tail = append(p.tail, line)
	if len(p.tail) > tailLines {
		p.tail = p.tail[len(p.tail)-tailLines:]
	}
}

// SetLastAction overrides the last-action description, used for
// lifecycle transitions (timeout, abort) that have no stream event.
func (p *Parser) SetLastAction(action string) {
	p.counters.LastAction = truncate(action, maxActionLen)
}

// Counters returns a snapshot of the progress counters
func (p *Parser) Counters() Counters {
	return p.counters
}

// Telemetry returns the accumulated telemetry
func (p *Parser) Telemetry() domain.Telemetry {
	return p.telemetry
}

// Tail returns the most recent complete lines seen on the stream
func (p *Parser) Tail() []string {
	out := make([]string, len(p.tail))
	copy(out, p.tail)
	return out
}

// truncate cuts s to at most max bytes, never splitting a rune
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
