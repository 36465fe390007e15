package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/events"
)

// ResultSchema is the contract staged for the agent and enforced on the
// final artifact regardless of what the agent claims to have honored.
const ResultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "research-result",
  "type": "object",
  "required": ["answer", "as_of", "confidence"],
  "properties": {
    "answer": {"type": "string", "minLength": 1},
    "as_of": {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "sources": {"type": "array", "items": {"type": "string"}, "maxItems": 20},
    "notes": {"type": "string"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ResultSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("research-result.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("research-result.json")
	})
	return schema, schemaErr
}

// ParseResult decodes and validates the final output artifact. The agent
// sometimes fences the JSON in a code block; that is tolerated.
func ParseResult(raw []byte) (*domain.ResearchResult, error) {
	text := stripFences(raw)
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, fmt.Errorf("final output is empty")
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("decoding final output: %w", err)
	}

	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling result schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("final output failed validation: %w", err)
	}

	var res domain.ResearchResult
	if err := json.Unmarshal(text, &res); err != nil {
		return nil, fmt.Errorf("decoding final output: %w", err)
	}
	return &res, nil
}

// stripFences removes a surrounding markdown code fence, if present
func stripFences(raw []byte) []byte {
	text := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(text, []byte("```")) {
		return text
	}
	if idx := bytes.IndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	} else {
		return nil
	}
	text = bytes.TrimSpace(text)
	text = bytes.TrimSuffix(text, []byte("```"))
	return bytes.TrimSpace(text)
}

// NormalizeSources dedupes, scheme-filters, and caps source URLs while
// preserving order. Only http and https sources survive.
func NormalizeSources(sources []string, max int) []string {
	if max < 1 {
		max = 1
	}
	if max > 20 {
		max = 20
	}

	seen := make(map[string]bool, len(sources))
	var out []string
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	return out
}

// ComposeReport renders the human-readable text for a successful run
func ComposeReport(res *domain.ResearchResult, c events.Counters, tel domain.Telemetry, elapsed time.Duration, warnings []string) string {
	var b strings.Builder

	b.WriteString(res.Answer)
	fmt.Fprintf(&b, "\n\nAs of %s (confidence %.2f)\n", res.AsOf, res.Confidence)

	if len(res.Sources) > 0 {
		b.WriteString("\nSources:\n")
		for i, s := range res.Sources {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
		}
	}
	if res.Notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s\n", res.Notes)
	}

	fmt.Fprintf(&b, "\nCompleted in %s: %d searches, %d pages opened",
		elapsed.Round(time.Second), c.Searches, c.PagesOpened)
	if tel.Usage != nil {
		fmt.Fprintf(&b, ", %s tokens in / %s out",
			humanize.Comma(tel.Usage.InputTokens), humanize.Comma(tel.Usage.OutputTokens))
	}
	b.WriteString("\n")

	for _, w := range warnings {
		fmt.Fprintf(&b, "\nWarning: %s\n", w)
	}
	return b.String()
}
