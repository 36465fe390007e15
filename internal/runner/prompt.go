package runner

import (
	"fmt"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
)

const promptTemplate = `You are a research agent answering a single factual question using web search.

Question: %s

Time framing: answer as of %s. Prefer sources from that period; if the
situation has changed since, say so in the notes field.

Instructions:
1. Search the web and open the most authoritative pages you find.
2. Cross-check at least two independent sources before committing to an answer.
3. Do not run shell commands or modify any files other than the output file below.
4. Write your final answer as a single JSON object conforming to the JSON
   schema stored at: %s
5. Write that JSON object (and nothing else) to: %s

The JSON object must contain: "answer" (the answer text), "as_of" (the
date or period your answer is valid for), "confidence" (0 to 1),
"sources" (list of URLs you relied on), and optionally "notes".

Do not ask for clarification. Make reasonable decisions based on what you find.
`

// BuildPrompt constructs the research prompt for the agent
func BuildPrompt(question string, period domain.TimePeriod, year int, schemaPath, outputPath string) string {
	return fmt.Sprintf(promptTemplate, question, periodPhrase(period, year), schemaPath, outputPath)
}

func periodPhrase(period domain.TimePeriod, year int) string {
	switch period {
	case domain.PeriodMid:
		return fmt.Sprintf("mid %d (May through August)", year)
	case domain.PeriodLate:
		return fmt.Sprintf("late %d (September through December)", year)
	default:
		return fmt.Sprintf("early %d (January through April)", year)
	}
}
