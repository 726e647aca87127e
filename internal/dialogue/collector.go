package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fleetform/intake/internal/llm"
	"github.com/fleetform/intake/pkg/types"
)

// extractionPrompt instructs the model to pull vehicle facts from one user
// message as a flat JSON object of field updates.
const extractionPrompt = `TASK: Extract vehicle intake facts from the user message below.

OUTPUT REQUIREMENT: Return ONLY valid JSON. No markdown. No code blocks. No explanations.

KNOWN FIELDS (include only fields the message actually mentions):
{
  "carType": "string",
  "manufacturer": "string",
  "model": "string",
  "year": "number",
  "licensePlate": "string",
  "customerName": "string",
  "birthdate": "string (YYYY-MM-DD)"
}

If the message contains no vehicle facts, return {}.

USER MESSAGE:
%s`

// Collector turns natural-language messages into field updates on a session
// record by delegating extraction to a text generation model.
type Collector struct {
	generator llm.TextGenerator
}

// NewCollector creates a collector backed by the given text generator.
func NewCollector(generator llm.TextGenerator) (*Collector, error) {
	if generator == nil {
		return nil, fmt.Errorf("dialogue: text generator is required")
	}
	return &Collector{generator: generator}, nil
}

// CollectTurn processes one user message for a session. Extracted field
// updates are merged into the session record; malformed or empty model
// output leaves the record unchanged. It returns the fields that were
// updated this turn.
func (c *Collector) CollectTurn(ctx context.Context, session *Session, message string) (types.FactRecord, error) {
	if session == nil {
		return nil, fmt.Errorf("dialogue: session is required")
	}

	prompt := fmt.Sprintf(extractionPrompt, message)
	response, err := c.generator.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("dialogue: extraction failed: %w", err)
	}

	updates := parseFieldUpdates(response)
	if len(updates) == 0 {
		return types.FactRecord{}, nil
	}

	for key, value := range updates {
		session.Record[key] = value
	}
	session.UpdatedAt = time.Now().UTC()
	return updates, nil
}

// parseFieldUpdates extracts a flat JSON object from model output that may
// be wrapped in markdown fences or surrounded by prose. Unparseable output
// yields an empty update set.
func parseFieldUpdates(text string) types.FactRecord {
	cleaned := extractJSON(text)

	var updates map[string]any
	if err := json.Unmarshal([]byte(cleaned), &updates); err != nil {
		log.Printf("Warning: discarding malformed extraction output: %v", err)
		return nil
	}

	result := types.FactRecord{}
	for key, value := range updates {
		if value == nil {
			continue
		}
		result[key] = value
	}
	return result
}

// extractJSON extracts the first JSON object from a string that may contain
// extra text. Models sometimes add explanations around the JSON despite
// instructions.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}
