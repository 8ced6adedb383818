package executor

import (
	"encoding/json"
	"strings"

	"github.com/s123104/night-pilot/pkg/store"
)

// streamLine is one line of the agent's JSON output mode. Only the fields the
// engine consumes are modeled; everything else is passed through untouched in
// the stored stdout.
type streamLine struct {
	Type      string `json:"type,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Usage     *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// parseAgentStream extracts token usage and the session id from stream-JSON
// stdout. Non-JSON lines are ignored; the last usage block wins. Returns nil
// usage when the output carried none.
func parseAgentStream(stdout string) (tokens *store.TokenUsage, sessionID string) {
	for line := range strings.Lines(stdout) {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var parsed streamLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if parsed.SessionID != "" {
			sessionID = parsed.SessionID
		}
		if parsed.Usage != nil {
			tokens = &store.TokenUsage{
				InputTokens:  parsed.Usage.InputTokens,
				OutputTokens: parsed.Usage.OutputTokens,
				CostUSD:      parsed.TotalCostUSD,
			}
		}
	}
	return tokens, sessionID
}
