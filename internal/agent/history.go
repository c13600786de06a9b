package agent

import "github.com/haasonsaas/pmassist/pkg/models"

// DefaultHistoryLimit is the number of turns sent to the LLM.
const DefaultHistoryLimit = 20

// truncateHistory keeps the last limit turns. The window never starts on a
// tool turn, whose call would be missing, and prefers to start on a user
// turn since providers reject conversations that open with the assistant.
func truncateHistory(turns []models.Turn, limit int) []models.Turn {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	start := 0
	if len(turns) > limit {
		start = len(turns) - limit
	}
	window := turns[start:]

	for i, t := range window {
		if t.Role == models.RoleUser {
			return window[i:]
		}
	}
	for len(window) > 0 && window[0].Role == models.RoleTool {
		window = window[1:]
	}
	return window
}

func toMessages(turns []models.Turn) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(turns)+2)
	for _, t := range turns {
		out = append(out, CompletionMessage{
			Role:        string(t.Role),
			Content:     t.Content,
			ToolCalls:   t.ToolCalls,
			ToolResults: t.ToolResults,
		})
	}
	return out
}
