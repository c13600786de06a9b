package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/pmassist/internal/agent"
	"github.com/haasonsaas/pmassist/pkg/models"
)

// send delivers a chunk unless the consumer has gone away.
func send(ctx context.Context, chunks chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// pendingToolCall accumulates a tool call streamed in fragments.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// finish builds the tool call. Empty arguments become an empty object so the
// call always carries valid JSON.
func (c *pendingToolCall) finish(args string) *models.ToolCall {
	if args == "" {
		args = c.args.String()
	}
	input := json.RawMessage(strings.TrimSpace(args))
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return &models.ToolCall{ID: c.id, Name: c.name, Input: input}
}
