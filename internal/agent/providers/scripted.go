package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/pmassist/internal/agent"
	"github.com/haasonsaas/pmassist/pkg/models"
)

// ScriptedStep is one canned LLM response.
type ScriptedStep struct {
	Text      string
	ToolCalls []models.ToolCall

	// Err fails the Complete call itself.
	Err error
	// StreamErr is delivered as an Error chunk after any text.
	StreamErr error

	InputTokens  int
	OutputTokens int
}

// ScriptedProvider replays canned responses in order and records every
// request it receives. When the script runs out the last step repeats.
// It backs tests and the offline "scripted" provider setting.
type ScriptedProvider struct {
	mu       sync.Mutex
	steps    []ScriptedStep
	next     int
	requests []*agent.CompletionRequest
}

// NewScriptedProvider creates a provider that plays steps in order.
func NewScriptedProvider(steps ...ScriptedStep) *ScriptedProvider {
	return &ScriptedProvider{steps: steps}
}

// ToolCall is a helper that builds a tool call with JSON-encoded input.
func ToolCall(id, name string, input any) models.ToolCall {
	raw, err := json.Marshal(input)
	if err != nil {
		panic(fmt.Sprintf("scripted tool call %s: %v", name, err))
	}
	return models.ToolCall{ID: id, Name: name, Input: raw}
}

// Name returns "scripted".
func (p *ScriptedProvider) Name() string { return "scripted" }

// Models returns a single placeholder model.
func (p *ScriptedProvider) Models() []agent.Model {
	return []agent.Model{{ID: "scripted", Name: "Scripted", ContextSize: 1 << 20}}
}

// SupportsTools returns true.
func (p *ScriptedProvider) SupportsTools() bool { return true }

// Requests returns the requests received so far.
func (p *ScriptedProvider) Requests() []*agent.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*agent.CompletionRequest(nil), p.requests...)
}

// Calls returns the number of Complete calls.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Complete plays the next step.
func (p *ScriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	snapshot := *req
	snapshot.Messages = append([]agent.CompletionMessage(nil), req.Messages...)
	p.requests = append(p.requests, &snapshot)
	var step ScriptedStep
	if len(p.steps) > 0 {
		idx := p.next
		if idx >= len(p.steps) {
			idx = len(p.steps) - 1
		}
		step = p.steps[idx]
		p.next++
	}
	p.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		if step.Text != "" && !send(ctx, chunks, &agent.CompletionChunk{Text: step.Text}) {
			return
		}
		if step.StreamErr != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: step.StreamErr})
			return
		}
		for i := range step.ToolCalls {
			call := step.ToolCalls[i]
			if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: &call}) {
				return
			}
		}
		send(ctx, chunks, &agent.CompletionChunk{
			Done:         true,
			InputTokens:  step.InputTokens,
			OutputTokens: step.OutputTokens,
		})
	}()
	return chunks, nil
}
