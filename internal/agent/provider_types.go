package agent

import (
	"context"

	"github.com/haasonsaas/pmassist/internal/tools"
	"github.com/haasonsaas/pmassist/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of communicating with a vendor API
// while presenting a unified streaming interface to the controller.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple requests may
// call Complete simultaneously.
//
// See Also:
//   - providers.AnthropicProvider
//   - providers.OpenAIProvider
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools lists the tools the LLM may call.
	Tools []tools.Declaration `json:"tools,omitempty"`

	// MaxTokens limits the generated response. If 0, the provider default
	// is used.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "user", "assistant", "tool"
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Each chunk may contain partial text, a complete tool call, the done
// signal with token usage, or an error that terminates the stream.
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred (streaming is terminated).
	Error error `json:"-"`

	// InputTokens is only populated in the final chunk.
	InputTokens int `json:"input_tokens,omitempty"`

	// OutputTokens is only populated in the final chunk.
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available LLM model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Dispatcher runs tool calls. tools.Registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, call models.ToolCall, session models.SessionContext) tools.Outcome
	Declarations(role models.UserRole) []tools.Declaration
	IsRead(name string) bool
}

// Confirmer executes a confirmed proposal. confirm.Gate implements it.
type Confirmer interface {
	Confirm(ctx context.Context, session models.SessionContext, c models.Confirmation) (models.ActionSummary, error)
}
