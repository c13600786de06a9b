// Package providers implements agent.LLMProvider for Anthropic's Claude and
// OpenAI's GPT models, plus a scripted provider for tests and local runs.
//
// Each provider streams its vendor response into agent.CompletionChunk
// values and reports failures as *ProviderError. A failed completion is
// surfaced on the first attempt unless MaxRetries is set.
//
// Example Usage:
//
//	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
//	    APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
//	    DefaultModel: "claude-sonnet-4-20250514",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	chunks, err := provider.Complete(ctx, &agent.CompletionRequest{
//	    System:   "You are a project assistant.",
//	    Messages: []agent.CompletionMessage{{Role: "user", Content: "Which risks are open?"}},
//	})
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/pmassist/internal/agent"
	"github.com/haasonsaas/pmassist/internal/tools"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 1024
)

// maxEmptyStreamEvents is the number of consecutive events without usable
// content after which a stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicProvider implements agent.LLMProvider on the official Anthropic SDK.
// It is safe for concurrent use.
type AnthropicProvider struct {
	BaseProvider
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint (proxies, tests).
	BaseURL string

	// MaxRetries is the number of retries after the first attempt to open
	// a stream. Default: 0, every completion is a single call.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default: 1s
	RetryDelay time.Duration

	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultAnthropicModel
	}

	// Retries happen in Complete, where stream errors are visible.
	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
	}, nil
}

// Models returns the Claude models this provider is priced for.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-haiku-latest", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// SupportsTools returns true.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete streams a completion. Errors opening the stream are retried only
// when MaxRetries allows it; every failure arrives as an Error chunk.
// The channel is closed after a Done or Error chunk.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		primed := false
		err := p.Retry(ctx, func(ctx context.Context) error {
			s := p.client.Messages.NewStreaming(ctx, params)
			if s.Next() {
				stream, primed = s, true
				return nil
			}
			streamErr := s.Err()
			_ = s.Close()
			if streamErr == nil {
				stream, primed = s, false
				return nil
			}
			return p.wrapError(streamErr, model)
		})
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
		defer stream.Close()
		p.processStream(ctx, stream, primed, chunks, model)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		toolParams, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = toolParams
	}
	return params, nil
}

// processStream converts Anthropic stream events into chunks. Tool calls are
// assembled from a content_block_start followed by input_json_delta
// fragments and emitted whole on content_block_stop. When primed is true the
// first event has already been read by Complete.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], primed bool, chunks chan<- *agent.CompletionChunk, model string) {
	var (
		currentToolCall  *pendingToolCall
		currentToolInput strings.Builder
		emptyEventCount  int
		inputTokens      int
		outputTokens     int
	)

	for primed || stream.Next() {
		primed = false
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			if start.Message.Usage.OutputTokens > 0 {
				outputTokens = int(start.Message.Usage.OutputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &pendingToolCall{id: toolUse.ID, name: toolUse.Name}
				currentToolInput.Reset()
			}
			eventProcessed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(ctx, chunks, &agent.CompletionChunk{Text: delta.Text}) {
						return
					}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				call := currentToolCall.finish(currentToolInput.String())
				currentToolCall = nil
				if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
					return
				}
			}
			eventProcessed = true

		case "message_delta":
			if usage := event.AsMessageDelta().Usage; usage.OutputTokens > 0 {
				outputTokens = int(usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			send(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return

		case "error":
			send(ctx, chunks, &agent.CompletionChunk{
				Error: p.wrapError(errors.New("anthropic stream error"), model),
			})
			return
		}

		if eventProcessed {
			emptyEventCount = 0
			continue
		}
		emptyEventCount++
		if emptyEventCount >= maxEmptyStreamEvents {
			send(ctx, chunks, &agent.CompletionChunk{
				Error: p.wrapError(fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount), model),
			})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
		return
	}
	// The stream ended without message_stop.
	send(ctx, chunks, &agent.CompletionChunk{
		Error: p.wrapError(errors.New("stream ended before message_stop"), model),
	})
}

// convertMessages maps completion messages onto Anthropic messages. Tool
// results travel in user messages; messages with no content are dropped.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			input := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(decls []tools.Declaration) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(decls))
	for _, decl := range decls {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(decl.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", decl.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, decl.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", decl.Name)
		}
		toolParam.OfTool.Description = anthropic.String(decl.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return defaultMaxTokens
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := (&ProviderError{
		Provider: "anthropic",
		Model:    model,
		Cause:    err,
		Reason:   FailureUnknown,
		Message:  "anthropic request failed",
	}).WithStatus(apiErr.StatusCode)

	requestID := apiErr.RequestID
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr = providerErr.WithMessage(payload.Error.Message)
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				requestID = payload.RequestID
			}
		}
	}
	if requestID != "" {
		providerErr = providerErr.WithRequestID(requestID)
	}
	return providerErr
}
