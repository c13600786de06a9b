package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/pmassist/internal/agent"
	"github.com/haasonsaas/pmassist/internal/tools"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements agent.LLMProvider on go-openai's chat
// completion streaming API. It is safe for concurrent use.
type OpenAIProvider struct {
	BaseProvider
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, including the /v1 suffix.
	BaseURL string

	// MaxRetries is the number of retries after the first attempt.
	// Default: 0
	MaxRetries int

	// RetryDelay is the base backoff delay. Default: 1s
	RetryDelay time.Duration

	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultOpenAIModel
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", config.MaxRetries, config.RetryDelay),
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

// Models returns the GPT models this provider is priced for.
func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ContextSize: 128000},
	}
}

// SupportsTools returns true.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete streams a chat completion. Opening the stream is retried only when
// MaxRetries is set; later failures arrive as an Error chunk.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      p.convertMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := p.Retry(ctx, func(ctx context.Context) error {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, model)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

// processStream converts streamed deltas into chunks. Tool call fragments are
// keyed by index and emitted in index order once the stream finishes.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*pendingToolCall)
	var inputTokens, outputTokens int

	flush := func() bool {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := pending[i]
			if tc.name == "" {
				continue
			}
			if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: tc.finish("")}) {
				return false
			}
		}
		pending = make(map[int]*pendingToolCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flush() {
				return
			}
			send(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return
		}
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" {
			if !send(ctx, chunks, &agent.CompletionChunk{Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &pendingToolCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}

		if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// convertMessages maps completion messages onto chat messages. Each tool
// result becomes its own tool-role message.
func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}
	return result
}

func (p *OpenAIProvider) convertTools(decls []tools.Declaration) []openai.Tool {
	result := make([]openai.Tool, len(decls))
	for i, decl := range decls {
		var schema map[string]any
		if err := json.Unmarshal(decl.Schema, &schema); err != nil {
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   FailureUnknown,
			Message:  apiErr.Message,
		}).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Code != nil {
			providerErr = providerErr.WithCode(fmt.Sprint(apiErr.Code))
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr := NewProviderError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			providerErr = providerErr.WithMessage(reqErr.Err.Error())
		}
		return providerErr
	}

	return NewProviderError("openai", model, err)
}
