package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/pmassist/internal/agent"
	"github.com/haasonsaas/pmassist/internal/tools"
	"github.com/haasonsaas/pmassist/pkg/models"
)

func TestNewAnthropicProvider(t *testing.T) {
	tests := []struct {
		name        string
		config      AnthropicConfig
		expectError bool
		wantModel   string
	}{
		{
			name:      "valid config",
			config:    AnthropicConfig{APIKey: "test-key", DefaultModel: "claude-opus-4-20250514"},
			wantModel: "claude-opus-4-20250514",
		},
		{
			name:      "default model",
			config:    AnthropicConfig{APIKey: "test-key"},
			wantModel: "claude-sonnet-4-20250514",
		},
		{
			name:        "missing API key",
			config:      AnthropicConfig{APIKey: "  "},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewAnthropicProvider(tt.config)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if provider.Name() != "anthropic" {
				t.Errorf("Name() = %q", provider.Name())
			}
			if provider.getModel("") != tt.wantModel {
				t.Errorf("getModel(\"\") = %q, want %q", provider.getModel(""), tt.wantModel)
			}
			if !provider.SupportsTools() {
				t.Error("SupportsTools() = false")
			}
		})
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	tests := []struct {
		name     string
		messages []agent.CompletionMessage
		wantLen  int
		wantErr  bool
	}{
		{
			name:     "simple user message",
			messages: []agent.CompletionMessage{{Role: "user", Content: "Which risks are open?"}},
			wantLen:  1,
		},
		{
			name: "system and empty messages are skipped",
			messages: []agent.CompletionMessage{
				{Role: "system", Content: "ignored"},
				{Role: "user", Content: "Hello"},
				{Role: "assistant"},
			},
			wantLen: 1,
		},
		{
			name: "tool call and result",
			messages: []agent.CompletionMessage{
				{Role: "user", Content: "List risks"},
				{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "c1", Name: "list_raid_items", Input: json.RawMessage(`{"category":"risk"}`)}}},
				{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: `{"count":1}`}}},
			},
			wantLen: 3,
		},
		{
			name: "tool call without input",
			messages: []agent.CompletionMessage{
				{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "c1", Name: "list_milestones"}}},
			},
			wantLen: 1,
		},
		{
			name: "invalid tool call JSON",
			messages: []agent.CompletionMessage{
				{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "c1", Name: "x", Input: json.RawMessage(`invalid`)}}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := provider.convertMessages(tt.messages)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(result), tt.wantLen)
			}
		})
	}
}

func TestAnthropicConvertMessagesRoles(t *testing.T) {
	provider, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	result, err := provider.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "x", IsError: true}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []anthropic.MessageParamRole{
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
	}
	for i, msg := range result {
		if msg.Role != want[i] {
			t.Errorf("message %d role = %q, want %q", i, msg.Role, want[i])
		}
	}
}

func TestAnthropicConvertTools(t *testing.T) {
	provider, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})

	decls := []tools.Declaration{{
		Name:        "list_tasks",
		Description: "List tasks",
		Schema:      json.RawMessage(`{"type":"object","properties":{"status":{"type":"string"}}}`),
	}}
	result, err := provider.convertTools(decls)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 1 || result[0].OfTool == nil {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result[0].OfTool.Name != "list_tasks" {
		t.Errorf("name = %q", result[0].OfTool.Name)
	}

	if _, err := provider.convertTools([]tools.Declaration{{Name: "bad", Schema: json.RawMessage(`{`)}}); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestWrapAnthropicError(t *testing.T) {
	provider, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})

	apiErr := &anthropic.Error{StatusCode: 429, RequestID: "req_123"}
	wrapped := provider.wrapError(apiErr, "claude-sonnet-4-20250514")
	providerErr, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", wrapped)
	}
	if providerErr.Status != 429 {
		t.Errorf("status = %d, want 429", providerErr.Status)
	}
	if providerErr.Reason != FailureRateLimit {
		t.Errorf("reason = %v, want %v", providerErr.Reason, FailureRateLimit)
	}
	if providerErr.RequestID != "req_123" {
		t.Errorf("request ID = %q", providerErr.RequestID)
	}

	if provider.wrapError(nil, "m") != nil {
		t.Error("wrapError(nil) should be nil")
	}
	if again := provider.wrapError(wrapped, "m"); again != wrapped {
		t.Error("already wrapped errors should pass through")
	}
}

func writeSSE(w http.ResponseWriter, events [][2]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, e := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e[0], e[1])
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func collect(t *testing.T, ch <-chan *agent.CompletionChunk) (string, []*models.ToolCall, *agent.CompletionChunk, error) {
	t.Helper()
	var text strings.Builder
	var calls []*models.ToolCall
	var done *agent.CompletionChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return text.String(), calls, done, nil
			}
			if chunk.Error != nil {
				return text.String(), calls, done, chunk.Error
			}
			text.WriteString(chunk.Text)
			if chunk.ToolCall != nil {
				calls = append(calls, chunk.ToolCall)
			}
			if chunk.Done {
				done = chunk
			}
		case <-timeout:
			t.Fatal("timed out waiting for chunks")
		}
	}
}

func TestAnthropicStreamingToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing x-api-key header")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "claude-sonnet-4-20250514" {
			t.Errorf("model = %v", body["model"])
		}
		writeSSE(w, [][2]string{
			{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","usage":{"input_tokens":42,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"list_raid_items","input":{}}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"category\":"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"risk\"}"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":1}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":17}}`},
			{"message_stop", `{"type":"message_stop"}`},
		})
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	ch, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "open risks?"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	text, calls, done, err := collect(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "Checking" {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].ID != "toolu_1" || calls[0].Name != "list_raid_items" {
		t.Fatalf("calls = %+v", calls)
	}
	if string(calls[0].Input) != `{"category":"risk"}` {
		t.Errorf("input = %s", calls[0].Input)
	}
	if done == nil || done.InputTokens != 42 || done.OutputTokens != 17 {
		t.Errorf("done = %+v", done)
	}
}

func TestAnthropicTransientFailureIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer server.Close()

	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	ch, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	_, _, _, err = collect(t, ch)
	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if providerErr.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", providerErr.Status)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestAnthropicRetriesWhenConfigured(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		writeSSE(w, [][2]string{
			{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"m","usage":{"input_tokens":1,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_stop", `{"type":"message_stop"}`},
		})
	}))
	defer server.Close()

	provider, _ := NewAnthropicProvider(AnthropicConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL + "/",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	ch, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	text, _, _, err := collect(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q", text)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestAnthropicPermanentFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer server.Close()

	provider, _ := NewAnthropicProvider(AnthropicConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL + "/",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})
	ch, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	_, _, _, err = collect(t, ch)
	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if providerErr.Reason != FailureAuth {
		t.Errorf("reason = %v, want %v", providerErr.Reason, FailureAuth)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}
