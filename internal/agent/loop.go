// Package agent runs the bounded dialogue loop: it sends the conversation to
// an LLM, dispatches the tool calls it asks for, and feeds the results back
// until the LLM answers in text or the iteration ceiling is reached.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/observability"
	"github.com/haasonsaas/pmassist/pkg/models"
)

const (
	// MaxResponseTextSize is the maximum size of accumulated response text (1MB).
	MaxResponseTextSize = 1 << 20

	// MaxToolCallsPerIteration is the maximum number of tool calls per LLM turn.
	MaxToolCallsPerIteration = 32

	// MaxConversationTurns bounds the inbound conversation before truncation.
	MaxConversationTurns = 500
)

// Config configures the dialogue loop.
type Config struct {
	// Model is passed to the provider; empty uses the provider default.
	Model string

	// System replaces the built-in instructions when set.
	System string

	// MaxIterations bounds LLM round trips per request.
	// Default: 5
	MaxIterations int

	// MaxTokens bounds each LLM response.
	// Default: 1024
	MaxTokens int

	// HistoryLimit is the number of turns sent to the LLM.
	// Default: 20
	HistoryLimit int

	// MaxParallelReads bounds concurrently dispatched read tools.
	// Default: 4
	MaxParallelReads int

	// Prices maps model IDs to token prices for cost estimates.
	Prices map[string]Price

	// ExposeDiagnostics adds technical error detail to responses. Never
	// enable in production.
	ExposeDiagnostics bool
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    5,
		MaxTokens:        1024,
		HistoryLimit:     DefaultHistoryLimit,
		MaxParallelReads: 4,
		Prices:           DefaultPrices(),
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.MaxParallelReads <= 0 {
		cfg.MaxParallelReads = defaults.MaxParallelReads
	}
	if cfg.Prices == nil {
		cfg.Prices = defaults.Prices
	}
	return cfg
}

// Options wires the controller's collaborators.
type Options struct {
	Config  Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// Now overrides the clock used in the system prompt.
	Now func() time.Time
}

// Request is one inbound chat request.
type Request struct {
	Conversation []models.Turn         `json:"conversation"`
	Session      models.SessionContext `json:"session"`
	Confirmation *models.Confirmation  `json:"confirmation,omitempty"`
}

// Response is the result of a chat request.
type Response struct {
	Message     string                 `json:"message"`
	Actions     []models.ActionSummary `json:"actions"`
	Usage       models.Usage           `json:"usage"`
	Diagnostics []string               `json:"diagnostics,omitempty"`
}

// LoopState tracks one run of the loop.
type LoopState struct {
	Phase     LoopPhase
	Iteration int
	Messages  []CompletionMessage
	Response  *Response
}

// Controller implements the dialogue loop.
//
// The loop operates as a state machine:
//
//	init ──▶ complete_llm ──▶ dispatch_tools ──▶ continue ──┐
//	              │  ▲                                      │
//	              │  └──────────────────────────────────────┘
//	              ▼
//	            done   (text answer; the iteration ceiling fails the run)
type Controller struct {
	provider  LLMProvider
	tools     Dispatcher
	confirmer Confirmer
	config    Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	now       func() time.Time
}

// NewController creates a controller.
func NewController(provider LLMProvider, dispatcher Dispatcher, confirmer Confirmer, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		provider:  provider,
		tools:     dispatcher,
		confirmer: confirmer,
		config:    sanitizeConfig(opts.Config),
		logger:    logger.With("component", "agent"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		now:       now,
	}
}

// Run executes one request. On failure the returned Response still carries
// the actions and usage accumulated so far.
func (c *Controller) Run(ctx context.Context, req *Request) (*Response, error) {
	state := &LoopState{Phase: PhaseInit, Response: &Response{Actions: []models.ActionSummary{}}}
	resp := state.Response

	if err := c.validate(req); err != nil {
		return resp, err
	}

	turns := truncateHistory(req.Conversation, c.config.HistoryLimit)
	state.Messages = toMessages(turns)

	if req.Confirmation != nil {
		c.applyConfirmation(ctx, req, state)
		if len(turns) == 0 {
			resp.Message = resp.Actions[len(resp.Actions)-1].Message
			return resp, nil
		}
	}

	decls := c.tools.Declarations(req.Session.User.Role)
	system := systemPrompt(c.config.System, req.Session, c.now())

	for state.Iteration < c.config.MaxIterations {
		if err := ctx.Err(); err != nil {
			return resp, apperr.Wrap(apperr.KindOf(err), c.loopError(state, err, ""), "")
		}

		state.Phase = PhaseCompleteLLM
		text, calls, err := c.complete(ctx, state, &CompletionRequest{
			Model:     c.config.Model,
			System:    system,
			Messages:  state.Messages,
			Tools:     decls,
			MaxTokens: c.config.MaxTokens,
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "llm completion failed", "iteration", state.Iteration, "error", err)
			c.diagnose(resp, err)
			return resp, apperr.Wrap(apperr.KindUpstream, c.loopError(state, err, ""), "").WithOp("agent.complete")
		}

		if len(calls) == 0 {
			state.Phase = PhaseDone
			resp.Message = strings.TrimSpace(text)
			return resp, nil
		}

		state.Phase = PhaseDispatchTools
		results := c.dispatch(ctx, req.Session, calls, resp)
		resp.Usage.ToolCalls += len(calls)

		state.Phase = PhaseContinue
		state.Messages = append(state.Messages,
			CompletionMessage{Role: string(models.RoleAssistant), Content: text, ToolCalls: calls},
			CompletionMessage{Role: string(models.RoleTool), ToolResults: results},
		)
		state.Iteration++
	}

	c.logger.WarnContext(ctx, "iteration ceiling reached", "max_iterations", c.config.MaxIterations)
	loopErr := c.loopError(state, ErrMaxIterations, fmt.Sprintf("reached max iterations: %d", c.config.MaxIterations))
	c.diagnose(resp, loopErr)
	return resp, apperr.Wrap(apperr.KindIterationLimit, loopErr, "").WithOp("agent.run")
}

func (c *Controller) validate(req *Request) error {
	if c.provider == nil {
		return apperr.Wrap(apperr.KindInternal, ErrNoProvider, "")
	}
	if req == nil {
		return apperr.New(apperr.KindValidation, "The request body is empty.")
	}
	if err := req.Session.Validate(); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "The request is missing session details: "+err.Error()+".")
	}
	if len(req.Conversation) == 0 && req.Confirmation == nil {
		return apperr.New(apperr.KindValidation, "The conversation must contain at least one message.")
	}
	if len(req.Conversation) > MaxConversationTurns {
		return apperr.Newf(apperr.KindValidation, "The conversation is too long (at most %d turns).", MaxConversationTurns)
	}
	for i, t := range req.Conversation {
		if !t.Role.Valid() {
			return apperr.Newf(apperr.KindValidation, "Turn %d has an unknown role %q.", i+1, t.Role)
		}
	}
	return nil
}

func (c *Controller) loopError(state *LoopState, cause error, msg string) *LoopError {
	return &LoopError{Phase: state.Phase, Iteration: state.Iteration, Cause: cause, Message: msg}
}

func (c *Controller) diagnose(resp *Response, err error) {
	if c.config.ExposeDiagnostics && err != nil {
		resp.Diagnostics = append(resp.Diagnostics, apperr.Diagnostic(err))
	}
}

// applyConfirmation resolves the request's confirmation block without the
// LLM, then records the outcome as a synthetic tool exchange so the LLM can
// phrase the answer.
func (c *Controller) applyConfirmation(ctx context.Context, req *Request, state *LoopState) {
	conf := *req.Confirmation
	summary, err := c.confirmer.Confirm(ctx, req.Session, conf)
	if err != nil {
		c.diagnose(state.Response, err)
	}
	state.Response.Actions = append(state.Response.Actions, summary)

	call := models.ToolCall{ID: "confirm_" + uuid.NewString(), Name: conf.Action, Input: conf.Parameters}
	if len(call.Input) == 0 {
		call.Input = json.RawMessage(`{}`)
	}
	body, _ := json.Marshal(struct {
		Status  models.ActionStatus `json:"status"`
		Message string              `json:"message"`
		Preview string              `json:"preview,omitempty"`
	}{summary.Status, summary.Message, summary.Preview})

	result := models.ToolResult{ToolCallID: call.ID, Content: string(body)}
	if err != nil {
		result.IsError = true
		result.ErrorKind = string(apperr.KindOf(err))
	}
	state.Messages = append(state.Messages,
		CompletionMessage{Role: string(models.RoleAssistant), ToolCalls: []models.ToolCall{call}},
		CompletionMessage{Role: string(models.RoleTool), ToolResults: []models.ToolResult{result}},
	)
}

// complete calls the LLM once and collects its streamed answer.
func (c *Controller) complete(ctx context.Context, state *LoopState, req *CompletionRequest) (string, []models.ToolCall, error) {
	model := req.Model
	ctx, span := c.tracer.TraceLLMRequest(ctx, c.provider.Name(), model, state.Iteration)
	defer span.End()

	start := time.Now()
	var (
		text      strings.Builder
		calls     []models.ToolCall
		inTokens  int
		outTokens int
	)
	err := func() error {
		stream, err := c.provider.Complete(ctx, req)
		if err != nil {
			return err
		}
		for chunk := range stream {
			if chunk.Error != nil {
				return chunk.Error
			}
			if chunk.Text != "" {
				if text.Len()+len(chunk.Text) > MaxResponseTextSize {
					return fmt.Errorf("%w: text over %d bytes", ErrResponseTooLarge, MaxResponseTextSize)
				}
				text.WriteString(chunk.Text)
			}
			if chunk.ToolCall != nil {
				if len(calls) >= MaxToolCallsPerIteration {
					return fmt.Errorf("%w: more than %d tool calls", ErrResponseTooLarge, MaxToolCallsPerIteration)
				}
				call := *chunk.ToolCall
				if call.ID == "" {
					call.ID = "call_" + uuid.NewString()
				}
				if len(call.Input) == 0 {
					call.Input = json.RawMessage(`{}`)
				}
				calls = append(calls, call)
			}
			if chunk.Done {
				inTokens += chunk.InputTokens
				outTokens += chunk.OutputTokens
			}
		}
		return ctx.Err()
	}()

	status := "success"
	if err != nil {
		status = "error"
		c.tracer.RecordError(span, err)
	}
	c.metrics.RecordLLMRequest(c.provider.Name(), model, status, time.Since(start).Seconds(), inTokens, outTokens)

	usage := &state.Response.Usage
	usage.LLMCalls++
	usage.InputTokens += inTokens
	usage.OutputTokens += outTokens
	usage.EstimatedCostUSD += estimateCost(c.config.Prices, model, inTokens, outTokens)

	if err != nil {
		return "", nil, err
	}
	return text.String(), calls, nil
}

// dispatch runs one turn's tool calls. Reads run concurrently up to the
// configured limit; everything else runs afterwards, one at a time, in
// request order. Every call gets exactly one result, in call order.
func (c *Controller) dispatch(ctx context.Context, session models.SessionContext, calls []models.ToolCall, resp *Response) []models.ToolResult {
	outcomes := make([]struct {
		result models.ToolResult
		action *models.ActionSummary
	}, len(calls))

	var g errgroup.Group
	g.SetLimit(c.config.MaxParallelReads)
	var sequential []int
	for i, call := range calls {
		if !c.tools.IsRead(call.Name) {
			sequential = append(sequential, i)
			continue
		}
		g.Go(func() error {
			out := c.tools.Dispatch(ctx, call, session)
			outcomes[i].result = out.Result
			return nil
		})
	}
	_ = g.Wait()

	for _, i := range sequential {
		out := c.tools.Dispatch(ctx, calls[i], session)
		outcomes[i].result = out.Result
		outcomes[i].action = out.Action
	}

	results := make([]models.ToolResult, len(calls))
	for i, o := range outcomes {
		results[i] = o.result
		if results[i].ToolCallID == "" {
			results[i].ToolCallID = calls[i].ID
		}
		if o.action != nil {
			resp.Actions = append(resp.Actions, *o.action)
		}
		if o.result.IsError {
			c.logger.InfoContext(ctx, "tool returned error", "tool", calls[i].Name, "kind", o.result.ErrorKind)
		}
	}
	return results
}
