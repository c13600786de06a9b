package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for agent operations
var (
	// ErrMaxIterations indicates the loop exceeded its iteration limit
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrResponseTooLarge indicates the LLM produced more output than allowed
	ErrResponseTooLarge = errors.New("response exceeds size limits")
)

// LoopError records which phase and iteration of the dialogue loop failed.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the loop iteration where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase represents a distinct phase in the dialogue loop lifecycle.
type LoopPhase string

const (
	// PhaseInit validates the request and prepares history
	PhaseInit LoopPhase = "init"

	// PhaseCompleteLLM sends the conversation to the LLM
	PhaseCompleteLLM LoopPhase = "complete_llm"

	// PhaseDispatchTools runs the requested tool calls
	PhaseDispatchTools LoopPhase = "dispatch_tools"

	// PhaseContinue appends tool results before the next LLM call
	PhaseContinue LoopPhase = "continue"

	// PhaseDone is reached when the LLM answers without tool calls
	PhaseDone LoopPhase = "done"
)
