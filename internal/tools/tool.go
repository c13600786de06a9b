// Package tools holds the tool dispatch registry. Tools come in two
// variants: ReadTool answers a scoped query and may be cached; MutatingTool
// changes project data and can only run through the confirmation gate.
package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/pmassist/internal/datastore"
	"github.com/haasonsaas/pmassist/internal/scope"
	"github.com/haasonsaas/pmassist/pkg/models"
)

// Definition is the part of a tool shared by both variants.
type Definition struct {
	// Name is the function name exposed to the LLM.
	Name string

	// Description tells the LLM when to use the tool.
	Description string

	// Resource is the entity kind the tool touches.
	Resource models.EntityKind

	// ResourceParam, when set, names a string parameter whose value selects
	// the resource at call time instead of Resource.
	ResourceParam string

	// Params is a pointer to the zero value of the parameter struct. Its JSON
	// Schema is reflected at registration and used for validation.
	Params any
}

// ReadRequest is what a read handler receives after permission checks.
type ReadRequest struct {
	Session  models.SessionContext
	Resource models.EntityKind
	// Scope is the filter the permission layer produced. Handlers must start
	// from it and only add constraints.
	Scope  datastore.Filter
	Params json.RawMessage
}

// ReadTool is a side-effect free query.
type ReadTool struct {
	Definition

	// Cacheable enables the TTL response cache for this tool.
	Cacheable bool

	Handler func(ctx context.Context, req ReadRequest) (any, error)
}

// Proposal is the output of a mutating tool's Prepare step.
type Proposal struct {
	// Parameters is the canonical form of the mutation with every entity
	// reference replaced by its resolved ID.
	Parameters any

	// Preview is the human-readable before/after description.
	Preview string

	// Target is the record that will change; nil for creates.
	Target *models.Record
}

// Execution reports a completed mutation.
type Execution struct {
	Message  string
	RecordID string
}

// MutatingTool changes project data. The registry never calls Execute; only
// the confirmation gate does, after an explicit confirmation.
type MutatingTool struct {
	Definition

	// Operation is the permission the mutation needs on Resource.
	Operation scope.Operation

	// Prepare resolves references and builds the proposal. It must not
	// mutate anything.
	Prepare func(ctx context.Context, session models.SessionContext, params json.RawMessage) (Proposal, error)

	// Target re-reads the record named by canonical parameters so the gate
	// can re-check ownership at confirmation time. Nil for creates.
	Target func(ctx context.Context, canonical json.RawMessage) (*models.Record, error)

	// Execute applies canonical parameters exactly once.
	Execute func(ctx context.Context, session models.SessionContext, canonical json.RawMessage) (Execution, error)
}

// Declaration is the tool description sent to the LLM.
type Declaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"input_schema"`
	Mutating    bool            `json:"-"`
}

// Outcome is the result of dispatching one tool call.
type Outcome struct {
	Result models.ToolResult
	// Action is set when a mutating call produced a proposal.
	Action *models.ActionSummary
}
