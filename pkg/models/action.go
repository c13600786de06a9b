package models

import (
	"encoding/json"
	"time"
)

// ActionStatus is the lifecycle state of a mutation proposal.
type ActionStatus string

const (
	ActionProposed  ActionStatus = "proposed"
	ActionConfirmed ActionStatus = "confirmed"
	ActionSucceeded ActionStatus = "executed"
	ActionFailed    ActionStatus = "failed"
	ActionRejected  ActionStatus = "rejected"
)

// PendingAction is a proposed mutation awaiting explicit confirmation.
type PendingAction struct {
	Token       string          `json:"token"`
	ActionName  string          `json:"action"`
	Parameters  json.RawMessage `json:"parameters"`
	PreviewText string          `json:"preview"`
	Confirmed   bool            `json:"confirmed"`
	Identity    string          `json:"identity"`
	ProjectID   string          `json:"projectId"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

// Expired reports whether the proposal can no longer be confirmed.
func (p PendingAction) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Confirmation is the client's resubmission of a proposed action. Parameters
// must be echoed byte-for-byte from the proposal.
type Confirmation struct {
	Token      string          `json:"token"`
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters"`
	Confirmed  bool            `json:"confirmed"`
}

// ActionSummary describes a proposed or executed action in a chat response.
type ActionSummary struct {
	Action     string          `json:"action"`
	Status     ActionStatus    `json:"status"`
	Token      string          `json:"token,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Preview    string          `json:"preview,omitempty"`
	Message    string          `json:"message,omitempty"`
	RecordID   string          `json:"recordId,omitempty"`
}
