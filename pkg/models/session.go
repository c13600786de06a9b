package models

import (
	"errors"
	"strings"
)

// UserRole names a permission role in the scoping matrix.
type UserRole string

const (
	UserRoleAdmin          UserRole = "admin"
	UserRoleProjectManager UserRole = "project_manager"
	UserRoleContributor    UserRole = "contributor"
	UserRolePartner        UserRole = "partner"
	UserRoleViewer         UserRole = "viewer"
)

// UserContext describes the caller on whose behalf a request runs.
type UserContext struct {
	Role UserRole `json:"role"`
	// ResourceID identifies records the user owns (timesheets, expenses, tasks).
	ResourceID string `json:"resourceId,omitempty"`
	// PartnerID scopes a tenant partner to its own records.
	PartnerID   string `json:"partnerId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// SessionContext is the immutable per-request bundle. It is built once from
// the inbound request and never persisted.
type SessionContext struct {
	ProjectID string      `json:"projectId"`
	User      UserContext `json:"user"`
}

// Validate checks the fields every request must carry.
func (s SessionContext) Validate() error {
	if strings.TrimSpace(s.ProjectID) == "" {
		return errors.New("projectId is required")
	}
	if strings.TrimSpace(string(s.User.Role)) == "" {
		return errors.New("user.role is required")
	}
	return nil
}

// Identity returns the stable identity string used for cache keys, rate
// limiting, and ownership of pending actions.
func (s SessionContext) Identity() string {
	return strings.Join([]string{
		string(s.User.Role),
		s.User.ResourceID,
		s.User.PartnerID,
		strings.ToLower(strings.TrimSpace(s.User.DisplayName)),
	}, "|")
}
