package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EntityKind names a family of project records.
type EntityKind string

const (
	KindMilestone EntityKind = "milestone"
	KindTimesheet EntityKind = "timesheet"
	KindExpense   EntityKind = "expense"
	KindRAID      EntityKind = "raid"
	KindTask      EntityKind = "task"
)

// AllKinds lists every entity kind in display order.
var AllKinds = []EntityKind{KindMilestone, KindTimesheet, KindExpense, KindRAID, KindTask}

// ParseEntityKind normalizes a user or LLM supplied kind name.
func ParseEntityKind(raw string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "milestone", "milestones":
		return KindMilestone, nil
	case "timesheet", "timesheets", "time":
		return KindTimesheet, nil
	case "expense", "expenses":
		return KindExpense, nil
	case "raid", "risk", "risks", "assumption", "issue", "issues", "dependency", "raid_item", "raid_items":
		return KindRAID, nil
	case "task", "tasks":
		return KindTask, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
}

// RAID categories stored in Record.Fields["category"].
const (
	RAIDRisk       = "risk"
	RAIDAssumption = "assumption"
	RAIDIssue      = "issue"
	RAIDDependency = "dependency"
)

// Record is a single row of project data as seen through the data store boundary.
type Record struct {
	ID         string         `json:"id"`
	Kind       EntityKind     `json:"kind"`
	ProjectID  string         `json:"projectId"`
	RefCode    string         `json:"refCode,omitempty"`
	Title      string         `json:"title"`
	Status     string         `json:"status,omitempty"`
	ResourceID string         `json:"resourceId,omitempty"`
	PartnerID  string         `json:"partnerId,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// DisplayName renders the record the way it is shown to users.
func (r Record) DisplayName() string {
	label := kindLabel(r)
	switch {
	case r.RefCode != "" && r.Title != "":
		return fmt.Sprintf("%s %s '%s'", label, r.RefCode, r.Title)
	case r.RefCode != "":
		return label + " " + r.RefCode
	default:
		return fmt.Sprintf("%s '%s'", label, r.Title)
	}
}

// Field returns a string form of a named attribute, consulting the typed
// columns before the free-form Fields map.
func (r Record) Field(name string) string {
	switch name {
	case "status":
		return r.Status
	case "title":
		return r.Title
	case "resourceId":
		return r.ResourceID
	}
	if r.Fields == nil {
		return ""
	}
	if v, ok := r.Fields[name]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// Clone returns a deep-enough copy for mutation previews.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

func kindLabel(r Record) string {
	if r.Kind == KindRAID {
		if cat, ok := r.Fields["category"].(string); ok && cat != "" {
			return strings.ToUpper(cat[:1]) + cat[1:]
		}
		return "RAID item"
	}
	s := string(r.Kind)
	if s == "" {
		return "Record"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Candidate is one possible match surfaced for disambiguation.
type Candidate struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status,omitempty"`
}

// ResolvedEntity is the outcome of entity resolution. AmbiguityCount > 1
// means the caller must ask the user to choose.
type ResolvedEntity struct {
	ID             string      `json:"id,omitempty"`
	DisplayName    string      `json:"displayName,omitempty"`
	Kind           EntityKind  `json:"kind"`
	AmbiguityCount int         `json:"ambiguityCount"`
	Candidates     []Candidate `json:"candidates,omitempty"`
	// Truncated is set when more records matched than Candidates holds.
	Truncated bool    `json:"truncated,omitempty"`
	Record    *Record `json:"-"`
}

// Resolved reports whether exactly one record was selected.
func (e ResolvedEntity) Resolved() bool {
	return e.ID != "" && e.AmbiguityCount == 1
}

var prefixes = map[string]struct {
	kind     EntityKind
	category string
}{
	"R":  {KindRAID, RAIDRisk},
	"A":  {KindRAID, RAIDAssumption},
	"I":  {KindRAID, RAIDIssue},
	"D":  {KindRAID, RAIDDependency},
	"M":  {KindMilestone, ""},
	"T":  {KindTask, ""},
	"TS": {KindTimesheet, ""},
	"E":  {KindExpense, ""},
}

// KindForPrefix maps a reference-code prefix such as "R" or "TS" to its
// entity kind and, for RAID items, category.
func KindForPrefix(prefix string) (EntityKind, string, bool) {
	p, ok := prefixes[strings.ToUpper(prefix)]
	return p.kind, p.category, ok
}

// RefPrefix returns the reference-code prefix for a record kind.
func RefPrefix(kind EntityKind, category string) string {
	switch kind {
	case KindMilestone:
		return "M"
	case KindTask:
		return "T"
	case KindTimesheet:
		return "TS"
	case KindExpense:
		return "E"
	case KindRAID:
		switch category {
		case RAIDAssumption:
			return "A"
		case RAIDIssue:
			return "I"
		case RAIDDependency:
			return "D"
		default:
			return "R"
		}
	}
	return ""
}

// FormatRefCode renders a reference code like "R-007".
func FormatRefCode(prefix string, n int) string {
	return fmt.Sprintf("%s-%03d", prefix, n)
}

var refCodePattern = regexp.MustCompile(`^([A-Za-z]{1,3})-?(\d{1,5})$`)

// ParseRefCode recognizes reference-code shaped input ("R-007", "r7",
// "TS-12") and returns its prefix and number.
func ParseRefCode(raw string) (prefix string, n int, ok bool) {
	m := refCodePattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return strings.ToUpper(m[1]), n, true
}

// NormalizeRefCode returns the canonical form of a reference code, or the
// trimmed upper-cased input when it is not code shaped.
func NormalizeRefCode(raw string) string {
	prefix, n, ok := ParseRefCode(raw)
	if !ok {
		return strings.ToUpper(strings.TrimSpace(raw))
	}
	return FormatRefCode(prefix, n)
}
