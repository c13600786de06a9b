package pm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/datastore"
	"github.com/haasonsaas/pmassist/internal/scope"
	"github.com/haasonsaas/pmassist/internal/tools"
	"github.com/haasonsaas/pmassist/pkg/models"
)

const dateLayout = "2006-01-02"

// recordChange is the canonical parameter form of every update. References
// are already resolved to IDs, so confirming it cannot retarget the change.
type recordChange struct {
	ID     string            `json:"id"`
	Kind   models.EntityKind `json:"kind"`
	Title  *string           `json:"title,omitempty"`
	Status *string           `json:"status,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

func (c recordChange) patch() datastore.Patch {
	return datastore.Patch{Title: c.Title, Status: c.Status, Fields: c.Fields}
}

// recordCreate is the canonical parameter form of a create.
type recordCreate struct {
	Kind   models.EntityKind `json:"kind"`
	Title  string            `json:"title"`
	Status string            `json:"status"`
	Fields map[string]any    `json:"fields,omitempty"`
}

type updateMilestoneParams struct {
	Milestone string `json:"milestone" jsonschema:"minLength=1,description=Reference code (M-003) or title of the milestone"`
	Status    string `json:"status,omitempty" jsonschema:"enum=planned,enum=in_progress,enum=at_risk,enum=completed"`
	DueDate   string `json:"due_date,omitempty" jsonschema:"description=New due date as YYYY-MM-DD"`
	Title     string `json:"title,omitempty" jsonschema:"description=New title"`
}

type updateTaskParams struct {
	Task    string `json:"task" jsonschema:"minLength=1,description=Reference code (T-012) or title of the task"`
	Status  string `json:"status,omitempty" jsonschema:"enum=todo,enum=in_progress,enum=blocked,enum=done"`
	DueDate string `json:"due_date,omitempty" jsonschema:"description=New due date as YYYY-MM-DD"`
	Title   string `json:"title,omitempty" jsonschema:"description=New title"`
}

type closeRAIDParams struct {
	Item       string `json:"item" jsonschema:"minLength=1,description=Reference code (R-007) or title of the RAID item"`
	Resolution string `json:"resolution,omitempty" jsonschema:"description=How the item was resolved"`
}

type reviewParams struct {
	Reference string `json:"reference" jsonschema:"minLength=1,description=Reference code or title of the submitted item"`
	Decision  string `json:"decision" jsonschema:"enum=approve,enum=reject"`
	Comment   string `json:"comment,omitempty" jsonschema:"description=Reviewer comment shown to the submitter"`
}

type logTimesheetParams struct {
	WeekStarting string  `json:"week_starting" jsonschema:"minLength=10,maxLength=10,description=Monday of the week as YYYY-MM-DD"`
	Hours        float64 `json:"hours" jsonschema:"exclusiveMinimum=0,maximum=168"`
	Task         string  `json:"task,omitempty" jsonschema:"description=Optional task reference the hours were spent on"`
	Notes        string  `json:"notes,omitempty"`
}

type submitExpenseParams struct {
	Description string  `json:"description" jsonschema:"minLength=1"`
	Amount      float64 `json:"amount" jsonschema:"exclusiveMinimum=0"`
	Currency    string  `json:"currency,omitempty" jsonschema:"minLength=3,maxLength=3,description=ISO currency code (default USD)"`
	Date        string  `json:"date,omitempty" jsonschema:"description=Date incurred as YYYY-MM-DD (default today)"`
}

func (t *Tools) mutatingTools() []*tools.MutatingTool {
	return []*tools.MutatingTool{
		t.updateTool("update_milestone", models.KindMilestone, &updateMilestoneParams{}, scope.OpUpdate,
			"Propose a change to a milestone's status, due date or title. The user must confirm before anything changes.",
			t.prepareMilestone),
		t.updateTool("update_task", models.KindTask, &updateTaskParams{}, scope.OpUpdate,
			"Propose a change to a task's status, due date or title. The user must confirm before anything changes.",
			t.prepareTask),
		t.updateTool("close_raid_item", models.KindRAID, &closeRAIDParams{}, scope.OpClose,
			"Propose closing a risk, assumption, issue or dependency. The user must confirm before anything changes.",
			t.prepareClose),
		t.updateTool("review_timesheet", models.KindTimesheet, &reviewParams{}, scope.OpApprove,
			"Propose approving or rejecting a submitted timesheet. The user must confirm before anything changes.",
			t.prepareReview(models.KindTimesheet)),
		t.updateTool("review_expense", models.KindExpense, &reviewParams{}, scope.OpApprove,
			"Propose approving or rejecting a submitted expense claim. The user must confirm before anything changes.",
			t.prepareReview(models.KindExpense)),
		{
			Definition: tools.Definition{
				Name:        "log_timesheet",
				Description: "Propose a new draft timesheet for a week. The user must confirm before it is created.",
				Resource:    models.KindTimesheet,
				Params:      &logTimesheetParams{},
			},
			Operation: scope.OpCreate,
			Prepare:   t.prepareTimesheet,
			Execute:   t.executeCreate,
		},
		{
			Definition: tools.Definition{
				Name:        "submit_expense",
				Description: "Propose a new expense claim. The user must confirm before it is submitted.",
				Resource:    models.KindExpense,
				Params:      &submitExpenseParams{},
			},
			Operation: scope.OpCreate,
			Prepare:   t.prepareExpense,
			Execute:   t.executeCreate,
		},
	}
}

type prepareFunc func(ctx context.Context, session models.SessionContext, params json.RawMessage) (*models.Record, recordChange, error)

func (t *Tools) updateTool(name string, kind models.EntityKind, params any, op scope.Operation, description string, prepare prepareFunc) *tools.MutatingTool {
	return &tools.MutatingTool{
		Definition: tools.Definition{
			Name:        name,
			Description: description,
			Resource:    kind,
			Params:      params,
		},
		Operation: op,
		Prepare: func(ctx context.Context, session models.SessionContext, raw json.RawMessage) (tools.Proposal, error) {
			rec, change, err := prepare(ctx, session, raw)
			if err != nil {
				return tools.Proposal{}, err
			}
			change.ID = rec.ID
			change.Kind = rec.Kind
			return tools.Proposal{Parameters: change, Preview: Preview(*rec, change.patch()), Target: rec}, nil
		},
		Target:  t.target,
		Execute: t.executeUpdate,
	}
}

func (t *Tools) prepareMilestone(ctx context.Context, session models.SessionContext, raw json.RawMessage) (*models.Record, recordChange, error) {
	var in updateMilestoneParams
	if err := decode(raw, &in); err != nil {
		return nil, recordChange{}, err
	}
	rec, err := t.resolve(ctx, session, in.Milestone, models.KindMilestone)
	if err != nil {
		return nil, recordChange{}, err
	}
	change, err := scheduleChange(*rec, in.Status, in.DueDate, in.Title)
	return rec, change, err
}

func (t *Tools) prepareTask(ctx context.Context, session models.SessionContext, raw json.RawMessage) (*models.Record, recordChange, error) {
	var in updateTaskParams
	if err := decode(raw, &in); err != nil {
		return nil, recordChange{}, err
	}
	rec, err := t.resolve(ctx, session, in.Task, models.KindTask)
	if err != nil {
		return nil, recordChange{}, err
	}
	change, err := scheduleChange(*rec, in.Status, in.DueDate, in.Title)
	return rec, change, err
}

// scheduleChange builds the change for milestone and task updates, dropping
// values that match what the record already has.
func scheduleChange(rec models.Record, status, dueDate, title string) (recordChange, error) {
	var change recordChange
	if status != "" && status != rec.Status {
		change.Status = &status
	}
	if title = strings.TrimSpace(title); title != "" && title != rec.Title {
		change.Title = &title
	}
	if dueDate != "" {
		d, err := time.Parse(dateLayout, dueDate)
		if err != nil {
			return change, apperr.Newf(apperr.KindValidation, "%q isn't a date I understand. Use YYYY-MM-DD.", dueDate)
		}
		if formatted := d.Format(dateLayout); formatted != rec.Field("due_date") {
			change.Fields = map[string]any{"due_date": formatted}
		}
	}
	if change.patch().Empty() {
		return change, apperr.Newf(apperr.KindValidation, "%s already looks like that, so there is nothing to change.", rec.DisplayName())
	}
	return change, nil
}

func (t *Tools) prepareClose(ctx context.Context, session models.SessionContext, raw json.RawMessage) (*models.Record, recordChange, error) {
	var in closeRAIDParams
	if err := decode(raw, &in); err != nil {
		return nil, recordChange{}, err
	}
	rec, err := t.resolve(ctx, session, in.Item, models.KindRAID)
	if err != nil {
		return nil, recordChange{}, err
	}
	if rec.Status == "closed" {
		return nil, recordChange{}, apperr.Newf(apperr.KindValidation, "%s is already closed.", rec.DisplayName())
	}
	closed := "closed"
	change := recordChange{Status: &closed}
	if r := strings.TrimSpace(in.Resolution); r != "" {
		change.Fields = map[string]any{"resolution": r}
	}
	return rec, change, nil
}

func (t *Tools) prepareReview(kind models.EntityKind) prepareFunc {
	return func(ctx context.Context, session models.SessionContext, raw json.RawMessage) (*models.Record, recordChange, error) {
		var in reviewParams
		if err := decode(raw, &in); err != nil {
			return nil, recordChange{}, err
		}
		rec, err := t.resolve(ctx, session, in.Reference, kind)
		if err != nil {
			return nil, recordChange{}, err
		}
		if rec.Status != "submitted" {
			return nil, recordChange{}, apperr.Newf(apperr.KindValidation,
				"%s is %s. Only submitted %ss can be reviewed.", rec.DisplayName(), statusLabel(rec.Status), kind)
		}
		status := "approved"
		if in.Decision == "reject" {
			status = "rejected"
		}
		change := recordChange{Status: &status, Fields: map[string]any{}}
		if reviewer := strings.TrimSpace(session.User.DisplayName); reviewer != "" {
			change.Fields["reviewed_by"] = reviewer
		}
		if c := strings.TrimSpace(in.Comment); c != "" {
			change.Fields["review_comment"] = c
		}
		if len(change.Fields) == 0 {
			change.Fields = nil
		}
		return rec, change, nil
	}
}

func (t *Tools) prepareTimesheet(ctx context.Context, session models.SessionContext, raw json.RawMessage) (tools.Proposal, error) {
	var in logTimesheetParams
	if err := decode(raw, &in); err != nil {
		return tools.Proposal{}, err
	}
	week, err := time.Parse(dateLayout, in.WeekStarting)
	if err != nil {
		return tools.Proposal{}, apperr.Newf(apperr.KindValidation, "%q isn't a date I understand. Use YYYY-MM-DD.", in.WeekStarting)
	}
	hours := math.Round(in.Hours*100) / 100
	create := recordCreate{
		Kind:   models.KindTimesheet,
		Title:  "Week of " + week.Format(dateLayout),
		Status: "draft",
		Fields: map[string]any{
			"week_starting": week.Format(dateLayout),
			"hours":         hours,
		},
	}
	if ref := strings.TrimSpace(in.Task); ref != "" {
		task, err := t.resolve(ctx, session, ref, models.KindTask)
		if err != nil {
			return tools.Proposal{}, err
		}
		create.Fields["task_id"] = task.ID
		create.Fields["task_ref"] = task.RefCode
	}
	if n := strings.TrimSpace(in.Notes); n != "" {
		create.Fields["notes"] = n
	}
	preview := fmt.Sprintf("New timesheet '%s': %s hours, status draft", create.Title, formatNumber(hours))
	if ref, ok := create.Fields["task_ref"].(string); ok && ref != "" {
		preview += ", task " + ref
	}
	return tools.Proposal{Parameters: create, Preview: preview}, nil
}

func (t *Tools) prepareExpense(_ context.Context, _ models.SessionContext, raw json.RawMessage) (tools.Proposal, error) {
	var in submitExpenseParams
	if err := decode(raw, &in); err != nil {
		return tools.Proposal{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}
	incurred := t.now().UTC()
	if in.Date != "" {
		d, err := time.Parse(dateLayout, in.Date)
		if err != nil {
			return tools.Proposal{}, apperr.Newf(apperr.KindValidation, "%q isn't a date I understand. Use YYYY-MM-DD.", in.Date)
		}
		incurred = d
	}
	amount := math.Round(in.Amount*100) / 100
	create := recordCreate{
		Kind:   models.KindExpense,
		Title:  strings.TrimSpace(in.Description),
		Status: "submitted",
		Fields: map[string]any{
			"amount":   amount,
			"currency": currency,
			"date":     incurred.Format(dateLayout),
		},
	}
	preview := fmt.Sprintf("New expense '%s': %s %s on %s, status submitted",
		create.Title, strconv.FormatFloat(amount, 'f', 2, 64), currency, incurred.Format(dateLayout))
	return tools.Proposal{Parameters: create, Preview: preview}, nil
}

func (t *Tools) target(ctx context.Context, canonical json.RawMessage) (*models.Record, error) {
	var change recordChange
	if err := decode(canonical, &change); err != nil {
		return nil, err
	}
	return t.store.Get(ctx, change.Kind, change.ID)
}

func (t *Tools) executeUpdate(ctx context.Context, _ models.SessionContext, canonical json.RawMessage) (tools.Execution, error) {
	var change recordChange
	if err := decode(canonical, &change); err != nil {
		return tools.Execution{}, err
	}
	updated, err := t.store.Update(ctx, change.Kind, change.ID, change.patch())
	if err != nil {
		return tools.Execution{}, err
	}
	msg := "Updated " + updated.DisplayName() + "."
	if change.Status != nil {
		msg = fmt.Sprintf("%s is now %s.", updated.DisplayName(), statusLabel(updated.Status))
	}
	return tools.Execution{Message: msg, RecordID: updated.ID}, nil
}

func (t *Tools) executeCreate(ctx context.Context, session models.SessionContext, canonical json.RawMessage) (tools.Execution, error) {
	var create recordCreate
	if err := decode(canonical, &create); err != nil {
		return tools.Execution{}, err
	}
	rec, err := t.enforcer.Stamp(session, models.Record{
		Kind:   create.Kind,
		Title:  create.Title,
		Status: create.Status,
		Fields: create.Fields,
	})
	if err != nil {
		return tools.Execution{}, err
	}
	created, err := t.store.Create(ctx, rec)
	if err != nil {
		return tools.Execution{}, err
	}
	return tools.Execution{Message: "Created " + created.DisplayName() + ".", RecordID: created.ID}, nil
}

// Preview renders the before/after text for an update, e.g.
// "Risk R-007 'Vendor delay' status: open → closed".
func Preview(rec models.Record, p datastore.Patch) string {
	var changes []string
	if p.Status != nil {
		changes = append(changes, fmt.Sprintf("status: %s → %s", statusLabel(rec.Status), statusLabel(*p.Status)))
	}
	if p.Title != nil {
		changes = append(changes, fmt.Sprintf("title: '%s' → '%s'", rec.Title, *p.Title))
	}
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		before := rec.Field(k)
		if before == "" {
			before = "(none)"
		}
		changes = append(changes, fmt.Sprintf("%s: %s → %v", strings.ReplaceAll(k, "_", " "), before, p.Fields[k]))
	}
	return rec.DisplayName() + " " + strings.Join(changes, "; ")
}

func statusLabel(s string) string {
	if s == "" {
		return "(none)"
	}
	return strings.ReplaceAll(s, "_", " ")
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
