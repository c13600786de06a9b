package pm

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/pmassist/internal/tools"
	"github.com/haasonsaas/pmassist/pkg/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type listMilestonesParams struct {
	Status string `json:"status,omitempty" jsonschema:"enum=planned,enum=in_progress,enum=at_risk,enum=completed,description=Only milestones in this status"`
	Search string `json:"search,omitempty" jsonschema:"description=Text the milestone title must contain"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,description=Maximum number of milestones to return (default 20)"`
}

type listTasksParams struct {
	Status string `json:"status,omitempty" jsonschema:"enum=todo,enum=in_progress,enum=blocked,enum=done,description=Only tasks in this status"`
	Search string `json:"search,omitempty" jsonschema:"description=Text the task title must contain"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
}

type listRAIDParams struct {
	Category string `json:"category,omitempty" jsonschema:"enum=risk,enum=assumption,enum=issue,enum=dependency,description=RAID category"`
	Status   string `json:"status,omitempty" jsonschema:"enum=open,enum=mitigating,enum=closed"`
	Search   string `json:"search,omitempty" jsonschema:"description=Text the item title must contain"`
	Limit    int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
}

type listTimesheetsParams struct {
	Status string `json:"status,omitempty" jsonschema:"enum=draft,enum=submitted,enum=approved,enum=rejected"`
	Search string `json:"search,omitempty" jsonschema:"description=Text the timesheet title must contain"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
}

type listExpensesParams struct {
	Status string `json:"status,omitempty" jsonschema:"enum=submitted,enum=approved,enum=rejected,enum=reimbursed"`
	Search string `json:"search,omitempty" jsonschema:"description=Text the expense description must contain"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100"`
}

type lookupParams struct {
	Kind      string `json:"kind" jsonschema:"enum=milestone,enum=task,enum=raid,enum=timesheet,enum=expense,description=Record type"`
	Reference string `json:"reference" jsonschema:"minLength=1,description=Reference code (e.g. R-007) or title or ID"`
}

// listInput is the union of every list tool's parameters. The schema has
// already rejected fields a given tool does not declare.
type listInput struct {
	Status   string `json:"status"`
	Category string `json:"category"`
	Search   string `json:"search"`
	Limit    int    `json:"limit"`
}

// RecordView is the LLM-facing rendering of a record.
type RecordView struct {
	ID        string         `json:"id"`
	Ref       string         `json:"ref,omitempty"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Status    string         `json:"status,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	UpdatedAt string         `json:"updatedAt,omitempty"`
}

// ListResult is returned by the list tools.
type ListResult struct {
	Count     int          `json:"count"`
	Records   []RecordView `json:"records"`
	Truncated bool         `json:"truncated,omitempty"`
}

func view(r models.Record) RecordView {
	v := RecordView{
		ID:     r.ID,
		Ref:    r.RefCode,
		Kind:   string(r.Kind),
		Title:  r.Title,
		Status: r.Status,
		Fields: r.Fields,
	}
	if !r.UpdatedAt.IsZero() {
		v.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (t *Tools) readTools() []*tools.ReadTool {
	return []*tools.ReadTool{
		t.listTool("list_milestones", models.KindMilestone, &listMilestonesParams{},
			"List project milestones with their status. Use search to narrow by title."),
		t.listTool("list_tasks", models.KindTask, &listTasksParams{},
			"List project tasks. Contributors only see their own tasks."),
		t.listTool("list_raid_items", models.KindRAID, &listRAIDParams{},
			"List risks, assumptions, issues and dependencies (RAID log). Filter by category or status."),
		t.listTool("list_timesheets", models.KindTimesheet, &listTimesheetsParams{},
			"List timesheets visible to the user. Filter by status to find ones awaiting review."),
		t.listTool("list_expenses", models.KindExpense, &listExpensesParams{},
			"List expense claims visible to the user. Filter by status to find ones awaiting review."),
		{
			Definition: tools.Definition{
				Name:          "lookup_record",
				Description:   "Fetch a single record by reference code, title or ID. Returns candidates when the reference is ambiguous.",
				ResourceParam: "kind",
				Params:        &lookupParams{},
			},
			Cacheable: true,
			Handler:   t.lookup,
		},
	}
}

func (t *Tools) listTool(name string, kind models.EntityKind, params any, description string) *tools.ReadTool {
	return &tools.ReadTool{
		Definition: tools.Definition{
			Name:        name,
			Description: description,
			Resource:    kind,
			Params:      params,
		},
		Cacheable: true,
		Handler:   t.list,
	}
}

func (t *Tools) list(ctx context.Context, req tools.ReadRequest) (any, error) {
	var in listInput
	if err := decode(req.Params, &in); err != nil {
		return nil, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	f := req.Scope
	if in.Status != "" {
		f.Statuses = []string{in.Status}
	}
	if search := strings.TrimSpace(in.Search); search != "" {
		f.TitleContains = search
	}
	if in.Category != "" {
		fields := make(map[string]string, len(f.Fields)+1)
		for k, v := range f.Fields {
			fields[k] = v
		}
		fields["category"] = in.Category
		f.Fields = fields
	}
	// One extra row tells us whether the list was cut short.
	f.Limit = limit + 1

	records, err := t.store.Find(ctx, f)
	if err != nil {
		return nil, err
	}
	out := ListResult{}
	if len(records) > limit {
		records = records[:limit]
		out.Truncated = true
	}
	out.Records = make([]RecordView, 0, len(records))
	for _, r := range records {
		out.Records = append(out.Records, view(r))
	}
	out.Count = len(out.Records)
	return out, nil
}

func (t *Tools) lookup(ctx context.Context, req tools.ReadRequest) (any, error) {
	var in lookupParams
	if err := decode(req.Params, &in); err != nil {
		return nil, err
	}
	rec, err := t.resolve(ctx, req.Session, in.Reference, req.Resource)
	if err != nil {
		return nil, err
	}
	return view(*rec), nil
}
