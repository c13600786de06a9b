package datastore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pmassist/pkg/models"
)

// Memory is an in-process Store used for tests and local development.
type Memory struct {
	mu      sync.RWMutex
	records map[string]models.Record
	seq     map[string]int
	now     func() time.Time
}

// NewMemory creates an empty store, optionally pre-populated.
func NewMemory(records ...models.Record) *Memory {
	m := &Memory{
		records: make(map[string]models.Record),
		seq:     make(map[string]int),
		now:     time.Now,
	}
	for _, r := range records {
		_, _ = m.Create(context.Background(), r)
	}
	return m
}

func (m *Memory) Get(_ context.Context, kind models.EntityKind, id string) (*models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok || (kind != "" && r.Kind != kind) {
		return nil, ErrNotFound
	}
	out := r.Clone()
	return &out, nil
}

func (m *Memory) Find(_ context.Context, filter Filter) ([]models.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Record
	for _, r := range m.records {
		if Matches(filter, r) {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Update(_ context.Context, kind models.EntityKind, id string, patch Patch) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || (kind != "" && r.Kind != kind) {
		return nil, ErrNotFound
	}
	updated := patch.Apply(r)
	updated.UpdatedAt = m.now().UTC()
	m.records[id] = updated
	out := updated.Clone()
	return &out, nil
}

func (m *Memory) Create(_ context.Context, record models.Record) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if _, exists := m.records[record.ID]; exists {
		return nil, ErrConflict
	}
	category, _ := record.Fields["category"].(string)
	prefix := models.RefPrefix(record.Kind, category)
	seqKey := record.ProjectID + "/" + prefix
	if record.RefCode == "" {
		m.seq[seqKey]++
		record.RefCode = models.FormatRefCode(prefix, m.seq[seqKey])
	} else {
		record.RefCode = models.NormalizeRefCode(record.RefCode)
		if _, n, ok := models.ParseRefCode(record.RefCode); ok && n > m.seq[seqKey] {
			m.seq[seqKey] = n
		}
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = m.now().UTC()
	}
	stored := record.Clone()
	m.records[record.ID] = stored
	out := stored.Clone()
	return &out, nil
}

// Matches reports whether r satisfies every constraint in f.
func Matches(f Filter, r models.Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.ProjectID != "" && r.ProjectID != f.ProjectID {
		return false
	}
	if f.ResourceID != "" && r.ResourceID != f.ResourceID {
		return false
	}
	if f.PartnerID != "" && r.PartnerID != f.PartnerID {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, r.ID) {
		return false
	}
	if f.RefCode != "" && models.NormalizeRefCode(r.RefCode) != models.NormalizeRefCode(f.RefCode) {
		return false
	}
	if len(f.Statuses) > 0 && !containsFold(f.Statuses, r.Status) {
		return false
	}
	if f.TitleContains != "" &&
		!strings.Contains(strings.ToLower(r.Title), strings.ToLower(strings.TrimSpace(f.TitleContains))) {
		return false
	}
	if t := strings.TrimSpace(f.TitleEquals); t != "" && !strings.EqualFold(strings.TrimSpace(r.Title), t) {
		return false
	}
	for k, want := range f.Fields {
		if !strings.EqualFold(r.Field(k), want) {
			return false
		}
	}
	return true
}

func sortRecords(records []models.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].RefCode != records[j].RefCode {
			return records[i].RefCode < records[j].RefCode
		}
		return records[i].ID < records[j].ID
	})
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
