package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/haasonsaas/pmassist/internal/retry"
	"github.com/haasonsaas/pmassist/internal/storage"
	"github.com/haasonsaas/pmassist/pkg/models"
)

const recordColumns = `id, kind, project_id, ref_code, title, status, resource_id, partner_id, fields, version, updated_at`

var fieldKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// SQL is a Store over the records table.
type SQL struct {
	db  *storage.DB
	now func() time.Time
}

// NewSQL creates a SQL-backed store.
func NewSQL(db *storage.DB) *SQL {
	return &SQL{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (models.Record, int64, error) {
	var r models.Record
	var kind, fields string
	var version int64
	if err := row.Scan(&r.ID, &kind, &r.ProjectID, &r.RefCode, &r.Title, &r.Status,
		&r.ResourceID, &r.PartnerID, &fields, &version, &r.UpdatedAt); err != nil {
		return r, 0, err
	}
	r.Kind = models.EntityKind(kind)
	if fields != "" && fields != "{}" {
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return r, 0, fmt.Errorf("decode fields for %s: %w", r.ID, err)
		}
	}
	return r, version, nil
}

func (s *SQL) Get(ctx context.Context, kind models.EntityKind, id string) (*models.Record, error) {
	r, _, err := s.get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQL) get(ctx context.Context, kind models.EntityKind, id string) (models.Record, int64, error) {
	if id == "" {
		return models.Record{}, 0, ErrNotFound
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1`, id)
	r, version, err := scanRecord(row)
	if err != nil {
		return models.Record{}, 0, s.mapError("get record", err)
	}
	if kind != "" && r.Kind != kind {
		return models.Record{}, 0, ErrNotFound
	}
	return r, version, nil
}

func (s *SQL) Find(ctx context.Context, filter Filter) ([]models.Record, error) {
	query, args, err := s.buildFind(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, s.mapError("find records", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		r, _, err := scanRecord(rows)
		if err != nil {
			return nil, s.mapError("scan record", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapError("find records", err)
	}
	return out, nil
}

func (s *SQL) buildFind(f Filter) (string, []any, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Kind != "" {
		where = append(where, "kind = "+arg(string(f.Kind)))
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = "+arg(f.ProjectID))
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id = "+arg(f.ResourceID))
	}
	if f.PartnerID != "" {
		where = append(where, "partner_id = "+arg(f.PartnerID))
	}
	if f.RefCode != "" {
		where = append(where, "ref_code = "+arg(models.NormalizeRefCode(f.RefCode)))
	}
	if len(f.IDs) > 0 {
		where = append(where, s.inClause("id", f.IDs, arg))
	}
	if len(f.Statuses) > 0 {
		lowered := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			lowered[i] = strings.ToLower(st)
		}
		where = append(where, s.inClause("LOWER(status)", lowered, arg))
	}
	if t := strings.TrimSpace(f.TitleContains); t != "" {
		where = append(where, `LOWER(title) LIKE `+arg("%"+escapeLike(strings.ToLower(t))+"%")+` ESCAPE '\'`)
	}
	if t := strings.TrimSpace(f.TitleEquals); t != "" {
		where = append(where, "LOWER(TRIM(title)) = "+arg(strings.ToLower(t)))
	}
	for key, want := range f.Fields {
		if !fieldKeyPattern.MatchString(key) {
			return "", nil, fmt.Errorf("invalid field name %q", key)
		}
		where = append(where, "LOWER("+s.jsonField(key)+") = "+arg(strings.ToLower(want)))
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY ref_code, id LIMIT %d", f.EffectiveLimit())
	return query, args, nil
}

func (s *SQL) inClause(column string, values []string, arg func(any) string) string {
	if s.db.Dialect == storage.DialectPostgres {
		return column + " = ANY(" + arg(pq.Array(values)) + ")"
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = arg(v)
	}
	return column + " IN (" + strings.Join(placeholders, ", ") + ")"
}

func (s *SQL) jsonField(key string) string {
	if s.db.Dialect == storage.DialectPostgres {
		return "(fields::jsonb ->> '" + key + "')"
	}
	return "json_extract(fields, '$." + key + "')"
}

func (s *SQL) Update(ctx context.Context, kind models.EntityKind, id string, patch Patch) (*models.Record, error) {
	current, version, err := s.get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	updated := patch.Apply(current)
	updated.UpdatedAt = s.now().UTC()

	fields, err := encodeFields(updated.Fields)
	if err != nil {
		return nil, err
	}
	res, err := s.db.Exec(ctx,
		`UPDATE records SET title = $1, status = $2, fields = $3, version = version + 1, updated_at = $4
		 WHERE id = $5 AND version = $6`,
		updated.Title, updated.Status, fields, updated.UpdatedAt, id, version)
	if err != nil {
		return nil, s.mapError("update record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, s.mapError("update record", err)
	}
	if n == 0 {
		return nil, ErrConflict
	}
	return &updated, nil
}

func (s *SQL) Create(ctx context.Context, record models.Record) (*models.Record, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = s.now().UTC()
	}
	if record.RefCode == "" {
		code, err := s.nextRefCode(ctx, record)
		if err != nil {
			return nil, err
		}
		record.RefCode = code
	} else {
		record.RefCode = models.NormalizeRefCode(record.RefCode)
	}

	fields, err := encodeFields(record.Fields)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)`,
		record.ID, string(record.Kind), record.ProjectID, record.RefCode, record.Title, record.Status,
		record.ResourceID, record.PartnerID, fields, record.UpdatedAt)
	if err != nil {
		return nil, s.mapError("create record", err)
	}
	return &record, nil
}

func (s *SQL) nextRefCode(ctx context.Context, record models.Record) (string, error) {
	category, _ := record.Fields["category"].(string)
	prefix := models.RefPrefix(record.Kind, category)
	rows, err := s.db.Query(ctx,
		`SELECT ref_code FROM records WHERE project_id = $1 AND ref_code LIKE $2`,
		record.ProjectID, prefix+"-%")
	if err != nil {
		return "", s.mapError("next ref code", err)
	}
	defer rows.Close()

	highest := 0
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return "", s.mapError("next ref code", err)
		}
		if p, n, ok := models.ParseRefCode(code); ok && p == prefix && n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", s.mapError("next ref code", err)
	}
	return models.FormatRefCode(prefix, highest+1), nil
}

// mapError converts driver errors into the package sentinels.
func (s *SQL) mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
		case pqErr.Code == "40001" || pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57":
			return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
		case pqErr.Code == "42501":
			return fmt.Errorf("%s: %w: %v", op, ErrPermission, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint"):
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	case strings.Contains(msg, "database is locked"), retry.IsTransient(err):
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func encodeFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(data), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
