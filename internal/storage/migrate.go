package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema change.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a migration recorded in schema_migrations.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies embedded migrations in lexical order.
type Migrator struct {
	db         *DB
	migrations []Migration
}

// NewMigrator creates a migrator backed by db.
func NewMigrator(db *DB) (*Migrator, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

func (m *Migrator) ensureSchema(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies pending migrations. If steps <= 0, all are applied.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		done[a.ID] = true
	}

	var ids []string
	for _, mig := range m.migrations {
		if done[mig.ID] {
			continue
		}
		if steps > 0 && len(ids) >= steps {
			break
		}
		if err := m.apply(ctx, mig.ID, mig.UpSQL, `INSERT INTO schema_migrations (id) VALUES ($1)`); err != nil {
			return ids, err
		}
		ids = append(ids, mig.ID)
	}
	return ids, nil
}

// Down rolls back the last steps applied migrations (at least one).
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	for i := len(applied) - 1; i >= 0 && len(ids) < steps; i-- {
		mig, ok := m.byID(applied[i].ID)
		if !ok {
			return ids, fmt.Errorf("migration %s not found", applied[i].ID)
		}
		if err := m.apply(ctx, mig.ID, mig.DownSQL, `DELETE FROM schema_migrations WHERE id = $1`); err != nil {
			return ids, err
		}
		ids = append(ids, mig.ID)
	}
	return ids, nil
}

// Status returns applied and pending migrations.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.ensureSchema(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		done[a.ID] = true
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if !done[mig.ID] {
			pending = append(pending, mig)
		}
	}
	return applied, pending, nil
}

func (m *Migrator) apply(ctx context.Context, id, body, record string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("migration %s has no statements", id)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, m.db.Dialect.Rebind(record), id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", id, err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.Query(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.ID, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (m *Migrator) byID(id string) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.ID == id {
			return mig, true
		}
	}
	return Migration{}, false
}

func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byID := map[string]*Migration{}
	for _, path := range paths {
		name := strings.TrimPrefix(path, "migrations/")
		var id string
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			id, up = strings.TrimSuffix(name, ".up.sql"), true
		case strings.HasSuffix(name, ".down.sql"):
			id = strings.TrimSuffix(name, ".down.sql")
		default:
			continue
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		mig := byID[id]
		if mig == nil {
			mig = &Migration{ID: id}
			byID[id] = mig
		}
		if up {
			mig.UpSQL = string(data)
		} else {
			mig.DownSQL = string(data)
		}
	}

	out := make([]Migration, 0, len(byID))
	for _, mig := range byID {
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
