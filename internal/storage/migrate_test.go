package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].ID != "001_create_records" {
		t.Fatalf("expected first migration to be 001_create_records, got %q", migrations[0].ID)
	}
	for _, m := range migrations {
		if m.UpSQL == "" || m.DownSQL == "" {
			t.Errorf("migration %s missing up or down body", m.ID)
		}
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{DialectPostgres, "SELECT * FROM t WHERE a = $1 AND b = $2", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{DialectSQLite, "SELECT * FROM t WHERE a = $1 AND b = $12", "SELECT * FROM t WHERE a = ?1 AND b = ?12"},
		{DialectSQLite, "SELECT '$' || name FROM t", "SELECT '$' || name FROM t"},
	}
	for _, tt := range tests {
		if got := tt.dialect.Rebind(tt.in); got != tt.want {
			t.Errorf("%s Rebind(%q) = %q, want %q", tt.dialect, tt.in, got, tt.want)
		}
	}
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"postgres":  DialectPostgres,
		"cockroach": DialectPostgres,
		"sqlite":    DialectSQLite,
		"":          DialectSQLite,
	} {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Errorf("ParseDialect(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestMigratorUpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, applied_at FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}).AddRow("001_create_records", time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS kv_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (id) VALUES ($1)")).
		WithArgs("002_create_kv").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m, err := NewMigrator(Wrap(db, DialectPostgres))
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	ids, err := m.Up(context.Background(), 0)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(ids) != 1 || ids[0] != "002_create_kv" {
		t.Fatalf("expected only 002_create_kv applied, got %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigratorDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, applied_at FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}).
			AddRow("001_create_records", now).
			AddRow("002_create_kv", now))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE IF EXISTS kv_counters")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM schema_migrations WHERE id = ?1")).
		WithArgs("002_create_kv").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m, err := NewMigrator(Wrap(db, DialectSQLite))
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	ids, err := m.Down(context.Background(), 1)
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if len(ids) != 1 || ids[0] != "002_create_kv" {
		t.Fatalf("expected 002_create_kv rolled back, got %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
