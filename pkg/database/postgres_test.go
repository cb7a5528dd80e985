package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type recordingExecer struct {
	statements []string
	failOn     string
}

func (r *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.statements = append(r.statements, sql)
	if r.failOn != "" && strings.Contains(sql, r.failOn) {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestMigrate_RunsAllInOrder(t *testing.T) {
	db := &recordingExecer{}
	if err := Migrate(context.Background(), db, Migrations); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if len(db.statements) != len(Migrations) {
		t.Fatalf("Expected %d statements, got %d", len(Migrations), len(db.statements))
	}
	if !strings.Contains(db.statements[0], "alert_history") {
		t.Errorf("Expected alert_history first, got %q", db.statements[0])
	}
}

func TestMigrate_OptionalFailureContinues(t *testing.T) {
	db := &recordingExecer{failOn: "create_hypertable"}
	if err := Migrate(context.Background(), db, Migrations); err != nil {
		t.Fatalf("Expected optional failures to be skipped, got %v", err)
	}
	if len(db.statements) != len(Migrations) {
		t.Errorf("Expected every migration attempted, got %d", len(db.statements))
	}
}

func TestMigrate_RequiredFailureStops(t *testing.T) {
	db := &recordingExecer{failOn: "CREATE TABLE IF NOT EXISTS alert_history"}
	err := Migrate(context.Background(), db, Migrations)
	if err == nil {
		t.Fatal("Expected error")
	}
	if len(db.statements) != 1 {
		t.Errorf("Expected to stop after the first statement, got %d", len(db.statements))
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://user:secret@db:5432/dealer", "postgres://user:xxxxx@db:5432/dealer"},
		{"postgres://db:5432/dealer", "postgres://db:5432/dealer"},
		{"postgres://user@db/dealer", "postgres://user@db/dealer"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
