package mysql

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"AgentIntent-Chain/internal/config"
)

func TestLoadMigrationFilesOrdered(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected two migration files, got %d", len(files))
	}
	if files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected order: %s, %s", files[0].version, files[1].version)
	}
	if len(files[0].statements) != 2 {
		t.Fatalf("intents migration should create two tables, got %d statements", len(files[0].statements))
	}
	if !strings.Contains(files[1].statements[0], "audit_entries") {
		t.Fatalf("second migration should create audit_entries")
	}
}

func TestMigrateAppliesPendingVersionsOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS audit_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)")).
		WithArgs("0002", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS intents")).
		WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err = Migrate(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "0001_intents.sql") {
		t.Fatalf("expected migration error naming the file, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0003_relayers.sql": "0003",
		"0004.sql":          "0004",
		"plain":             "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestConfigFromStorage(t *testing.T) {
	cfg := ConfigFrom(config.StorageConfig{
		DSN:                    "user:pass@tcp(localhost:3306)/intentd",
		MaxOpenConns:           8,
		ConnMaxLifetimeSeconds: 90,
	})
	if cfg.MaxOpenConns != 8 || cfg.ConnMaxLifetime != 90*time.Second || cfg.ConnMaxIdleTime != 0 {
		t.Fatalf("unexpected pool config %+v", cfg)
	}
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
