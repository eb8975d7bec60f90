package db_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"judgecore/internal/common/db"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

func TestPostgresRebind(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no placeholders", in: "SELECT 1", want: "SELECT 1"},
		{name: "two placeholders", in: "UPDATE t SET a = ? WHERE id = ?", want: "UPDATE t SET a = $1 WHERE id = $2"},
		{name: "quoted question mark", in: "SELECT '?' FROM t WHERE id = ?", want: "SELECT '?' FROM t WHERE id = $1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := (db.PostgresDialect{}).Rebind(tt.in); got != tt.want {
				t.Fatalf("Rebind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
	if got := (db.MySQLDialect{}).Rebind("a = ?"); got != "a = ?" {
		t.Fatalf("mysql rebind must be identity, got %q", got)
	}
}

func TestUpsert(t *testing.T) {
	keys, cols := []string{"process_id", "judge_case_id"}, []string{"status", "error"}
	if got := (db.MySQLDialect{}).Upsert(keys, cols); got != "ON DUPLICATE KEY UPDATE status = VALUES(status), error = VALUES(error)" {
		t.Fatalf("mysql upsert = %q", got)
	}
	want := "ON CONFLICT (process_id, judge_case_id) DO UPDATE SET status = EXCLUDED.status, error = EXCLUDED.error"
	if got := (db.PostgresDialect{}).Upsert(keys, cols); got != want {
		t.Fatalf("postgres upsert = %q", got)
	}
}

func TestUniqueViolation(t *testing.T) {
	myErr := fmt.Errorf("exec failed: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'PRIMARY'"})
	key, ok := (db.MySQLDialect{}).UniqueViolation(myErr)
	if !ok || key != "PRIMARY" {
		t.Fatalf("mysql duplicate not detected: %q %v", key, ok)
	}

	pgErr := fmt.Errorf("exec failed: %w", &pq.Error{Code: "23505", Constraint: "projection_ledger_pkey"})
	key, ok = (db.PostgresDialect{}).UniqueViolation(pgErr)
	if !ok || key != "projection_ledger_pkey" {
		t.Fatalf("postgres duplicate not detected: %q %v", key, ok)
	}

	if !db.IsUniqueViolation(myErr) || !db.IsUniqueViolation(pgErr) {
		t.Fatalf("IsUniqueViolation should accept both drivers")
	}
	if db.IsUniqueViolation(errors.New("boom")) || db.IsUniqueViolation(nil) {
		t.Fatalf("plain errors are not unique violations")
	}
	if db.IsUniqueViolation(&mysql.MySQLError{Number: 1213}) {
		t.Fatalf("deadlock is not a unique violation")
	}
}

func TestTransactionCommitAndRollback(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()
	database := db.NewWithDB(sqlDB, db.PostgresDialect{})

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE t SET a = \$1 WHERE id = \$2`).WithArgs(1, "x").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = database.Transaction(context.Background(), func(tx db.Transaction) error {
		res, err := tx.Exec(context.Background(), "UPDATE t SET a = ? WHERE id = ?", 1, "x")
		if err != nil {
			return err
		}
		n, err := db.RowsAffected(res)
		if err != nil || n != 1 {
			return fmt.Errorf("rows affected %d: %v", n, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectRollback()
	sentinel := errors.New("abort")
	if err := database.Transaction(context.Background(), func(tx db.Transaction) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestManagerSwap(t *testing.T) {
	first := db.NewWithDB(nil, nil)
	second := db.NewWithDB(nil, db.PostgresDialect{})
	m := db.NewManager(first)
	if m.Current() != first {
		t.Fatalf("current should be first")
	}
	if prev := m.Swap(second); prev != first {
		t.Fatalf("swap should return previous")
	}
	if m.Current().Dialect().Name() != db.DriverPostgres {
		t.Fatalf("current dialect should be postgres")
	}
	if _, err := db.CurrentDatabase(nil); err == nil {
		t.Fatalf("nil provider must fail")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := db.Open(db.Config{Driver: "sqlite", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := db.Open(db.Config{Driver: "mysql"}); err == nil {
		t.Fatalf("expected empty DSN error")
	}
}
