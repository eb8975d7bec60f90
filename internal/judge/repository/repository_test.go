package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"judgecore/internal/common/db"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
)

var processCols = []string{
	"id", "submission_id", "status", "result_code", "score", "execution_time_ms", "memory_usage_kb", "reason",
	"priority", "attempts", "max_attempts", "lease_token", "lease_expires_at", "worker_id", "cancel_requested",
	"cancel_reason", "created_at", "started_at", "finished_at", "updated_at",
}

func newMock(t *testing.T, dialect db.Dialect) (*db.SQLDatabase, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
		_ = sqlDB.Close()
	})
	return db.NewWithDB(sqlDB, dialect), mock
}

func processRow(status model.ProcessStatus, token string, leaseUntil time.Time) *sqlmock.Rows {
	now := time.Now()
	var tok, until interface{}
	if token != "" {
		tok, until = token, leaseUntil
	}
	return sqlmock.NewRows(processCols).AddRow(
		"p-1", "s-1", string(status), nil, 0.0, int64(0), int64(0), nil,
		int64(0), int64(1), int64(3), tok, until, "w-1", false,
		nil, now, now, nil, now,
	)
}

func TestClaimOutcomes(t *testing.T) {
	now := time.Now()
	lease := repository.Lease{Token: "tok-a", WorkerID: "w-1", Until: now.Add(time.Minute)}
	tests := []struct {
		name     string
		affected int64
		status   model.ProcessStatus
		token    string
		want     repository.ClaimResult
	}{
		{name: "claimed", affected: 1, status: model.ProcessRunning, token: "tok-a", want: repository.Claimed},
		{name: "busy", affected: 0, status: model.ProcessRunning, token: "tok-b", want: repository.ClaimBusy},
		{name: "terminal", affected: 0, status: model.ProcessSucceeded, want: repository.ClaimTerminal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			database, mock := newMock(t, db.MySQLDialect{})
			mock.ExpectExec(`UPDATE judge_processes\s+SET status = 'running', attempts = attempts \+ 1`).
				WithArgs("tok-a", sqlmock.AnyArg(), "w-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "p-1", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			mock.ExpectQuery(`FROM judge_processes WHERE id = \?`).WithArgs("p-1").
				WillReturnRows(processRow(tt.status, tt.token, lease.Until))

			got, p, err := repository.NewProcessRepository(database).Claim(context.Background(), "p-1", lease, now)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if got != tt.want {
				t.Fatalf("claim = %s, want %s", got, tt.want)
			}
			if p == nil || p.ID != "p-1" {
				t.Fatalf("claim should return the row, got %+v", p)
			}
		})
	}
}

func TestClaimMissingProcess(t *testing.T) {
	database, mock := newMock(t, db.MySQLDialect{})
	mock.ExpectExec(`UPDATE judge_processes`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM judge_processes WHERE id = \?`).WillReturnRows(sqlmock.NewRows(processCols))

	got, p, err := repository.NewProcessRepository(database).Claim(context.Background(), "p-1", repository.Lease{Token: "t"}, time.Now())
	if err != nil || got != repository.ClaimNotFound || p != nil {
		t.Fatalf("claim = %s %+v %v", got, p, err)
	}
}

func TestFinalizeFencedByLease(t *testing.T) {
	database, mock := newMock(t, db.MySQLDialect{})
	mock.ExpectExec(`WHERE id = \? AND status = 'running' AND lease_token = \?`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	out := model.Outcome{Status: model.ProcessSucceeded, ResultCode: model.VerdictAC, Score: 100}
	err := repository.NewProcessRepository(database).Finalize(context.Background(), "p-1", "stale", out, time.Now())
	if !errors.Is(err, repository.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := repository.NewProcessRepository(database).Finalize(context.Background(), "p-1", "t",
		model.Outcome{Status: model.ProcessOther}, time.Now()); err == nil {
		t.Fatalf("non-terminal finalize must fail")
	}
}

func TestCountByStatus(t *testing.T) {
	database, mock := newMock(t, db.MySQLDialect{})
	mock.ExpectQuery(`SELECT status, COUNT\(\*\)`).WillReturnRows(
		sqlmock.NewRows([]string{"status", "count", "attempts"}).
			AddRow("succeeded", int64(3), int64(4)).
			AddRow("pending", int64(1), int64(0)))

	counts, err := repository.NewProcessRepository(database).CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.ByStatus[model.ProcessSucceeded] != 3 || counts.ByStatus[model.ProcessError] != 0 {
		t.Fatalf("unexpected counts: %+v", counts.ByStatus)
	}
	if counts.AvgAttempts != 1 {
		t.Fatalf("avg attempts = %v, want 1", counts.AvgAttempts)
	}
}

func TestInsertLedgerDuplicate(t *testing.T) {
	database, mock := newMock(t, db.MySQLDialect{})
	aggregates := repository.NewAggregateRepository(database)
	mock.ExpectExec(`INSERT INTO projection_ledger`).WithArgs("p-1", "succeeded", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO projection_ledger`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'p-1-succeeded' for key 'PRIMARY'"})

	ok, err := aggregates.InsertLedger(context.Background(), nil, "p-1", model.ProcessSucceeded, time.Now())
	if err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	ok, err = aggregates.InsertLedger(context.Background(), nil, "p-1", model.ProcessSucceeded, time.Now())
	if err != nil || ok {
		t.Fatalf("duplicate insert = %v, %v", ok, err)
	}
}

func TestEnsureIgnoresDuplicates(t *testing.T) {
	database, mock := newMock(t, db.MySQLDialect{})
	aggregates := repository.NewAggregateRepository(database)
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry '7' for key 'PRIMARY'"}
	mock.ExpectExec(`INSERT INTO user_stats`).WithArgs(int64(7)).WillReturnError(dup)
	mock.ExpectExec(`INSERT INTO user_problem_status`).WithArgs(int64(7), int64(9)).WillReturnError(dup)
	mock.ExpectExec(`INSERT INTO user_stats`).WillReturnError(errors.New("connection refused"))

	if err := aggregates.EnsureUserStats(context.Background(), 7); err != nil {
		t.Fatalf("ensure stats: %v", err)
	}
	if err := aggregates.EnsureUserProblem(context.Background(), 7, 9); err != nil {
		t.Fatalf("ensure problem: %v", err)
	}
	if err := aggregates.EnsureUserStats(context.Background(), 7); err == nil {
		t.Fatalf("driver errors must surface")
	}
}

func TestRecordAttemptGuardsBestScore(t *testing.T) {
	database, mock := newMock(t, db.MySQLDialect{})
	mock.ExpectExec(`SET submission_count = submission_count \+ 1, last_submission_id = \?`).
		WithArgs("s-1", int64(7), int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET best_score = \?\s+WHERE user_id = \? AND problem_id = \? AND best_score < \?`).
		WithArgs(50.0, int64(7), int64(9), 50.0).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repository.NewAggregateRepository(database).RecordAttempt(context.Background(), nil, 7, 9, "s-1", 50); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
}

func TestMarkSolvedOnlyOnce(t *testing.T) {
	database, mock := newMock(t, db.MySQLDialect{})
	mock.ExpectExec(`AND solved = FALSE`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`AND solved = FALSE`).WillReturnResult(sqlmock.NewResult(0, 0))

	aggregates := repository.NewAggregateRepository(database)
	first, err := aggregates.MarkSolved(context.Background(), nil, 7, 9, time.Now())
	if err != nil || !first {
		t.Fatalf("first mark = %v, %v", first, err)
	}
	second, err := aggregates.MarkSolved(context.Background(), nil, 7, 9, time.Now())
	if err != nil || second {
		t.Fatalf("second mark = %v, %v", second, err)
	}
}

func TestSwapCurrentProcess(t *testing.T) {
	database, mock := newMock(t, db.MySQLDialect{})
	mock.ExpectExec(`WHERE id = \? AND current_process_id IS NULL`).
		WithArgs("p-1", sqlmock.AnyArg(), "s-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`WHERE id = \? AND current_process_id = \?`).
		WithArgs("p-2", sqlmock.AnyArg(), "s-1", "p-0").WillReturnResult(sqlmock.NewResult(0, 0))

	submissions := repository.NewSubmissionRepository(database)
	if ok, err := submissions.SwapCurrentProcess(context.Background(), nil, "s-1", "", "p-1"); err != nil || !ok {
		t.Fatalf("first swap = %v, %v", ok, err)
	}
	if ok, err := submissions.SwapCurrentProcess(context.Background(), nil, "s-1", "p-0", "p-2"); err != nil || ok {
		t.Fatalf("stale swap = %v, %v", ok, err)
	}
}

func TestCaseResultUpsertOnPostgres(t *testing.T) {
	database, mock := newMock(t, db.PostgresDialect{})
	mock.ExpectExec(`VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10\)\s+ON CONFLICT \(process_id, judge_case_id\) DO UPDATE SET display_order = EXCLUDED.display_order`).
		WithArgs("p-1", int64(4), 1, "WA", nil, nil, int64(12), int64(2048), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repository.NewCaseResultRepository(database).Upsert(context.Background(), &model.CaseResult{
		ProcessID: "p-1", JudgeCaseID: 4, DisplayOrder: 1, Status: model.VerdictWA,
		ProcessingTimeMs: 12, MemoryUsageKB: 2048, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestListCaseResultsDecodesMetadata(t *testing.T) {
	database, mock := newMock(t, db.MySQLDialect{})
	now := time.Now()
	mock.ExpectQuery(`FROM case_results WHERE process_id = \? ORDER BY display_order`).WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"process_id", "judge_case_id", "display_order", "status", "error", "warning",
			"processing_time_ms", "memory_usage_kb", "metadata", "created_at",
		}).
			AddRow("p-1", int64(1), int64(1), "AC", nil, nil, int64(3), int64(100), []byte(`{"stdout_preview":"42"}`), now).
			AddRow("p-1", int64(2), int64(2), "RE", "output limit exceeded", nil, int64(5), int64(100), nil, now))

	results, err := repository.NewCaseResultRepository(database).ListByProcess(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 2 || results[0].Metadata.StdoutPreview != "42" || results[1].Error != "output limit exceeded" {
		t.Fatalf("unexpected results: %+v", results)
	}
}
