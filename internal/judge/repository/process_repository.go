// Package repository persists judge processes, case results and the
// aggregates the projector maintains.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"judgecore/internal/common/db"
	"judgecore/internal/judge/model"
	pkgrepo "judgecore/pkg/repository"
)

// ErrLeaseLost is returned when a fenced write finds another lease holder.
var ErrLeaseLost = errors.New("process lease lost")

// ClaimResult is the outcome of ProcessRepository.Claim.
type ClaimResult int

const (
	ClaimNotFound ClaimResult = iota
	Claimed
	ClaimTerminal
	ClaimBusy
)

func (c ClaimResult) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case ClaimTerminal:
		return "terminal"
	case ClaimBusy:
		return "busy"
	default:
		return "not_found"
	}
}

// Lease identifies one claim on a process.
type Lease struct {
	Token    string
	WorkerID string
	Until    time.Time
}

// StatusCounts summarizes processes per status.
type StatusCounts struct {
	ByStatus    map[model.ProcessStatus]int64 `json:"by_status"`
	AvgAttempts float64                       `json:"avg_attempts"`
}

// ProcessRepository owns the judge_processes table.
type ProcessRepository interface {
	Create(ctx context.Context, tx db.Transaction, p *model.JudgeProcess) error
	Get(ctx context.Context, tx db.Transaction, id string) (*model.JudgeProcess, error)
	Claim(ctx context.Context, id string, lease Lease, now time.Time) (ClaimResult, *model.JudgeProcess, error)
	// Heartbeat extends a live lease and returns the refreshed row.
	Heartbeat(ctx context.Context, id string, lease Lease, now time.Time) (*model.JudgeProcess, error)
	// Finalize moves running to a terminal status, fenced by the lease token.
	Finalize(ctx context.Context, id, token string, out model.Outcome, now time.Time) error
	// Park moves running to other, fenced by the lease token.
	Park(ctx context.Context, id, token, reason string, now time.Time) error
	// FailParked moves other to error.
	FailParked(ctx context.Context, id, reason string, now time.Time) error
	// ForceError moves a non-terminal process without a live lease to error.
	ForceError(ctx context.Context, id, reason string, now time.Time) (bool, error)
	RequestCancel(ctx context.Context, tx db.Transaction, id, reason string, now time.Time) (bool, error)
	ListReconcilable(ctx context.Context, staleBefore, now time.Time, limit int) ([]*model.JudgeProcess, error)
	CountByStatus(ctx context.Context) (StatusCounts, error)
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLProcessRepository implements ProcessRepository on MySQL or PostgreSQL.
type SQLProcessRepository struct {
	db db.Database
}

// NewProcessRepository creates a process repository.
func NewProcessRepository(database db.Database) *SQLProcessRepository {
	return &SQLProcessRepository{db: database}
}

const processColumns = "id, submission_id, status, result_code, score, execution_time_ms, memory_usage_kb, reason, " +
	"priority, attempts, max_attempts, lease_token, lease_expires_at, worker_id, cancel_requested, cancel_reason, " +
	"created_at, started_at, finished_at, updated_at"

func (r *SQLProcessRepository) Create(ctx context.Context, tx db.Transaction, p *model.JudgeProcess) error {
	if p == nil || p.ID == "" || p.SubmissionID == "" {
		return pkgrepo.ErrInvalidInput
	}
	query := `
		INSERT INTO judge_processes
		(id, submission_id, status, score, execution_time_ms, memory_usage_kb, priority, attempts, max_attempts,
		 cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, 0, ?, 0, ?, FALSE, ?, ?)
	`
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, query,
		p.ID, p.SubmissionID, string(p.Status), p.Priority, p.MaxAttempts, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return pkgrepo.ErrAlreadyExists
		}
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

func (r *SQLProcessRepository) Get(ctx context.Context, tx db.Transaction, id string) (*model.JudgeProcess, error) {
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, "SELECT "+processColumns+" FROM judge_processes WHERE id = ?", id)
	p, err := scanProcess(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, pkgrepo.ErrNotFound
		}
		return nil, fmt.Errorf("get process %s: %w", id, err)
	}
	return p, nil
}

func (r *SQLProcessRepository) Claim(ctx context.Context, id string, lease Lease, now time.Time) (ClaimResult, *model.JudgeProcess, error) {
	query := `
		UPDATE judge_processes
		SET status = 'running', attempts = attempts + 1, lease_token = ?, lease_expires_at = ?, worker_id = ?,
		    started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ?
		  AND (status IN ('pending', 'other') OR (status = 'running' AND lease_expires_at < ?))
	`
	res, err := r.db.Exec(ctx, query, lease.Token, lease.Until, lease.WorkerID, now, now, id, now)
	if err != nil {
		return ClaimNotFound, nil, fmt.Errorf("claim process %s: %w", id, err)
	}
	affected, err := db.RowsAffected(res)
	if err != nil {
		return ClaimNotFound, nil, err
	}
	p, err := r.Get(ctx, nil, id)
	if errors.Is(err, pkgrepo.ErrNotFound) {
		return ClaimNotFound, nil, nil
	}
	if err != nil {
		return ClaimNotFound, nil, err
	}
	switch {
	case affected == 1 && p.LeaseToken == lease.Token:
		return Claimed, p, nil
	case p.Status.IsTerminal():
		return ClaimTerminal, p, nil
	default:
		return ClaimBusy, p, nil
	}
}

func (r *SQLProcessRepository) Heartbeat(ctx context.Context, id string, lease Lease, now time.Time) (*model.JudgeProcess, error) {
	query := `
		UPDATE judge_processes SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND lease_token = ?
	`
	res, err := r.db.Exec(ctx, query, lease.Until, now, id, lease.Token)
	if err != nil {
		return nil, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if n, err := db.RowsAffected(res); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrLeaseLost
	}
	return r.Get(ctx, nil, id)
}

func (r *SQLProcessRepository) Finalize(ctx context.Context, id, token string, out model.Outcome, now time.Time) error {
	if !out.Status.IsTerminal() {
		return fmt.Errorf("finalize %s: %s is not terminal", id, out.Status)
	}
	query := `
		UPDATE judge_processes
		SET status = ?, result_code = ?, score = ?, execution_time_ms = ?, memory_usage_kb = ?, reason = ?,
		    finished_at = ?, updated_at = ?, lease_expires_at = NULL
		WHERE id = ? AND status = 'running' AND lease_token = ?
	`
	res, err := r.db.Exec(ctx, query,
		string(out.Status), nullString(string(out.ResultCode)), out.Score, out.ExecutionTimeMs, out.MemoryUsageKB,
		nullString(out.Reason), now, now, id, token)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", id, err)
	}
	return expectOne(res, ErrLeaseLost)
}

func (r *SQLProcessRepository) Park(ctx context.Context, id, token, reason string, now time.Time) error {
	query := `
		UPDATE judge_processes
		SET status = 'other', reason = ?, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND lease_token = ?
	`
	res, err := r.db.Exec(ctx, query, nullString(reason), now, id, token)
	if err != nil {
		return fmt.Errorf("park %s: %w", id, err)
	}
	return expectOne(res, ErrLeaseLost)
}

func (r *SQLProcessRepository) FailParked(ctx context.Context, id, reason string, now time.Time) error {
	query := `
		UPDATE judge_processes
		SET status = 'error', result_code = 'IE', reason = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'other'
	`
	res, err := r.db.Exec(ctx, query, nullString(reason), now, now, id)
	if err != nil {
		return fmt.Errorf("fail parked %s: %w", id, err)
	}
	return expectOne(res, pkgrepo.ErrConflict)
}

func (r *SQLProcessRepository) ForceError(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE judge_processes
		SET status = 'error', result_code = 'IE', reason = ?, lease_token = NULL, lease_expires_at = NULL,
		    finished_at = ?, updated_at = ?
		WHERE id = ?
		  AND status IN ('pending', 'running', 'other')
		  AND (lease_expires_at IS NULL OR lease_expires_at < ?)
	`
	res, err := r.db.Exec(ctx, query, nullString(reason), now, now, id, now)
	if err != nil {
		return false, fmt.Errorf("force error %s: %w", id, err)
	}
	n, err := db.RowsAffected(res)
	return n == 1, err
}

func (r *SQLProcessRepository) RequestCancel(ctx context.Context, tx db.Transaction, id, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE judge_processes SET cancel_requested = TRUE, cancel_reason = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running', 'other')
	`
	res, err := db.GetQuerier(r.db, tx).Exec(ctx, query, nullString(reason), now, id)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", id, err)
	}
	n, err := db.RowsAffected(res)
	return n == 1, err
}

func (r *SQLProcessRepository) ListReconcilable(ctx context.Context, staleBefore, now time.Time, limit int) ([]*model.JudgeProcess, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + processColumns + ` FROM judge_processes
		WHERE (status IN ('pending', 'other') AND updated_at < ?)
		   OR (status = 'running' AND lease_expires_at < ?)
		ORDER BY updated_at
		LIMIT ?`
	rows, err := r.db.Query(ctx, query, staleBefore, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconcilable: %w", err)
	}
	defer rows.Close()
	var out []*model.JudgeProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLProcessRepository) CountByStatus(ctx context.Context) (StatusCounts, error) {
	rows, err := r.db.Query(ctx, "SELECT status, COUNT(*), COALESCE(SUM(attempts), 0) FROM judge_processes GROUP BY status")
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count processes: %w", err)
	}
	defer rows.Close()
	counts := StatusCounts{ByStatus: make(map[model.ProcessStatus]int64, len(model.AllProcessStatuses))}
	for _, s := range model.AllProcessStatuses {
		counts.ByStatus[s] = 0
	}
	var total, attempts int64
	for rows.Next() {
		var status string
		var n, sum int64
		if err := rows.Scan(&status, &n, &sum); err != nil {
			return StatusCounts{}, err
		}
		counts.ByStatus[model.ProcessStatus(status)] = n
		total += n
		attempts += sum
	}
	if err := rows.Err(); err != nil {
		return StatusCounts{}, err
	}
	if total > 0 {
		counts.AvgAttempts = float64(attempts) / float64(total)
	}
	return counts, nil
}

// PurgeFinishedBefore deletes terminal processes that no submission points at.
func (r *SQLProcessRepository) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM judge_processes
		WHERE status IN ('succeeded', 'failed', 'error')
		  AND finished_at < ?
		  AND NOT EXISTS (SELECT 1 FROM submissions s WHERE s.current_process_id = judge_processes.id)
	`
	res, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge processes: %w", err)
	}
	return db.RowsAffected(res)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProcess(row scanner) (*model.JudgeProcess, error) {
	var (
		p                              model.JudgeProcess
		status                         string
		resultCode, reason, leaseToken *string
		workerID, cancelReason         *string
	)
	err := row.Scan(
		&p.ID, &p.SubmissionID, &status, &resultCode, &p.Score, &p.ExecutionTimeMs, &p.MemoryUsageKB, &reason,
		&p.Priority, &p.Attempts, &p.MaxAttempts, &leaseToken, &p.LeaseExpiresAt, &workerID, &p.CancelRequested,
		&cancelReason, &p.CreatedAt, &p.StartedAt, &p.FinishedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = model.ProcessStatus(status)
	p.ResultCode = model.Verdict(deref(resultCode))
	p.Reason = deref(reason)
	p.LeaseToken = deref(leaseToken)
	p.WorkerID = deref(workerID)
	p.CancelReason = deref(cancelReason)
	return &p, nil
}

func expectOne(res db.Result, zeroErr error) error {
	n, err := db.RowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return zeroErr
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
