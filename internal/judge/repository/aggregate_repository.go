package repository

import (
	"context"
	"fmt"
	"time"

	"judgecore/internal/common/db"
	"judgecore/internal/judge/model"
	pkgrepo "judgecore/pkg/repository"
)

// AggregateRepository owns the projection ledger and the user aggregates.
// Rows are created with Ensure* outside the projection transaction and then
// only touched by guarded updates inside it.
type AggregateRepository interface {
	// InsertLedger returns false when the pair was already projected.
	InsertLedger(ctx context.Context, tx db.Transaction, processID string, status model.ProcessStatus, now time.Time) (bool, error)
	EnsureUserStats(ctx context.Context, userID int64) error
	EnsureUserProblem(ctx context.Context, userID, problemID int64) error
	IncrementSubmissions(ctx context.Context, tx db.Transaction, userID int64) error
	// RecordAttempt counts a submission and raises best_score if score is higher.
	RecordAttempt(ctx context.Context, tx db.Transaction, userID, problemID int64, submissionID string, score float64) error
	// MarkSolved flips solved once and reports whether it changed.
	MarkSolved(ctx context.Context, tx db.Transaction, userID, problemID int64, now time.Time) (bool, error)
	IncrementSolved(ctx context.Context, tx db.Transaction, userID int64) error
	GetUserStats(ctx context.Context, userID int64) (*model.UserStats, error)
	GetUserProblem(ctx context.Context, userID, problemID int64) (*model.UserProblemStatus, error)
}

// SQLAggregateRepository implements AggregateRepository.
type SQLAggregateRepository struct {
	db db.Database
}

// NewAggregateRepository creates an aggregate repository.
func NewAggregateRepository(database db.Database) *SQLAggregateRepository {
	return &SQLAggregateRepository{db: database}
}

func (r *SQLAggregateRepository) InsertLedger(ctx context.Context, tx db.Transaction, processID string, status model.ProcessStatus, now time.Time) (bool, error) {
	_, err := db.GetQuerier(r.db, tx).Exec(ctx,
		"INSERT INTO projection_ledger (process_id, target_status, projected_at) VALUES (?, ?, ?)",
		processID, string(status), now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert ledger %s: %w", processID, err)
	}
	return true, nil
}

func (r *SQLAggregateRepository) EnsureUserStats(ctx context.Context, userID int64) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO user_stats (user_id, problems_solved, submissions_count) VALUES (?, 0, 0)", userID)
	if err != nil && !db.IsUniqueViolation(err) {
		return fmt.Errorf("ensure user stats %d: %w", userID, err)
	}
	return nil
}

func (r *SQLAggregateRepository) EnsureUserProblem(ctx context.Context, userID, problemID int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_problem_status (user_id, problem_id, solved, submission_count, best_score)
		VALUES (?, ?, FALSE, 0, 0)`, userID, problemID)
	if err != nil && !db.IsUniqueViolation(err) {
		return fmt.Errorf("ensure user problem %d/%d: %w", userID, problemID, err)
	}
	return nil
}

func (r *SQLAggregateRepository) IncrementSubmissions(ctx context.Context, tx db.Transaction, userID int64) error {
	res, err := db.GetQuerier(r.db, tx).Exec(ctx,
		"UPDATE user_stats SET submissions_count = submissions_count + 1 WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("increment submissions %d: %w", userID, err)
	}
	return expectOne(res, pkgrepo.ErrNoRowsAffected)
}

func (r *SQLAggregateRepository) RecordAttempt(ctx context.Context, tx db.Transaction, userID, problemID int64, submissionID string, score float64) error {
	q := db.GetQuerier(r.db, tx)
	res, err := q.Exec(ctx, `
		UPDATE user_problem_status SET submission_count = submission_count + 1, last_submission_id = ?
		WHERE user_id = ? AND problem_id = ?`, submissionID, userID, problemID)
	if err != nil {
		return fmt.Errorf("record attempt %d/%d: %w", userID, problemID, err)
	}
	if err := expectOne(res, pkgrepo.ErrNoRowsAffected); err != nil {
		return err
	}
	// Zero rows here only means the stored score is already at least as high.
	if _, err := q.Exec(ctx, `
		UPDATE user_problem_status SET best_score = ?
		WHERE user_id = ? AND problem_id = ? AND best_score < ?`, score, userID, problemID, score); err != nil {
		return fmt.Errorf("raise best score %d/%d: %w", userID, problemID, err)
	}
	return nil
}

func (r *SQLAggregateRepository) MarkSolved(ctx context.Context, tx db.Transaction, userID, problemID int64, now time.Time) (bool, error) {
	res, err := db.GetQuerier(r.db, tx).Exec(ctx, `
		UPDATE user_problem_status SET solved = TRUE, solved_at = ?
		WHERE user_id = ? AND problem_id = ? AND solved = FALSE`, now, userID, problemID)
	if err != nil {
		return false, fmt.Errorf("mark solved %d/%d: %w", userID, problemID, err)
	}
	n, err := db.RowsAffected(res)
	return n == 1, err
}

func (r *SQLAggregateRepository) IncrementSolved(ctx context.Context, tx db.Transaction, userID int64) error {
	res, err := db.GetQuerier(r.db, tx).Exec(ctx,
		"UPDATE user_stats SET problems_solved = problems_solved + 1 WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("increment solved %d: %w", userID, err)
	}
	return expectOne(res, pkgrepo.ErrNoRowsAffected)
}

func (r *SQLAggregateRepository) GetUserStats(ctx context.Context, userID int64) (*model.UserStats, error) {
	s := model.UserStats{UserID: userID}
	err := r.db.QueryRow(ctx,
		"SELECT problems_solved, submissions_count FROM user_stats WHERE user_id = ?", userID).
		Scan(&s.ProblemsSolved, &s.SubmissionsCount)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, pkgrepo.ErrNotFound
		}
		return nil, fmt.Errorf("get user stats %d: %w", userID, err)
	}
	return &s, nil
}

func (r *SQLAggregateRepository) GetUserProblem(ctx context.Context, userID, problemID int64) (*model.UserProblemStatus, error) {
	s := model.UserProblemStatus{UserID: userID, ProblemID: problemID}
	var last *string
	err := r.db.QueryRow(ctx, `
		SELECT solved, solved_at, submission_count, best_score, last_submission_id
		FROM user_problem_status WHERE user_id = ? AND problem_id = ?`, userID, problemID).
		Scan(&s.Solved, &s.SolvedAt, &s.SubmissionCount, &s.BestScore, &last)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, pkgrepo.ErrNotFound
		}
		return nil, fmt.Errorf("get user problem %d/%d: %w", userID, problemID, err)
	}
	s.LastSubmissionID = deref(last)
	return &s, nil
}
