package repository

import (
	"context"
	"fmt"
	"time"

	"judgecore/internal/common/db"
	"judgecore/internal/judge/model"
	pkgrepo "judgecore/pkg/repository"
)

// SubmissionRepository reads submissions and writes the judge-owned columns.
type SubmissionRepository interface {
	Create(ctx context.Context, s *model.Submission) error
	Get(ctx context.Context, tx db.Transaction, id string) (*model.Submission, error)
	// SwapCurrentProcess points the submission at next if it still points at expect.
	// An empty expect means no current process.
	SwapCurrentProcess(ctx context.Context, tx db.Transaction, id, expect, next string) (bool, error)
	// SetStatus updates status and score if processID is still current.
	SetStatus(ctx context.Context, tx db.Transaction, id, processID string, status model.SubmissionStatus, score *float64) (bool, error)
}

// SQLSubmissionRepository implements SubmissionRepository.
type SQLSubmissionRepository struct {
	db db.Database
}

// NewSubmissionRepository creates a submission repository.
func NewSubmissionRepository(database db.Database) *SQLSubmissionRepository {
	return &SQLSubmissionRepository{db: database}
}

const submissionColumns = "id, user_id, problem_id, language, source_code, status, score, current_process_id, created_at"

// Create inserts a submission. Submissions normally arrive from the submit
// service; the CLI and tests seed them through here.
func (r *SQLSubmissionRepository) Create(ctx context.Context, s *model.Submission) error {
	if s == nil || s.ID == "" || s.UserID <= 0 || s.ProblemID <= 0 || s.Language == "" {
		return pkgrepo.ErrInvalidInput
	}
	if s.Status == "" {
		s.Status = model.SubmissionPending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO submissions (id, user_id, problem_id, language, source_code, status, score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err := r.db.Exec(ctx, query, s.ID, s.UserID, s.ProblemID, s.Language, s.SourceCode, string(s.Status), s.CreatedAt, s.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return pkgrepo.ErrAlreadyExists
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (r *SQLSubmissionRepository) Get(ctx context.Context, tx db.Transaction, id string) (*model.Submission, error) {
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = ?", id)
	var (
		s       model.Submission
		status  string
		current *string
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.ProblemID, &s.Language, &s.SourceCode, &status, &s.Score, &current, &s.CreatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, pkgrepo.ErrNotFound
		}
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	s.Status = model.SubmissionStatus(status)
	s.CurrentProcessID = deref(current)
	return &s, nil
}

func (r *SQLSubmissionRepository) SwapCurrentProcess(ctx context.Context, tx db.Transaction, id, expect, next string) (bool, error) {
	var (
		res db.Result
		err error
	)
	q := db.GetQuerier(r.db, tx)
	if expect == "" {
		res, err = q.Exec(ctx, `
			UPDATE submissions SET current_process_id = ?, status = 'pending', updated_at = ?
			WHERE id = ? AND current_process_id IS NULL`, next, time.Now().UTC(), id)
	} else {
		res, err = q.Exec(ctx, `
			UPDATE submissions SET current_process_id = ?, status = 'pending', updated_at = ?
			WHERE id = ? AND current_process_id = ?`, next, time.Now().UTC(), id, expect)
	}
	if err != nil {
		return false, fmt.Errorf("swap current process %s: %w", id, err)
	}
	n, err := db.RowsAffected(res)
	return n == 1, err
}

func (r *SQLSubmissionRepository) SetStatus(ctx context.Context, tx db.Transaction, id, processID string, status model.SubmissionStatus, score *float64) (bool, error) {
	var (
		res db.Result
		err error
	)
	q := db.GetQuerier(r.db, tx)
	now := time.Now().UTC()
	if score != nil {
		res, err = q.Exec(ctx, `
			UPDATE submissions SET status = ?, score = ?, updated_at = ?
			WHERE id = ? AND current_process_id = ?`, string(status), *score, now, id, processID)
	} else {
		res, err = q.Exec(ctx, `
			UPDATE submissions SET status = ?, updated_at = ?
			WHERE id = ? AND current_process_id = ?`, string(status), now, id, processID)
	}
	if err != nil {
		return false, fmt.Errorf("set submission status %s: %w", id, err)
	}
	n, err := db.RowsAffected(res)
	return n == 1, err
}
