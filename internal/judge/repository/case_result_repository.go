package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"judgecore/internal/common/db"
	"judgecore/internal/judge/model"
)

// CaseResultRepository owns case_results.
type CaseResultRepository interface {
	// Upsert overwrites an existing result for the same (process, case).
	Upsert(ctx context.Context, r *model.CaseResult) error
	ListByProcess(ctx context.Context, processID string) ([]model.CaseResult, error)
}

// SQLCaseResultRepository implements CaseResultRepository.
type SQLCaseResultRepository struct {
	db db.Database
}

// NewCaseResultRepository creates a case result repository.
func NewCaseResultRepository(database db.Database) *SQLCaseResultRepository {
	return &SQLCaseResultRepository{db: database}
}

var caseResultUpdateCols = []string{
	"display_order", "status", "error", "warning", "processing_time_ms", "memory_usage_kb", "metadata", "created_at",
}

func (r *SQLCaseResultRepository) Upsert(ctx context.Context, res *model.CaseResult) error {
	if res == nil || res.ProcessID == "" {
		return fmt.Errorf("case result requires a process id")
	}
	meta, err := json.Marshal(res.Metadata)
	if err != nil {
		return fmt.Errorf("encode case metadata: %w", err)
	}
	query := `
		INSERT INTO case_results
		(process_id, judge_case_id, display_order, status, error, warning, processing_time_ms, memory_usage_kb, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	` + r.db.Dialect().Upsert([]string{"process_id", "judge_case_id"}, caseResultUpdateCols)
	_, err = r.db.Exec(ctx, query,
		res.ProcessID, res.JudgeCaseID, res.DisplayOrder, string(res.Status), nullString(res.Error), nullString(res.Warning),
		res.ProcessingTimeMs, res.MemoryUsageKB, string(meta), res.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert case result %s/%d: %w", res.ProcessID, res.JudgeCaseID, err)
	}
	return nil
}

func (r *SQLCaseResultRepository) ListByProcess(ctx context.Context, processID string) ([]model.CaseResult, error) {
	query := `
		SELECT process_id, judge_case_id, display_order, status, error, warning, processing_time_ms, memory_usage_kb,
		       metadata, created_at
		FROM case_results WHERE process_id = ? ORDER BY display_order, judge_case_id
	`
	rows, err := r.db.Query(ctx, query, processID)
	if err != nil {
		return nil, fmt.Errorf("list case results %s: %w", processID, err)
	}
	defer rows.Close()

	var out []model.CaseResult
	for rows.Next() {
		var (
			res           model.CaseResult
			status        string
			errText, warn *string
			meta          []byte
		)
		if err := rows.Scan(&res.ProcessID, &res.JudgeCaseID, &res.DisplayOrder, &status, &errText, &warn,
			&res.ProcessingTimeMs, &res.MemoryUsageKB, &meta, &res.CreatedAt); err != nil {
			return nil, err
		}
		res.Status = model.Verdict(status)
		res.Error = deref(errText)
		res.Warning = deref(warn)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &res.Metadata); err != nil {
				return nil, fmt.Errorf("decode case metadata: %w", err)
			}
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
