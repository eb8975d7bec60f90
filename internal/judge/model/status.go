package model

import "time"

// CaseState is the per-case progress marker shown while running.
type CaseState string

const (
	CaseQueued  CaseState = "queued"
	CaseRunning CaseState = "running"
	CaseDone    CaseState = "done"
)

// CaseProgress describes one case in a status snapshot.
type CaseProgress struct {
	JudgeCaseID  int64     `json:"judge_case_id"`
	DisplayOrder int       `json:"display_order"`
	State        CaseState `json:"state"`
	Verdict      Verdict   `json:"verdict,omitempty"`
}

// Progress summarizes how far a process got.
type Progress struct {
	Total int            `json:"total"`
	Done  int            `json:"done"`
	Cases []CaseProgress `json:"cases"`
}

// CaseResultView is one entry of the stable result payload.
type CaseResultView struct {
	JudgeCaseID      int64   `json:"judge_case_id"`
	Status           Verdict `json:"status"`
	Error            string  `json:"error,omitempty"`
	Warning          string  `json:"warning,omitempty"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
	MemoryUsageKB    int64   `json:"memory_usage_kb"`
}

// ResultPayload is the stable external shape of a finished process.
type ResultPayload struct {
	ProcessID       string           `json:"process_id"`
	SubmissionID    string           `json:"submission_id"`
	Status          ProcessStatus    `json:"status"`
	Score           float64          `json:"score"`
	ResultCode      Verdict          `json:"result_code,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	MemoryUsageKB   int64            `json:"memory_usage_kb"`
	Results         []CaseResultView `json:"results"`
}

// StatusView answers a status query.
type StatusView struct {
	ProcessID    string         `json:"process_id"`
	SubmissionID string         `json:"submission_id"`
	Status       ProcessStatus  `json:"status"`
	Progress     Progress       `json:"progress"`
	Result       *ResultPayload `json:"result,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewResultPayload builds the payload from a process and its results.
func NewResultPayload(p *JudgeProcess, results []CaseResult) *ResultPayload {
	views := make([]CaseResultView, 0, len(results))
	for _, r := range results {
		views = append(views, CaseResultView{
			JudgeCaseID:      r.JudgeCaseID,
			Status:           r.Status,
			Error:            r.Error,
			Warning:          r.Warning,
			ProcessingTimeMs: r.ProcessingTimeMs,
			MemoryUsageKB:    r.MemoryUsageKB,
		})
	}
	return &ResultPayload{
		ProcessID:       p.ID,
		SubmissionID:    p.SubmissionID,
		Status:          p.Status,
		Score:           p.Score,
		ResultCode:      p.ResultCode,
		Reason:          p.Reason,
		ExecutionTimeMs: p.ExecutionTimeMs,
		MemoryUsageKB:   p.MemoryUsageKB,
		Results:         views,
	}
}
