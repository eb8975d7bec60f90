package model

import "time"

// UserProblemStatus is the per-user, per-problem aggregate.
type UserProblemStatus struct {
	UserID           int64      `json:"user_id"`
	ProblemID        int64      `json:"problem_id"`
	Solved           bool       `json:"solved"`
	SolvedAt         *time.Time `json:"solved_at,omitempty"`
	SubmissionCount  int64      `json:"submission_count"`
	BestScore        float64    `json:"best_score"`
	LastSubmissionID string     `json:"last_submission_id,omitempty"`
}

// UserStats is the per-user aggregate.
type UserStats struct {
	UserID           int64 `json:"user_id"`
	ProblemsSolved   int64 `json:"problems_solved"`
	SubmissionsCount int64 `json:"submissions_count"`
}
