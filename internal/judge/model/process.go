package model

import "time"

// ProcessStatus is the lifecycle state of a JudgeProcess.
type ProcessStatus string

const (
	ProcessPending   ProcessStatus = "pending"
	ProcessRunning   ProcessStatus = "running"
	ProcessSucceeded ProcessStatus = "succeeded"
	ProcessFailed    ProcessStatus = "failed"
	ProcessError     ProcessStatus = "error"
	// ProcessOther parks a process after a transient fault until the next claim.
	ProcessOther ProcessStatus = "other"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessSucceeded || s == ProcessFailed || s == ProcessError
}

// Valid reports whether s is a known status.
func (s ProcessStatus) Valid() bool {
	switch s {
	case ProcessPending, ProcessRunning, ProcessSucceeded, ProcessFailed, ProcessError, ProcessOther:
		return true
	}
	return false
}

// AllProcessStatuses lists statuses in lifecycle order.
var AllProcessStatuses = []ProcessStatus{
	ProcessPending, ProcessRunning, ProcessOther, ProcessSucceeded, ProcessFailed, ProcessError,
}

// JudgeProcess is one end-to-end evaluation of a submission.
type JudgeProcess struct {
	ID           string
	SubmissionID string
	Status       ProcessStatus

	ResultCode      Verdict
	Score           float64
	ExecutionTimeMs int64
	MemoryUsageKB   int64
	Reason          string

	Priority    int
	Attempts    int
	MaxAttempts int

	LeaseToken     string
	LeaseExpiresAt *time.Time
	WorkerID       string

	CancelRequested bool
	CancelReason    string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

// LeaseExpired reports whether the lease is absent or past now.
func (p *JudgeProcess) LeaseExpired(now time.Time) bool {
	return p.LeaseExpiresAt == nil || !p.LeaseExpiresAt.After(now)
}

// Outcome is the aggregate written when a process finalizes.
type Outcome struct {
	Status          ProcessStatus
	ResultCode      Verdict
	Score           float64
	ExecutionTimeMs int64
	MemoryUsageKB   int64
	Reason          string
}

// SubmissionStatus mirrors the latest process outcome for the submission.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionJudging   SubmissionStatus = "judging"
	SubmissionCompleted SubmissionStatus = "completed"
	SubmissionError     SubmissionStatus = "error"
)

// Submission is created outside the judge and read here.
type Submission struct {
	ID               string
	UserID           int64
	ProblemID        int64
	Language         string
	SourceCode       string
	Status           SubmissionStatus
	Score            float64
	CurrentProcessID string
	CreatedAt        time.Time
}
