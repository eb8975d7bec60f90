package model

import "time"

// SubmissionCreatedEvent is consumed from the submission.created topic.
type SubmissionCreatedEvent struct {
	SubmissionID string    `json:"submission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// FinalStatusEvent is published once a process is terminal and projected.
type FinalStatusEvent struct {
	ProcessID    string         `json:"process_id"`
	SubmissionID string         `json:"submission_id"`
	Status       ProcessStatus  `json:"status"`
	Result       *ResultPayload `json:"result"`
	CreatedAt    time.Time      `json:"created_at"`
}
