package model

import "time"

// CaseResult is the outcome of one case within one process.
type CaseResult struct {
	ProcessID        string
	JudgeCaseID      int64
	DisplayOrder     int
	Status           Verdict
	Error            string
	Warning          string
	ProcessingTimeMs int64
	MemoryUsageKB    int64
	Metadata         CaseMetadata
	CreatedAt        time.Time
}

// CaseMetadata is stored as JSON next to the result.
type CaseMetadata struct {
	StdoutPreview string `json:"stdout_preview,omitempty"`
	StderrPreview string `json:"stderr_preview,omitempty"`
	CompileOutput string `json:"compile_output,omitempty"`
	ExitStatus    int    `json:"exit_status,omitempty"`
	Signal        string `json:"signal,omitempty"`
	// ArtifactKey points at the full compressed output in object storage.
	ArtifactKey string `json:"artifact_key,omitempty"`
	SkipReason  string `json:"skip_reason,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
}
