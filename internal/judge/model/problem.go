package model

// CaseType classifies a test case. It does not change evaluation.
type CaseType string

const (
	CaseSample CaseType = "sample"
	CaseNormal CaseType = "normal"
	CaseEdge   CaseType = "edge"
	CaseStress CaseType = "stress"
)

// Limits bounds one sandbox run.
type Limits struct {
	TimeLimitMs   int64 `json:"time_limit_ms"`
	MemoryLimitKB int64 `json:"memory_limit_kb"`
	OutputLimitKB int64 `json:"output_limit_kb"`
}

// DefaultLimits apply when neither the case nor the problem sets a value.
var DefaultLimits = Limits{
	TimeLimitMs:   5000,
	MemoryLimitKB: 256 * 1024,
	OutputLimitKB: 64,
}

// Or fills each zero field of l from fallback.
func (l Limits) Or(fallback Limits) Limits {
	if l.TimeLimitMs <= 0 {
		l.TimeLimitMs = fallback.TimeLimitMs
	}
	if l.MemoryLimitKB <= 0 {
		l.MemoryLimitKB = fallback.MemoryLimitKB
	}
	if l.OutputLimitKB <= 0 {
		l.OutputLimitKB = fallback.OutputLimitKB
	}
	return l
}

// JudgeCase is a read-only test case owned by the problem content service.
type JudgeCase struct {
	ID             int64    `json:"id"`
	ProblemID      int64    `json:"problem_id"`
	Stdin          string   `json:"stdin"`
	ExpectedStdout string   `json:"expected_stdout"`
	Type           CaseType `json:"case_type"`
	DisplayOrder   int      `json:"display_order"`
	// Overrides are zero when the case uses the problem limits.
	Overrides Limits `json:"overrides"`
}

// EffectiveLimits resolves case override, then problem default, then service default.
func (c JudgeCase) EffectiveLimits(problem Limits) Limits {
	return c.Overrides.Or(problem.Or(DefaultLimits))
}

// ProblemCases is what the problem client returns for one problem.
type ProblemCases struct {
	ProblemID int64       `json:"problem_id"`
	Limits    Limits      `json:"limits"`
	Cases     []JudgeCase `json:"cases"`
}
