// Package evaluator runs one judge case through the sandbox and records the verdict.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"judgecore/internal/judge/metrics"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/repository"
	"judgecore/internal/judge/retry"
	"judgecore/internal/judge/sandbox"
	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultPreviewBytes = 1 << 10
	artifactTimeout     = 10 * time.Second
	persistTimeout      = 5 * time.Second
)

// Config wires the evaluator.
type Config struct {
	Executor sandbox.Executor
	Results  repository.CaseResultRepository
	// Artifacts is optional. Without it outputs beyond the preview are dropped.
	Artifacts    repository.ArtifactStore
	Retry        retry.Policy
	PreviewBytes int
	Now          func() time.Time
}

// Input describes one case run.
type Input struct {
	ProcessID     string
	Case          model.JudgeCase
	Language      string
	Code          string
	ProblemLimits model.Limits
}

// Evaluator runs cases. It never touches the JudgeProcess row.
type Evaluator struct {
	executor     sandbox.Executor
	results      repository.CaseResultRepository
	artifacts    repository.ArtifactStore
	retry        retry.Policy
	previewBytes int
	now          func() time.Time
}

// New creates an evaluator.
func New(cfg Config) (*Evaluator, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("case result repository is required")
	}
	if cfg.PreviewBytes <= 0 {
		cfg.PreviewBytes = defaultPreviewBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Evaluator{
		executor:     cfg.Executor,
		results:      cfg.Results,
		artifacts:    cfg.Artifacts,
		retry:        cfg.Retry,
		previewBytes: cfg.PreviewBytes,
		now:          cfg.Now,
	}, nil
}

// Evaluate executes the case, classifies it and upserts the result.
// Sandbox faults are retried and end as IE. The returned error is either
// the context error (nothing persisted) or a persistence failure.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (model.CaseResult, error) {
	limits := in.Case.EffectiveLimits(in.ProblemLimits)
	req := sandbox.ExecuteRequest{
		Language: in.Language,
		Code:     in.Code,
		Stdin:    in.Case.Stdin,
		Limits:   limits,
	}

	var res sandbox.ExecuteResult
	start := time.Now()
	attempts, err := retry.Do(ctx, e.retry, sandbox.IsFault, func(attempt int) error {
		var callErr error
		res, callErr = e.executor.Execute(ctx, req)
		if callErr != nil && sandbox.IsFault(callErr) && attempt <= e.retry.Retries {
			logger.Warn(ctx, "sandbox fault, retrying",
				zap.String("process_id", in.ProcessID),
				zap.Int64("judge_case_id", in.Case.ID),
				zap.Int("attempt", attempt),
				zap.Error(callErr),
			)
		}
		return callErr
	})
	metrics.ObserveSandboxCall(time.Since(start), attempts)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.CaseResult{}, ctxErr
	}

	cr := e.build(ctx, in, limits, res, err)
	cr.Metadata.Attempts = attempts
	if err := e.persist(ctx, &cr, in.Language); err != nil {
		return cr, err
	}
	return cr, nil
}

// RecordSkipped persists a verdict for a case that never reached the sandbox.
func (e *Evaluator) RecordSkipped(ctx context.Context, processID string, c model.JudgeCase, v model.Verdict, reason string) (model.CaseResult, error) {
	cr := model.CaseResult{
		ProcessID:    processID,
		JudgeCaseID:  c.ID,
		DisplayOrder: c.DisplayOrder,
		Status:       v,
		Error:        reason,
		Metadata:     model.CaseMetadata{SkipReason: reason},
		CreatedAt:    e.now().UTC(),
	}
	if err := e.persist(ctx, &cr, ""); err != nil {
		return cr, err
	}
	return cr, nil
}

// build never panics out; evaluator bugs become IE.
func (e *Evaluator) build(ctx context.Context, in Input, limits model.Limits, res sandbox.ExecuteResult, execErr error) (cr model.CaseResult) {
	cr = model.CaseResult{
		ProcessID:    in.ProcessID,
		JudgeCaseID:  in.Case.ID,
		DisplayOrder: in.Case.DisplayOrder,
		CreatedAt:    e.now().UTC(),
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "evaluator panic", zap.String("process_id", in.ProcessID), zap.Any("panic", r))
			cr.Status = model.VerdictIE
			cr.Error = fmt.Sprintf("evaluator failure: %v", r)
		}
	}()

	if execErr != nil {
		cr.Status = model.VerdictIE
		cr.Error = execErr.Error()
		var fault *sandbox.Fault
		if !errors.As(execErr, &fault) {
			logger.Warn(ctx, "executor rejected request", zap.String("process_id", in.ProcessID), zap.Error(execErr))
		}
		return cr
	}

	cr.Status, cr.Error = Classify(res, limits, in.Case.ExpectedStdout)
	cr.ProcessingTimeMs = res.TimeUsedMs
	cr.MemoryUsageKB = res.MemoryUsedKB
	cr.Metadata.ExitStatus = res.ExitStatus
	if res.Signalled {
		cr.Metadata.Signal = "signalled"
	}
	if res.CompileFailed {
		cr.Metadata.CompileOutput = truncate(res.CompileOutput, maxErrorText)
		return cr
	}
	cr.Metadata.StdoutPreview = truncate(res.Stdout, e.previewBytes)
	cr.Metadata.StderrPreview = truncate(res.Stderr, e.previewBytes)
	if len(res.Stdout) > e.previewBytes && e.artifacts != nil {
		actx, cancel := context.WithTimeout(ctx, artifactTimeout)
		key, err := e.artifacts.Put(actx, in.ProcessID, in.Case.ID, "stdout", []byte(res.Stdout))
		cancel()
		if err != nil {
			logger.Warn(ctx, "store output artifact failed", zap.String("process_id", in.ProcessID), zap.Error(err))
			cr.Warning = "full output not stored"
		} else {
			cr.Metadata.ArtifactKey = key
		}
	}
	return cr
}

func (e *Evaluator) persist(ctx context.Context, cr *model.CaseResult, language string) error {
	cr.Error = strings.ToValidUTF8(cr.Error, "\uFFFD")
	cr.Warning = strings.ToValidUTF8(cr.Warning, "\uFFFD")
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := e.results.Upsert(pctx, cr); err != nil {
		return fmt.Errorf("persist case result: %w", err)
	}
	metrics.ObserveVerdict(cr.Status, language)
	return nil
}
