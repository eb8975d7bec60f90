package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"judgecore/internal/judge/evaluator"
	"judgecore/internal/judge/metrics"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/queue"
	"judgecore/internal/judge/repository"
	"judgecore/internal/judge/retry"
	appErr "judgecore/pkg/errors"
	pkgrepo "judgecore/pkg/repository"
	"judgecore/pkg/utils/logger"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	reasonAttemptsExhausted = "retry attempts exhausted"
	reasonShutdown          = "worker shutting down"
	reasonSkippedAfterCE    = "skipped after compilation error"
)

// HandleDelivery runs one queue delivery to completion. It acks or nacks d
// itself; the returned error is for logging only.
func (s *Service) HandleDelivery(ctx context.Context, d *queue.Delivery) error {
	if d == nil || d.ProcessID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("delivery without process id")
	}
	now := s.now().UTC()
	lease := repository.Lease{Token: uuid.NewString(), WorkerID: s.workerID, Until: now.Add(s.leaseDuration)}

	cctx, cancel := s.withTimeout(ctx)
	claim, proc, err := s.processes.Claim(cctx, d.ProcessID, lease, now)
	cancel()
	if err != nil {
		s.nack(ctx, d, s.backoff(d))
		return appErr.Wrapf(err, appErr.DatabaseError, "claim process %s", d.ProcessID)
	}

	switch claim {
	case repository.ClaimNotFound:
		logger.Warn(ctx, "delivery for unknown process", zap.String("process_id", d.ProcessID))
		s.ack(ctx, d)
		return nil
	case repository.ClaimTerminal:
		return s.finishTerminal(ctx, proc, d)
	case repository.ClaimBusy:
		delay := time.Second
		if proc.LeaseExpiresAt != nil {
			if remaining := proc.LeaseExpiresAt.Sub(now); remaining > delay {
				delay = remaining
			}
		}
		s.nack(ctx, d, delay)
		return nil
	}
	return s.run(ctx, proc, lease, d)
}

func (s *Service) run(ctx context.Context, proc *model.JudgeProcess, lease repository.Lease, d *queue.Delivery) error {
	metrics.RunStarted()
	defer metrics.RunFinished()
	logger.Info(ctx, "judge process claimed",
		zap.String("process_id", proc.ID),
		zap.Int("attempt", proc.Attempts),
		zap.String("worker_id", s.workerID),
	)

	sctx, cancel := s.withTimeout(ctx)
	sub, err := s.submissions.Get(sctx, nil, proc.SubmissionID)
	cancel()
	if err != nil {
		if pkgrepo.IsNotFoundError(err) {
			return s.fail(ctx, proc, lease, d, nil, fmt.Sprintf("submission %s not found", proc.SubmissionID))
		}
		return s.retryLater(ctx, proc, lease, d, "load submission", err)
	}

	cases, limits, err := s.listCases(ctx, sub.ProblemID)
	if err != nil {
		if appErr.Is(err, appErr.TestCaseNotFound) || appErr.Is(err, appErr.ProblemNotFound) ||
			appErr.Is(err, appErr.JudgeCaseDataInvalid) {
			return s.fail(ctx, proc, lease, d, nil, err.Error())
		}
		return s.retryLater(ctx, proc, lease, d, "list judge cases", err)
	}

	started := s.now().UTC()
	if proc.StartedAt != nil {
		started = *proc.StartedAt
	}
	deadline := started.Add(s.processTimeout)
	switch {
	case proc.Attempts > s.maxAttemptsFor(proc):
		return s.fail(ctx, proc, lease, d, cases, reasonAttemptsExhausted)
	case proc.CancelRequested:
		return s.cancelled(ctx, proc, lease, d, cases, proc.CancelReason)
	case !s.now().Before(deadline):
		return s.fail(ctx, proc, lease, d, cases, errDeadline.Error())
	}

	jctx, cancel := s.withTimeout(ctx)
	current, err := s.submissions.SetStatus(jctx, nil, sub.ID, proc.ID, model.SubmissionJudging, nil)
	cancel()
	if err != nil {
		return s.retryLater(ctx, proc, lease, d, "mark submission judging", err)
	}
	if !current {
		logger.Info(ctx, "submission moved to another process", zap.String("process_id", proc.ID), zap.String("submission_id", sub.ID))
	}

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	runCtx, cancelDeadline := context.WithDeadlineCause(runCtx, deadline, errDeadline)
	defer cancelDeadline()
	s.active.Store(proc.ID, cancelRun)
	defer s.active.Delete(proc.ID)

	tracker := newProgressTracker(s, proc, cases)
	tracker.publish(ctx)

	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		s.heartbeat(hbCtx, proc.ID, lease, d, cancelRun)
	}()
	evalErr := s.evaluateAll(runCtx, proc, sub, cases, limits, tracker)
	stopHeartbeat()
	<-hbDone

	if evalErr != nil {
		var cause error
		if runCtx.Err() != nil {
			cause = context.Cause(runCtx)
		}
		return s.interrupted(ctx, proc, lease, d, cases, cause, evalErr)
	}
	return s.finalize(ctx, proc, lease, d, cases, nil)
}

func (s *Service) listCases(ctx context.Context, problemID int64) ([]model.JudgeCase, model.Limits, error) {
	lctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cases, limits, err := s.problems.ListJudgeCases(lctx, problemID)
	if err != nil {
		return nil, limits, err
	}
	if len(cases) == 0 {
		return nil, limits, appErr.Newf(appErr.TestCaseNotFound, "problem %d has no judge cases", problemID)
	}
	seen := mapset.NewThreadUnsafeSet[int64]()
	for _, c := range cases {
		if !seen.Add(c.ID) {
			return nil, limits, appErr.Newf(appErr.JudgeCaseDataInvalid, "duplicate judge case id %d in problem %d", c.ID, problemID)
		}
	}
	return cases, limits, nil
}

// evaluateAll runs the first case alone, then the rest with bounded
// parallelism. After any CE the cases not yet started are recorded CE.
func (s *Service) evaluateAll(ctx context.Context, proc *model.JudgeProcess, sub *model.Submission, cases []model.JudgeCase, limits model.Limits, tracker *progressTracker) error {
	first, err := s.evaluateCase(ctx, proc, sub, cases[0], limits, tracker)
	if err != nil {
		return err
	}
	var compileFailed atomic.Bool
	compileFailed.Store(first.Status == model.VerdictCE)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.caseParallelism)
	for _, c := range cases[1:] {
		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if compileFailed.Load() {
				cr, err := s.evaluator.RecordSkipped(gctx, proc.ID, c, model.VerdictCE, reasonSkippedAfterCE)
				if err != nil {
					return err
				}
				tracker.finish(gctx, c.ID, cr.Status)
				return nil
			}
			cr, err := s.evaluateCase(gctx, proc, sub, c, limits, tracker)
			if err != nil {
				return err
			}
			if cr.Status == model.VerdictCE {
				compileFailed.Store(true)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) evaluateCase(ctx context.Context, proc *model.JudgeProcess, sub *model.Submission, c model.JudgeCase, limits model.Limits, tracker *progressTracker) (model.CaseResult, error) {
	tracker.start(ctx, c.ID)
	cr, err := s.evaluator.Evaluate(ctx, evaluator.Input{
		ProcessID:     proc.ID,
		Case:          c,
		Language:      sub.Language,
		Code:          sub.SourceCode,
		ProblemLimits: limits,
	})
	if err != nil {
		return cr, err
	}
	tracker.finish(ctx, c.ID, cr.Status)
	return cr, nil
}

// heartbeat extends the lease and queue visibility until ctx is done. A lost
// lease or a cancel request aborts the run through abort.
func (s *Service) heartbeat(ctx context.Context, processID string, lease repository.Lease, d *queue.Delivery, abort context.CancelCauseFunc) {
	ticker := time.NewTicker(s.leaseDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := s.now().UTC()
		lease.Until = now.Add(s.leaseDuration)
		hctx, cancel := s.withTimeout(ctx)
		p, err := s.processes.Heartbeat(hctx, processID, lease, now)
		if err == nil {
			if qerr := s.queue.Extend(hctx, d, s.leaseDuration); qerr != nil {
				logger.Warn(ctx, "extend queue visibility failed", zap.String("process_id", processID), zap.Error(qerr))
			}
		}
		cancel()
		switch {
		case errors.Is(err, repository.ErrLeaseLost):
			abort(repository.ErrLeaseLost)
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "heartbeat failed", zap.String("process_id", processID), zap.Error(err))
		case p.CancelRequested:
			abort(&cancelError{reason: p.CancelReason})
			return
		}
	}
}

// interrupted decides what an aborted run leaves behind. cause is nil when
// the run context is still live and evalErr is a store failure.
func (s *Service) interrupted(ctx context.Context, proc *model.JudgeProcess, lease repository.Lease, d *queue.Delivery, cases []model.JudgeCase, cause, evalErr error) error {
	var ce *cancelError
	switch {
	case cause == nil:
		return s.retryLater(ctx, proc, lease, d, "evaluate cases", evalErr)
	case errors.Is(cause, repository.ErrLeaseLost):
		logger.Warn(ctx, "process lease lost, abandoning run", zap.String("process_id", proc.ID))
		return nil
	case errors.As(cause, &ce):
		return s.cancelled(ctx, proc, lease, d, cases, ce.reason)
	case errors.Is(cause, errDeadline):
		return s.fail(ctx, proc, lease, d, cases, errDeadline.Error())
	}

	bg, cancel := s.detached(ctx)
	defer cancel()
	if err := s.processes.Park(bg, proc.ID, lease.Token, reasonShutdown, s.now().UTC()); err != nil &&
		!errors.Is(err, repository.ErrLeaseLost) {
		logger.Warn(ctx, "park on shutdown failed", zap.String("process_id", proc.ID), zap.Error(err))
	}
	s.nack(ctx, d, 0)
	return cause
}

// fail records the missing cases as IE and finalizes the process as error.
func (s *Service) fail(ctx context.Context, proc *model.JudgeProcess, lease repository.Lease, d *queue.Delivery, cases []model.JudgeCase, reason string) error {
	if err := s.fillMissing(ctx, proc, cases, reason); err != nil {
		return s.retryLater(ctx, proc, lease, d, "record skipped cases", err)
	}
	return s.finalize(ctx, proc, lease, d, cases, func(out *model.Outcome) {
		out.Status = model.ProcessError
		out.Reason = reason
		if out.ResultCode == model.VerdictAC {
			out.ResultCode = model.VerdictIE
		}
	})
}

// cancelled takes the process running -> other -> error.
func (s *Service) cancelled(ctx context.Context, proc *model.JudgeProcess, lease repository.Lease, d *queue.Delivery, cases []model.JudgeCase, reason string) error {
	msg := cancelReason(reason)
	if err := s.fillMissing(ctx, proc, cases, msg); err != nil {
		return s.retryLater(ctx, proc, lease, d, "record skipped cases", err)
	}
	bg, cancel := s.detached(ctx)
	defer cancel()
	now := s.now().UTC()
	if err := s.processes.Park(bg, proc.ID, lease.Token, msg, now); err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			return nil
		}
		s.nack(ctx, d, s.backoff(d))
		return appErr.Wrapf(err, appErr.DatabaseError, "park cancelled process %s", proc.ID)
	}
	if err := s.processes.FailParked(bg, proc.ID, msg, now); err != nil {
		s.nack(ctx, d, s.backoff(d))
		return appErr.Wrapf(err, appErr.DatabaseError, "fail cancelled process %s", proc.ID)
	}
	logger.Info(ctx, "judge process cancelled", zap.String("process_id", proc.ID), zap.String("reason", msg))
	return s.reloadAndFinish(ctx, proc.ID, d)
}

// fillMissing records an IE for every case without a stored result.
func (s *Service) fillMissing(ctx context.Context, proc *model.JudgeProcess, cases []model.JudgeCase, reason string) error {
	if len(cases) == 0 {
		return nil
	}
	bg, cancel := s.detached(ctx)
	defer cancel()
	results, err := s.results.ListByProcess(bg, proc.ID)
	if err != nil {
		return err
	}
	have := mapset.NewThreadUnsafeSet[int64]()
	for _, r := range results {
		have.Add(r.JudgeCaseID)
	}
	for _, c := range cases {
		if have.Contains(c.ID) {
			continue
		}
		if _, err := s.evaluator.RecordSkipped(bg, proc.ID, c, model.VerdictIE, reason); err != nil {
			return err
		}
	}
	return nil
}

// finalize aggregates the stored results and writes the terminal status,
// fenced by the lease token. adjust may override the aggregate.
func (s *Service) finalize(ctx context.Context, proc *model.JudgeProcess, lease repository.Lease, d *queue.Delivery, cases []model.JudgeCase, adjust func(*model.Outcome)) error {
	bg, cancel := s.detached(ctx)
	defer cancel()
	results, err := s.results.ListByProcess(bg, proc.ID)
	if err != nil {
		return s.retryLater(ctx, proc, lease, d, "load case results", err)
	}
	out := Aggregate(selectResults(results, cases))
	if adjust != nil {
		adjust(&out)
	}
	if err := s.processes.Finalize(bg, proc.ID, lease.Token, out, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			logger.Warn(ctx, "process lease lost before finalize", zap.String("process_id", proc.ID))
			return nil
		}
		return s.retryLater(ctx, proc, lease, d, "finalize", err)
	}
	return s.reloadAndFinish(ctx, proc.ID, d)
}

// retryLater parks the process after a transient fault. Once the attempts
// are used up the parked process becomes error instead.
func (s *Service) retryLater(ctx context.Context, proc *model.JudgeProcess, lease repository.Lease, d *queue.Delivery, op string, cause error) error {
	reason := fmt.Sprintf("%s: %v", op, cause)
	logger.Warn(ctx, "transient process fault",
		zap.String("process_id", proc.ID),
		zap.Int("attempt", proc.Attempts),
		zap.String("op", op),
		zap.Error(cause),
	)
	bg, cancel := s.detached(ctx)
	defer cancel()
	now := s.now().UTC()
	if err := s.processes.Park(bg, proc.ID, lease.Token, reason, now); err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			return nil
		}
		// Still running under our lease; it expires and is stolen or reconciled.
		s.nack(ctx, d, s.backoff(d))
		return appErr.Wrapf(cause, appErr.JudgeSystemError, "%s", op)
	}
	if proc.Attempts >= s.maxAttemptsFor(proc) {
		if err := s.processes.FailParked(bg, proc.ID, reasonAttemptsExhausted+": "+reason, now); err != nil {
			s.nack(ctx, d, s.backoff(d))
			return appErr.Wrapf(err, appErr.DatabaseError, "fail parked process %s", proc.ID)
		}
		return s.reloadAndFinish(ctx, proc.ID, d)
	}
	s.nack(ctx, d, s.backoff(d))
	return appErr.Wrapf(cause, appErr.JudgeSystemError, "%s", op)
}

func (s *Service) reloadAndFinish(ctx context.Context, processID string, d *queue.Delivery) error {
	bg, cancel := s.detached(ctx)
	defer cancel()
	proc, err := s.processes.Get(bg, nil, processID)
	if err != nil {
		s.nack(ctx, d, s.backoff(d))
		return appErr.Wrapf(err, appErr.DatabaseError, "reload process %s", processID)
	}
	return s.finishTerminal(ctx, proc, d)
}

// finishTerminal projects a terminal process, stores its final snapshot,
// publishes the final status and acks d. It is safe to repeat.
func (s *Service) finishTerminal(ctx context.Context, proc *model.JudgeProcess, d *queue.Delivery) error {
	bg, cancel := s.detached(ctx)
	defer cancel()
	out, err := s.projector.Project(bg, proc.ID)
	if err != nil {
		if appErr.Is(err, appErr.JudgeProcessNotFound) {
			s.ack(ctx, d)
			return nil
		}
		s.nack(ctx, d, s.backoff(d))
		return err
	}
	if out.Process != nil {
		proc = out.Process
	}
	results, err := s.results.ListByProcess(bg, proc.ID)
	if err != nil {
		s.nack(ctx, d, s.backoff(d))
		return appErr.Wrapf(err, appErr.DatabaseError, "load case results for %s", proc.ID)
	}

	now := s.now().UTC()
	view := &model.StatusView{
		ProcessID:    proc.ID,
		SubmissionID: proc.SubmissionID,
		Status:       proc.Status,
		Progress:     progressFromResults(results),
		Result:       model.NewResultPayload(proc, results),
		UpdatedAt:    now,
	}
	if err := s.status.Save(bg, view); err != nil {
		logger.Warn(ctx, "save final snapshot failed", zap.String("process_id", proc.ID), zap.Error(err))
	}
	if s.publisher != nil {
		event := model.FinalStatusEvent{
			ProcessID:    proc.ID,
			SubmissionID: proc.SubmissionID,
			Status:       proc.Status,
			Result:       view.Result,
			CreatedAt:    now,
		}
		if err := s.publisher.PublishFinalStatus(bg, event); err != nil {
			logger.Warn(ctx, "publish final status failed", zap.String("process_id", proc.ID), zap.Error(err))
		}
	}
	if !out.AlreadyProjected {
		var elapsed time.Duration
		if proc.StartedAt != nil && proc.FinishedAt != nil {
			elapsed = proc.FinishedAt.Sub(*proc.StartedAt)
		}
		metrics.ObserveProcess(proc.Status, elapsed)
		logger.Info(ctx, "judge process finished",
			zap.String("process_id", proc.ID),
			zap.String("status", string(proc.Status)),
			zap.String("result_code", string(proc.ResultCode)),
			zap.Float64("score", proc.Score),
			zap.Bool("newly_solved", out.NewlySolved),
		)
	}
	s.ack(ctx, d)
	return nil
}

// Aggregate folds case results into the process outcome.
func Aggregate(results []model.CaseResult) model.Outcome {
	out := model.Outcome{Status: model.ProcessSucceeded}
	verdicts := make([]model.Verdict, 0, len(results))
	accepted, internal := 0, 0
	for _, r := range results {
		verdicts = append(verdicts, r.Status)
		switch r.Status {
		case model.VerdictAC:
			accepted++
		case model.VerdictIE:
			internal++
		}
		if r.ProcessingTimeMs > out.ExecutionTimeMs {
			out.ExecutionTimeMs = r.ProcessingTimeMs
		}
		if r.MemoryUsageKB > out.MemoryUsageKB {
			out.MemoryUsageKB = r.MemoryUsageKB
		}
	}
	out.ResultCode = model.AggregateVerdict(verdicts)
	if len(results) > 0 {
		out.Score = round2(100 * float64(accepted) / float64(len(results)))
	}
	if internal > 0 {
		out.Status = model.ProcessFailed
		out.Reason = fmt.Sprintf("%d case(s) ended with internal error", internal)
	}
	return out
}

// round2 rounds half away from zero.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// selectResults orders results like cases. A case without a result counts as IE.
func selectResults(results []model.CaseResult, cases []model.JudgeCase) []model.CaseResult {
	if len(cases) == 0 {
		return results
	}
	byCase := make(map[int64]model.CaseResult, len(results))
	for _, r := range results {
		byCase[r.JudgeCaseID] = r
	}
	out := make([]model.CaseResult, 0, len(cases))
	for _, c := range cases {
		r, ok := byCase[c.ID]
		if !ok {
			r = model.CaseResult{JudgeCaseID: c.ID, DisplayOrder: c.DisplayOrder, Status: model.VerdictIE, Error: "no result recorded"}
		}
		out = append(out, r)
	}
	return out
}

func (s *Service) maxAttemptsFor(proc *model.JudgeProcess) int {
	if proc.MaxAttempts > 0 {
		return proc.MaxAttempts
	}
	return s.maxAttempts
}

func (s *Service) backoff(d *queue.Delivery) time.Duration {
	attempt := 1
	if d != nil {
		attempt = d.Deliveries
	}
	return retry.Compute(attempt, s.retryBaseDelay, s.retryMaxDelay)
}

func (s *Service) ack(ctx context.Context, d *queue.Delivery) {
	if d == nil {
		return
	}
	qctx, cancel := s.detached(ctx)
	defer cancel()
	if err := s.queue.Ack(qctx, d); err != nil {
		logger.Warn(ctx, "queue ack failed", zap.String("process_id", d.ProcessID), zap.Error(err))
	}
}

func (s *Service) nack(ctx context.Context, d *queue.Delivery, delay time.Duration) {
	if d == nil {
		return
	}
	qctx, cancel := s.detached(ctx)
	defer cancel()
	if err := s.queue.Nack(qctx, d, delay); err != nil {
		logger.Warn(ctx, "queue nack failed", zap.String("process_id", d.ProcessID), zap.Error(err))
	}
}
