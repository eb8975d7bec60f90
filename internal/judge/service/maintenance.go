package service

import (
	"context"
	"time"

	"judgecore/internal/judge/metrics"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/queue"
	"judgecore/internal/judge/repository"
	appErr "judgecore/pkg/errors"
	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

const reconcileBatch = 100

// ReconcileResult counts what one reconcile pass did.
type ReconcileResult struct {
	Requeued int `json:"requeued"`
	Forced   int `json:"forced"`
}

// Reconcile re-enqueues processes that fell off the queue and forces into
// error those that can no longer finish: a cancel was requested while
// nobody held them, or their deadline passed with the lease expired.
func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	now := s.now().UTC()
	lctx, cancel := s.withTimeout(ctx)
	procs, err := s.processes.ListReconcilable(lctx, now.Add(-s.staleAfter), now, reconcileBatch)
	cancel()
	if err != nil {
		return res, appErr.Wrapf(err, appErr.DatabaseError, "list reconcilable processes")
	}
	for _, p := range procs {
		pastDeadline := p.StartedAt != nil && !now.Before(p.StartedAt.Add(s.processTimeout))
		reason := ""
		switch {
		case p.CancelRequested && p.Status != model.ProcessRunning:
			reason = cancelReason(p.CancelReason)
		case pastDeadline:
			reason = errDeadline.Error()
		}
		if reason == "" {
			s.enqueue(ctx, p.ID, p.Priority)
			res.Requeued++
			continue
		}
		forced, err := s.forceError(ctx, p, reason)
		if err != nil {
			logger.Warn(ctx, "force error failed", zap.String("process_id", p.ID), zap.Error(err))
			continue
		}
		if forced {
			res.Forced++
		}
	}
	if res.Requeued > 0 || res.Forced > 0 {
		logger.Info(ctx, "reconciled judge processes", zap.Int("requeued", res.Requeued), zap.Int("forced", res.Forced))
	}
	return res, nil
}

// forceError moves a process nobody holds to error, records IE for the
// cases it never ran when they can be listed, and projects it.
func (s *Service) forceError(ctx context.Context, p *model.JudgeProcess, reason string) (bool, error) {
	fctx, cancel := s.withTimeout(ctx)
	forced, err := s.processes.ForceError(fctx, p.ID, reason, s.now().UTC())
	cancel()
	if err != nil || !forced {
		return false, err
	}
	if sub, err := s.submissions.Get(ctx, nil, p.SubmissionID); err == nil {
		if cases, _, err := s.listCases(ctx, sub.ProblemID); err == nil {
			if err := s.fillMissing(ctx, p, cases, reason); err != nil {
				logger.Warn(ctx, "record skipped cases failed", zap.String("process_id", p.ID), zap.Error(err))
			}
		}
	}
	logger.Warn(ctx, "judge process forced to error", zap.String("process_id", p.ID), zap.String("reason", reason))
	return true, s.reloadAndFinish(ctx, p.ID, nil)
}

// Purge deletes terminal processes finished before cutoff that no
// submission points at. Case results go with them.
func (s *Service) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, appErr.New(appErr.InvalidParams).WithMessage("cutoff is required")
	}
	if cutoff.After(s.now()) {
		return 0, appErr.New(appErr.InvalidParams).WithMessage("cutoff must not be in the future")
	}
	n, err := s.processes.PurgeFinishedBefore(ctx, cutoff.UTC())
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "purge finished processes")
	}
	if n > 0 {
		logger.Info(ctx, "purged finished processes", zap.Int64("count", n), zap.Time("before", cutoff))
	}
	return n, nil
}

// QueueStats is the answer of the queue statistics endpoint.
type QueueStats struct {
	Queue      queue.Stats             `json:"queue"`
	Processes  repository.StatusCounts `json:"processes"`
	ActiveRuns int                     `json:"active_runs"`
}

// GetQueueStats reads queue depth and process counts, and refreshes the
// queue gauges.
func (s *Service) GetQueueStats(ctx context.Context) (QueueStats, error) {
	sctx, cancel := s.withTimeout(ctx)
	defer cancel()
	qs, err := s.queue.Stats(sctx)
	if err != nil {
		return QueueStats{}, appErr.Wrapf(err, appErr.CacheError, "queue stats")
	}
	counts, err := s.processes.CountByStatus(sctx)
	if err != nil {
		return QueueStats{}, appErr.Wrapf(err, appErr.DatabaseError, "count processes")
	}
	metrics.SetQueueItems(qs.Ready, qs.Delayed, qs.InFlight)
	return QueueStats{Queue: qs, Processes: counts, ActiveRuns: s.active.Size()}, nil
}

// RunMaintenance reconciles every interval until ctx is done. When
// retention is positive, terminal processes older than it are purged too.
func (s *Service) RunMaintenance(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = s.leaseDuration
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.Reconcile(ctx); err != nil {
			logger.Warn(ctx, "reconcile failed", zap.Error(err))
		}
		if _, err := s.GetQueueStats(ctx); err != nil {
			logger.Warn(ctx, "refresh queue gauges failed", zap.Error(err))
		}
		if retention > 0 {
			if _, err := s.Purge(ctx, s.now().Add(-retention)); err != nil {
				logger.Warn(ctx, "purge failed", zap.Error(err))
			}
		}
	}
}
