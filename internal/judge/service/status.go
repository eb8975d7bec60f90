package service

import (
	"context"

	"judgecore/internal/judge/model"
	appErr "judgecore/pkg/errors"
	pkgrepo "judgecore/pkg/repository"
	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

// GetProcessStatus returns the latest snapshot of a process. When the
// snapshot is missing or stale it is rebuilt from the store and backfilled.
func (s *Service) GetProcessStatus(ctx context.Context, processID string) (*model.StatusView, error) {
	if processID == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("process_id is required")
	}
	view, err := s.status.Get(ctx, processID)
	switch {
	case err == nil && !s.snapshotStale(view):
		return view, nil
	case err != nil && !appErr.Is(err, appErr.NotFound):
		logger.Warn(ctx, "status snapshot unavailable", zap.String("process_id", processID), zap.Error(err))
	}

	sctx, cancel := s.withTimeout(ctx)
	defer cancel()
	proc, err := s.processes.Get(sctx, nil, processID)
	if err != nil {
		if pkgrepo.IsNotFoundError(err) {
			return nil, appErr.ProcessNotFound(processID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load process %s", processID)
	}
	results, err := s.results.ListByProcess(sctx, processID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load case results for %s", processID)
	}

	view = &model.StatusView{
		ProcessID:    proc.ID,
		SubmissionID: proc.SubmissionID,
		Status:       proc.Status,
		UpdatedAt:    s.now().UTC(),
	}
	if proc.Status.IsTerminal() {
		view.Progress = progressFromResults(results)
		view.Result = model.NewResultPayload(proc, results)
	} else {
		view.Progress = s.rebuildProgress(sctx, proc, results)
	}
	if err := s.status.Save(sctx, view); err != nil {
		logger.Warn(ctx, "backfill status snapshot failed", zap.String("process_id", processID), zap.Error(err))
	}
	return view, nil
}

// snapshotStale reports a non-terminal snapshot nobody has refreshed for
// longer than a lost lease can stay unnoticed.
func (s *Service) snapshotStale(view *model.StatusView) bool {
	if view.Status.IsTerminal() {
		return false
	}
	return s.now().Sub(view.UpdatedAt) > s.staleAfter
}

// rebuildProgress lists every case of the problem with stored results marked
// done. Without the case list only the stored results are shown.
func (s *Service) rebuildProgress(ctx context.Context, proc *model.JudgeProcess, results []model.CaseResult) model.Progress {
	sub, err := s.submissions.Get(ctx, nil, proc.SubmissionID)
	if err != nil {
		return progressFromResults(results)
	}
	cases, _, err := s.problems.ListJudgeCases(ctx, sub.ProblemID)
	if err != nil {
		return progressFromResults(results)
	}
	byCase := make(map[int64]model.Verdict, len(results))
	for _, r := range results {
		byCase[r.JudgeCaseID] = r.Status
	}
	progress := model.Progress{Total: len(cases), Cases: make([]model.CaseProgress, 0, len(cases))}
	prefix := true
	for _, c := range cases {
		cp := model.CaseProgress{JudgeCaseID: c.ID, DisplayOrder: c.DisplayOrder, State: model.CaseQueued}
		if v, ok := byCase[c.ID]; ok {
			cp.State, cp.Verdict = model.CaseDone, v
		}
		if prefix && cp.State == model.CaseDone {
			progress.Done++
		} else {
			prefix = false
		}
		progress.Cases = append(progress.Cases, cp)
	}
	return progress
}
