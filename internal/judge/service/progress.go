package service

import (
	"context"
	"sync"
	"time"

	"judgecore/internal/judge/model"
	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

// progressTracker owns the running snapshot of one process. Writes to the
// status store are serialized so a stale view never overwrites a newer one.
type progressTracker struct {
	mu      sync.Mutex
	store   StatusStore
	timeout time.Duration
	now     func() time.Time

	processID    string
	submissionID string
	cases        []model.CaseProgress
	index        map[int64]int
}

func newProgressTracker(s *Service, proc *model.JudgeProcess, cases []model.JudgeCase) *progressTracker {
	t := &progressTracker{
		store:        s.status,
		timeout:      s.storeTimeout,
		now:          s.now,
		processID:    proc.ID,
		submissionID: proc.SubmissionID,
		cases:        make([]model.CaseProgress, len(cases)),
		index:        make(map[int64]int, len(cases)),
	}
	for i, c := range cases {
		t.cases[i] = model.CaseProgress{JudgeCaseID: c.ID, DisplayOrder: c.DisplayOrder, State: model.CaseQueued}
		t.index[c.ID] = i
	}
	return t
}

func (t *progressTracker) start(ctx context.Context, caseID int64) {
	t.update(ctx, caseID, model.CaseRunning, "")
}

func (t *progressTracker) finish(ctx context.Context, caseID int64, v model.Verdict) {
	t.update(ctx, caseID, model.CaseDone, v)
}

func (t *progressTracker) update(ctx context.Context, caseID int64, state model.CaseState, v model.Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.index[caseID]; ok {
		t.cases[i].State = state
		t.cases[i].Verdict = v
	}
	t.saveLocked(ctx)
}

// publish writes the current view without changing it.
func (t *progressTracker) publish(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.saveLocked(ctx)
}

func (t *progressTracker) saveLocked(ctx context.Context) {
	view := &model.StatusView{
		ProcessID:    t.processID,
		SubmissionID: t.submissionID,
		Status:       model.ProcessRunning,
		Progress:     t.progressLocked(),
		UpdatedAt:    t.now().UTC(),
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	if err := t.store.Save(sctx, view); err != nil {
		logger.Warn(ctx, "save progress snapshot failed", zap.String("process_id", t.processID), zap.Error(err))
	}
}

// progressLocked counts the finished prefix in display order as done.
func (t *progressTracker) progressLocked() model.Progress {
	cases := make([]model.CaseProgress, len(t.cases))
	copy(cases, t.cases)
	done := 0
	for _, c := range cases {
		if c.State != model.CaseDone {
			break
		}
		done++
	}
	return model.Progress{Total: len(cases), Done: done, Cases: cases}
}

// progressFromResults describes a finished process.
func progressFromResults(results []model.CaseResult) model.Progress {
	cases := make([]model.CaseProgress, 0, len(results))
	for _, r := range results {
		cases = append(cases, model.CaseProgress{
			JudgeCaseID:  r.JudgeCaseID,
			DisplayOrder: r.DisplayOrder,
			State:        model.CaseDone,
			Verdict:      r.Status,
		})
	}
	return model.Progress{Total: len(cases), Done: len(cases), Cases: cases}
}
