package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"judgecore/internal/common/db"
	"judgecore/internal/common/mq"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/retry"
	appErr "judgecore/pkg/errors"
	pkgrepo "judgecore/pkg/repository"
	"judgecore/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	rejudgePriority = 5
	reasonRejudge   = "superseded by rejudge"
)

var errSwapLost = errors.New("submission current process changed")

var enqueuePolicy = retry.Policy{Retries: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

// CreateJudgeProcess starts judging a submission. If the submission already
// has a current process its id is returned and nothing is created.
func (s *Service) CreateJudgeProcess(ctx context.Context, submissionID string) (string, error) {
	if submissionID == "" {
		return "", appErr.New(appErr.InvalidParams).WithMessage("submission_id is required")
	}
	var (
		processID string
		created   bool
		err       error
	)
	// A concurrent intake for the same submission makes the swap fail; the
	// second pass then returns the winner's process.
	for i := 0; i < 2; i++ {
		processID, created, err = s.createOnce(ctx, submissionID)
		if !errors.Is(err, errSwapLost) && !pkgrepo.IsConflictError(err) {
			break
		}
	}
	if err != nil {
		if pkgrepo.IsNotFoundError(err) {
			return "", appErr.MissingSubmission(submissionID)
		}
		return "", appErr.Wrapf(err, appErr.TransactionFailed, "create judge process for %s", submissionID)
	}
	if created {
		logger.Info(ctx, "judge process created", zap.String("process_id", processID), zap.String("submission_id", submissionID))
		s.enqueue(ctx, processID, 0)
		s.savePending(ctx, processID, submissionID)
	}
	return processID, nil
}

func (s *Service) createOnce(ctx context.Context, submissionID string) (string, bool, error) {
	var (
		processID string
		created   bool
	)
	now := s.now().UTC()
	err := s.db.Transaction(ctx, func(tx db.Transaction) error {
		sub, err := s.submissions.Get(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		if sub.CurrentProcessID != "" {
			processID = sub.CurrentProcessID
			return nil
		}
		proc := s.newProcess(submissionID, 0, now)
		if err := s.processes.Create(ctx, tx, proc); err != nil {
			return err
		}
		ok, err := s.submissions.SwapCurrentProcess(ctx, tx, submissionID, "", proc.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errSwapLost
		}
		processID, created = proc.ID, true
		return nil
	})
	return processID, created, err
}

// Rejudge cancels the current process of a submission and starts a new one
// with a higher priority.
func (s *Service) Rejudge(ctx context.Context, submissionID string) (string, error) {
	if submissionID == "" {
		return "", appErr.New(appErr.InvalidParams).WithMessage("submission_id is required")
	}
	sub, err := s.submissions.Get(ctx, nil, submissionID)
	if err != nil {
		if pkgrepo.IsNotFoundError(err) {
			return "", appErr.MissingSubmission(submissionID)
		}
		return "", appErr.Wrapf(err, appErr.DatabaseError, "load submission %s", submissionID)
	}

	previous := sub.CurrentProcessID
	now := s.now().UTC()
	proc := s.newProcess(submissionID, rejudgePriority, now)
	err = s.db.Transaction(ctx, func(tx db.Transaction) error {
		if previous != "" {
			if _, err := s.processes.RequestCancel(ctx, tx, previous, reasonRejudge, now); err != nil {
				return err
			}
		}
		if err := s.processes.Create(ctx, tx, proc); err != nil {
			return err
		}
		ok, err := s.submissions.SwapCurrentProcess(ctx, tx, submissionID, previous, proc.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errSwapLost
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errSwapLost) {
			return "", appErr.Newf(appErr.JudgeProcessConflict, "submission %s changed during rejudge", submissionID)
		}
		return "", appErr.Wrapf(err, appErr.TransactionFailed, "rejudge submission %s", submissionID)
	}
	if previous != "" && s.abortLocal(previous, reasonRejudge) {
		logger.Info(ctx, "aborted local run for rejudge", zap.String("process_id", previous))
	}
	logger.Info(ctx, "submission rejudged",
		zap.String("submission_id", submissionID),
		zap.String("previous_process_id", previous),
		zap.String("process_id", proc.ID),
	)
	s.enqueue(ctx, proc.ID, rejudgePriority)
	s.savePending(ctx, proc.ID, submissionID)
	return proc.ID, nil
}

// Cancel requests cancellation of a non-terminal process. A run on this node
// stops at once; elsewhere the next heartbeat or claim notices.
func (s *Service) Cancel(ctx context.Context, processID, reason string) error {
	if processID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("process_id is required")
	}
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.processes.RequestCancel(cctx, nil, processID, reason, s.now().UTC())
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "cancel process %s", processID)
	}
	if !ok {
		proc, err := s.processes.Get(cctx, nil, processID)
		if pkgrepo.IsNotFoundError(err) {
			return appErr.ProcessNotFound(processID)
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "load process %s", processID)
		}
		return appErr.Newf(appErr.JudgeProcessConflict, "process %s is already %s", processID, proc.Status)
	}
	s.abortLocal(processID, reason)
	logger.Info(ctx, "judge process cancel requested", zap.String("process_id", processID), zap.String("reason", reason))
	return nil
}

// HandleSubmissionCreated consumes submission.created events.
func (s *Service) HandleSubmissionCreated(ctx context.Context, msg *mq.Message) error {
	var event model.SubmissionCreatedEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil || event.SubmissionID == "" {
		logger.Warn(ctx, "dropping malformed submission event", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	_, err := s.CreateJudgeProcess(ctx, event.SubmissionID)
	if appErr.Is(err, appErr.SubmissionNotFound) {
		logger.Warn(ctx, "submission event for unknown submission", zap.String("submission_id", event.SubmissionID))
		return nil
	}
	return err
}

func (s *Service) newProcess(submissionID string, priority int, now time.Time) *model.JudgeProcess {
	return &model.JudgeProcess{
		ID:           uuid.NewString(),
		SubmissionID: submissionID,
		Status:       model.ProcessPending,
		Priority:     priority,
		MaxAttempts:  s.maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// enqueue retries briefly. A process that never makes it onto the queue
// stays pending and the reconciler enqueues it later.
func (s *Service) enqueue(ctx context.Context, processID string, priority int) {
	_, err := retry.Do(ctx, enqueuePolicy, nil, func(int) error {
		qctx, cancel := s.withTimeout(ctx)
		defer cancel()
		return s.queue.Enqueue(qctx, processID, priority)
	})
	if err != nil {
		logger.Warn(ctx, "enqueue failed, leaving process to the reconciler", zap.String("process_id", processID), zap.Error(err))
	}
}

func (s *Service) savePending(ctx context.Context, processID, submissionID string) {
	sctx, cancel := s.withTimeout(ctx)
	defer cancel()
	view := &model.StatusView{
		ProcessID:    processID,
		SubmissionID: submissionID,
		Status:       model.ProcessPending,
		Progress:     model.Progress{Cases: []model.CaseProgress{}},
		UpdatedAt:    s.now().UTC(),
	}
	if err := s.status.Save(sctx, view); err != nil {
		logger.Warn(ctx, "save pending snapshot failed", zap.String("process_id", processID), zap.Error(err))
	}
}
