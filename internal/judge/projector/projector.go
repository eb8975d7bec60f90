// Package projector applies the side effects of a terminal process exactly once.
package projector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"judgecore/internal/common/db"
	"judgecore/internal/judge/metrics"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/repository"
	appErr "judgecore/pkg/errors"
	pkgrepo "judgecore/pkg/repository"
	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

// ErrNotTerminal is returned for a process that has not finished.
var ErrNotTerminal = errors.New("process is not terminal")

// errAlreadyProjected aborts the transaction when the ledger row exists.
var errAlreadyProjected = errors.New("already projected")

// Outcome reports what Project did.
type Outcome struct {
	AlreadyProjected bool
	// NewlySolved is true when this projection flipped the problem to solved.
	NewlySolved bool
	Process     *model.JudgeProcess
	Submission  *model.Submission
}

// Config wires the projector.
type Config struct {
	Database    db.Database
	Processes   repository.ProcessRepository
	Submissions repository.SubmissionRepository
	Aggregates  repository.AggregateRepository
	// SolvedThreshold is the minimum score that counts as solved. Default 100.
	SolvedThreshold float64
	Now             func() time.Time
}

// Projector is safe for concurrent use.
type Projector struct {
	db              db.Database
	processes       repository.ProcessRepository
	submissions     repository.SubmissionRepository
	aggregates      repository.AggregateRepository
	solvedThreshold float64
	now             func() time.Time
}

// New creates a projector.
func New(cfg Config) (*Projector, error) {
	if cfg.Database == nil || cfg.Processes == nil || cfg.Submissions == nil || cfg.Aggregates == nil {
		return nil, fmt.Errorf("projector dependencies are required")
	}
	if cfg.SolvedThreshold <= 0 {
		cfg.SolvedThreshold = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Projector{
		db:              cfg.Database,
		processes:       cfg.Processes,
		submissions:     cfg.Submissions,
		aggregates:      cfg.Aggregates,
		solvedThreshold: cfg.SolvedThreshold,
		now:             cfg.Now,
	}, nil
}

// Project applies the aggregate and submission updates of a terminal process.
// Calling it again for the same process is a no-op reported as AlreadyProjected.
func (p *Projector) Project(ctx context.Context, processID string) (Outcome, error) {
	proc, err := p.processes.Get(ctx, nil, processID)
	if err != nil {
		if pkgrepo.IsNotFoundError(err) {
			return Outcome{}, appErr.ProcessNotFound(processID)
		}
		return Outcome{}, appErr.Wrapf(err, appErr.DatabaseError, "load process %s", processID)
	}
	if !proc.Status.IsTerminal() {
		return Outcome{Process: proc}, ErrNotTerminal
	}
	sub, err := p.submissions.Get(ctx, nil, proc.SubmissionID)
	if err != nil {
		return Outcome{Process: proc}, appErr.Wrapf(err, appErr.DatabaseError, "load submission %s", proc.SubmissionID)
	}
	out := Outcome{Process: proc, Submission: sub}

	succeeded := proc.Status == model.ProcessSucceeded
	if succeeded {
		// Rows exist before the transaction so a duplicate insert never
		// aborts it on PostgreSQL.
		if err := p.aggregates.EnsureUserStats(ctx, sub.UserID); err != nil {
			return out, appErr.Wrapf(err, appErr.DatabaseError, "ensure user stats")
		}
		if err := p.aggregates.EnsureUserProblem(ctx, sub.UserID, sub.ProblemID); err != nil {
			return out, appErr.Wrapf(err, appErr.DatabaseError, "ensure user problem status")
		}
	}

	now := p.now().UTC()
	err = p.db.Transaction(ctx, func(tx db.Transaction) error {
		inserted, err := p.aggregates.InsertLedger(ctx, tx, proc.ID, proc.Status, now)
		if err != nil {
			return err
		}
		if !inserted {
			return errAlreadyProjected
		}
		if succeeded {
			if err := p.aggregates.IncrementSubmissions(ctx, tx, sub.UserID); err != nil {
				return err
			}
			if err := p.aggregates.RecordAttempt(ctx, tx, sub.UserID, sub.ProblemID, sub.ID, proc.Score); err != nil {
				return err
			}
			if proc.ResultCode == model.VerdictAC && proc.Score >= p.solvedThreshold {
				changed, err := p.aggregates.MarkSolved(ctx, tx, sub.UserID, sub.ProblemID, now)
				if err != nil {
					return err
				}
				if changed {
					if err := p.aggregates.IncrementSolved(ctx, tx, sub.UserID); err != nil {
						return err
					}
					out.NewlySolved = true
				}
			}
		}
		status := model.SubmissionError
		if succeeded {
			status = model.SubmissionCompleted
		}
		score := proc.Score
		current, err := p.submissions.SetStatus(ctx, tx, sub.ID, proc.ID, status, &score)
		if err != nil {
			return err
		}
		if !current {
			// A rejudge moved the submission on; aggregates still count this run.
			logger.Info(ctx, "submission no longer points at projected process",
				zap.String("process_id", proc.ID), zap.String("submission_id", sub.ID))
		}
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyProjected):
		out.AlreadyProjected = true
		out.NewlySolved = false
		metrics.ObserveProjection("already_projected")
		return out, nil
	case err != nil:
		out.NewlySolved = false
		metrics.ObserveProjection("error")
		return out, appErr.Wrapf(err, appErr.TransactionFailed, "project process %s", proc.ID)
	}
	metrics.ObserveProjection("applied")
	return out, nil
}
