// Package service coordinates judge processes: intake, execution, status and maintenance.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"judgecore/internal/common/db"
	"judgecore/internal/judge/evaluator"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/projector"
	"judgecore/internal/judge/queue"
	"judgecore/internal/judge/repository"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// ProblemClient lists the cases of a problem.
type ProblemClient interface {
	ListJudgeCases(ctx context.Context, problemID int64) ([]model.JudgeCase, model.Limits, error)
}

// CaseEvaluator runs and records single cases.
type CaseEvaluator interface {
	Evaluate(ctx context.Context, in evaluator.Input) (model.CaseResult, error)
	RecordSkipped(ctx context.Context, processID string, c model.JudgeCase, v model.Verdict, reason string) (model.CaseResult, error)
}

// Projector applies terminal side effects.
type Projector interface {
	Project(ctx context.Context, processID string) (projector.Outcome, error)
}

// StatusStore keeps progress snapshots.
type StatusStore interface {
	Get(ctx context.Context, processID string) (*model.StatusView, error)
	Save(ctx context.Context, view *model.StatusView) error
	Delete(ctx context.Context, processIDs ...string) error
}

// Service handles judge processes.
type Service struct {
	db          db.Database
	processes   repository.ProcessRepository
	submissions repository.SubmissionRepository
	results     repository.CaseResultRepository
	problems    ProblemClient
	evaluator   CaseEvaluator
	projector   Projector
	status      StatusStore
	publisher   repository.StatusEventPublisher
	queue       queue.Queue

	workerID        string
	leaseDuration   time.Duration
	processTimeout  time.Duration
	caseParallelism int
	maxAttempts     int
	retryBaseDelay  time.Duration
	retryMaxDelay   time.Duration
	storeTimeout    time.Duration
	staleAfter      time.Duration
	now             func() time.Time

	// active maps process id to the cancel func of its run on this node.
	active *xsync.MapOf[string, context.CancelCauseFunc]
}

// Config holds service dependencies and settings.
type Config struct {
	Database    db.Database
	Processes   repository.ProcessRepository
	Submissions repository.SubmissionRepository
	Results     repository.CaseResultRepository
	Problems    ProblemClient
	Evaluator   CaseEvaluator
	Projector   Projector
	Status      StatusStore
	// Publisher is optional; without it no final status events are sent.
	Publisher repository.StatusEventPublisher
	Queue     queue.Queue

	WorkerID        string
	LeaseDuration   time.Duration
	ProcessTimeout  time.Duration
	CaseParallelism int
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	StoreTimeout    time.Duration
	// StaleAfter is how long a pending or parked process may sit untouched
	// before the reconciler re-enqueues it.
	StaleAfter time.Duration
	Now        func() time.Time
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 2 * time.Minute
	}
	if c.CaseParallelism <= 0 {
		c.CaseParallelism = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * c.LeaseDuration
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, fmt.Errorf("database is required")
	case cfg.Processes == nil:
		return nil, fmt.Errorf("process repository is required")
	case cfg.Submissions == nil:
		return nil, fmt.Errorf("submission repository is required")
	case cfg.Results == nil:
		return nil, fmt.Errorf("case result repository is required")
	case cfg.Problems == nil:
		return nil, fmt.Errorf("problem client is required")
	case cfg.Evaluator == nil:
		return nil, fmt.Errorf("evaluator is required")
	case cfg.Projector == nil:
		return nil, fmt.Errorf("projector is required")
	case cfg.Status == nil:
		return nil, fmt.Errorf("status store is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	}
	cfg.applyDefaults()
	return &Service{
		db:              cfg.Database,
		processes:       cfg.Processes,
		submissions:     cfg.Submissions,
		results:         cfg.Results,
		problems:        cfg.Problems,
		evaluator:       cfg.Evaluator,
		projector:       cfg.Projector,
		status:          cfg.Status,
		publisher:       cfg.Publisher,
		queue:           cfg.Queue,
		workerID:        cfg.WorkerID,
		leaseDuration:   cfg.LeaseDuration,
		processTimeout:  cfg.ProcessTimeout,
		caseParallelism: cfg.CaseParallelism,
		maxAttempts:     cfg.MaxAttempts,
		retryBaseDelay:  cfg.RetryBaseDelay,
		retryMaxDelay:   cfg.RetryMaxDelay,
		storeTimeout:    cfg.StoreTimeout,
		staleAfter:      cfg.StaleAfter,
		now:             cfg.Now,
		active:          xsync.NewMapOf[string, context.CancelCauseFunc](),
	}, nil
}

// LeaseDuration is also the queue visibility timeout used by the dispatcher.
func (s *Service) LeaseDuration() time.Duration {
	return s.leaseDuration
}

// WorkerID identifies this node in process leases.
func (s *Service) WorkerID() string {
	return s.workerID
}

// withTimeout bounds one store call.
func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// detached bounds one store call that must run even after ctx is done.
func (s *Service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
}

// abortLocal cancels a run executing on this node. It reports whether one was found.
func (s *Service) abortLocal(processID, reason string) bool {
	cancel, ok := s.active.Load(processID)
	if !ok {
		return false
	}
	cancel(&cancelError{reason: reason})
	return true
}

// ActiveRuns returns the ids of processes running on this node.
func (s *Service) ActiveRuns() []string {
	ids := make([]string, 0, s.active.Size())
	s.active.Range(func(id string, _ context.CancelCauseFunc) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// cancelError is the cause attached to a run context when a cancel is requested.
type cancelError struct {
	reason string
}

func (e *cancelError) Error() string {
	return cancelReason(e.reason)
}

func cancelReason(reason string) string {
	if reason == "" {
		reason = "requested"
	}
	return "cancelled: " + reason
}

var errDeadline = errors.New("process deadline exceeded")
