package projector_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"judgecore/internal/judge/model"
	"judgecore/internal/judge/projector"
	"judgecore/internal/judge/repository"
	"judgecore/internal/judge/repository/memstore"
	appErr "judgecore/pkg/errors"
)

func newProjector(t *testing.T, store *memstore.Store) *projector.Projector {
	t.Helper()
	p, err := projector.New(projector.Config{
		Database:    store,
		Processes:   store.Processes,
		Submissions: store.Submissions,
		Aggregates:  store.Aggregates,
	})
	if err != nil {
		t.Fatalf("new projector: %v", err)
	}
	return p
}

// seed creates a submission whose current process already finished with the given outcome.
func seed(t *testing.T, store *memstore.Store, subID, procID string, userID, problemID int64, out model.Outcome) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	if _, err := store.Submissions.Get(ctx, nil, subID); err != nil {
		if err := store.Submissions.Create(ctx, &model.Submission{ID: subID, UserID: userID, ProblemID: problemID, Language: "cpp"}); err != nil {
			t.Fatalf("create submission: %v", err)
		}
	}
	cur, _ := store.Submissions.Get(ctx, nil, subID)
	if err := store.Processes.Create(ctx, nil, &model.JudgeProcess{ID: procID, SubmissionID: subID, Status: model.ProcessPending, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create process: %v", err)
	}
	if ok, _ := store.Submissions.SwapCurrentProcess(ctx, nil, subID, cur.CurrentProcessID, procID); !ok {
		t.Fatalf("swap current process failed")
	}
	if _, _, err := store.Processes.Claim(ctx, procID, leaseFor(procID, now), now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Processes.Finalize(ctx, procID, "tok-"+procID, out, now); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

func TestProjectIsIdempotent(t *testing.T) {
	store := memstore.New()
	seed(t, store, "s-1", "p-1", 7, 9, model.Outcome{Status: model.ProcessSucceeded, ResultCode: model.VerdictAC, Score: 100})
	p := newProjector(t, store)

	first, err := p.Project(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if first.AlreadyProjected || !first.NewlySolved {
		t.Fatalf("first projection = %+v", first)
	}
	second, err := p.Project(context.Background(), "p-1")
	if err != nil || !second.AlreadyProjected || second.NewlySolved {
		t.Fatalf("second projection = %+v, %v", second, err)
	}

	stats, _ := store.Aggregates.GetUserStats(context.Background(), 7)
	if stats.SubmissionsCount != 1 || stats.ProblemsSolved != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	sub, _ := store.Submissions.Get(context.Background(), nil, "s-1")
	if sub.Status != model.SubmissionCompleted || sub.Score != 100 {
		t.Fatalf("submission = %+v", sub)
	}
}

func TestProjectRejectsNonTerminal(t *testing.T) {
	store := memstore.New()
	now := time.Now()
	_ = store.Submissions.Create(context.Background(), &model.Submission{ID: "s-1", UserID: 1, ProblemID: 1})
	_ = store.Processes.Create(context.Background(), nil, &model.JudgeProcess{ID: "p-1", SubmissionID: "s-1", Status: model.ProcessPending, CreatedAt: now, UpdatedAt: now})

	if _, err := newProjector(t, store).Project(context.Background(), "p-1"); !errors.Is(err, projector.ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
	if _, err := newProjector(t, store).Project(context.Background(), "missing"); !appErr.Is(err, appErr.JudgeProcessNotFound) {
		t.Fatalf("expected JudgeProcessNotFound, got %v", err)
	}
}

func TestFailedProcessDoesNotCount(t *testing.T) {
	store := memstore.New()
	seed(t, store, "s-1", "p-1", 7, 9, model.Outcome{Status: model.ProcessFailed, ResultCode: model.VerdictIE, Score: 50, Reason: "1 case(s) ended with internal error"})

	out, err := newProjector(t, store).Project(context.Background(), "p-1")
	if err != nil || out.NewlySolved {
		t.Fatalf("project = %+v, %v", out, err)
	}
	if _, err := store.Aggregates.GetUserStats(context.Background(), 7); err == nil {
		t.Fatalf("failed process must not create aggregates")
	}
	sub, _ := store.Submissions.Get(context.Background(), nil, "s-1")
	if sub.Status != model.SubmissionError {
		t.Fatalf("submission status = %s", sub.Status)
	}
}

func TestSolvedIsMonotonicAndBestScoreNeverDecreases(t *testing.T) {
	store := memstore.New()
	p := newProjector(t, store)
	ctx := context.Background()

	seed(t, store, "s-1", "p-1", 7, 9, model.Outcome{Status: model.ProcessSucceeded, ResultCode: model.VerdictAC, Score: 100})
	seed(t, store, "s-2", "p-2", 7, 9, model.Outcome{Status: model.ProcessSucceeded, ResultCode: model.VerdictWA, Score: 40})
	for _, id := range []string{"p-1", "p-2"} {
		if _, err := p.Project(ctx, id); err != nil {
			t.Fatalf("project %s: %v", id, err)
		}
	}
	up, _ := store.Aggregates.GetUserProblem(ctx, 7, 9)
	if !up.Solved || up.BestScore != 100 || up.SubmissionCount != 2 || up.LastSubmissionID != "s-2" {
		t.Fatalf("user problem = %+v", up)
	}
	stats, _ := store.Aggregates.GetUserStats(ctx, 7)
	if stats.ProblemsSolved != 1 || stats.SubmissionsCount != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPartialScoreIsNotSolved(t *testing.T) {
	store := memstore.New()
	seed(t, store, "s-1", "p-1", 7, 9, model.Outcome{Status: model.ProcessSucceeded, ResultCode: model.VerdictWA, Score: 66.67})
	if _, err := newProjector(t, store).Project(context.Background(), "p-1"); err != nil {
		t.Fatalf("project: %v", err)
	}
	up, _ := store.Aggregates.GetUserProblem(context.Background(), 7, 9)
	if up.Solved || up.BestScore != 66.67 {
		t.Fatalf("user problem = %+v", up)
	}
}

func TestConcurrentSolvesCountOnce(t *testing.T) {
	store := memstore.New()
	for _, id := range []string{"1", "2", "3", "4"} {
		seed(t, store, "s-"+id, "p-"+id, 7, 9, model.Outcome{Status: model.ProcessSucceeded, ResultCode: model.VerdictAC, Score: 100})
	}
	p := newProjector(t, store)
	var wg sync.WaitGroup
	for _, id := range []string{"1", "2", "3", "4", "1", "2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := p.Project(context.Background(), "p-"+id); err != nil {
				t.Errorf("project p-%s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	stats, _ := store.Aggregates.GetUserStats(context.Background(), 7)
	if stats.ProblemsSolved != 1 || stats.SubmissionsCount != 4 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestFailedTransactionRollsBack(t *testing.T) {
	store := memstore.New()
	seed(t, store, "s-1", "p-1", 7, 9, model.Outcome{Status: model.ProcessSucceeded, ResultCode: model.VerdictAC, Score: 100})
	store.FailNext("Aggregates.RecordAttempt", errors.New("deadlock"))
	p := newProjector(t, store)

	if _, err := p.Project(context.Background(), "p-1"); err == nil {
		t.Fatalf("expected projection failure")
	}
	stats, _ := store.Aggregates.GetUserStats(context.Background(), 7)
	if stats.SubmissionsCount != 0 {
		t.Fatalf("partial projection leaked: %+v", stats)
	}
	out, err := p.Project(context.Background(), "p-1")
	if err != nil || out.AlreadyProjected {
		t.Fatalf("retry should apply: %+v, %v", out, err)
	}
	stats, _ = store.Aggregates.GetUserStats(context.Background(), 7)
	if stats.SubmissionsCount != 1 || stats.ProblemsSolved != 1 {
		t.Fatalf("stats after retry = %+v", stats)
	}
}

func leaseFor(procID string, now time.Time) repository.Lease {
	return repository.Lease{Token: "tok-" + procID, WorkerID: "w", Until: now.Add(time.Minute)}
}
