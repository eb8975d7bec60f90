package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"judgecore/internal/common/cache"
	"judgecore/internal/judge/evaluator"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/projector"
	"judgecore/internal/judge/queue"
	"judgecore/internal/judge/repository"
	"judgecore/internal/judge/repository/memstore"
	"judgecore/internal/judge/retry"
	"judgecore/internal/judge/sandbox"
	"judgecore/internal/judge/service"
	appErr "judgecore/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	codeEcho    = "echo"
	codeCE      = "compile error"
	codeWrongB  = "wrong on b"
	codeBlocked = "wait"
)

// programExecutor interprets the submission code as a tiny script. Correct
// programs echo stdin back.
type programExecutor struct {
	mu      sync.Mutex
	calls   map[string]int
	order   []string
	faults  map[string]int
	started chan struct{}
	// breakB makes every program answer case "b" wrong.
	breakB bool
}

func newProgramExecutor() *programExecutor {
	return &programExecutor{calls: map[string]int{}, faults: map[string]int{}, started: make(chan struct{}, 16)}
}

func (e *programExecutor) Execute(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error) {
	e.mu.Lock()
	e.calls[req.Stdin]++
	e.order = append(e.order, req.Stdin)
	if e.faults[req.Stdin] > 0 {
		e.faults[req.Stdin]--
		e.mu.Unlock()
		return sandbox.ExecuteResult{}, &sandbox.Fault{Op: "run", Err: errors.New("connection reset")}
	}
	breakB := e.breakB
	e.mu.Unlock()

	switch {
	case req.Code == codeCE:
		return sandbox.ExecuteResult{CompileFailed: true, CompileOutput: "main.cpp:1:1: error: expected ';'"}, nil
	case req.Code == codeBlocked:
		e.started <- struct{}{}
		<-ctx.Done()
		return sandbox.ExecuteResult{}, ctx.Err()
	case (req.Code == codeWrongB || breakB) && req.Stdin == "b":
		return sandbox.ExecuteResult{Stdout: "nope\n", TimeUsedMs: 5, MemoryUsedKB: 512}, nil
	}
	return sandbox.ExecuteResult{Stdout: req.Stdin + "\n", TimeUsedMs: 10, MemoryUsedKB: 1024}, nil
}

func (e *programExecutor) setBreakB(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breakB = v
}

func (e *programExecutor) callOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func (e *programExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

type fakeProblems struct {
	mu    sync.Mutex
	cases map[int64][]model.JudgeCase
	err   error
}

func (p *fakeProblems) ListJudgeCases(_ context.Context, problemID int64) ([]model.JudgeCase, model.Limits, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, model.Limits{}, p.err
	}
	cases, ok := p.cases[problemID]
	if !ok {
		return nil, model.Limits{}, appErr.Newf(appErr.TestCaseNotFound, "no cases for problem %d", problemID)
	}
	return cases, model.Limits{TimeLimitMs: 1000}, nil
}

func (p *fakeProblems) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type nackCall struct {
	id    string
	delay time.Duration
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	acked    []string
	nacked   []nackCall
	extended int
}

func (q *fakeQueue) Enqueue(_ context.Context, id string, _ int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, id)
	return nil
}

func (q *fakeQueue) Dequeue(context.Context, time.Duration) (*queue.Delivery, error) { return nil, nil }

func (q *fakeQueue) Ack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d.ProcessID)
	return nil
}

func (q *fakeQueue) Nack(_ context.Context, d *queue.Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, nackCall{id: d.ProcessID, delay: delay})
	return nil
}

func (q *fakeQueue) Extend(context.Context, *queue.Delivery, time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended++
	return nil
}

func (q *fakeQueue) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Ready: 2, Delayed: 1}, nil
}

func (q *fakeQueue) counts() (enqueued, acked, nacked int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued), len(q.acked), len(q.nacked)
}

func (q *fakeQueue) lastNack() nackCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.nacked) == 0 {
		return nackCall{}
	}
	return q.nacked[len(q.nacked)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.FinalStatusEvent
}

func (p *recordingPublisher) PublishFinalStatus(_ context.Context, e model.FinalStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type harness struct {
	svc       *service.Service
	store     *memstore.Store
	exec      *programExecutor
	problems  *fakeProblems
	queue     *fakeQueue
	publisher *recordingPublisher
	status    *repository.StatusRepository
}

func newHarness(t *testing.T, mutate func(*service.Config)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	h := &harness{
		store:     memstore.New(),
		exec:      newProgramExecutor(),
		queue:     &fakeQueue{},
		publisher: &recordingPublisher{},
		status:    repository.NewStatusRepository(c, time.Hour),
		problems: &fakeProblems{cases: map[int64][]model.JudgeCase{
			9: {
				{ID: 101, ProblemID: 9, Stdin: "a", ExpectedStdout: "a\n", DisplayOrder: 1},
				{ID: 102, ProblemID: 9, Stdin: "b", ExpectedStdout: "b\n", DisplayOrder: 2},
				{ID: 103, ProblemID: 9, Stdin: "c", ExpectedStdout: "c\n", DisplayOrder: 3},
			},
		}},
	}
	eval, err := evaluator.New(evaluator.Config{
		Executor: h.exec,
		Results:  h.store.Results,
		Retry:    retry.Policy{Retries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	proj, err := projector.New(projector.Config{
		Database:    h.store,
		Processes:   h.store.Processes,
		Submissions: h.store.Submissions,
		Aggregates:  h.store.Aggregates,
	})
	if err != nil {
		t.Fatalf("projector: %v", err)
	}
	cfg := service.Config{
		Database:       h.store,
		Processes:      h.store.Processes,
		Submissions:    h.store.Submissions,
		Results:        h.store.Results,
		Problems:       h.problems,
		Evaluator:      eval,
		Projector:      proj,
		Status:         h.status,
		Publisher:      h.publisher,
		Queue:          h.queue,
		WorkerID:       "worker-test",
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc, err = service.NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return h
}

// submit creates a submission and its judge process.
func (h *harness) submit(t *testing.T, subID, code string) string {
	t.Helper()
	sub := &model.Submission{ID: subID, UserID: 7, ProblemID: 9, Language: "cpp", SourceCode: code, CreatedAt: time.Now()}
	if err := h.store.Submissions.Create(context.Background(), sub); err != nil {
		t.Fatalf("create submission: %v", err)
	}
	id, err := h.svc.CreateJudgeProcess(context.Background(), subID)
	if err != nil {
		t.Fatalf("create judge process: %v", err)
	}
	return id
}

func (h *harness) process(t *testing.T, id string) *model.JudgeProcess {
	t.Helper()
	p, err := h.store.Processes.Get(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("get process %s: %v", id, err)
	}
	return p
}

func (h *harness) results(t *testing.T, id string) []model.CaseResult {
	t.Helper()
	rs, err := h.store.Results.ListByProcess(context.Background(), id)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	return rs
}

func delivery(id string, n int) *queue.Delivery {
	return &queue.Delivery{ProcessID: id, Receipt: "r-" + id, Deliveries: n}
}
