// Package memstore is an in-memory implementation of the judge repositories.
// It follows the guarded-update semantics of the SQL repositories and backs
// the service and projector tests.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"judgecore/internal/common/db"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/repository"
	pkgrepo "judgecore/pkg/repository"
)

var errRawSQL = errors.New("memstore: raw SQL is not supported")

var _ db.Database = (*Store)(nil)

type caseKey struct {
	process string
	caseID  int64
}

type problemKey struct {
	user, problem int64
}

type ledgerKey struct {
	process string
	status  model.ProcessStatus
}

// Store holds every table. The exported views implement the repository interfaces.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex

	processes    map[string]model.JudgeProcess
	submissions  map[string]model.Submission
	results      map[caseKey]model.CaseResult
	userProblems map[problemKey]model.UserProblemStatus
	userStats    map[int64]model.UserStats
	ledger       map[ledgerKey]time.Time

	faults map[string]error

	Processes   *Processes
	Submissions *Submissions
	Results     *Results
	Aggregates  *Aggregates
}

// New creates an empty store.
func New() *Store {
	s := &Store{
		processes:    map[string]model.JudgeProcess{},
		submissions:  map[string]model.Submission{},
		results:      map[caseKey]model.CaseResult{},
		userProblems: map[problemKey]model.UserProblemStatus{},
		userStats:    map[int64]model.UserStats{},
		ledger:       map[ledgerKey]time.Time{},
		faults:       map[string]error{},
	}
	s.Processes = &Processes{s: s}
	s.Submissions = &Submissions{s: s}
	s.Results = &Results{s: s}
	s.Aggregates = &Aggregates{s: s}
	return s
}

// FailNext makes the next call of op return err. op is "<Type>.<Method>",
// for example "Results.Upsert".
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// fault must be called with mu held.
func (s *Store) fault(op string) error {
	if err, ok := s.faults[op]; ok {
		delete(s.faults, op)
		return err
	}
	return nil
}

// Transaction serializes transactions and restores the aggregate tables,
// submissions and ledger when fn fails.
func (s *Store) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	subs := cloneMap(s.submissions)
	ups := cloneMap(s.userProblems)
	stats := cloneMap(s.userStats)
	ledger := cloneMap(s.ledger)
	s.mu.Unlock()

	if err := fn(nil); err != nil {
		s.mu.Lock()
		s.submissions, s.userProblems, s.userStats, s.ledger = subs, ups, stats, ledger
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Query(context.Context, string, ...interface{}) (db.Rows, error) { return nil, errRawSQL }
func (s *Store) QueryRow(context.Context, string, ...interface{}) db.Row { return errRow{} }
func (s *Store) Exec(context.Context, string, ...interface{}) (db.Result, error) { return nil, errRawSQL }
func (s *Store) BeginTx(context.Context, *db.TxOptions) (db.Transaction, error) { return nil, errRawSQL }
func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error { return nil }
func (s *Store) Stats() db.Stats { return db.Stats{} }
func (s *Store) Dialect() db.Dialect { return db.MySQLDialect{} }

type errRow struct{}

func (errRow) Scan(...interface{}) error { return errRawSQL }

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }

// Processes implements repository.ProcessRepository.
type Processes struct{ s *Store }

var _ repository.ProcessRepository = (*Processes)(nil)

func (r *Processes) Create(_ context.Context, _ db.Transaction, p *model.JudgeProcess) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Processes.Create"); err != nil {
		return err
	}
	if p == nil || p.ID == "" || p.SubmissionID == "" {
		return pkgrepo.ErrInvalidInput
	}
	if _, ok := r.s.processes[p.ID]; ok {
		return pkgrepo.ErrAlreadyExists
	}
	r.s.processes[p.ID] = *p
	return nil
}

func (r *Processes) Get(_ context.Context, _ db.Transaction, id string) (*model.JudgeProcess, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Processes.Get"); err != nil {
		return nil, err
	}
	p, ok := r.s.processes[id]
	if !ok {
		return nil, pkgrepo.ErrNotFound
	}
	return &p, nil
}

func (r *Processes) Claim(_ context.Context, id string, lease repository.Lease, now time.Time) (repository.ClaimResult, *model.JudgeProcess, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Processes.Claim"); err != nil {
		return repository.ClaimNotFound, nil, err
	}
	p, ok := r.s.processes[id]
	if !ok {
		return repository.ClaimNotFound, nil, nil
	}
	claimable := p.Status == model.ProcessPending || p.Status == model.ProcessOther ||
		(p.Status == model.ProcessRunning && p.LeaseExpiresAt != nil && p.LeaseExpiresAt.Before(now))
	if !claimable {
		if p.Status.IsTerminal() {
			return repository.ClaimTerminal, &p, nil
		}
		return repository.ClaimBusy, &p, nil
	}
	p.Status = model.ProcessRunning
	p.Attempts++
	p.LeaseToken = lease.Token
	p.LeaseExpiresAt = timePtr(lease.Until)
	p.WorkerID = lease.WorkerID
	if p.StartedAt == nil {
		p.StartedAt = timePtr(now)
	}
	p.UpdatedAt = now
	r.s.processes[id] = p
	return repository.Claimed, &p, nil
}

func (r *Processes) Heartbeat(_ context.Context, id string, lease repository.Lease, now time.Time) (*model.JudgeProcess, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Processes.Heartbeat"); err != nil {
		return nil, err
	}
	p, ok := r.s.processes[id]
	if !ok || p.Status != model.ProcessRunning || p.LeaseToken != lease.Token {
		return nil, repository.ErrLeaseLost
	}
	p.LeaseExpiresAt = timePtr(lease.Until)
	p.UpdatedAt = now
	r.s.processes[id] = p
	return &p, nil
}

func (r *Processes) Finalize(_ context.Context, id, token string, out model.Outcome, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Processes.Finalize"); err != nil {
		return err
	}
	if !out.Status.IsTerminal() {
		return errors.New("finalize: status is not terminal")
	}
	p, ok := r.s.processes[id]
	if !ok || p.Status != model.ProcessRunning || p.LeaseToken != token {
		return repository.ErrLeaseLost
	}
	p.Status = out.Status
	p.ResultCode = out.ResultCode
	p.Score = out.Score
	p.ExecutionTimeMs = out.ExecutionTimeMs
	p.MemoryUsageKB = out.MemoryUsageKB
	p.Reason = out.Reason
	p.FinishedAt = timePtr(now)
	p.UpdatedAt = now
	p.LeaseExpiresAt = nil
	r.s.processes[id] = p
	return nil
}

func (r *Processes) Park(_ context.Context, id, token, reason string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Processes.Park"); err != nil {
		return err
	}
	p, ok := r.s.processes[id]
	if !ok || p.Status != model.ProcessRunning || p.LeaseToken != token {
		return repository.ErrLeaseLost
	}
	p.Status = model.ProcessOther
	p.Reason = reason
	p.LeaseToken = ""
	p.LeaseExpiresAt = nil
	p.UpdatedAt = now
	r.s.processes[id] = p
	return nil
}

func (r *Processes) FailParked(_ context.Context, id, reason string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Processes.FailParked"); err != nil {
		return err
	}
	p, ok := r.s.processes[id]
	if !ok || p.Status != model.ProcessOther {
		return pkgrepo.ErrConflict
	}
	p.Status = model.ProcessError
	p.ResultCode = model.VerdictIE
	p.Reason = reason
	p.FinishedAt = timePtr(now)
	p.UpdatedAt = now
	r.s.processes[id] = p
	return nil
}

func (r *Processes) ForceError(_ context.Context, id, reason string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Processes.ForceError"); err != nil {
		return false, err
	}
	p, ok := r.s.processes[id]
	if !ok || p.Status.IsTerminal() || (p.LeaseExpiresAt != nil && !p.LeaseExpiresAt.Before(now)) {
		return false, nil
	}
	p.Status = model.ProcessError
	p.ResultCode = model.VerdictIE
	p.Reason = reason
	p.LeaseToken = ""
	p.LeaseExpiresAt = nil
	p.FinishedAt = timePtr(now)
	p.UpdatedAt = now
	r.s.processes[id] = p
	return true, nil
}

func (r *Processes) RequestCancel(_ context.Context, _ db.Transaction, id, reason string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Processes.RequestCancel"); err != nil {
		return false, err
	}
	p, ok := r.s.processes[id]
	if !ok || p.Status.IsTerminal() {
		return false, nil
	}
	p.CancelRequested = true
	p.CancelReason = reason
	p.UpdatedAt = now
	r.s.processes[id] = p
	return true, nil
}

func (r *Processes) ListReconcilable(_ context.Context, staleBefore, now time.Time, limit int) ([]*model.JudgeProcess, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.JudgeProcess
	for _, p := range r.s.processes {
		p := p
		stale := (p.Status == model.ProcessPending || p.Status == model.ProcessOther) && p.UpdatedAt.Before(staleBefore)
		expired := p.Status == model.ProcessRunning && p.LeaseExpiresAt != nil && p.LeaseExpiresAt.Before(now)
		if stale || expired {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Processes) CountByStatus(context.Context) (repository.StatusCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := repository.StatusCounts{ByStatus: map[model.ProcessStatus]int64{}}
	for _, st := range model.AllProcessStatuses {
		counts.ByStatus[st] = 0
	}
	var attempts int64
	for _, p := range r.s.processes {
		counts.ByStatus[p.Status]++
		attempts += int64(p.Attempts)
	}
	if n := len(r.s.processes); n > 0 {
		counts.AvgAttempts = float64(attempts) / float64(n)
	}
	return counts, nil
}

func (r *Processes) PurgeFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current := map[string]bool{}
	for _, sub := range r.s.submissions {
		current[sub.CurrentProcessID] = true
	}
	var n int64
	for id, p := range r.s.processes {
		if !p.Status.IsTerminal() || p.FinishedAt == nil || !p.FinishedAt.Before(cutoff) || current[id] {
			continue
		}
		delete(r.s.processes, id)
		for k := range r.s.results {
			if k.process == id {
				delete(r.s.results, k)
			}
		}
		n++
	}
	return n, nil
}

// Submissions implements repository.SubmissionRepository.
type Submissions struct{ s *Store }

var _ repository.SubmissionRepository = (*Submissions)(nil)

func (r *Submissions) Create(_ context.Context, sub *model.Submission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sub == nil || sub.ID == "" {
		return pkgrepo.ErrInvalidInput
	}
	if _, ok := r.s.submissions[sub.ID]; ok {
		return pkgrepo.ErrAlreadyExists
	}
	if sub.Status == "" {
		sub.Status = model.SubmissionPending
	}
	r.s.submissions[sub.ID] = *sub
	return nil
}

func (r *Submissions) Get(_ context.Context, _ db.Transaction, id string) (*model.Submission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Submissions.Get"); err != nil {
		return nil, err
	}
	sub, ok := r.s.submissions[id]
	if !ok {
		return nil, pkgrepo.ErrNotFound
	}
	return &sub, nil
}

func (r *Submissions) SwapCurrentProcess(_ context.Context, _ db.Transaction, id, expect, next string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.submissions[id]
	if !ok || sub.CurrentProcessID != expect {
		return false, nil
	}
	sub.CurrentProcessID = next
	sub.Status = model.SubmissionPending
	r.s.submissions[id] = sub
	return true, nil
}

func (r *Submissions) SetStatus(_ context.Context, _ db.Transaction, id, processID string, status model.SubmissionStatus, score *float64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Submissions.SetStatus"); err != nil {
		return false, err
	}
	sub, ok := r.s.submissions[id]
	if !ok || sub.CurrentProcessID != processID {
		return false, nil
	}
	sub.Status = status
	if score != nil {
		sub.Score = *score
	}
	r.s.submissions[id] = sub
	return true, nil
}

// Results implements repository.CaseResultRepository.
type Results struct{ s *Store }

var _ repository.CaseResultRepository = (*Results)(nil)

func (r *Results) Upsert(_ context.Context, res *model.CaseResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Results.Upsert"); err != nil {
		return err
	}
	r.s.results[caseKey{res.ProcessID, res.JudgeCaseID}] = *res
	return nil
}

func (r *Results) ListByProcess(_ context.Context, processID string) ([]model.CaseResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.CaseResult
	for k, v := range r.s.results {
		if k.process == processID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].JudgeCaseID < out[j].JudgeCaseID
	})
	return out, nil
}

// Aggregates implements repository.AggregateRepository.
type Aggregates struct{ s *Store }

var _ repository.AggregateRepository = (*Aggregates)(nil)

func (r *Aggregates) InsertLedger(_ context.Context, _ db.Transaction, processID string, status model.ProcessStatus, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Aggregates.InsertLedger"); err != nil {
		return false, err
	}
	k := ledgerKey{processID, status}
	if _, ok := r.s.ledger[k]; ok {
		return false, nil
	}
	r.s.ledger[k] = now
	return true, nil
}

func (r *Aggregates) EnsureUserStats(_ context.Context, userID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.userStats[userID]; !ok {
		r.s.userStats[userID] = model.UserStats{UserID: userID}
	}
	return nil
}

func (r *Aggregates) EnsureUserProblem(_ context.Context, userID, problemID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := problemKey{userID, problemID}
	if _, ok := r.s.userProblems[k]; !ok {
		r.s.userProblems[k] = model.UserProblemStatus{UserID: userID, ProblemID: problemID}
	}
	return nil
}

func (r *Aggregates) IncrementSubmissions(_ context.Context, _ db.Transaction, userID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.userStats[userID]
	if !ok {
		return pkgrepo.ErrNoRowsAffected
	}
	st.SubmissionsCount++
	r.s.userStats[userID] = st
	return nil
}

func (r *Aggregates) RecordAttempt(_ context.Context, _ db.Transaction, userID, problemID int64, submissionID string, score float64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Aggregates.RecordAttempt"); err != nil {
		return err
	}
	k := problemKey{userID, problemID}
	up, ok := r.s.userProblems[k]
	if !ok {
		return pkgrepo.ErrNoRowsAffected
	}
	up.SubmissionCount++
	up.LastSubmissionID = submissionID
	if up.BestScore < score {
		up.BestScore = score
	}
	r.s.userProblems[k] = up
	return nil
}

func (r *Aggregates) MarkSolved(_ context.Context, _ db.Transaction, userID, problemID int64, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := problemKey{userID, problemID}
	up, ok := r.s.userProblems[k]
	if !ok || up.Solved {
		return false, nil
	}
	up.Solved = true
	up.SolvedAt = timePtr(now)
	r.s.userProblems[k] = up
	return true, nil
}

func (r *Aggregates) IncrementSolved(_ context.Context, _ db.Transaction, userID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.userStats[userID]
	if !ok {
		return pkgrepo.ErrNoRowsAffected
	}
	st.ProblemsSolved++
	r.s.userStats[userID] = st
	return nil
}

func (r *Aggregates) GetUserStats(_ context.Context, userID int64) (*model.UserStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.userStats[userID]
	if !ok {
		return nil, pkgrepo.ErrNotFound
	}
	return &st, nil
}

func (r *Aggregates) GetUserProblem(_ context.Context, userID, problemID int64) (*model.UserProblemStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	up, ok := r.s.userProblems[problemKey{userID, problemID}]
	if !ok {
		return nil, pkgrepo.ErrNotFound
	}
	return &up, nil
}
