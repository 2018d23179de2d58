package ingester

import (
	"context"
	"sync"
	"testing"
	"time"

	"contractscan/internal/explorer"
	"contractscan/internal/models"
	"contractscan/internal/repository"
)

type fakeOrchStore struct {
	*fakeStore

	jmu       sync.Mutex
	jobs      map[int64]*models.Job
	contracts map[string]*models.Contract
	nextJobID int64

	// cancelAfterProgress flips the job to cancelled on its first progress
	// write, emulating an operator cancel mid-run.
	cancelAfterProgress bool
}

func newFakeOrchStore() *fakeOrchStore {
	return &fakeOrchStore{
		fakeStore: newFakeStore(),
		jobs:      make(map[int64]*models.Job),
		contracts: make(map[string]*models.Contract),
	}
}

func (f *fakeOrchStore) addContract(addr, status string) *models.Contract {
	c := &models.Contract{
		Address:         addr,
		Status:          status,
		Active:          true,
		IndexingEnabled: true,
		IndexType:       models.IndexTypeCount,
		IndexSource:     models.IndexSourceExplorer,
	}
	f.contracts[addr] = c
	return c
}

func (f *fakeOrchStore) addJob(addr string, payload models.JobPayload) *models.Job {
	f.nextJobID++
	j := &models.Job{
		ID:              f.nextJobID,
		JobType:         models.JobTypeBackfill,
		ContractAddress: addr,
		Priority:        5,
		Status:          models.JobProcessing,
		Payload:         payload,
		MaxAttempts:     3,
		CreatedAt:       time.Now(),
	}
	f.jobs[j.ID] = j
	return j
}

func (f *fakeOrchStore) ClaimNextJob(_ context.Context) (*models.Job, error) {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	for _, j := range f.jobs {
		if j.Status != models.JobPending || j.Attempts >= j.MaxAttempts {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(time.Now()) {
			continue
		}
		j.Status = models.JobProcessing
		cp := *j
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeOrchStore) SetJobProgress(_ context.Context, id int64, progress float64, token string) error {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	if j, ok := f.jobs[id]; ok && j.Status == models.JobProcessing {
		j.Payload.Progress = progress
		if token != "" {
			j.Payload.ResumeToken = token
		}
		if f.cancelAfterProgress {
			j.Status = models.JobCancelled
		}
	}
	return nil
}

func (f *fakeOrchStore) CompleteJob(_ context.Context, id int64) error {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	if j, ok := f.jobs[id]; ok && j.Status == models.JobProcessing {
		j.Status = models.JobCompleted
		j.Payload.Progress = 100
	}
	return nil
}

func (f *fakeOrchStore) FailJob(_ context.Context, id int64, msg string) (string, error) {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != models.JobProcessing {
		return models.JobCancelled, nil
	}
	j.Attempts++
	j.ErrorMessage = msg
	if j.Attempts < j.MaxAttempts {
		j.Status = models.JobPending
		retryAt := time.Now().Add(15 * time.Second << (j.Attempts - 1))
		j.NextAttemptAt = &retryAt
	} else {
		j.Status = models.JobFailed
		j.NextAttemptAt = nil
	}
	return j.Status, nil
}

func (f *fakeOrchStore) RequeueJob(_ context.Context, id int64) error {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	if j, ok := f.jobs[id]; ok && j.Status == models.JobProcessing {
		j.Status = models.JobPending
		j.NextAttemptAt = nil
	}
	return nil
}

func (f *fakeOrchStore) RequeueStaleJobs(context.Context, int) (int64, error) { return 0, nil }

func (f *fakeOrchStore) GetJobStatus(_ context.Context, id int64) (string, error) {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	if j, ok := f.jobs[id]; ok {
		return j.Status, nil
	}
	return "", nil
}

func (f *fakeOrchStore) EnqueueJob(_ context.Context, addr string, priority int, payload models.JobPayload) (*models.Job, error) {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	for _, j := range f.jobs {
		if j.ContractAddress == addr && (j.Status == models.JobPending || j.Status == models.JobProcessing) {
			return nil, repository.ErrJobExists
		}
	}
	f.nextJobID++
	j := &models.Job{
		ID:              f.nextJobID,
		ContractAddress: addr,
		Priority:        priority,
		Status:          models.JobPending,
		Payload:         payload,
		MaxAttempts:     3,
	}
	f.jobs[j.ID] = j
	cp := *j
	return &cp, nil
}

func (f *fakeOrchStore) GetContract(_ context.Context, addr string) (*models.Contract, error) {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	c, ok := f.contracts[addr]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeOrchStore) ListContractsByStatus(_ context.Context, statuses ...string) ([]models.Contract, error) {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	var out []models.Contract
	for _, c := range f.contracts {
		for _, s := range statuses {
			if c.Status == s {
				out = append(out, *c)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeOrchStore) ClaimContractForIndexing(_ context.Context, addr string, _ int) (bool, error) {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	c, ok := f.contracts[addr]
	if !ok || !c.Active || !c.IndexingEnabled {
		return false, nil
	}
	if c.Status != models.StatusPending && c.Status != models.StatusError {
		return false, nil
	}
	c.Status = models.StatusIndexing
	return true, nil
}

func (f *fakeOrchStore) MarkContractComplete(_ context.Context, addr string) error {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	if c, ok := f.contracts[addr]; ok {
		c.Status = models.StatusComplete
		c.ProgressPercent = 100
	}
	return nil
}

func (f *fakeOrchStore) MarkContractError(_ context.Context, addr, msg string) error {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	if c, ok := f.contracts[addr]; ok {
		c.Status = models.StatusError
		c.ErrorMessage = msg
	}
	return nil
}

func (f *fakeOrchStore) ReleaseContract(_ context.Context, addr string) error {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	if c, ok := f.contracts[addr]; ok && c.Status == models.StatusIndexing {
		c.Status = models.StatusPending
	}
	return nil
}

func (f *fakeOrchStore) TouchContractProgress(_ context.Context, addr string, block int64, progress float64) error {
	f.jmu.Lock()
	defer f.jmu.Unlock()
	if c, ok := f.contracts[addr]; ok {
		if block > c.CurrentBlock {
			c.CurrentBlock = block
		}
		if progress > c.ProgressPercent {
			c.ProgressPercent = progress
		}
	}
	return nil
}

func TestOrchestratorJobSuccess(t *testing.T) {
	t.Parallel()

	store := newFakeOrchStore()
	store.addContract(testContract, models.StatusPending)
	job := store.addJob(testContract, models.JobPayload{ContractAddress: testContract})

	api := &scriptedExplorer{pages: map[string]*explorer.Page{
		"": pageOf("", txItem("0xh1", 1), txItem("0xh2", 2)),
	}}
	ing := NewIngestor(api, store.fakeStore, 1868, 50, 10)
	o := NewOrchestrator(store, ing, nil, 1)

	o.processJob(context.Background(), job)

	if got := store.jobs[job.ID].Status; got != models.JobCompleted {
		t.Errorf("job status = %s", got)
	}
	if got := store.contracts[testContract].Status; got != models.StatusComplete {
		t.Errorf("contract status = %s", got)
	}
	if len(store.rows) != 2 {
		t.Errorf("rows = %d", len(store.rows))
	}
}

// Operator cancel after the first page: job ends cancelled, the committed
// page and its resume token survive, the contract goes back to pending.
func TestOrchestratorJobCancellation(t *testing.T) {
	t.Parallel()

	store := newFakeOrchStore()
	store.cancelAfterProgress = true
	store.addContract(testContract, models.StatusPending)
	job := store.addJob(testContract, models.JobPayload{
		ContractAddress: testContract,
		FromDate:        "2025-05-01",
		ToDate:          "2025-05-09",
	})

	api := &scriptedExplorer{pages: map[string]*explorer.Page{
		"":   pageOf("T1", txItem("0xh1", 1)),
		"T1": pageOf("", txItem("0xh2", 2)),
	}}
	ing := NewIngestor(api, store.fakeStore, 1868, 50, 10)
	o := NewOrchestrator(store, ing, nil, 1)

	o.processJob(context.Background(), job)

	j := store.jobs[job.ID]
	if j.Status != models.JobCancelled {
		t.Errorf("job status = %s", j.Status)
	}
	if j.Payload.Progress <= 0 {
		t.Errorf("progress = %f, must reflect the committed page", j.Payload.Progress)
	}
	if j.Payload.ResumeToken != "T1" {
		t.Errorf("resume token = %q", j.Payload.ResumeToken)
	}
	cursor := store.cursors[testContract]
	if cursor == nil || cursor.LastPageToken != "T1" {
		t.Errorf("cursor = %+v, token must be parked for resumption", cursor)
	}
	if len(store.rows) != 1 {
		t.Errorf("rows = %d, first page must persist", len(store.rows))
	}
	if got := store.contracts[testContract].Status; got != models.StatusPending {
		t.Errorf("contract status = %s, want released", got)
	}
}

func TestOrchestratorJobFailureReleasesContract(t *testing.T) {
	t.Parallel()

	store := newFakeOrchStore()
	store.addContract(testContract, models.StatusPending)
	job := store.addJob(testContract, models.JobPayload{ContractAddress: testContract})

	ing := NewIngestor(&scriptedExplorer{}, store.fakeStore, 1868, 50, 10)
	ing.backoff = noBackoff
	o := NewOrchestrator(store, ing, nil, 1)

	// A contract that cannot be claimed fails the job outright.
	store.contracts[testContract].Status = models.StatusPaused
	o.processJob(context.Background(), job)

	j := store.jobs[job.ID]
	if j.Status != models.JobPending && j.Status != models.JobFailed {
		t.Errorf("job status = %s, want a failure outcome", j.Status)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d", j.Attempts)
	}
}

// A job that fails with attempts left goes back to pending with a retry
// delay, and the claim loop must not pick it up again until the delay
// elapses. Without the delay a down upstream burns the whole attempt budget
// in seconds.
func TestOrchestratorFailedJobRetryDelay(t *testing.T) {
	t.Parallel()

	store := newFakeOrchStore()
	store.addContract(testContract, models.StatusPaused) // unclaimable, fails the job
	job := store.addJob(testContract, models.JobPayload{ContractAddress: testContract})

	ing := NewIngestor(&scriptedExplorer{}, store.fakeStore, 1868, 50, 10)
	o := NewOrchestrator(store, ing, nil, 1)

	o.processJob(context.Background(), job)

	j := store.jobs[job.ID]
	if j.Status != models.JobPending {
		t.Fatalf("job status = %s, want pending for retry", j.Status)
	}
	if j.NextAttemptAt == nil || !j.NextAttemptAt.After(time.Now()) {
		t.Fatalf("next attempt at = %v, want a future retry delay", j.NextAttemptAt)
	}

	claimed, err := store.ClaimNextJob(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Fatalf("claimed job %d before its retry delay elapsed", claimed.ID)
	}

	// Delay elapsed: the job is claimable again.
	past := time.Now().Add(-time.Second)
	store.jmu.Lock()
	j.NextAttemptAt = &past
	store.jmu.Unlock()

	claimed, err = store.ClaimNextJob(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claimed = %+v, want job %d after delay", claimed, job.ID)
	}
}

func TestOrchestratorScanEnqueuesPending(t *testing.T) {
	t.Parallel()

	store := newFakeOrchStore()
	store.addContract("0xa1", models.StatusPending)
	store.addContract("0xa2", models.StatusError)
	store.addContract("0xa3", models.StatusComplete)

	ing := NewIngestor(&scriptedExplorer{}, store.fakeStore, 1868, 50, 10)
	o := NewOrchestrator(store, ing, nil, 1)

	o.scanOnce(context.Background())

	pending := 0
	for _, j := range store.jobs {
		if j.Status == models.JobPending {
			pending++
		}
	}
	if pending != 2 {
		t.Errorf("pending jobs = %d, want 2 (pending + error contracts)", pending)
	}

	// Second scan must not duplicate live jobs.
	o.scanOnce(context.Background())
	if len(store.jobs) != 2 {
		t.Errorf("jobs = %d after rescan", len(store.jobs))
	}
}
