package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"contractscan/internal/models"
	"contractscan/internal/repository"
)

type fakeStore struct {
	mu        sync.Mutex
	contracts map[string]*models.Contract
	cursors   map[string]*models.Cursor
	jobs      map[int64]*models.Job
	nextJobID int64
	resets    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contracts: make(map[string]*models.Contract),
		cursors:   make(map[string]*models.Cursor),
		jobs:      make(map[int64]*models.Job),
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetContract(_ context.Context, addr string) (*models.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[strings.ToLower(addr)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) UpsertContract(_ context.Context, c *models.Contract) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.contracts[c.Address] = &cp
	return nil
}

func (f *fakeStore) GetContractStats(_ context.Context, addr string) (*models.ContractStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[strings.ToLower(addr)]
	if !ok {
		return nil, nil
	}
	return &models.ContractStats{Address: c.Address, Status: c.Status}, nil
}

func (f *fakeStore) GetCursor(_ context.Context, addr string) (*models.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.cursors[addr]
	if !ok {
		return nil, nil
	}
	cp := *cur
	return &cp, nil
}

func (f *fakeStore) ResetCursor(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, addr)
	delete(f.cursors, addr)
	return nil
}

func (f *fakeStore) ResetScanLeases(context.Context, string) error { return nil }

func (f *fakeStore) EnqueueJob(_ context.Context, addr string, priority int, payload models.JobPayload) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr = strings.ToLower(addr)
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

func (f *fakeStore) GetJob(_ context.Context, id int64) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) CancelJob(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || (j.Status != models.JobPending && j.Status != models.JobProcessing) {
		return false, nil
	}
	j.Status = models.JobCancelled
	return true, nil
}

func (f *fakeStore) RetryJob(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || (j.Status != models.JobFailed && j.Status != models.JobCancelled) {
		return false, nil
	}
	j.Status = models.JobPending
	j.Attempts = 0
	return true, nil
}

func (f *fakeStore) ListJobsByStatus(_ context.Context, status string, _ int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	return out, nil
}

const testAddr = "0xc0ffee0000000000000000000000000000000001"

func newTestServer(store *fakeStore) *Server {
	return NewServer(store, nil, 0)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(newFakeStore())
	rec := doJSON(t, s.Handler(), "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRegisterContractValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(newFakeStore())
	cases := []struct {
		name string
		body registerContractRequest
		want int
	}{
		{"valid", registerContractRequest{Address: testAddr, ChainID: 1868}, http.StatusCreated},
		{"bad address", registerContractRequest{Address: "0x123"}, http.StatusBadRequest},
		{"bad hex", registerContractRequest{Address: "0xzz" + strings.Repeat("0", 38)}, http.StatusBadRequest},
		{"bad index type", registerContractRequest{Address: testAddr, IndexType: "bogus"}, http.StatusBadRequest},
		{"volume ok", registerContractRequest{Address: testAddr, IndexType: "volume"}, http.StatusCreated},
	}
	for _, c := range cases {
		rec := doJSON(t, s.Handler(), "POST", "/contracts", c.body)
		if rec.Code != c.want {
			t.Errorf("%s: status = %d, want %d", c.name, rec.Code, c.want)
		}
	}
}

func TestJobLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	s := newTestServer(store)

	// Create.
	rec := doJSON(t, s.Handler(), "POST", "/jobs", createJobRequest{ContractAddress: testAddr})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Priority != 5 {
		t.Errorf("default priority = %d", job.Priority)
	}

	// Exclusivity: a second live job conflicts.
	rec = doJSON(t, s.Handler(), "POST", "/jobs", createJobRequest{ContractAddress: testAddr})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d", rec.Code)
	}

	// Fetch.
	rec = doJSON(t, s.Handler(), "GET", "/jobs/1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	// Cancel.
	rec = doJSON(t, s.Handler(), "POST", "/jobs/1/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("cancel status = %d", rec.Code)
	}
	if store.jobs[1].Status != models.JobCancelled {
		t.Errorf("job status = %s", store.jobs[1].Status)
	}

	// Cancel again conflicts.
	rec = doJSON(t, s.Handler(), "POST", "/jobs/1/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("re-cancel status = %d", rec.Code)
	}

	// Retry a cancelled job.
	rec = doJSON(t, s.Handler(), "POST", "/jobs/1/retry", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("retry status = %d", rec.Code)
	}
	if store.jobs[1].Status != models.JobPending {
		t.Errorf("job status after retry = %s", store.jobs[1].Status)
	}
}

// Exclusivity must hold under concurrent creates: exactly one of N
// simultaneous enqueues for the same contract wins, the rest get 409.
func TestConcurrentJobCreationSingleWinner(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	s := newTestServer(store)
	h := s.Handler()

	const n = 8
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := doJSON(t, h, "POST", "/jobs", createJobRequest{ContractAddress: testAddr})
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	created, conflicted := 0, 0
	for code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicted++
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	if created != 1 || conflicted != n-1 {
		t.Errorf("created = %d, conflicted = %d, want 1 and %d", created, conflicted, n-1)
	}
	if len(store.jobs) != 1 {
		t.Errorf("jobs = %d, want exactly one live job", len(store.jobs))
	}
}

func TestResetCursorEndpoint(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.contracts[testAddr] = &models.Contract{Address: testAddr, Status: models.StatusComplete}
	store.cursors[testAddr] = &models.Cursor{ContractAddress: testAddr, IsComplete: true}
	s := newTestServer(store)

	rec := doJSON(t, s.Handler(), "POST", "/contracts/"+testAddr+"/reset-cursor", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(store.resets) != 1 || store.resets[0] != testAddr {
		t.Errorf("resets = %v", store.resets)
	}

	// Unknown contract 404s.
	rec = doJSON(t, s.Handler(), "POST", "/contracts/0x"+strings.Repeat("9", 40)+"/reset-cursor", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()

	s := newTestServer(newFakeStore())
	if rec := doJSON(t, s.Handler(), "GET", "/jobs/99", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if rec := doJSON(t, s.Handler(), "GET", "/jobs/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestValidAddress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want bool
	}{
		{testAddr, true},
		{strings.ToUpper(testAddr), true},
		{"0x123", false},
		{"", false},
		{"c0ffee0000000000000000000000000000000001ab", false},
	}
	for _, c := range cases {
		if got := validAddress(c.in); got != c.want {
			t.Errorf("validAddress(%q) = %v", c.in, got)
		}
	}
}
