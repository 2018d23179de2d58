package ingester

import (
	"context"
	"sync"
	"testing"

	"contractscan/internal/explorer"
	"contractscan/internal/models"
)

type fakeEnrichStore struct {
	mu       sync.Mutex
	enriched map[string]models.EnrichmentRow
	recent   []models.TxNotification
	listenCh chan models.TxNotification
	upserts  int
}

func newFakeEnrichStore() *fakeEnrichStore {
	return &fakeEnrichStore{enriched: make(map[string]models.EnrichmentRow)}
}

func (f *fakeEnrichStore) ListenNewTransactions(ctx context.Context, out chan<- models.TxNotification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-f.listenCh:
			if !ok {
				return context.Canceled
			}
			out <- n
		}
	}
}

func (f *fakeEnrichStore) GetRecentUnenriched(_ context.Context, _ int) ([]models.TxNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TxNotification
	for _, n := range f.recent {
		if _, ok := f.enriched[n.TxHash]; !ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeEnrichStore) HasEnrichment(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.enriched[hash]
	return ok, nil
}

func (f *fakeEnrichStore) UpsertEnrichment(_ context.Context, row *models.EnrichmentRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if existing, ok := f.enriched[row.TxHash]; ok {
		// Re-enrichment only refreshes logs and operations.
		existing.Logs = row.Logs
		existing.Operations = row.Operations
		f.enriched[row.TxHash] = existing
		return nil
	}
	f.enriched[row.TxHash] = *row
	return nil
}

type flakyExplorer struct {
	mu       sync.Mutex
	failures int // 429s before success
	details  map[string]*explorer.TxDetail
	calls    int
}

func (f *flakyExplorer) ListTransactions(context.Context, explorer.ListQuery) (*explorer.Page, error) {
	return &explorer.Page{}, nil
}

func (f *flakyExplorer) GetTransactionDetail(_ context.Context, hash string) (*explorer.TxDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, &explorer.StatusError{Code: 429, URL: "/" + hash}
	}
	d, ok := f.details[hash]
	if !ok {
		return nil, &explorer.StatusError{Code: 404, URL: "/" + hash}
	}
	return d, nil
}

func TestEnrichmentHandleHappyPath(t *testing.T) {
	t.Parallel()

	store := newFakeEnrichStore()
	api := &flakyExplorer{details: map[string]*explorer.TxDetail{"0xh": detailFor("0xh")}}
	l := NewEnrichmentListener(store, api)

	l.handle(context.Background(), models.TxNotification{ContractAddress: "0xC0", TxHash: "0xh"})

	row, ok := store.enriched["0xh"]
	if !ok {
		t.Fatal("row not enriched")
	}
	if row.ContractAddress != "0xc0" {
		t.Errorf("contract = %s", row.ContractAddress)
	}
	if string(row.Logs) != "[]" || string(row.Operations) != "[]" {
		t.Errorf("logs/operations must default to empty arrays: %s / %s", row.Logs, row.Operations)
	}
	if len(l.inFlight) != 0 {
		t.Error("in-flight set not cleaned up")
	}
}

// A transient 429 in event mode is dropped, not retried; the gap filler
// owns recovery.
func TestEnrichmentHandleTransientNoRetry(t *testing.T) {
	t.Parallel()

	store := newFakeEnrichStore()
	api := &flakyExplorer{
		failures: 1,
		details:  map[string]*explorer.TxDetail{"0xh": detailFor("0xh")},
	}
	l := NewEnrichmentListener(store, api)

	l.handle(context.Background(), models.TxNotification{TxHash: "0xh"})

	if api.calls != 1 {
		t.Errorf("calls = %d, event mode must not retry", api.calls)
	}
	if _, ok := store.enriched["0xh"]; ok {
		t.Error("row must remain un-enriched after a transient failure")
	}

	// The gap filler path later succeeds exactly once.
	data := newFakeGapData()
	data.pending["0xc0"] = []string{"0xh"}
	g := NewGapFiller(data, api,
		func(context.Context) (GapWorkerStore, func(), error) { return data, func() {}, nil },
		1, 10)
	g.basePacing = 0
	if _, err := g.Run(context.Background()); err != nil {
		t.Fatalf("gap fill: %v", err)
	}
	if _, ok := data.enriched["0xh"]; !ok {
		t.Error("gap filler did not close the gap")
	}
}

func TestEnrichmentHandleSkipsExisting(t *testing.T) {
	t.Parallel()

	store := newFakeEnrichStore()
	store.enriched["0xh"] = models.EnrichmentRow{TxHash: "0xh"}
	api := &flakyExplorer{details: map[string]*explorer.TxDetail{"0xh": detailFor("0xh")}}
	l := NewEnrichmentListener(store, api)

	l.handle(context.Background(), models.TxNotification{TxHash: "0xh"})

	if api.calls != 0 {
		t.Errorf("detail fetched for an already-enriched hash (%d calls)", api.calls)
	}
	if store.upserts != 0 {
		t.Errorf("upserts = %d", store.upserts)
	}
}

func TestEnrichmentInFlightDedupe(t *testing.T) {
	t.Parallel()

	l := NewEnrichmentListener(newFakeEnrichStore(), &flakyExplorer{})
	if !l.claim("0xh") {
		t.Fatal("first claim must win")
	}
	if l.claim("0xh") {
		t.Fatal("second claim must lose")
	}
	l.done("0xh")
	if !l.claim("0xh") {
		t.Fatal("claim after done must win")
	}
}

func TestEnrichmentFallbackPollFeedsWorkers(t *testing.T) {
	t.Parallel()

	store := newFakeEnrichStore()
	store.recent = []models.TxNotification{
		{ContractAddress: "0xc0", TxHash: "0xh1"},
		{ContractAddress: "0xc0", TxHash: "0xh2"},
	}
	l := NewEnrichmentListener(store, &flakyExplorer{})

	out := make(chan models.TxNotification, 4)
	l.pollFallback(context.Background(), out)

	if len(out) != 2 {
		t.Fatalf("queued = %d", len(out))
	}
}
