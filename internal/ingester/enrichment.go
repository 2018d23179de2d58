package ingester

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"contractscan/internal/explorer"
	"contractscan/internal/models"
)

const (
	// detailTimeout bounds one detail fetch in event mode. Event mode does
	// not retry transient failures; the gap filler sweeps up anything missed.
	detailTimeout = 10 * time.Second

	enrichWorkers = 4

	// fallbackPollEvery is the cadence of the polling fallback when
	// LISTEN/NOTIFY is unavailable.
	fallbackPollEvery = time.Second

	// listenRetryAfter is how long the listener waits before re-LISTENing
	// after a dropped connection.
	listenRetryAfter = 5 * time.Second
)

// EnrichmentStore is the repository surface of the enrichment listener.
type EnrichmentStore interface {
	ListenNewTransactions(ctx context.Context, out chan<- models.TxNotification) error
	GetRecentUnenriched(ctx context.Context, limit int) ([]models.TxNotification, error)
	HasEnrichment(ctx context.Context, txHash string) (bool, error)
	UpsertEnrichment(ctx context.Context, row *models.EnrichmentRow) error
}

// EnrichmentListener reacts to new base rows of volume-indexed contracts by
// fetching per-transaction detail and landing it in the detail table.
// Primary signal is LISTEN/NOTIFY; when the listen connection cannot be
// held, a one-second poll of recent un-enriched rows takes over so no
// deployment depends on notify support.
type EnrichmentListener struct {
	store    EnrichmentStore
	explorer ExplorerAPI

	mu       sync.Mutex
	inFlight map[string]bool

	// OnEnriched, when set, is called after each successful enrichment
	// (activity feed). Must not block.
	OnEnriched func(n models.TxNotification)
}

func NewEnrichmentListener(store EnrichmentStore, api ExplorerAPI) *EnrichmentListener {
	return &EnrichmentListener{
		store:    store,
		explorer: api,
		inFlight: make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled. The notify listener and the polling
// fallback both feed one channel; workers drain it.
func (l *EnrichmentListener) Run(ctx context.Context) {
	notifications := make(chan models.TxNotification, 256)

	var wg sync.WaitGroup
	for i := 0; i < enrichWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n := <-notifications:
					l.handle(ctx, n)
				}
			}
		}()
	}

	// listenUp gates the fallback poll: while the LISTEN connection is held
	// the poll stays idle.
	var listenUp atomic.Bool

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			listenUp.Store(true)
			log.Printf("[enrichment] listening for new volume transactions")
			err := l.store.ListenNewTransactions(ctx, notifications)
			listenUp.Store(false)
			if ctx.Err() != nil {
				return
			}
			log.Printf("[enrichment] listen connection lost, retrying in %s: %v", listenRetryAfter, err)
			sleepCtx(ctx, listenRetryAfter)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(fallbackPollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if listenUp.Load() {
					continue
				}
				l.pollFallback(ctx, notifications)
			}
		}
	}()

	wg.Wait()
	log.Printf("[enrichment] stopped")
}

func (l *EnrichmentListener) pollFallback(ctx context.Context, out chan<- models.TxNotification) {
	pending, err := l.store.GetRecentUnenriched(ctx, 100)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[enrichment] fallback poll failed: %v", err)
		}
		return
	}
	for _, n := range pending {
		select {
		case out <- n:
		case <-ctx.Done():
			return
		default:
			// Workers are saturated; the next poll will pick these up again.
			return
		}
	}
}

// handle enriches one transaction. Transient upstream failures are dropped
// without retry; the gap filler owns recovery.
func (l *EnrichmentListener) handle(ctx context.Context, n models.TxNotification) {
	if n.TxHash == "" {
		return
	}
	if !l.claim(n.TxHash) {
		return
	}
	defer l.done(n.TxHash)

	enriched, err := l.store.HasEnrichment(ctx, n.TxHash)
	if err != nil {
		log.Printf("[enrichment] %s existence check failed: %v", n.TxHash, err)
		return
	}
	if enriched {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, detailTimeout)
	detail, err := l.explorer.GetTransactionDetail(fetchCtx, n.TxHash)
	cancel()
	if err != nil {
		if explorer.IsNotFound(err) {
			log.Printf("[enrichment] %s not found upstream, skipping", n.TxHash)
			return
		}
		log.Printf("[enrichment] %s detail fetch failed (gap filler will retry): %v", n.TxHash, err)
		return
	}

	row := EnrichmentRowFromDetail(detail, n.ContractAddress)
	if err := l.store.UpsertEnrichment(ctx, row); err != nil {
		log.Printf("[enrichment] %s upsert failed: %v", n.TxHash, err)
		return
	}
	if l.OnEnriched != nil {
		l.OnEnriched(n)
	}
}

func (l *EnrichmentListener) claim(hash string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[hash] {
		return false
	}
	l.inFlight[hash] = true
	return true
}

func (l *EnrichmentListener) done(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, hash)
}

// EnrichmentRowFromDetail maps an upstream detail response onto the detail
// table row. Logs and operations default to empty arrays so the columns stay
// valid JSON.
func EnrichmentRowFromDetail(detail *explorer.TxDetail, contractAddr string) *models.EnrichmentRow {
	logs := detail.Logs
	if len(logs) == 0 {
		logs = json.RawMessage("[]")
	}
	ops := detail.Operations
	if len(ops) == 0 {
		ops = json.RawMessage("[]")
	}

	return &models.EnrichmentRow{
		TxHash:           normalizeAddr(detail.Hash()),
		ContractAddress:  normalizeAddr(contractAddr),
		Value:            detail.Value.String(),
		GasUsed:          detail.GasUsed.String(),
		GasPrice:         detail.GasPrice.String(),
		GasLimit:         detail.GasLimit.String(),
		BurnedFees:       detail.BurnedFees.String(),
		L1GasUsed:        detail.L1GasUsed.String(),
		L1GasPrice:       detail.L1GasPrice.String(),
		L1Fee:            detail.L1Fee.String(),
		ContractVerified: detail.ContractVerified,
		MethodID:         detail.MethodID,
		MethodFull:       detail.Method,
		Input:            detail.Input,
		Logs:             logs,
		Operations:       ops,
	}
}
