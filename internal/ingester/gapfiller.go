package ingester

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"contractscan/internal/explorer"
	"contractscan/internal/models"
	"contractscan/internal/repository"
)

const (
	gapFanOut        = 5
	gapBasePacing    = 500 * time.Millisecond
	gapSlowPacing    = time.Second
	gapSlowestPacing = 2 * time.Second

	gapFetchTimeout  = 15 * time.Second
	gapFetchAttempts = 3

	// gapBatchRetries is how many times the parent re-dispatches a batch
	// that reported failures.
	gapBatchRetries = 2
)

// GapStore is the parent's repository surface.
type GapStore interface {
	GetEnrichmentDeficits(ctx context.Context) ([]repository.ContractDeficit, error)
}

// GapWorkerStore is one worker's surface. Each worker gets its own small
// connection pool so a full fleet cannot exhaust the storage backend's
// shared memory.
type GapWorkerStore interface {
	GetPendingEnrichmentHashes(ctx context.Context, addr string, limit, offset int) ([]string, error)
	UpsertEnrichmentBatch(ctx context.Context, rows []models.EnrichmentRow) error
}

// gapBatch is one unit of work: a fixed-size offset slice of a contract's
// un-enriched rows.
type gapBatch struct {
	ID       int
	Contract string
	Offset   int
	Size     int
	Attempt  int
}

// GapBatchResult is what a worker reports back per batch.
type GapBatchResult struct {
	ID        int
	Processed int
	Failed    int
	Duration  time.Duration
}

// GapRunStats summarizes one full gap-fill run.
type GapRunStats struct {
	Rounds    int
	Batches   int
	Processed int64
	Failed    int64
}

// GapFiller drains the enrichment backlog: the parent slices per-contract
// deficits into batches and a bounded worker pool enriches them, pacing
// upstream calls and slowing down when the fleet sees consecutive timeouts.
type GapFiller struct {
	store    GapStore
	explorer ExplorerAPI

	// newWorkerStore builds one worker's private store (a 2-connection
	// pool); the returned func closes it.
	newWorkerStore func(ctx context.Context) (GapWorkerStore, func(), error)

	workers    int
	batchSize  int
	basePacing time.Duration

	// consecutiveTimeouts is shared across workers so one flaky upstream
	// slows the whole fleet, not just the worker that noticed.
	consecutiveTimeouts atomic.Int64
}

func NewGapFiller(
	store GapStore,
	api ExplorerAPI,
	newWorkerStore func(ctx context.Context) (GapWorkerStore, func(), error),
	workers, batchSize int,
) *GapFiller {
	if workers <= 0 {
		workers = 4
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &GapFiller{
		store:          store,
		explorer:       api,
		newWorkerStore: newWorkerStore,
		workers:        workers,
		batchSize:      batchSize,
		basePacing:     gapBasePacing,
	}
}

// Run loops until the deficit reaches zero or no forward progress is
// possible (permanently missing upstream data).
func (g *GapFiller) Run(ctx context.Context) (*GapRunStats, error) {
	stats := &GapRunStats{}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		deficits, err := g.store.GetEnrichmentDeficits(ctx)
		if err != nil {
			return stats, fmt.Errorf("compute deficits: %w", err)
		}
		if len(deficits) == 0 {
			log.Printf("[gapfill] deficit is zero after %d rounds, %d rows processed",
				stats.Rounds, stats.Processed)
			return stats, nil
		}

		stats.Rounds++
		var remaining int64
		for _, d := range deficits {
			remaining += d.Deficit
		}
		log.Printf("[gapfill] round %d: %d contracts, %d rows behind",
			stats.Rounds, len(deficits), remaining)

		processed, failed, batches, err := g.runRound(ctx, deficits)
		stats.Processed += processed
		stats.Failed += failed
		stats.Batches += batches
		if err != nil {
			return stats, err
		}
		if processed == 0 {
			// Nothing moved despite a non-zero deficit; the remainder is
			// unreachable upstream (404s, pruned data). Stop rather than spin.
			log.Printf("[gapfill] no progress with %d rows remaining, giving up", remaining)
			return stats, nil
		}
	}
}

// runRound dispatches one full slicing of the current deficits.
func (g *GapFiller) runRound(ctx context.Context, deficits []repository.ContractDeficit) (processed, failed int64, batches int, err error) {
	var todo []gapBatch
	id := 0
	for _, d := range deficits {
		for off := int64(0); off < d.Deficit; off += int64(g.batchSize) {
			id++
			todo = append(todo, gapBatch{
				ID:       id,
				Contract: d.ContractAddress,
				Offset:   int(off),
				Size:     g.batchSize,
			})
		}
	}
	batches = len(todo)

	// Buffered wide enough that retries re-enqueued from the collector can
	// never deadlock against workers blocked on send.
	work := make(chan gapBatch, batches*(gapBatchRetries+1))
	results := make(chan GapBatchResult, g.workers)
	for _, b := range todo {
		work <- b
	}

	var wg sync.WaitGroup
	for i := 0; i < g.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			g.workerLoop(ctx, workerID, work, results)
		}(i)
	}

	// Collector: counts results, re-enqueues failed batches, closes the work
	// channel when everything outstanding has reported.
	outstanding := batches
	byID := make(map[int]gapBatch, batches)
	for _, b := range todo {
		byID[b.ID] = b
	}

	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for outstanding > 0 {
			res, ok := <-results
			if !ok {
				return
			}
			processed += int64(res.Processed)
			failed += int64(res.Failed)

			b := byID[res.ID]
			if res.Failed > 0 && b.Attempt < gapBatchRetries && ctx.Err() == nil {
				b.Attempt++
				byID[b.ID] = b
				work <- b
				continue
			}
			outstanding--
		}
		close(work)
	}()

	wg.Wait()
	close(results)
	<-collectorDone
	return processed, failed, batches, ctx.Err()
}

// workerLoop opens this worker's private store and drains the work channel.
func (g *GapFiller) workerLoop(ctx context.Context, workerID int, work <-chan gapBatch, results chan<- GapBatchResult) {
	store, closeStore, err := g.newWorkerStore(ctx)
	if err != nil {
		log.Printf("[gapfill] worker %d could not open store: %v", workerID, err)
		// Keep draining so the collector still sees every batch accounted for.
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-work:
				if !ok {
					return
				}
				select {
				case results <- GapBatchResult{ID: b.ID, Failed: b.Size}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
	defer closeStore()

	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-work:
			if !ok {
				return
			}
			res := g.processBatch(ctx, store, b)
			log.Printf("[gapfill] worker %d batch %d (%s @%d): %d ok, %d failed in %s",
				workerID, b.ID, b.Contract, b.Offset, res.Processed, res.Failed, res.Duration.Round(time.Millisecond))
			select {
			case results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// processBatch enriches one offset slice: fetch details with a small
// concurrent fan-out, then land all successes in one pipelined upsert.
func (g *GapFiller) processBatch(ctx context.Context, store GapWorkerStore, b gapBatch) GapBatchResult {
	start := time.Now()
	res := GapBatchResult{ID: b.ID}

	hashes, err := store.GetPendingEnrichmentHashes(ctx, b.Contract, b.Size, b.Offset)
	if err != nil {
		log.Printf("[gapfill] batch %d pending query failed: %v", b.ID, err)
		res.Failed = b.Size
		res.Duration = time.Since(start)
		return res
	}
	if len(hashes) == 0 {
		res.Duration = time.Since(start)
		return res
	}

	var rows []models.EnrichmentRow
	for from := 0; from < len(hashes); from += gapFanOut {
		if ctx.Err() != nil {
			break
		}
		to := from + gapFanOut
		if to > len(hashes) {
			to = len(hashes)
		}

		var (
			mu sync.Mutex
			fg sync.WaitGroup
		)
		for _, hash := range hashes[from:to] {
			fg.Add(1)
			go func(hash string) {
				defer fg.Done()
				detail, err := g.fetchDetail(ctx, hash)
				if err != nil {
					mu.Lock()
					res.Failed++
					mu.Unlock()
					return
				}
				row := EnrichmentRowFromDetail(detail, b.Contract)
				mu.Lock()
				rows = append(rows, *row)
				mu.Unlock()
			}(hash)
		}
		fg.Wait()

		if to < len(hashes) {
			sleepCtx(ctx, g.pacing())
		}
	}

	if len(rows) > 0 {
		if err := store.UpsertEnrichmentBatch(ctx, rows); err != nil {
			log.Printf("[gapfill] batch %d upsert failed: %v", b.ID, err)
			res.Failed += len(rows)
		} else {
			res.Processed = len(rows)
		}
	}
	res.Duration = time.Since(start)
	return res
}

// fetchDetail retries transient failures with exponential backoff. A 404 is
// permanent and counts as a failure without retry.
func (g *GapFiller) fetchDetail(ctx context.Context, hash string) (*explorer.TxDetail, error) {
	var lastErr error
	for attempt := 1; attempt <= gapFetchAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, gapFetchTimeout)
		detail, err := g.explorer.GetTransactionDetail(fetchCtx, hash)
		cancel()
		if err == nil {
			g.consecutiveTimeouts.Store(0)
			return detail, nil
		}
		lastErr = err

		if isTimeout(err) {
			g.consecutiveTimeouts.Add(1)
		}
		if explorer.IsNotFound(err) || !explorer.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < gapFetchAttempts {
			sleepCtx(ctx, time.Duration(1<<attempt)*time.Second)
		}
	}
	return nil, lastErr
}

// pacing widens the inter-batch delay when the fleet keeps timing out.
func (g *GapFiller) pacing() time.Duration {
	switch n := g.consecutiveTimeouts.Load(); {
	case n > 5:
		return gapSlowestPacing
	case n > 2:
		return gapSlowPacing
	default:
		return g.basePacing
	}
}

// isTimeout treats context deadlines and net-level timeouts alike for the
// fleet slowdown counter.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
