package ingester

import (
	"context"
	"fmt"
	"log"
	"time"

	"contractscan/internal/explorer"
	"contractscan/internal/models"
)

// Store is the slice of the repository the ingestor needs.
type Store interface {
	GetCursor(ctx context.Context, addr string) (*models.Cursor, error)
	UpsertCursor(ctx context.Context, addr, lastToken string, lastBlock, deltaIndexed int64, isComplete bool) error
	InsertTransactionBatch(ctx context.Context, rows []models.TransactionRow) (int64, error)
	FilterKnownHashes(ctx context.Context, hashes []string) (map[string]bool, error)
}

// ExplorerAPI is the slice of the explorer client the ingestor needs.
type ExplorerAPI interface {
	ListTransactions(ctx context.Context, q explorer.ListQuery) (*explorer.Page, error)
	GetTransactionDetail(ctx context.Context, txHash string) (*explorer.TxDetail, error)
}

const (
	// maxConsecutiveFailures aborts a backfill after this many transient
	// failures in a row. The cursor keeps the last committed token, so the
	// next run resumes where this one stopped.
	maxConsecutiveFailures = 5

	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Ingestor walks the explorer's paginated transaction stream for one
// contract and lands base rows. The cursor commits after each page, never
// mid-page, so a crash costs at most one page of re-fetching (which the
// conflict-ignore insert absorbs).
type Ingestor struct {
	explorer ExplorerAPI
	store    Store
	chainID  int64

	pageLimit   int
	pollPageCap int

	// backoff maps a consecutive-failure count to a delay; stubbed in tests.
	backoff func(failures int) time.Duration

	// OnNewRows, when set, receives rows that were actually inserted
	// (activity feed). Must not block.
	OnNewRows func(contract string, rows []models.TransactionRow)
}

func NewIngestor(api ExplorerAPI, store Store, chainID int64, pageLimit, pollPageCap int) *Ingestor {
	if pageLimit <= 0 {
		pageLimit = 50
	}
	if pollPageCap <= 0 {
		pollPageCap = 10
	}
	return &Ingestor{
		explorer:    api,
		store:       store,
		chainID:     chainID,
		pageLimit:   pageLimit,
		pollPageCap: pollPageCap,
		backoff:     backoffDelay,
	}
}

// PageCheckpoint is handed to the backfill caller after each committed page.
type PageCheckpoint struct {
	NextToken    string
	PageRows     int
	FetchedSoFar int64
	TotalKnown   int64 // upstream count, 0 when not reported
	LastBlock    int64
}

// BackfillOptions parameterize one backfill run.
type BackfillOptions struct {
	FromDate string // optional RFC 3339 bounds forwarded to the explorer
	ToDate   string

	// ResumeToken overrides the stored cursor token (job resume).
	ResumeToken string

	// OnPage runs after each page commits. Returning an error stops the run
	// at the page boundary with the cursor intact.
	OnPage func(cp PageCheckpoint) error
}

// BackfillResult summarizes one run.
type BackfillResult struct {
	Pages     int
	Fetched   int64
	Inserted  int64
	Completed bool
	LastToken string
}

// Backfill pages the contract's stream oldest-first until the explorer stops
// returning a next token, the context is cancelled, or OnPage asks to stop.
func (ing *Ingestor) Backfill(ctx context.Context, addr string, opts BackfillOptions) (*BackfillResult, error) {
	addr = normalizeAddr(addr)

	cursor, err := ing.store.GetCursor(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("load cursor %s: %w", addr, err)
	}

	token := opts.ResumeToken
	if token == "" && cursor != nil {
		if cursor.IsComplete && opts.FromDate == "" && opts.ToDate == "" {
			// Already walked to end-of-stream; the poller owns new activity.
			log.Printf("[ingestor] %s cursor already complete, skipping backfill", addr)
			return &BackfillResult{Completed: true}, nil
		}
		token = cursor.LastPageToken
	}

	res := &BackfillResult{LastToken: token}
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := ing.explorer.ListTransactions(ctx, explorer.ListQuery{
			Contract:  addr,
			Sort:      explorer.SortAsc,
			Limit:     ing.pageLimit,
			NextToken: token,
			FromDate:  opts.FromDate,
			ToDate:    opts.ToDate,
		})
		if err != nil {
			if !explorer.IsTransient(err) {
				return res, fmt.Errorf("list transactions %s: %w", addr, err)
			}
			failures++
			if failures >= maxConsecutiveFailures {
				return res, fmt.Errorf("list transactions %s: %d consecutive failures: %w", addr, failures, err)
			}
			delay := ing.backoff(failures)
			log.Printf("[ingestor] %s transient list failure (%d/%d), backing off %s: %v",
				addr, failures, maxConsecutiveFailures, delay, err)
			if err := sleepCtx(ctx, delay); err != nil {
				return res, err
			}
			continue
		}
		failures = 0

		rows, skipped := MapExplorerPage(page, addr, ing.chainID)
		if skipped > 0 {
			log.Printf("[ingestor] %s skipped %d hashless items on page %d", addr, skipped, res.Pages+1)
		}

		inserted, err := ing.store.InsertTransactionBatch(ctx, rows)
		if err != nil {
			return res, fmt.Errorf("insert batch %s: %w", addr, err)
		}

		nextToken := page.Link.NextToken
		complete := nextToken == ""
		maxBlock := maxBlockOf(rows)

		// Progress is the explorer stream position, so the delta is rows
		// returned, not rows newly inserted.
		if err := ing.store.UpsertCursor(ctx, addr, nextToken, maxBlock, int64(len(rows)), complete); err != nil {
			return res, fmt.Errorf("advance cursor %s: %w", addr, err)
		}

		res.Pages++
		res.Fetched += int64(len(rows))
		res.Inserted += inserted
		res.LastToken = nextToken

		if inserted > 0 && ing.OnNewRows != nil {
			ing.OnNewRows(addr, rows)
		}

		if opts.OnPage != nil {
			err := opts.OnPage(PageCheckpoint{
				NextToken:    nextToken,
				PageRows:     len(rows),
				FetchedSoFar: res.Fetched,
				TotalKnown:   int64(page.Count),
				LastBlock:    maxBlock,
			})
			if err != nil {
				return res, err
			}
		}

		if complete {
			res.Completed = true
			log.Printf("[ingestor] %s backfill complete: %d pages, %d fetched, %d inserted",
				addr, res.Pages, res.Fetched, res.Inserted)
			return res, nil
		}
		token = nextToken
	}
}

// Poll checks a completed contract for new activity: newest-first pages,
// stopping at the first already-known hash or after pollPageCap pages.
// Returns the number of rows inserted.
func (ing *Ingestor) Poll(ctx context.Context, addr string) (int64, error) {
	addr = normalizeAddr(addr)

	var total int64
	token := ""

	for pageNum := 0; pageNum < ing.pollPageCap; pageNum++ {
		page, err := ing.explorer.ListTransactions(ctx, explorer.ListQuery{
			Contract:  addr,
			Sort:      explorer.SortDesc,
			Limit:     ing.pageLimit,
			NextToken: token,
		})
		if err != nil {
			return total, fmt.Errorf("poll %s: %w", addr, err)
		}

		rows, _ := MapExplorerPage(page, addr, ing.chainID)
		if len(rows) == 0 {
			return total, nil
		}

		hashes := make([]string, len(rows))
		for i := range rows {
			hashes[i] = rows[i].TxHash
		}
		known, err := ing.store.FilterKnownHashes(ctx, hashes)
		if err != nil {
			return total, fmt.Errorf("poll %s: filter known: %w", addr, err)
		}

		fresh := rows[:0:len(rows)]
		sawKnown := false
		for _, row := range rows {
			if known[row.TxHash] {
				sawKnown = true
				continue
			}
			fresh = append(fresh, row)
		}

		if len(fresh) > 0 {
			inserted, err := ing.store.InsertTransactionBatch(ctx, fresh)
			if err != nil {
				return total, fmt.Errorf("poll %s: insert: %w", addr, err)
			}
			// complete=false leaves is_complete untouched (OR semantics);
			// the token stays cleared for a completed cursor.
			if err := ing.store.UpsertCursor(ctx, addr, "", maxBlockOf(fresh), int64(len(fresh)), false); err != nil {
				return total, fmt.Errorf("poll %s: cursor: %w", addr, err)
			}
			total += inserted
			if inserted > 0 && ing.OnNewRows != nil {
				ing.OnNewRows(addr, fresh)
			}
		}

		// A known hash means the rest of the stream is already indexed.
		if sawKnown || page.Link.NextToken == "" {
			return total, nil
		}
		token = page.Link.NextToken
	}

	log.Printf("[ingestor] %s poll hit page cap (%d) with unseen rows remaining", addr, ing.pollPageCap)
	return total, nil
}

func maxBlockOf(rows []models.TransactionRow) int64 {
	var max int64
	for i := range rows {
		if rows[i].BlockNumber > max {
			max = rows[i].BlockNumber
		}
	}
	return max
}

func backoffDelay(failures int) time.Duration {
	d := backoffBase << (failures - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
