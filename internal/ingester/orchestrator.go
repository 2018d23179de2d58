package ingester

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"contractscan/internal/models"
	"contractscan/internal/repository"
)

// OrchestratorStore is the repository surface the orchestrator needs on top
// of the ingestor's Store.
type OrchestratorStore interface {
	Store

	ClaimNextJob(ctx context.Context) (*models.Job, error)
	SetJobProgress(ctx context.Context, jobID int64, progress float64, resumeToken string) error
	CompleteJob(ctx context.Context, jobID int64) error
	FailJob(ctx context.Context, jobID int64, errMsg string) (string, error)
	RequeueJob(ctx context.Context, jobID int64) error
	RequeueStaleJobs(ctx context.Context, olderThanMin int) (int64, error)
	GetJobStatus(ctx context.Context, jobID int64) (string, error)
	EnqueueJob(ctx context.Context, contractAddr string, priority int, payload models.JobPayload) (*models.Job, error)

	GetContract(ctx context.Context, addr string) (*models.Contract, error)
	ListContractsByStatus(ctx context.Context, statuses ...string) ([]models.Contract, error)
	ClaimContractForIndexing(ctx context.Context, addr string, staleAfterMin int) (bool, error)
	MarkContractComplete(ctx context.Context, addr string) error
	MarkContractError(ctx context.Context, addr, msg string) error
	ReleaseContract(ctx context.Context, addr string) error
	TouchContractProgress(ctx context.Context, addr string, currentBlock int64, progress float64) error
}

const (
	// staleClaimMinutes is how long a contract may sit in 'indexing' before
	// another worker may steal it (crash recovery).
	staleClaimMinutes = 30

	// defaultScanPriority is the queue priority for jobs the periodic scan
	// creates on its own. Operator-submitted jobs usually rank higher.
	defaultScanPriority = 5

	scanInterval    = time.Minute
	claimIdleSleep  = 2 * time.Second
	claimIdleJitter = 3 * time.Second
	staleJobMinutes = 45
)

var errJobCancelled = errors.New("job cancelled")

// Orchestrator runs the backfill worker pool: a periodic scan turns
// pending/error contracts into queue jobs, and workers claim jobs one at a
// time, each driving a full backfill for one contract.
type Orchestrator struct {
	store    OrchestratorStore
	ingestor *Ingestor
	scanner  *RPCScanner // nil when no RPC endpoint is configured
	workers  int
}

func NewOrchestrator(store OrchestratorStore, ing *Ingestor, scanner *RPCScanner, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 3
	}
	return &Orchestrator{
		store:    store,
		ingestor: ing,
		scanner:  scanner,
		workers:  workers,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs to stop
// at their next page boundary.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.scanLoop(ctx)
	}()

	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.workerLoop(ctx, id)
		}(i)
	}

	wg.Wait()
	log.Printf("[orchestrator] stopped")
}

// scanLoop periodically enqueues jobs for claimable contracts and recovers
// jobs whose workers died.
func (o *Orchestrator) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	o.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.scanOnce(ctx)
		}
	}
}

func (o *Orchestrator) scanOnce(ctx context.Context) {
	if n, err := o.store.RequeueStaleJobs(ctx, staleJobMinutes); err != nil {
		log.Printf("[orchestrator] stale job recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("[orchestrator] requeued %d stale jobs", n)
	}

	contracts, err := o.store.ListContractsByStatus(ctx, models.StatusPending, models.StatusError)
	if err != nil {
		log.Printf("[orchestrator] contract scan failed: %v", err)
		return
	}

	for _, c := range contracts {
		_, err := o.store.EnqueueJob(ctx, c.Address, defaultScanPriority, models.JobPayload{
			ContractAddress: c.Address,
		})
		if errors.Is(err, repository.ErrJobExists) {
			continue
		}
		if err != nil {
			log.Printf("[orchestrator] enqueue %s failed: %v", c.Address, err)
			continue
		}
		log.Printf("[orchestrator] enqueued backfill for %s (status %s)", c.Address, c.Status)
	}
}

// workerLoop claims and processes jobs until shutdown.
func (o *Orchestrator) workerLoop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := o.store.ClaimNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[orchestrator] worker %d claim failed: %v", id, err)
			sleepCtx(ctx, claimIdleSleep)
			continue
		}
		if job == nil {
			sleepCtx(ctx, claimIdleSleep+time.Duration(rand.Int63n(int64(claimIdleJitter))))
			continue
		}

		log.Printf("[orchestrator] worker %d picked job %d (%s)", id, job.ID, job.ContractAddress)
		o.processJob(ctx, job)
	}
}

func (o *Orchestrator) processJob(ctx context.Context, job *models.Job) {
	addr := job.ContractAddress

	contract, err := o.store.GetContract(ctx, addr)
	if err != nil || contract == nil {
		o.failJob(ctx, job, addr, fmt.Sprintf("load contract: %v", err))
		return
	}

	dated := job.Payload.FromDate != "" || job.Payload.ToDate != ""

	claimed, err := o.store.ClaimContractForIndexing(ctx, addr, staleClaimMinutes)
	if err != nil {
		o.failJob(ctx, job, addr, fmt.Sprintf("claim contract: %v", err))
		return
	}
	if !claimed {
		// A dated re-index of a completed contract runs without a status
		// transition; anything else means the contract is busy or disabled.
		if !(contract.Status == models.StatusComplete && dated) {
			o.failJob(ctx, job, addr, fmt.Sprintf("contract not claimable (status %s)", contract.Status))
			return
		}
	}

	res, err := o.runJob(ctx, job, contract)
	switch {
	case err == nil:
		if err := o.store.CompleteJob(ctx, job.ID); err != nil {
			log.Printf("[orchestrator] complete job %d: %v", job.ID, err)
		}
		if claimed && res != nil && res.Completed {
			if err := o.store.MarkContractComplete(ctx, addr); err != nil {
				log.Printf("[orchestrator] mark complete %s: %v", addr, err)
			}
		} else if claimed {
			o.release(addr)
		}
		log.Printf("[orchestrator] job %d done: %d pages, %d inserted", job.ID, pagesOf(res), insertedOf(res))

	case errors.Is(err, errJobCancelled):
		// CancelJob already flipped the row; just free the contract.
		if claimed {
			o.release(addr)
		}
		log.Printf("[orchestrator] job %d cancelled at page boundary", job.ID)

	case ctx.Err() != nil:
		// Shutdown: hand the job back uncharged and free the contract.
		o.requeue(job.ID)
		if claimed {
			o.release(addr)
		}
		log.Printf("[orchestrator] job %d requeued for shutdown", job.ID)

	default:
		status, ferr := o.store.FailJob(ctx, job.ID, err.Error())
		if ferr != nil {
			log.Printf("[orchestrator] fail job %d: %v", job.ID, ferr)
		}
		if claimed {
			if status == models.JobFailed {
				if merr := o.store.MarkContractError(ctx, addr, err.Error()); merr != nil {
					log.Printf("[orchestrator] mark error %s: %v", addr, merr)
				}
			} else {
				o.release(addr)
			}
		}
		log.Printf("[orchestrator] job %d failed (now %s): %v", job.ID, status, err)
	}
}

// runJob drives the actual ingestion: the RPC scan path for rpc-sourced
// contracts (falling back to the explorer when the endpoint is unhealthy),
// the explorer page walk otherwise.
func (o *Orchestrator) runJob(ctx context.Context, job *models.Job, contract *models.Contract) (*BackfillResult, error) {
	addr := contract.Address

	if contract.IndexSource == models.IndexSourceRPC && o.scanner != nil {
		scan, err := o.scanner.Scan(ctx, addr, contract.DeployBlock)
		if err == nil {
			return &BackfillResult{
				Inserted:  scan.Inserted,
				Completed: scan.Completed,
			}, nil
		}
		if !errors.Is(err, ErrRPCUnhealthy) {
			return nil, err
		}
		log.Printf("[orchestrator] %s rpc path unhealthy, switching to explorer: %v", addr, err)
	}

	var totalBefore int64
	if cursor, err := o.ingestor.store.GetCursor(ctx, addr); err == nil && cursor != nil {
		totalBefore = cursor.TotalIndexed
	}

	return o.ingestor.Backfill(ctx, addr, BackfillOptions{
		FromDate:    job.Payload.FromDate,
		ToDate:      job.Payload.ToDate,
		ResumeToken: job.Payload.ResumeToken,
		OnPage: func(cp PageCheckpoint) error {
			progress := 0.0
			if cp.TotalKnown > 0 {
				progress = float64(totalBefore+cp.FetchedSoFar) / float64(cp.TotalKnown) * 100
				if progress > 100 {
					progress = 100
				}
			}
			if err := o.store.SetJobProgress(ctx, job.ID, progress, cp.NextToken); err != nil {
				log.Printf("[orchestrator] job %d progress write failed: %v", job.ID, err)
			}
			if err := o.store.TouchContractProgress(ctx, addr, cp.LastBlock, progress); err != nil {
				log.Printf("[orchestrator] %s progress write failed: %v", addr, err)
			}

			// Cancellation is only observed here, between committed pages,
			// so the cursor always reflects a fully landed page.
			status, err := o.store.GetJobStatus(ctx, job.ID)
			if err == nil && status == models.JobCancelled {
				return errJobCancelled
			}
			return ctx.Err()
		},
	})
}

func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, addr, msg string) {
	if _, err := o.store.FailJob(ctx, job.ID, msg); err != nil {
		log.Printf("[orchestrator] fail job %d: %v", job.ID, err)
	}
	log.Printf("[orchestrator] job %d failed: %s", job.ID, msg)
}

// release and requeue use a short background context so shutdown cleanup
// still lands after the run context is cancelled.

func (o *Orchestrator) release(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.ReleaseContract(ctx, addr); err != nil {
		log.Printf("[orchestrator] release %s: %v", addr, err)
	}
}

func (o *Orchestrator) requeue(jobID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.RequeueJob(ctx, jobID); err != nil {
		log.Printf("[orchestrator] requeue job %d: %v", jobID, err)
	}
}

func pagesOf(r *BackfillResult) int {
	if r == nil {
		return 0
	}
	return r.Pages
}

func insertedOf(r *BackfillResult) int64 {
	if r == nil {
		return 0
	}
	return r.Inserted
}
