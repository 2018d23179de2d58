package ingester

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"contractscan/internal/chain"
	"contractscan/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

// ErrRPCUnhealthy signals repeated RPC batch failures. The orchestrator
// reacts by falling back to the explorer path for the rest of the job.
var ErrRPCUnhealthy = errors.New("rpc endpoint unhealthy")

// rpcFailureThreshold is the number of consecutive failed block ranges
// before the scan gives up on the endpoint.
const rpcFailureThreshold = 3

// ChainAPI is the slice of the chain client the scanner needs.
type ChainAPI interface {
	LatestBlockNumber(ctx context.Context) (int64, error)
	ContractTxsInBlock(ctx context.Context, blockNum int64, contract common.Address) ([]chain.TxWithReceipt, error)
}

// LeaseStore extends Store with the scan-lease operations that let several
// scanner instances share one contract's block range.
type LeaseStore interface {
	Store
	AcquireScanLease(ctx context.Context, addr string, fromBlock, toBlock int64, leasedBy string) (int64, error)
	ReclaimScanLease(ctx context.Context, addr string, fromBlock int64, leasedBy string) (int64, error)
	CompleteScanLease(ctx context.Context, leaseID int64) error
	FailScanLease(ctx context.Context, leaseID int64, errMessage string) error
	ScanComplete(ctx context.Context, addr string) (bool, error)
	HighestContiguousScanned(ctx context.Context, addr string, floor int64) (int64, error)
}

// RPCScanner is the chain-RPC ingestion path: it walks blocks from the
// contract's deploy block to the tip in leased sub-ranges, extracting the
// contract's transactions directly from block bodies. Used when no explorer
// covers the chain, or as a fallback.
type RPCScanner struct {
	chain    ChainAPI
	store    LeaseStore
	chainID  int64
	workerID string

	batchBlocks int
	parallel    int

	OnNewRows func(contract string, rows []models.TransactionRow)
}

func NewRPCScanner(api ChainAPI, store LeaseStore, chainID int64, workerID string, batchBlocks, parallel int) *RPCScanner {
	if batchBlocks <= 0 {
		batchBlocks = 1000
	}
	if parallel <= 0 {
		parallel = 3
	}
	return &RPCScanner{
		chain:       api,
		store:       store,
		chainID:     chainID,
		workerID:    workerID,
		batchBlocks: batchBlocks,
		parallel:    parallel,
	}
}

// ScanResult summarizes one scan run.
type ScanResult struct {
	Ranges    int
	Inserted  int64
	Completed bool
	TipBlock  int64
}

// Scan walks [deployBlock, tip] in batchBlocks-sized leased ranges with at
// most parallel ranges in flight. Lease state survives crashes; a re-run
// resumes from the first incomplete range.
func (s *RPCScanner) Scan(ctx context.Context, addr string, deployBlock int64) (*ScanResult, error) {
	addr = normalizeAddr(addr)
	contract := common.HexToAddress(addr)

	tip, err := s.chain.LatestBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w: %v", addr, ErrRPCUnhealthy, err)
	}

	resume, err := s.store.HighestContiguousScanned(ctx, addr, deployBlock)
	if err != nil {
		return nil, fmt.Errorf("scan %s: resume point: %w", addr, err)
	}
	if resume < deployBlock {
		resume = deployBlock
	}

	res := &ScanResult{TipBlock: tip}
	if resume > tip {
		res.Completed = true
		return res, nil
	}

	log.Printf("[rpcscan] %s scanning blocks %d..%d in %d-block ranges (parallel %d)",
		addr, resume, tip, s.batchBlocks, s.parallel)

	var (
		wg           sync.WaitGroup
		sem          = make(chan struct{}, s.parallel)
		inserted     atomic.Int64
		consecutive  atomic.Int64
		rangesTotal  int
		abortedRange atomic.Bool
	)

	for from := resume; from <= tip; from += int64(s.batchBlocks) {
		if ctx.Err() != nil || consecutive.Load() >= rpcFailureThreshold {
			break
		}

		to := from + int64(s.batchBlocks)
		if to > tip+1 {
			to = tip + 1
		}
		rangesTotal++

		sem <- struct{}{}
		wg.Add(1)
		go func(from, to int64) {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := s.scanRange(ctx, addr, contract, from, to)
			if err != nil {
				abortedRange.Store(true)
				consecutive.Add(1)
				log.Printf("[rpcscan] %s range %d..%d failed: %v", addr, from, to-1, err)
				return
			}
			consecutive.Store(0)
			inserted.Add(n)
		}(from, to)
	}
	wg.Wait()

	res.Ranges = rangesTotal
	res.Inserted = inserted.Load()

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if consecutive.Load() >= rpcFailureThreshold {
		return res, fmt.Errorf("scan %s: %d consecutive range failures: %w",
			addr, consecutive.Load(), ErrRPCUnhealthy)
	}
	if abortedRange.Load() {
		// Some ranges failed but the endpoint recovered; leave them FAILED
		// for the next run's reclaim pass.
		return res, nil
	}

	done, err := s.store.ScanComplete(ctx, addr)
	if err != nil {
		return res, fmt.Errorf("scan %s: completeness check: %w", addr, err)
	}
	if done {
		if err := s.store.UpsertCursor(ctx, addr, "", tip, 0, true); err != nil {
			return res, fmt.Errorf("scan %s: finalize cursor: %w", addr, err)
		}
		res.Completed = true
		log.Printf("[rpcscan] %s scan complete at block %d, %d rows inserted", addr, tip, res.Inserted)
	}
	return res, nil
}

// scanRange processes one leased block range [from, to). Returns rows
// inserted. A lease held by another worker is not an error.
func (s *RPCScanner) scanRange(ctx context.Context, addr string, contract common.Address, from, to int64) (int64, error) {
	leaseID, err := s.store.AcquireScanLease(ctx, addr, from, to, s.workerID)
	if err != nil {
		return 0, fmt.Errorf("acquire lease: %w", err)
	}
	if leaseID == 0 {
		leaseID, err = s.store.ReclaimScanLease(ctx, addr, from, s.workerID)
		if err != nil {
			return 0, fmt.Errorf("reclaim lease: %w", err)
		}
		if leaseID == 0 {
			// Held or already completed by someone else.
			return 0, nil
		}
	}

	var rows []models.TransactionRow
	for block := from; block < to; block++ {
		if err := ctx.Err(); err != nil {
			s.failLease(leaseID, err)
			return 0, err
		}
		matched, err := s.chain.ContractTxsInBlock(ctx, block, contract)
		if err != nil {
			s.failLease(leaseID, err)
			return 0, err
		}
		for i := range matched {
			rows = append(rows, *MapChainTx(&matched[i], addr, s.chainID))
		}
	}

	var inserted int64
	if len(rows) > 0 {
		inserted, err = s.store.InsertTransactionBatch(ctx, rows)
		if err != nil {
			s.failLease(leaseID, err)
			return 0, fmt.Errorf("insert range rows: %w", err)
		}
		if err := s.store.UpsertCursor(ctx, addr, "", to-1, int64(len(rows)), false); err != nil {
			s.failLease(leaseID, err)
			return 0, fmt.Errorf("advance cursor: %w", err)
		}
		if inserted > 0 && s.OnNewRows != nil {
			s.OnNewRows(addr, rows)
		}
	}

	if err := s.store.CompleteScanLease(ctx, leaseID); err != nil {
		return inserted, fmt.Errorf("complete lease: %w", err)
	}
	return inserted, nil
}

func (s *RPCScanner) failLease(leaseID int64, cause error) {
	// Best effort with a fresh context; the original may already be dead.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.FailScanLease(ctx, leaseID, cause.Error()); err != nil {
		log.Printf("[rpcscan] failed to mark lease %d failed: %v", leaseID, err)
	}
}
