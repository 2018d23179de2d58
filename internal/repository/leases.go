package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Scan leases slice a contract's block range into sub-ranges for the RPC
// scan path. Acquire is insert-on-claim; Reclaim picks up FAILED or expired
// ACTIVE leases. The attempt cap prevents infinite retries on permanently
// broken ranges.

// AcquireScanLease attempts to claim a new block sub-range. Returns
// leaseID > 0 on success, 0 when the range is already taken.
func (r *Repository) AcquireScanLease(ctx context.Context, addr string, fromBlock, toBlock int64, leasedBy string) (int64, error) {
	var leaseID int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO app.scan_leases (contract_address, from_block, to_block, leased_by, lease_expires_at, status, attempt)
		VALUES ($1, $2, $3, $4, NOW() + INTERVAL '5 min', 'ACTIVE', 0)
		ON CONFLICT (contract_address, from_block) DO NOTHING
		RETURNING id`,
		addr, fromBlock, toBlock, leasedBy,
	).Scan(&leaseID)

	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return leaseID, nil
}

// ReclaimScanLease takes over a FAILED or expired ACTIVE lease.
func (r *Repository) ReclaimScanLease(ctx context.Context, addr string, fromBlock int64, leasedBy string) (int64, error) {
	var leaseID int64
	err := r.db.QueryRow(ctx, `
		UPDATE app.scan_leases
		SET leased_by = $1,
		    lease_expires_at = NOW() + INTERVAL '5 min',
		    status = 'ACTIVE',
		    attempt = attempt + 1,
		    updated_at = NOW()
		WHERE contract_address = $2
		  AND from_block = $3
		  AND attempt < 10
		  AND (
		    status = 'FAILED'
		    OR (status = 'ACTIVE' AND lease_expires_at < NOW())
		  )
		RETURNING id`,
		leasedBy, addr, fromBlock,
	).Scan(&leaseID)

	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return leaseID, nil
}

// CompleteScanLease marks a lease COMPLETED.
func (r *Repository) CompleteScanLease(ctx context.Context, leaseID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.scan_leases
		SET status = 'COMPLETED', updated_at = NOW()
		WHERE id = $1`,
		leaseID,
	)
	return err
}

// FailScanLease marks a lease FAILED with the error recorded.
func (r *Repository) FailScanLease(ctx context.Context, leaseID int64, errMessage string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.scan_leases
		SET status = 'FAILED',
		    attempt = attempt + 1,
		    error_message = $2,
		    updated_at = NOW()
		WHERE id = $1`,
		leaseID, errMessage,
	)
	return err
}

// ScanComplete reports whether every lease of a contract's scan is
// COMPLETED and at least one lease exists; all sub-ranges complete means
// the contract's block scan is done.
func (r *Repository) ScanComplete(ctx context.Context, addr string) (bool, error) {
	var total, completed int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'COMPLETED')
		FROM app.scan_leases
		WHERE contract_address = $1`,
		addr,
	).Scan(&total, &completed)
	if err != nil {
		return false, err
	}
	return total > 0 && total == completed, nil
}

// HighestContiguousScanned returns the highest block such that every lease
// below it is COMPLETED (the resume point after a crash).
func (r *Repository) HighestContiguousScanned(ctx context.Context, addr string, floor int64) (int64, error) {
	var gapStart int64
	err := r.db.QueryRow(ctx, `
		SELECT from_block
		FROM app.scan_leases
		WHERE contract_address = $1 AND status != 'COMPLETED'
		ORDER BY from_block ASC
		LIMIT 1`,
		addr,
	).Scan(&gapStart)

	if err == nil {
		return gapStart, nil
	}
	if err != pgx.ErrNoRows {
		return 0, err
	}

	// No gaps: advance to the top of the completed leases.
	var maxCompleted int64
	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(to_block), $2)
		FROM app.scan_leases
		WHERE contract_address = $1 AND status = 'COMPLETED'`,
		addr, floor,
	).Scan(&maxCompleted)
	if err != nil {
		return 0, err
	}
	return maxCompleted, nil
}

// ResetScanLeases drops all leases for a contract (operator cursor reset).
func (r *Repository) ResetScanLeases(ctx context.Context, addr string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM app.scan_leases WHERE contract_address = $1`, addr)
	return err
}
