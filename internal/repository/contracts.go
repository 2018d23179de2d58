package repository

import (
	"context"
	"fmt"
	"strings"

	"contractscan/internal/models"

	"github.com/jackc/pgx/v5"
)

const contractColumns = `
	address, chain_id, deploy_block, COALESCE(name, ''), active, indexing_enabled,
	index_type, index_source, status, current_block, total_blocks, progress_percent,
	total_indexed, last_indexed_at, COALESCE(error_message, ''), created_at, updated_at`

func scanContract(row pgx.Row) (*models.Contract, error) {
	var c models.Contract
	err := row.Scan(
		&c.Address, &c.ChainID, &c.DeployBlock, &c.Name, &c.Active, &c.IndexingEnabled,
		&c.IndexType, &c.IndexSource, &c.Status, &c.CurrentBlock, &c.TotalBlocks, &c.ProgressPercent,
		&c.TotalIndexed, &c.LastIndexedAt, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContract fetches one contract by address (case-insensitive).
func (r *Repository) GetContract(ctx context.Context, addr string) (*models.Contract, error) {
	c, err := scanContract(r.db.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM app.contracts WHERE address = $1`,
		strings.ToLower(addr),
	))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// UpsertContract registers a contract. Operator-settable fields are updated;
// progress fields are left alone.
func (r *Repository) UpsertContract(ctx context.Context, c *models.Contract) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.contracts (address, chain_id, deploy_block, name, active, indexing_enabled, index_type, index_source)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		ON CONFLICT (address) DO UPDATE SET
			name             = COALESCE(NULLIF(EXCLUDED.name, ''), app.contracts.name),
			active           = EXCLUDED.active,
			indexing_enabled = EXCLUDED.indexing_enabled,
			index_type       = EXCLUDED.index_type,
			index_source     = EXCLUDED.index_source,
			updated_at       = NOW()`,
		strings.ToLower(c.Address), c.ChainID, c.DeployBlock, c.Name,
		c.Active, c.IndexingEnabled, c.IndexType, c.IndexSource,
	)
	return err
}

// ListContractsByStatus returns active, indexing-enabled contracts in the
// given statuses.
func (r *Repository) ListContractsByStatus(ctx context.Context, statuses ...string) ([]models.Contract, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+contractColumns+`
		FROM app.contracts
		WHERE active AND indexing_enabled AND status = ANY($1)
		ORDER BY created_at`,
		statuses,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ClaimContractForIndexing performs the conditional pending|error -> indexing
// transition. Only one claimant can win; the loser sees false. Contracts
// stuck in 'indexing' longer than staleAfter minutes are reclaimable too
// (crash recovery).
func (r *Repository) ClaimContractForIndexing(ctx context.Context, addr string, staleAfterMin int) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.contracts
		SET status = 'indexing', error_message = NULL, updated_at = NOW()
		WHERE address = $1
		  AND active AND indexing_enabled
		  AND (
		    status IN ('pending', 'error')
		    OR (status = 'indexing' AND updated_at < NOW() - make_interval(mins => $2))
		  )`,
		strings.ToLower(addr), staleAfterMin,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// MarkContractComplete transitions indexing -> complete and snapshots the
// cursor total into the contract row.
func (r *Repository) MarkContractComplete(ctx context.Context, addr string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.contracts c
		SET status = 'complete',
		    total_indexed = COALESCE((SELECT total_indexed FROM app.contract_cursors WHERE contract_address = c.address), c.total_indexed),
		    progress_percent = 100,
		    last_indexed_at = NOW(),
		    error_message = NULL,
		    updated_at = NOW()
		WHERE address = $1`,
		strings.ToLower(addr),
	)
	if err != nil {
		return fmt.Errorf("mark contract complete %s: %w", addr, err)
	}
	return nil
}

// MarkContractError records an unrecoverable failure. The periodic scan will
// retry error contracts later.
func (r *Repository) MarkContractError(ctx context.Context, addr, msg string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.contracts
		SET status = 'error', error_message = $2, updated_at = NOW()
		WHERE address = $1`,
		strings.ToLower(addr), msg,
	)
	return err
}

// ReleaseContract returns a claimed contract to pending without recording an
// error (used on cancellation and shutdown).
func (r *Repository) ReleaseContract(ctx context.Context, addr string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.contracts
		SET status = 'pending', updated_at = NOW()
		WHERE address = $1 AND status = 'indexing'`,
		strings.ToLower(addr),
	)
	return err
}

// TouchContractProgress updates the coarse progress fields while a backfill
// runs.
func (r *Repository) TouchContractProgress(ctx context.Context, addr string, currentBlock int64, progress float64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.contracts
		SET current_block = GREATEST(current_block, $2),
		    progress_percent = LEAST(100, GREATEST(progress_percent, $3)),
		    last_indexed_at = NOW(),
		    updated_at = NOW()
		WHERE address = $1`,
		strings.ToLower(addr), currentBlock, progress,
	)
	return err
}

// GetContractStats builds the operator-facing aggregate for one contract.
func (r *Repository) GetContractStats(ctx context.Context, addr string) (*models.ContractStats, error) {
	addr = strings.ToLower(addr)
	var s models.ContractStats
	err := r.db.QueryRow(ctx, `
		SELECT c.address, c.status, c.total_indexed, c.last_indexed_at,
		       (SELECT COUNT(*) FROM raw.transactions t WHERE t.contract_address = c.address),
		       (SELECT COUNT(*) FROM raw.transaction_details d WHERE d.contract_address = c.address)
		FROM app.contracts c
		WHERE c.address = $1`,
		addr,
	).Scan(&s.Address, &s.Status, &s.TotalIndexed, &s.LastIndexedAt, &s.BaseRows, &s.EnrichedRows)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Deficit = s.BaseRows - s.EnrichedRows
	if s.Deficit < 0 {
		s.Deficit = 0
	}
	return &s, nil
}
