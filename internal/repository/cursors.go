package repository

import (
	"context"
	"fmt"

	"contractscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// GetCursor returns the ingestion cursor for a contract, or nil before the
// first ingest run.
func (r *Repository) GetCursor(ctx context.Context, addr string) (*models.Cursor, error) {
	var c models.Cursor
	var token *string
	err := r.db.QueryRow(ctx, `
		SELECT contract_address, last_page_token, last_block_indexed, total_indexed, is_complete, updated_at
		FROM app.contract_cursors
		WHERE contract_address = $1`,
		addr,
	).Scan(&c.ContractAddress, &token, &c.LastBlockIndexed, &c.TotalIndexed, &c.IsComplete, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if token != nil {
		c.LastPageToken = *token
	}
	return &c, nil
}

// UpsertCursor advances the cursor in one atomic statement. total_indexed is
// additive (the explorer stream defines progress, not the sink) and marking
// the cursor complete clears the page token.
func (r *Repository) UpsertCursor(ctx context.Context, addr, lastToken string, lastBlock int64, deltaIndexed int64, isComplete bool) error {
	if isComplete {
		lastToken = ""
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.contract_cursors (contract_address, last_page_token, last_block_indexed, total_indexed, is_complete, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, NOW())
		ON CONFLICT (contract_address) DO UPDATE SET
			last_page_token    = CASE WHEN EXCLUDED.is_complete THEN NULL ELSE EXCLUDED.last_page_token END,
			last_block_indexed = GREATEST(app.contract_cursors.last_block_indexed, EXCLUDED.last_block_indexed),
			total_indexed      = app.contract_cursors.total_indexed + $4,
			is_complete        = app.contract_cursors.is_complete OR EXCLUDED.is_complete,
			updated_at         = NOW()`,
		addr, lastToken, lastBlock, deltaIndexed, isComplete,
	)
	if err != nil {
		return fmt.Errorf("upsert cursor %s: %w", addr, err)
	}
	return nil
}

// ResetCursor clears the token, zeroes the total, and unsets is_complete.
// Operator-only; the next backfill starts from the beginning of the stream.
func (r *Repository) ResetCursor(ctx context.Context, addr string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.contract_cursors (contract_address, last_page_token, last_block_indexed, total_indexed, is_complete, updated_at)
		VALUES ($1, NULL, 0, 0, FALSE, NOW())
		ON CONFLICT (contract_address) DO UPDATE SET
			last_page_token    = NULL,
			last_block_indexed = 0,
			total_indexed      = 0,
			is_complete        = FALSE,
			updated_at         = NOW()`,
		addr,
	)
	if err != nil {
		return fmt.Errorf("reset cursor %s: %w", addr, err)
	}
	return nil
}
