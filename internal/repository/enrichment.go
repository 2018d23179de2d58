package repository

import (
	"context"
	"fmt"

	"contractscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// enrichmentUpsertSQL inserts an enrichment row once per hash. A later
// re-enrichment only refreshes logs, operations and updated_at; the fee
// snapshot from the first write is immutable.
const enrichmentUpsertSQL = `
	INSERT INTO raw.transaction_details (
		tx_hash, contract_address, value, gas_used, gas_price, gas_limit,
		burned_fees, l1_gas_used, l1_gas_price, l1_fee,
		contract_verified, method_id, method_full, input, logs, operations
	)
	VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric,
	        $7::numeric, $8::numeric, $9::numeric, $10::numeric,
	        $11, $12, $13, $14, $15, $16)
	ON CONFLICT (tx_hash) DO UPDATE SET
		logs       = EXCLUDED.logs,
		operations = EXCLUDED.operations,
		updated_at = NOW()`

func enrichmentArgs(row *models.EnrichmentRow) []any {
	return []any{
		row.TxHash, row.ContractAddress,
		numericOrNil(row.Value), numericOrNil(row.GasUsed), numericOrNil(row.GasPrice), numericOrNil(row.GasLimit),
		numericOrNil(row.BurnedFees), numericOrNil(row.L1GasUsed), numericOrNil(row.L1GasPrice), numericOrNil(row.L1Fee),
		row.ContractVerified, textOrNil(row.MethodID), textOrNil(row.MethodFull), textOrNil(row.Input),
		[]byte(row.Logs), []byte(row.Operations),
	}
}

// UpsertEnrichment writes one enrichment row (event-driven mode).
func (r *Repository) UpsertEnrichment(ctx context.Context, row *models.EnrichmentRow) error {
	err := withSharedMemoryRetry(ctx, func() error {
		_, err := r.db.Exec(ctx, enrichmentUpsertSQL, enrichmentArgs(row)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert enrichment %s: %w", row.TxHash, err)
	}
	return nil
}

// UpsertEnrichmentBatch writes a gap-filler batch in one pipelined round
// trip. The statement shape is identical to event mode so the two paths stay
// interchangeable.
func (r *Repository) UpsertEnrichmentBatch(ctx context.Context, rows []models.EnrichmentRow) error {
	if len(rows) == 0 {
		return nil
	}

	return withSharedMemoryRetry(ctx, func() error {
		batch := &pgx.Batch{}
		for i := range rows {
			batch.Queue(enrichmentUpsertSQL, enrichmentArgs(&rows[i])...)
		}

		br := r.db.SendBatch(ctx, batch)
		defer br.Close()

		for range rows {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("enrichment batch exec: %w", err)
			}
		}
		return nil
	})
}

// HasEnrichment reports whether a hash has already been enriched.
func (r *Repository) HasEnrichment(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM raw.transaction_details WHERE tx_hash = $1)`,
		txHash,
	).Scan(&exists)
	return exists, err
}

// GetEnrichment fetches one enrichment row.
func (r *Repository) GetEnrichment(ctx context.Context, txHash string) (*models.EnrichmentRow, error) {
	var row models.EnrichmentRow
	var value, gasUsed, gasPrice, gasLimit, burned, l1GasUsed, l1GasPrice, l1Fee, methodID, methodFull, input *string
	err := r.db.QueryRow(ctx, `
		SELECT tx_hash, contract_address, value::text, gas_used::text, gas_price::text, gas_limit::text,
		       burned_fees::text, l1_gas_used::text, l1_gas_price::text, l1_fee::text,
		       contract_verified, method_id, method_full, input, logs, operations,
		       created_at, updated_at
		FROM raw.transaction_details WHERE tx_hash = $1`,
		txHash,
	).Scan(
		&row.TxHash, &row.ContractAddress, &value, &gasUsed, &gasPrice, &gasLimit,
		&burned, &l1GasUsed, &l1GasPrice, &l1Fee,
		&row.ContractVerified, &methodID, &methodFull, &input, &row.Logs, &row.Operations,
		&row.CreatedAt, &row.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	deref := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	deref(&row.Value, value)
	deref(&row.GasUsed, gasUsed)
	deref(&row.GasPrice, gasPrice)
	deref(&row.GasLimit, gasLimit)
	deref(&row.BurnedFees, burned)
	deref(&row.L1GasUsed, l1GasUsed)
	deref(&row.L1GasPrice, l1GasPrice)
	deref(&row.L1Fee, l1Fee)
	deref(&row.MethodID, methodID)
	deref(&row.MethodFull, methodFull)
	deref(&row.Input, input)
	return &row, nil
}

// ContractDeficit is one contract's enrichment backlog.
type ContractDeficit struct {
	ContractAddress string
	Deficit         int64
}

// GetEnrichmentDeficits returns, per contract, the number of base rows that
// have no enrichment row yet. Contracts with zero deficit are omitted.
func (r *Repository) GetEnrichmentDeficits(ctx context.Context) ([]ContractDeficit, error) {
	rows, err := r.db.Query(ctx, `
		SELECT t.contract_address, COUNT(*) AS deficit
		FROM raw.transactions t
		LEFT JOIN raw.transaction_details d ON d.tx_hash = t.tx_hash
		WHERE d.tx_hash IS NULL
		GROUP BY t.contract_address
		ORDER BY deficit DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContractDeficit
	for rows.Next() {
		var d ContractDeficit
		if err := rows.Scan(&d.ContractAddress, &d.Deficit); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetPendingEnrichmentHashes returns hashes of un-enriched base rows for one
// contract, oldest first by block timestamp (stable order for offset
// slicing).
func (r *Repository) GetPendingEnrichmentHashes(ctx context.Context, addr string, limit, offset int) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT t.tx_hash
		FROM raw.transactions t
		LEFT JOIN raw.transaction_details d ON d.tx_hash = t.tx_hash
		WHERE t.contract_address = $1 AND d.tx_hash IS NULL
		ORDER BY t.block_timestamp ASC, t.tx_hash ASC
		LIMIT $2 OFFSET $3`,
		addr, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// GetRecentUnenriched backs the polling fallback for deployments without
// LISTEN/NOTIFY: un-enriched rows of volume-indexed contracts, newest first.
func (r *Repository) GetRecentUnenriched(ctx context.Context, limit int) ([]models.TxNotification, error) {
	rows, err := r.db.Query(ctx, `
		SELECT t.contract_address, t.tx_hash
		FROM raw.transactions t
		JOIN app.contracts c ON c.address = t.contract_address AND c.index_type = 'volume'
		LEFT JOIN raw.transaction_details d ON d.tx_hash = t.tx_hash
		WHERE d.tx_hash IS NULL
		ORDER BY t.created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TxNotification
	for rows.Next() {
		var n models.TxNotification
		if err := rows.Scan(&n.ContractAddress, &n.TxHash); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
