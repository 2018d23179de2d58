package repository

import (
	"context"
	"fmt"
	"time"

	"contractscan/internal/models"
)

// insertChunkSize bounds one multi-row insert statement.
const insertChunkSize = 500

// InsertTransactionBatch bulk-inserts base rows with idempotent
// conflict-ignore on tx_hash. Returns the number of rows actually inserted
// (duplicates across pages and re-runs are silently skipped). Rows are
// inserted in chunks so a single page cannot exceed statement limits.
func (r *Repository) InsertTransactionBatch(ctx context.Context, rows []models.TransactionRow) (int64, error) {
	var inserted int64
	for start := 0; start < len(rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		n, err := r.insertTransactionChunk(ctx, rows[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (r *Repository) insertTransactionChunk(ctx context.Context, rows []models.TransactionRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n := len(rows)
	hashes := make([]string, n)
	wallets := make([]string, n)
	contracts := make([]string, n)
	tos := make([]any, n)
	selectors := make([]any, n)
	names := make([]any, n)
	inputs := make([]any, n)
	values := make([]string, n)
	gasLimits := make([]any, n)
	gasUsed := make([]any, n)
	gasPrices := make([]any, n)
	effPrices := make([]any, n)
	maxFees := make([]any, n)
	prioFees := make([]any, n)
	burned := make([]any, n)
	l1GasUsed := make([]any, n)
	l1GasPrices := make([]any, n)
	l1Fees := make([]any, n)
	blockNums := make([]int64, n)
	blockHashes := make([]any, n)
	blockTimes := make([]time.Time, n)
	txIndexes := make([]int32, n)
	nonces := make([]int64, n)
	txTypes := make([]int32, n)
	statuses := make([]int16, n)
	chainIDs := make([]int64, n)

	for i, row := range rows {
		hashes[i] = row.TxHash
		wallets[i] = row.WalletAddress
		contracts[i] = row.ContractAddress
		tos[i] = textOrNil(row.ToAddress)
		selectors[i] = textOrNil(row.FunctionSelector)
		names[i] = textOrNil(row.FunctionName)
		inputs[i] = textOrNil(row.InputData)
		v := row.EthValue
		if v == "" {
			v = "0"
		}
		values[i] = v
		gasLimits[i] = numericOrNil(row.GasLimit)
		gasUsed[i] = numericOrNil(row.GasUsed)
		gasPrices[i] = numericOrNil(row.GasPrice)
		effPrices[i] = numericOrNil(row.EffectiveGasPrice)
		maxFees[i] = numericOrNil(row.MaxFeePerGas)
		prioFees[i] = numericOrNil(row.MaxPriorityFee)
		burned[i] = numericOrNil(row.BurnedFees)
		l1GasUsed[i] = numericOrNil(row.L1GasUsed)
		l1GasPrices[i] = numericOrNil(row.L1GasPrice)
		l1Fees[i] = numericOrNil(row.L1Fee)
		blockNums[i] = row.BlockNumber
		blockHashes[i] = textOrNil(row.BlockHash)
		blockTimes[i] = row.BlockTimestamp
		txIndexes[i] = int32(row.TxIndex)
		nonces[i] = int64(row.Nonce)
		txTypes[i] = int32(row.TxType)
		statuses[i] = row.Status
		chainIDs[i] = row.ChainID
	}

	var inserted int64
	err := withSharedMemoryRetry(ctx, func() error {
		cmd, err := r.db.Exec(ctx, `
			INSERT INTO raw.transactions (
				tx_hash, wallet_address, contract_address, to_address,
				function_selector, function_name, input_data, eth_value,
				gas_limit, gas_used, gas_price, effective_gas_price,
				max_fee_per_gas, max_priority_fee, burned_fees,
				l1_gas_used, l1_gas_price, l1_fee,
				block_number, block_hash, block_timestamp, tx_index,
				nonce, tx_type, status, chain_id
			)
			SELECT
				u.tx_hash, u.wallet_address, u.contract_address, u.to_address,
				u.function_selector, u.function_name, u.input_data, u.eth_value::numeric,
				u.gas_limit::numeric, u.gas_used::numeric, u.gas_price::numeric, u.effective_gas_price::numeric,
				u.max_fee_per_gas::numeric, u.max_priority_fee::numeric, u.burned_fees::numeric,
				u.l1_gas_used::numeric, u.l1_gas_price::numeric, u.l1_fee::numeric,
				u.block_number, u.block_hash, u.block_timestamp, u.tx_index,
				u.nonce, u.tx_type, u.status, u.chain_id
			FROM UNNEST(
				$1::varchar[],  $2::varchar[],  $3::varchar[],  $4::varchar[],
				$5::varchar[],  $6::text[],     $7::text[],     $8::text[],
				$9::text[],     $10::text[],    $11::text[],    $12::text[],
				$13::text[],    $14::text[],    $15::text[],
				$16::text[],    $17::text[],    $18::text[],
				$19::bigint[],  $20::varchar[], $21::timestamptz[], $22::int[],
				$23::bigint[],  $24::int[],     $25::smallint[], $26::bigint[]
			) AS u(
				tx_hash, wallet_address, contract_address, to_address,
				function_selector, function_name, input_data, eth_value,
				gas_limit, gas_used, gas_price, effective_gas_price,
				max_fee_per_gas, max_priority_fee, burned_fees,
				l1_gas_used, l1_gas_price, l1_fee,
				block_number, block_hash, block_timestamp, tx_index,
				nonce, tx_type, status, chain_id
			)
			ON CONFLICT (tx_hash) DO NOTHING`,
			hashes, wallets, contracts, tos,
			selectors, names, inputs, values,
			gasLimits, gasUsed, gasPrices, effPrices,
			maxFees, prioFees, burned,
			l1GasUsed, l1GasPrices, l1Fees,
			blockNums, blockHashes, blockTimes, txIndexes,
			nonces, txTypes, statuses, chainIDs,
		)
		if err != nil {
			return err
		}
		inserted = cmd.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert transaction chunk: %w", err)
	}
	return inserted, nil
}

// FilterKnownHashes returns the subset of hashes already present in the base
// store. Poll mode uses this for its early-termination check.
func (r *Repository) FilterKnownHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	known := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return known, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT tx_hash FROM raw.transactions WHERE tx_hash = ANY($1)`,
		hashes,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		known[h] = true
	}
	return known, rows.Err()
}

// GetTransaction fetches one base row by hash.
func (r *Repository) GetTransaction(ctx context.Context, txHash string) (*models.TransactionRow, error) {
	var row models.TransactionRow
	var toAddr, selector, fname, input, blockHash *string
	var gasLimit, gasUsed, gasPrice, effPrice, maxFee, prioFee, burnedFees, l1GasUsed, l1GasPrice, l1Fee *string
	err := r.db.QueryRow(ctx, `
		SELECT tx_hash, wallet_address, contract_address, to_address,
		       function_selector, function_name, input_data, eth_value::text,
		       gas_limit::text, gas_used::text, gas_price::text, effective_gas_price::text,
		       max_fee_per_gas::text, max_priority_fee::text, burned_fees::text,
		       l1_gas_used::text, l1_gas_price::text, l1_fee::text,
		       block_number, block_hash, block_timestamp, tx_index,
		       nonce, tx_type, status, chain_id, created_at
		FROM raw.transactions WHERE tx_hash = $1`,
		txHash,
	).Scan(
		&row.TxHash, &row.WalletAddress, &row.ContractAddress, &toAddr,
		&selector, &fname, &input, &row.EthValue,
		&gasLimit, &gasUsed, &gasPrice, &effPrice,
		&maxFee, &prioFee, &burnedFees,
		&l1GasUsed, &l1GasPrice, &l1Fee,
		&row.BlockNumber, &blockHash, &row.BlockTimestamp, &row.TxIndex,
		&row.Nonce, &row.TxType, &row.Status, &row.ChainID, &row.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	deref := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	deref(&row.ToAddress, toAddr)
	deref(&row.FunctionSelector, selector)
	deref(&row.FunctionName, fname)
	deref(&row.InputData, input)
	deref(&row.BlockHash, blockHash)
	deref(&row.GasLimit, gasLimit)
	deref(&row.GasUsed, gasUsed)
	deref(&row.GasPrice, gasPrice)
	deref(&row.EffectiveGasPrice, effPrice)
	deref(&row.MaxFeePerGas, maxFee)
	deref(&row.MaxPriorityFee, prioFee)
	deref(&row.BurnedFees, burnedFees)
	deref(&row.L1GasUsed, l1GasUsed)
	deref(&row.L1GasPrice, l1GasPrice)
	deref(&row.L1Fee, l1Fee)
	return &row, nil
}

// CountTransactions returns the number of base rows for a contract.
func (r *Repository) CountTransactions(ctx context.Context, addr string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM raw.transactions WHERE contract_address = $1`,
		addr,
	).Scan(&n)
	return n, err
}
