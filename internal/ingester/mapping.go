package ingester

import (
	"strconv"
	"strings"
	"time"

	"contractscan/internal/chain"
	"contractscan/internal/explorer"
	"contractscan/internal/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// normalizeAddr lowercases a hex address. Identity keys are lowercase
// everywhere; comparisons are case-insensitive by construction.
func normalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// functionNameOf extracts the bare name from a full method signature,
// e.g. "transfer(address,uint256)" -> "transfer".
func functionNameOf(method string) string {
	if method == "" {
		return ""
	}
	if i := strings.IndexByte(method, '('); i >= 0 {
		return method[:i]
	}
	return method
}

// selectorOf returns the 4-byte function selector (0x-prefixed, lower hex)
// from calldata, or "" for plain transfers.
func selectorOf(input []byte) string {
	if len(input) < 4 {
		return ""
	}
	return hexutil.Encode(input[:4])
}

// MapExplorerTx applies the canonical list-item transformation. Returns nil
// for items without a usable hash (the caller logs once per batch and
// skips). contractAddr is the queried contract, not from/to.
func MapExplorerTx(item *explorer.Tx, contractAddr string, chainID int64) *models.TransactionRow {
	hash := strings.TrimSpace(item.Hash())
	if hash == "" {
		return nil
	}

	ts, err := item.ParsedTimestamp()
	if err != nil {
		ts = time.Time{}
	}

	row := &models.TransactionRow{
		TxHash:           strings.ToLower(hash),
		WalletAddress:    normalizeAddr(item.From.ID),
		ContractAddress:  normalizeAddr(contractAddr),
		FunctionSelector: strings.ToLower(item.MethodID),
		FunctionName:     functionNameOf(item.Method),
		InputData:        item.Input,
		EthValue:         item.Value.String(),

		GasLimit:          item.GasLimit.String(),
		GasUsed:           item.GasUsed.String(),
		GasPrice:          item.GasPrice.String(),
		EffectiveGasPrice: item.EffectiveGasPrice.String(),
		MaxFeePerGas:      item.MaxFeePerGas.String(),
		MaxPriorityFee:    item.MaxPriorityFee.String(),
		BurnedFees:        item.BurnedFees.String(),
		L1GasUsed:         item.L1GasUsed.String(),
		L1GasPrice:        item.L1GasPrice.String(),
		L1Fee:             item.L1Fee.String(),

		BlockNumber:    item.BlockNumber,
		BlockHash:      strings.ToLower(item.BlockHash),
		BlockTimestamp: ts,
		TxIndex:        item.Index,
		Nonce:          item.Nonce,
		TxType:         item.Type,
		ChainID:        chainID,
	}

	if item.To != nil {
		row.ToAddress = normalizeAddr(item.To.ID)
	}
	if item.Status {
		row.Status = 1
	}
	if row.EthValue == "" {
		row.EthValue = "0"
	}
	if id, err := item.ChainID.Int64(); err == nil && id != 0 {
		row.ChainID = id
	}
	return row
}

// MapExplorerPage maps a whole page, skipping hashless items. Failed
// (status=0) rows are kept; downstream consumers decide what to do with
// them.
func MapExplorerPage(page *explorer.Page, contractAddr string, chainID int64) (rows []models.TransactionRow, skipped int) {
	rows = make([]models.TransactionRow, 0, len(page.Items))
	for i := range page.Items {
		row := MapExplorerTx(&page.Items[i], contractAddr, chainID)
		if row == nil {
			skipped++
			continue
		}
		rows = append(rows, *row)
	}
	return rows, skipped
}

// MapChainTx applies the same canonical rules to an RPC transaction +
// receipt pair. The two ingestion paths are interchangeable at the row
// level.
func MapChainTx(m *chain.TxWithReceipt, contractAddr string, chainID int64) *models.TransactionRow {
	tx := m.Tx
	rcpt := m.Receipt

	row := &models.TransactionRow{
		TxHash:           strings.ToLower(tx.Hash().Hex()),
		WalletAddress:    normalizeAddr(m.From.Hex()),
		ContractAddress:  normalizeAddr(contractAddr),
		FunctionSelector: selectorOf(tx.Data()),
		InputData:        hexutil.Encode(tx.Data()),
		EthValue:         tx.Value().String(),
		GasLimit:         decString(tx.Gas()),

		BlockNumber:    m.Header.Number.Int64(),
		BlockHash:      strings.ToLower(m.Header.Hash().Hex()),
		BlockTimestamp: time.Unix(int64(m.Header.Time), 0).UTC(),
		TxIndex:        m.Index,
		Nonce:          tx.Nonce(),
		TxType:         int(tx.Type()),
		ChainID:        chainID,
	}

	if to := tx.To(); to != nil {
		row.ToAddress = normalizeAddr(to.Hex())
	}
	if gp := tx.GasPrice(); gp != nil {
		row.GasPrice = gp.String()
	}
	if fc := tx.GasFeeCap(); fc != nil {
		row.MaxFeePerGas = fc.String()
	}
	if tc := tx.GasTipCap(); tc != nil {
		row.MaxPriorityFee = tc.String()
	}

	if rcpt != nil {
		row.GasUsed = decString(rcpt.GasUsed)
		if rcpt.EffectiveGasPrice != nil {
			row.EffectiveGasPrice = rcpt.EffectiveGasPrice.String()
		}
		if rcpt.Status == types.ReceiptStatusSuccessful {
			row.Status = 1
		}
	}

	return row
}

func decString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
