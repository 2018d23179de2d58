package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps the chain JSON-RPC endpoint used as the explorer fallback.
// It only needs three upstream methods: eth_blockNumber,
// eth_getBlockByNumber (with transactions) and eth_getTransactionReceipt.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	chainID *big.Int
	signer  types.Signer
}

func NewClient(ctx context.Context, rawURL string, chainID int64) (*Client, error) {
	rc, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rawURL, err)
	}
	id := big.NewInt(chainID)
	return &Client{
		rpc:     rc,
		eth:     ethclient.NewClient(rc),
		chainID: id,
		signer:  types.LatestSignerForChainID(id),
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() int64 {
	return c.chainID.Int64()
}

// LatestBlockNumber returns the current chain tip.
func (c *Client) LatestBlockNumber(ctx context.Context) (int64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return int64(n), nil
}

// TxWithReceipt is one matched transaction plus the context needed for the
// canonical row mapping.
type TxWithReceipt struct {
	Tx      *types.Transaction
	Receipt *types.Receipt
	Header  *types.Header
	From    common.Address
	Index   int
}

// ContractTxsInBlock fetches one block with transactions and returns those
// whose sender or recipient equals the contract, each paired with its
// receipt. Receipts are fetched in a single JSON-RPC batch.
func (c *Client) ContractTxsInBlock(ctx context.Context, blockNum int64, contract common.Address) ([]TxWithReceipt, error) {
	block, err := c.eth.BlockByNumber(ctx, big.NewInt(blockNum))
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber %d: %w", blockNum, err)
	}

	var matched []TxWithReceipt
	for i, tx := range block.Transactions() {
		from, err := types.Sender(c.signer, tx)
		if err != nil {
			// Unsigned or system transaction; match on recipient only.
			from = common.Address{}
		}

		hit := from == contract
		if to := tx.To(); to != nil && *to == contract {
			hit = true
		}
		if !hit {
			continue
		}

		matched = append(matched, TxWithReceipt{
			Tx:     tx,
			Header: block.Header(),
			From:   from,
			Index:  i,
		})
	}

	if len(matched) == 0 {
		return nil, nil
	}

	// One batch round-trip for all matched receipts.
	batch := make([]rpc.BatchElem, len(matched))
	receipts := make([]*types.Receipt, len(matched))
	for i, m := range matched {
		receipts[i] = new(types.Receipt)
		batch[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []interface{}{m.Tx.Hash()},
			Result: receipts[i],
		}
	}
	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("receipt batch for block %d: %w", blockNum, err)
	}
	for i := range batch {
		if batch[i].Error != nil {
			return nil, fmt.Errorf("receipt %s: %w", matched[i].Tx.Hash(), batch[i].Error)
		}
		matched[i].Receipt = receipts[i]
	}

	return matched, nil
}
