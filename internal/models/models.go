package models

import (
	"encoding/json"
	"time"
)

// Contract statuses. A contract enters in StatusPending; the orchestrator
// moves it to StatusIndexing when a worker claims it, StatusComplete when the
// cursor reaches end-of-stream, and StatusError on unrecoverable failure.
const (
	StatusPending  = "pending"
	StatusIndexing = "indexing"
	StatusComplete = "complete"
	StatusPaused   = "paused"
	StatusError    = "error"
)

// Index types. Volume-indexed contracts get per-transaction enrichment.
const (
	IndexTypeCount  = "count"
	IndexTypeVolume = "volume"
)

// Index sources select the ingestion path for a contract.
const (
	IndexSourceExplorer = "explorer"
	IndexSourceRPC      = "rpc"
)

// Contract represents the 'app.contracts' table.
type Contract struct {
	Address         string     `json:"address"` // lowercase 0x hex
	ChainID         int64      `json:"chain_id"`
	DeployBlock     int64      `json:"deploy_block"`
	Name            string     `json:"name,omitempty"`
	Active          bool       `json:"active"`
	IndexingEnabled bool       `json:"indexing_enabled"`
	IndexType       string     `json:"index_type"`
	IndexSource     string     `json:"index_source"`
	Status          string     `json:"status"`
	CurrentBlock    int64      `json:"current_block"`
	TotalBlocks     int64      `json:"total_blocks"`
	ProgressPercent float64    `json:"progress_percent"`
	TotalIndexed    int64      `json:"total_indexed"`
	LastIndexedAt   *time.Time `json:"last_indexed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Cursor represents the 'app.contract_cursors' table. One per contract.
// When IsComplete is true, LastPageToken is empty and forward pagination
// stops until the poller advances LastBlockIndexed.
type Cursor struct {
	ContractAddress  string    `json:"contract_address"`
	LastPageToken    string    `json:"last_page_token,omitempty"`
	LastBlockIndexed int64     `json:"last_block_indexed"`
	TotalIndexed     int64     `json:"total_indexed"` // monotonic, additive
	IsComplete       bool      `json:"is_complete"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TransactionRow represents the 'raw.transactions' table (base rows).
// All monetary and gas fields are decimal strings in wei; they are never
// converted through floating point.
type TransactionRow struct {
	TxHash           string `json:"tx_hash"` // primary key
	WalletAddress    string `json:"wallet_address"`
	ContractAddress  string `json:"contract_address"`
	ToAddress        string `json:"to_address,omitempty"`
	FunctionSelector string `json:"function_selector,omitempty"` // 0x + 4 bytes
	FunctionName     string `json:"function_name,omitempty"`
	InputData        string `json:"input_data,omitempty"`
	EthValue         string `json:"eth_value"`

	GasLimit          string `json:"gas_limit,omitempty"`
	GasUsed           string `json:"gas_used,omitempty"`
	GasPrice          string `json:"gas_price,omitempty"`
	EffectiveGasPrice string `json:"effective_gas_price,omitempty"`
	MaxFeePerGas      string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFee    string `json:"max_priority_fee,omitempty"`
	BurnedFees        string `json:"burned_fees,omitempty"`

	// L2 rollup fee fields; empty when the chain has no L1 component.
	L1GasUsed  string `json:"l1_gas_used,omitempty"`
	L1GasPrice string `json:"l1_gas_price,omitempty"`
	L1Fee      string `json:"l1_fee,omitempty"`

	BlockNumber    int64     `json:"block_number"`
	BlockHash      string    `json:"block_hash,omitempty"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	TxIndex        int       `json:"tx_index"`
	Nonce          uint64    `json:"nonce"`
	TxType         int       `json:"tx_type"`
	Status         int16     `json:"status"` // 1 = success, 0 = reverted
	ChainID        int64     `json:"chain_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// EnrichmentRow represents the 'raw.transaction_details' table.
// Inserted at most once per hash; re-enrichment updates only Logs,
// Operations, and UpdatedAt.
type EnrichmentRow struct {
	TxHash           string          `json:"tx_hash"`
	ContractAddress  string          `json:"contract_address"`
	Value            string          `json:"value,omitempty"`
	GasUsed          string          `json:"gas_used,omitempty"`
	GasPrice         string          `json:"gas_price,omitempty"`
	GasLimit         string          `json:"gas_limit,omitempty"`
	BurnedFees       string          `json:"burned_fees,omitempty"`
	L1GasUsed        string          `json:"l1_gas_used,omitempty"`
	L1GasPrice       string          `json:"l1_gas_price,omitempty"`
	L1Fee            string          `json:"l1_fee,omitempty"`
	ContractVerified bool            `json:"contract_verified"`
	MethodID         string          `json:"method_id,omitempty"`
	MethodFull       string          `json:"method_full,omitempty"`
	Input            string          `json:"input,omitempty"`
	Logs             json.RawMessage `json:"logs,omitempty"`       // structured log sequence
	Operations       json.RawMessage `json:"operations,omitempty"` // internal operations
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// JobTypeBackfill is the only job type the queue currently carries.
const JobTypeBackfill = "backfill"

// JobPayload is the JSONB payload of a backfill job.
type JobPayload struct {
	ContractAddress string  `json:"contract_address"`
	FromDate        string  `json:"from_date,omitempty"` // RFC 3339 date
	ToDate          string  `json:"to_date,omitempty"`
	Progress        float64 `json:"progress"` // 0.0 - 100.0
	ResumeToken     string  `json:"resume_token,omitempty"`
}

// Job represents the 'app.job_queue' table.
type Job struct {
	ID              int64      `json:"id"`
	JobType         string     `json:"job_type"`
	ContractAddress string     `json:"contract_address"`
	Priority        int        `json:"priority"` // 1 = highest
	Status          string     `json:"status"`
	Payload         JobPayload `json:"payload"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ScanLease represents the 'app.scan_leases' table: one leased block
// sub-range of a contract's deploy-to-tip scan on the RPC path.
type ScanLease struct {
	ID              int64     `json:"id"`
	ContractAddress string    `json:"contract_address"`
	FromBlock       int64     `json:"from_block"`
	ToBlock         int64     `json:"to_block"` // exclusive
	Status          string    `json:"status"`
	LeasedBy        string    `json:"leased_by,omitempty"`
	Attempt         int       `json:"attempt"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TxNotification is the payload carried on the 'new_volume_transaction'
// channel by the raw.transactions insert trigger.
type TxNotification struct {
	ContractAddress string `json:"contract_address"`
	TxHash          string `json:"tx_hash"`
}

// ContractStats is the operator-facing aggregate for one contract.
type ContractStats struct {
	Address       string     `json:"address"`
	Status        string     `json:"status"`
	TotalIndexed  int64      `json:"total_indexed"`
	BaseRows      int64      `json:"base_rows"`
	EnrichedRows  int64      `json:"enriched_rows"`
	Deficit       int64      `json:"deficit"`
	LastIndexedAt *time.Time `json:"last_indexed_at,omitempty"`
}
