package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ChainClient defines the EVM JSON-RPC HTTP interface the engine depends on.
type ChainClient interface {
	// BlockNumber returns the latest confirmed block height.
	BlockNumber(ctx context.Context) (uint64, error)

	// GetLogs returns logs matching the filter. Providers bound the
	// allowed block range; callers chunk accordingly.
	GetLogs(ctx context.Context, q FilterQuery) ([]Log, error)

	// CallContract executes a read-only contract call against latest state.
	CallContract(ctx context.Context, msg CallMsg) ([]byte, error)

	// SendRawTransaction submits a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)

	// TransactionReceipt returns the receipt for a mined transaction,
	// or nil if the transaction is not yet mined.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)

	// ChainID returns the chain identifier used for transaction signing.
	ChainID(ctx context.Context) (*big.Int, error)

	// PendingNonceAt returns the account nonce including pending transactions.
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	// GasPrice returns the current suggested gas price.
	GasPrice(ctx context.Context) (*big.Int, error)

	// EstimateGas estimates gas for the given call.
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)
}

// LogSubscriber defines the WebSocket log subscription interface.
type LogSubscriber interface {
	// SubscribeLogs subscribes to logs matching the filter. The channel is
	// closed when the client shuts down.
	SubscribeLogs(ctx context.Context, filter SubFilter) (<-chan Log, error)

	// Close closes the WebSocket connection.
	Close() error
}

// FilterQuery selects logs by contract address, topic and block range.
type FilterQuery struct {
	Address   common.Address
	Topics    []common.Hash
	FromBlock uint64
	ToBlock   uint64
}

// SubFilter selects streamed logs by contract addresses and topic.
type SubFilter struct {
	Addresses []common.Address
	Topics    []common.Hash
}

// CallMsg describes a contract call or a transaction to estimate.
type CallMsg struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Log is an emitted contract event.
type Log struct {
	Address     common.Address
	Topics      []common.Hash
	Data        hexutil.Bytes
	BlockNumber uint64
	TxHash      common.Hash
	Index       uint
	Removed     bool
}

// Receipt status values per the JSON-RPC spec.
const (
	ReceiptStatusFailed  = 0
	ReceiptStatusSuccess = 1
)

// Receipt is the outcome of a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
	Logs        []Log
}

// wire representations

type rpcLog struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	Index       hexutil.Uint   `json:"logIndex"`
	Removed     bool           `json:"removed"`
}

func (l *rpcLog) toLog() Log {
	return Log{
		Address:     l.Address,
		Topics:      l.Topics,
		Data:        l.Data,
		BlockNumber: uint64(l.BlockNumber),
		TxHash:      l.TxHash,
		Index:       uint(l.Index),
		Removed:     l.Removed,
	}
}

type rpcReceipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
	Logs        []rpcLog       `json:"logs"`
}

func (r *rpcReceipt) toReceipt() *Receipt {
	logs := make([]Log, len(r.Logs))
	for i := range r.Logs {
		logs[i] = r.Logs[i].toLog()
	}
	return &Receipt{
		TxHash:      r.TxHash,
		Status:      uint64(r.Status),
		BlockNumber: uint64(r.BlockNumber),
		GasUsed:     uint64(r.GasUsed),
		Logs:        logs,
	}
}
