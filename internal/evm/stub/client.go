// Package stub provides in-memory test doubles for the evm interfaces.
package stub

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"limit-order-keeper/internal/evm"
)

// ChainClient implements evm.ChainClient for testing. Zero values give
// benign defaults; hook fields override individual methods. Log queries
// are recorded for assertions on chunking behavior.
type ChainClient struct {
	mu sync.Mutex

	Block     uint64
	ChainIDV  *big.Int
	NonceV    uint64
	GasV      uint64
	GasPriceV *big.Int

	LogsFn    func(q evm.FilterQuery) ([]evm.Log, error)
	CallFn    func(msg evm.CallMsg) ([]byte, error)
	SendFn    func(raw []byte) (common.Hash, error)
	ReceiptFn func(txHash common.Hash) (*evm.Receipt, error)

	LogQueries []evm.FilterQuery
	SentRaw    [][]byte
}

// NewChainClient creates a stub with sane defaults.
func NewChainClient() *ChainClient {
	return &ChainClient{
		ChainIDV:  big.NewInt(1946),
		GasV:      200000,
		GasPriceV: big.NewInt(1_000_000_000),
	}
}

// Compile-time interface check.
var _ evm.ChainClient = (*ChainClient)(nil)

// SetBlock updates the reported latest block height.
func (c *ChainClient) SetBlock(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Block = n
}

// BlockNumber returns the configured block height.
func (c *ChainClient) BlockNumber(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Block, nil
}

// GetLogs records the query and delegates to LogsFn.
func (c *ChainClient) GetLogs(_ context.Context, q evm.FilterQuery) ([]evm.Log, error) {
	c.mu.Lock()
	c.LogQueries = append(c.LogQueries, q)
	fn := c.LogsFn
	c.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(q)
}

// CallContract delegates to CallFn.
func (c *ChainClient) CallContract(_ context.Context, msg evm.CallMsg) ([]byte, error) {
	c.mu.Lock()
	fn := c.CallFn
	c.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(msg)
}

// SendRawTransaction records the payload and delegates to SendFn.
func (c *ChainClient) SendRawTransaction(_ context.Context, raw []byte) (common.Hash, error) {
	c.mu.Lock()
	c.SentRaw = append(c.SentRaw, raw)
	fn := c.SendFn
	c.mu.Unlock()

	if fn == nil {
		return common.BytesToHash(raw), nil
	}
	return fn(raw)
}

// TransactionReceipt delegates to ReceiptFn; defaults to immediate success.
func (c *ChainClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*evm.Receipt, error) {
	c.mu.Lock()
	fn := c.ReceiptFn
	block := c.Block
	c.mu.Unlock()

	if fn == nil {
		return &evm.Receipt{TxHash: txHash, Status: evm.ReceiptStatusSuccess, BlockNumber: block}, nil
	}
	return fn(txHash)
}

// ChainID returns the configured chain id.
func (c *ChainClient) ChainID(_ context.Context) (*big.Int, error) {
	return c.ChainIDV, nil
}

// PendingNonceAt returns and increments the configured account nonce.
func (c *ChainClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.NonceV, nil
}

// GasPrice returns the configured gas price.
func (c *ChainClient) GasPrice(_ context.Context) (*big.Int, error) {
	return c.GasPriceV, nil
}

// EstimateGas returns the configured gas value.
func (c *ChainClient) EstimateGas(_ context.Context, _ evm.CallMsg) (uint64, error) {
	return c.GasV, nil
}

// QueryCount returns how many log queries have been issued.
func (c *ChainClient) QueryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.LogQueries)
}

// Queries returns a copy of recorded log queries.
func (c *ChainClient) Queries() []evm.FilterQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]evm.FilterQuery, len(c.LogQueries))
	copy(out, c.LogQueries)
	return out
}
