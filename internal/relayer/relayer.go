// Package relayer signs and submits keeper transactions, serializing
// the relayer account's chain nonce across concurrent dispatches.
package relayer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"limit-order-keeper/internal/evm"
)

// ErrReceiptTimeout indicates the transaction was not mined within the
// configured wait window. The transaction may still land later.
var ErrReceiptTimeout = errors.New("relayer: receipt wait timed out")

const (
	defaultReceiptTimeout  = 90 * time.Second
	defaultReceiptInterval = 2 * time.Second
	gasLimitMargin         = 120 // percent of the estimate
)

// Relayer holds the keeper's signing key and submits transactions one
// chain nonce at a time.
type Relayer struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	client evm.ChainClient
	logger *zap.Logger

	receiptTimeout  time.Duration
	receiptInterval time.Duration

	mu        sync.Mutex
	chainID   *big.Int
	nextNonce uint64
	nonceInit bool
}

// Option configures the Relayer.
type Option func(*Relayer)

// WithReceiptTimeout bounds how long Submit waits for a receipt.
func WithReceiptTimeout(d time.Duration) Option {
	return func(r *Relayer) { r.receiptTimeout = d }
}

// WithReceiptInterval sets the receipt polling cadence.
func WithReceiptInterval(d time.Duration) Option {
	return func(r *Relayer) { r.receiptInterval = d }
}

// New creates a relayer from a hex-encoded private key.
func New(hexKey string, client evm.ChainClient, logger *zap.Logger, opts ...Option) (*Relayer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse relayer key: %w", err)
	}

	r := &Relayer{
		key:             key,
		addr:            crypto.PubkeyToAddress(key.PublicKey),
		client:          client,
		logger:          logger,
		receiptTimeout:  defaultReceiptTimeout,
		receiptInterval: defaultReceiptInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Address returns the relayer account address.
func (r *Relayer) Address() common.Address { return r.addr }

// Submit signs and sends a transaction calling `to` with the given
// calldata, then waits for its receipt. Nonce assignment and submission
// are serialized so concurrent callers never race on the chain nonce.
func (r *Relayer) Submit(ctx context.Context, to common.Address, calldata []byte) (*evm.Receipt, error) {
	txHash, err := r.send(ctx, to, calldata)
	if err != nil {
		return nil, err
	}
	return r.awaitReceipt(ctx, txHash)
}

func (r *Relayer) send(ctx context.Context, to common.Address, calldata []byte) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.chainID == nil {
		chainID, err := r.client.ChainID(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("fetch chain id: %w", err)
		}
		r.chainID = chainID
	}

	if !r.nonceInit {
		nonce, err := r.client.PendingNonceAt(ctx, r.addr)
		if err != nil {
			return common.Hash{}, fmt.Errorf("fetch relayer nonce: %w", err)
		}
		r.nextNonce = nonce
		r.nonceInit = true
	}

	gasPrice, err := r.client.GasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch gas price: %w", err)
	}

	gas, err := r.client.EstimateGas(ctx, evm.CallMsg{From: r.addr, To: to, Data: calldata})
	if err != nil {
		// Estimation failures carry the node's revert reason; surface
		// them untouched so the dispatcher can classify the outcome.
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * gasLimitMargin / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    r.nextNonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     calldata,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode transaction: %w", err)
	}

	txHash, err := r.client.SendRawTransaction(ctx, raw)
	if err != nil {
		// A rejected submission may mean our cached nonce is stale.
		r.nonceInit = false
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	r.logger.Info("transaction submitted",
		zap.String("tx_hash", txHash.Hex()),
		zap.Uint64("nonce", r.nextNonce),
		zap.Uint64("gas", gas))

	r.nextNonce++
	return txHash, nil
}

func (r *Relayer) awaitReceipt(ctx context.Context, txHash common.Hash) (*evm.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(r.receiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			r.logger.Warn("receipt poll failed",
				zap.String("tx_hash", txHash.Hex()), zap.Error(err))
		} else if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
		case <-ticker.C:
		}
	}
}
