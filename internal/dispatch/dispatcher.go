// Package dispatch submits eligible orders on-chain with idempotency
// guards and maps submission results onto order status transitions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/evm"
	"limit-order-keeper/internal/observability"
	"limit-order-keeper/internal/relayer"
	"limit-order-keeper/internal/storage"
)

// ErrInsufficientAllowance indicates the trader has not approved enough
// of tokenIn for the manager contract. The order stays pending and is
// re-checked at the normal evaluation cadence.
var ErrInsufficientAllowance = errors.New("dispatch: insufficient allowance")

// ErrInsufficientBalance indicates the trader no longer holds enough of
// tokenIn to fill the order. Submitting anyway would only burn gas on a
// guaranteed revert, so the order stays pending instead.
var ErrInsufficientBalance = errors.New("dispatch: insufficient balance")

// Outcome describes what happened to an order after a dispatch attempt.
type Outcome string

const (
	// OutcomeExecuted means the order reached executed state, either by
	// our transaction or because its nonce was already consumed.
	OutcomeExecuted Outcome = "executed"
	// OutcomeExpired means the order was marked expired.
	OutcomeExpired Outcome = "expired"
	// OutcomeSkipped means nothing was submitted: the order was already
	// in flight or no longer pending.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDeferred means submission failed transiently; the order
	// stays pending for the next cycle.
	OutcomeDeferred Outcome = "deferred"
)

// Dispatcher executes orders through the relayer. An in-flight set keyed
// by order id makes concurrent dispatches of the same order single-shot.
type Dispatcher struct {
	orders  storage.OrderStore
	manager *evm.OrderManager
	client  evm.ChainClient
	relayer *relayer.Relayer
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a dispatcher.
func New(orders storage.OrderStore, manager *evm.OrderManager, client evm.ChainClient, rel *relayer.Relayer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		orders:   orders,
		manager:  manager,
		client:   client,
		relayer:  rel,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Execute attempts to fill one order. It re-checks the order's state
// immediately before submission, so cancellations racing the matcher
// are honored and an already-consumed nonce never produces a second
// transaction.
func (d *Dispatcher) Execute(ctx context.Context, order *domain.Order) (Outcome, error) {
	if !d.acquire(order.ID) {
		return OutcomeSkipped, nil
	}
	defer d.release(order.ID)

	log := d.logger.With(zap.String("order_id", order.ID))

	current, err := d.orders.Get(ctx, order.ID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("re-check order: %w", err)
	}
	if current.Status != domain.OrderStatusPending {
		log.Debug("order no longer pending", zap.String("status", string(current.Status)))
		return OutcomeSkipped, nil
	}

	used, err := d.manager.NonceUsed(ctx, current.Trader, current.Nonce)
	if err != nil {
		return OutcomeDeferred, fmt.Errorf("check nonce: %w", err)
	}
	if used {
		d.transition(ctx, log, current.ID, domain.OrderStatusExecuted)
		log.Info("nonce already consumed on-chain, marking executed")
		return OutcomeExecuted, nil
	}

	tokenIn := evm.NewERC20(current.TokenIn, d.client)

	allowance, err := tokenIn.Allowance(ctx, current.Trader, d.manager.Address())
	if err != nil {
		return OutcomeDeferred, fmt.Errorf("check allowance: %w", err)
	}
	if allowance.Cmp(current.AmountIn) < 0 {
		d.setLastError(ctx, log, current.ID, "insufficient allowance")
		return OutcomeDeferred, ErrInsufficientAllowance
	}

	balance, err := tokenIn.BalanceOf(ctx, current.Trader)
	if err != nil {
		return OutcomeDeferred, fmt.Errorf("check balance: %w", err)
	}
	if balance.Cmp(current.AmountIn) < 0 {
		d.setLastError(ctx, log, current.ID, "insufficient balance")
		return OutcomeDeferred, ErrInsufficientBalance
	}

	calldata, err := d.manager.PackExecute(current)
	if err != nil {
		d.setLastError(ctx, log, current.ID, err.Error())
		return OutcomeDeferred, fmt.Errorf("pack execute: %w", err)
	}

	receipt, err := d.relayer.Submit(ctx, d.manager.Address(), calldata)
	if err != nil {
		return d.classifySubmitError(ctx, log, current.ID, err)
	}

	if receipt.Status != evm.ReceiptStatusSuccess {
		d.setLastError(ctx, log, current.ID, "transaction reverted")
		log.Warn("execute transaction reverted", zap.String("tx_hash", receipt.TxHash.Hex()))
		return OutcomeDeferred, nil
	}

	d.transition(ctx, log, current.ID, domain.OrderStatusExecuted)
	log.Info("order executed", zap.String("tx_hash", receipt.TxHash.Hex()))
	return OutcomeExecuted, nil
}

// classifySubmitError maps a failed submission onto an order outcome.
// Only a revert reason decoded from the node's error payload is treated
// as the contract speaking; transport and relayer failures stay
// deferred so a live order is never terminated by a flaky RPC.
func (d *Dispatcher) classifySubmitError(ctx context.Context, log *zap.Logger, orderID string, err error) (Outcome, error) {
	if reason := evm.RevertReason(err); reason != "" {
		lower := strings.ToLower(reason)
		switch {
		case strings.Contains(lower, "expired") || strings.Contains(lower, "deadline"):
			d.transition(ctx, log, orderID, domain.OrderStatusExpired)
			log.Info("order expired on-chain", zap.String("reason", reason))
			return OutcomeExpired, nil

		case strings.Contains(lower, "nonce used"):
			d.transition(ctx, log, orderID, domain.OrderStatusExecuted)
			log.Info("nonce consumed by another submission", zap.String("reason", reason))
			return OutcomeExecuted, nil
		}

		d.setLastError(ctx, log, orderID, reason)
		log.Warn("execute reverted", zap.String("reason", reason))
		return OutcomeDeferred, nil
	}

	if errors.Is(err, relayer.ErrReceiptTimeout) {
		observability.RecordReceiptTimeout()
		d.setLastError(ctx, log, orderID, err.Error())
		log.Warn("receipt wait timed out, order stays pending")
		return OutcomeDeferred, nil
	}

	d.setLastError(ctx, log, orderID, err.Error())
	log.Warn("order submission failed", zap.Error(err))
	return OutcomeDeferred, err
}

func (d *Dispatcher) acquire(orderID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[orderID]; busy {
		return false
	}
	d.inflight[orderID] = struct{}{}
	return true
}

func (d *Dispatcher) release(orderID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, orderID)
}

func (d *Dispatcher) transition(ctx context.Context, log *zap.Logger, orderID string, next domain.OrderStatus) {
	if err := d.orders.Transition(ctx, orderID, next); err != nil {
		log.Warn("status transition failed",
			zap.String("next", string(next)), zap.Error(err))
	}
}

func (d *Dispatcher) setLastError(ctx context.Context, log *zap.Logger, orderID, msg string) {
	if err := d.orders.SetLastError(ctx, orderID, msg); err != nil {
		log.Warn("record last error failed", zap.Error(err))
	}
}

// ManagerAddress exposes the manager contract address for callers that
// build approval guidance messages.
func (d *Dispatcher) ManagerAddress() common.Address {
	return d.manager.Address()
}
