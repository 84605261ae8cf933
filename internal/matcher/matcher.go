// Package matcher decides which pending orders are eligible for
// execution at an observed pool rate.
package matcher

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/observability"
	"limit-order-keeper/internal/storage"
)

// Matcher evaluates pending orders against observed rates. It owns the
// expiry side effect: orders past deadline are transitioned before any
// eligibility decision is made.
type Matcher struct {
	orders storage.OrderStore
	logger *zap.Logger
}

// New creates a matcher over the given order store.
func New(orders storage.OrderStore, logger *zap.Logger) *Matcher {
	return &Matcher{orders: orders, logger: logger}
}

// Evaluate returns the orders trading tokenIn for tokenOut that are
// eligible at rateE18, ordered by ascending deadline. rateE18 is the
// price of tokenIn denominated in tokenOut, so orders on the opposite
// direction of the pair are left alone. Expired orders on either
// direction are marked expired and excluded. A failure on one order
// never blocks evaluation of the rest.
func (m *Matcher) Evaluate(ctx context.Context, tokenIn, tokenOut common.Address, rateE18 *big.Int, now time.Time) ([]*domain.Order, error) {
	pairKey := domain.PairKeyFor(tokenIn, tokenOut)
	if rateE18 == nil || rateE18.Sign() <= 0 {
		return nil, fmt.Errorf("matcher: non-positive rate for %s", pairKey)
	}

	pending, err := m.orders.ListPending(ctx, pairKey)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}

	var eligible []*domain.Order
	for _, order := range pending {
		if order.Status != domain.OrderStatusPending {
			continue
		}

		if order.Expired(now) {
			if err := m.orders.Transition(ctx, order.ID, domain.OrderStatusExpired); err != nil {
				m.logger.Warn("expire transition failed",
					zap.String("order_id", order.ID), zap.Error(err))
			} else {
				observability.RecordOrderExpired()
			}
			continue
		}

		if order.TokenIn != tokenIn || order.TokenOut != tokenOut {
			continue
		}

		if Eligible(order, rateE18) {
			eligible = append(eligible, order)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Deadline < eligible[j].Deadline
	})

	return eligible, nil
}

// Eligible reports whether the order's limit condition holds at rateE18.
// A buy fills when the market rate is at or below the limit; a sell when
// it is at or above.
func Eligible(order *domain.Order, rateE18 *big.Int) bool {
	cmp := rateE18.Cmp(order.LimitPriceE18)
	switch order.OrderType {
	case domain.OrderTypeBuy:
		return cmp <= 0
	case domain.OrderTypeSell:
		return cmp >= 0
	default:
		return false
	}
}
