package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"limit-order-keeper/internal/domain"
)

// OrderStore provides durable access to limit orders. Orders are never
// deleted; terminal states are reached only through Transition.
type OrderStore interface {
	// Create adds a new order in pending state. Returns ErrDuplicateNonce
	// if (trader, nonce) already exists.
	Create(ctx context.Context, o *domain.Order) error

	// Get retrieves an order by id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, id string) (*domain.Order, error)

	// ListPending returns pending orders, ordered by deadline ASC.
	// A non-empty pairKey restricts results to that token pair.
	ListPending(ctx context.Context, pairKey string) ([]*domain.Order, error)

	// ListByTrader returns all orders for a trader, newest first.
	ListByTrader(ctx context.Context, trader common.Address) ([]*domain.Order, error)

	// Transition atomically moves an order from pending to the given
	// terminal status. Returns ErrNotFound if the id does not exist and
	// ErrInvalidTransition if the order is not pending or the target is
	// not terminal. Concurrent transitions on one id serialize; exactly
	// one wins.
	Transition(ctx context.Context, id string, next domain.OrderStatus) error

	// SetLastError annotates the order with its most recent submission
	// failure. Informational; does not affect status.
	SetLastError(ctx context.Context, id, msg string) error
}

// ScanProgressStore persists the per-pool block watermark so the polling
// scanner resumes without gaps or reprocessing after restarts.
type ScanProgressStore interface {
	// LastCheckedBlock returns the watermark for a pool address.
	// Returns ErrNotFound if no progress has been saved yet.
	LastCheckedBlock(ctx context.Context, pool string) (uint64, error)

	// SetLastCheckedBlock advances the watermark for a pool address.
	SetLastCheckedBlock(ctx context.Context, pool string, block uint64) error
}

// RateSampleStore records observed pool rates, append-only, for the
// analytics surface. Best-effort: engine correctness never depends on it.
type RateSampleStore interface {
	// Insert appends one observation.
	Insert(ctx context.Context, s *domain.RateSample) error

	// ListByPair returns up to limit samples for a pair key, newest first.
	ListByPair(ctx context.Context, pair string, limit int) ([]*domain.RateSample, error)
}
