package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/storage"
)

// OrderStore is an in-memory implementation of storage.OrderStore.
// Suitable for tests and the --use-memory mode; orders do not survive
// restarts, so production runs use the Postgres store.
type OrderStore struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Order
	nonces map[string]string // trader:nonce -> order id
}

// NewOrderStore creates a new in-memory order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		byID:   make(map[string]*domain.Order),
		nonces: make(map[string]string),
	}
}

// Compile-time interface check.
var _ storage.OrderStore = (*OrderStore)(nil)

func nonceKey(trader common.Address, nonce uint64) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(trader.Hex()), nonce)
}

// Create adds a new order. Returns ErrDuplicateNonce if (trader, nonce) exists.
func (s *OrderStore) Create(_ context.Context, o *domain.Order) error {
	if o == nil || o.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := nonceKey(o.Trader, o.Nonce)
	if _, exists := s.nonces[key]; exists {
		return storage.ErrDuplicateNonce
	}
	if _, exists := s.byID[o.ID]; exists {
		return storage.ErrDuplicateNonce
	}

	s.byID[o.ID] = o.Clone()
	s.nonces[key] = o.ID
	return nil
}

// Get retrieves an order by id. Returns ErrNotFound if not exists.
func (s *OrderStore) Get(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, exists := s.byID[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return o.Clone(), nil
}

// ListPending returns pending orders ordered by deadline ASC, optionally
// filtered by pair key.
func (s *OrderStore) ListPending(_ context.Context, pairKey string) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Order
	for _, o := range s.byID {
		if o.Status != domain.OrderStatusPending {
			continue
		}
		if pairKey != "" && o.PairKey() != pairKey {
			continue
		}
		result = append(result, o.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Deadline != result[j].Deadline {
			return result[i].Deadline < result[j].Deadline
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// ListByTrader returns all orders for a trader, newest first.
func (s *OrderStore) ListByTrader(_ context.Context, trader common.Address) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Order
	for _, o := range s.byID {
		if o.Trader == trader {
			result = append(result, o.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// Transition atomically moves an order from pending to a terminal status.
func (s *OrderStore) Transition(_ context.Context, id string, next domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, exists := s.byID[id]
	if !exists {
		return storage.ErrNotFound
	}
	if !o.Status.CanTransitionTo(next) {
		return storage.ErrInvalidTransition
	}

	o.Status = next
	if next == domain.OrderStatusExecuted {
		o.LastError = ""
	}
	return nil
}

// SetLastError annotates the order's most recent submission failure.
func (s *OrderStore) SetLastError(_ context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, exists := s.byID[id]
	if !exists {
		return storage.ErrNotFound
	}
	o.LastError = msg
	return nil
}
