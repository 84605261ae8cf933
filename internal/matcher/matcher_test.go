package matcher

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/storage/memory"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), domain.E18)
}

func newOrder(id string, typ domain.OrderType, limit *big.Int, deadline int64, nonce uint64) *domain.Order {
	return &domain.Order{
		ID:            id,
		Trader:        common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		TokenIn:       tokenA,
		TokenOut:      tokenB,
		AmountIn:      e18(10),
		AmountOutMin:  big.NewInt(0),
		LimitPriceE18: limit,
		SlippageBps:   50,
		Deadline:      deadline,
		Nonce:         nonce,
		Status:        domain.OrderStatusPending,
		OrderType:     typ,
		CreatedAt:     time.Now(),
	}
}

func mustCreate(t *testing.T, store *memory.OrderStore, orders ...*domain.Order) {
	t.Helper()
	for _, o := range orders {
		if err := store.Create(context.Background(), o); err != nil {
			t.Fatalf("create %s: %v", o.ID, err)
		}
	}
}

func TestMatcher_BuySellComparison(t *testing.T) {
	now := time.Now()
	deadline := now.Add(time.Hour).Unix()

	tests := []struct {
		name     string
		typ      domain.OrderType
		limit    *big.Int
		rate     *big.Int
		eligible bool
	}{
		{"buy below limit fills", domain.OrderTypeBuy, e18(2), e18(1), true},
		{"buy at limit fills", domain.OrderTypeBuy, e18(2), e18(2), true},
		{"buy above limit holds", domain.OrderTypeBuy, e18(2), e18(3), false},
		{"sell above limit fills", domain.OrderTypeSell, e18(2), e18(3), true},
		{"sell at limit fills", domain.OrderTypeSell, e18(2), e18(2), true},
		{"sell below limit holds", domain.OrderTypeSell, e18(2), e18(1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewOrderStore()
			order := newOrder("o1", tt.typ, tt.limit, deadline, 1)
			mustCreate(t, store, order)

			m := New(store, zap.NewNop())
			got, err := m.Evaluate(context.Background(), tokenA, tokenB, tt.rate, now)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}

			if tt.eligible && len(got) != 1 {
				t.Errorf("expected 1 eligible order, got %d", len(got))
			}
			if !tt.eligible && len(got) != 0 {
				t.Errorf("expected no eligible orders, got %d", len(got))
			}
		})
	}
}

// A rate move further past the limit never makes an eligible order
// ineligible.
func TestMatcher_Monotonicity(t *testing.T) {
	now := time.Now()
	deadline := now.Add(time.Hour).Unix()
	store := memory.NewOrderStore()
	order := newOrder("buy1", domain.OrderTypeBuy, e18(5), deadline, 1)
	mustCreate(t, store, order)

	m := New(store, zap.NewNop())

	wasEligible := false
	for rate := int64(6); rate >= 1; rate-- {
		got, err := m.Evaluate(context.Background(), tokenA, tokenB, e18(rate), now)
		if err != nil {
			t.Fatalf("Evaluate at rate %d: %v", rate, err)
		}
		eligible := len(got) == 1
		if wasEligible && !eligible {
			t.Errorf("order became ineligible as rate dropped to %d", rate)
		}
		wasEligible = eligible
	}
	if !wasEligible {
		t.Error("order never became eligible")
	}
}

func TestMatcher_DeadlinePrecedence(t *testing.T) {
	now := time.Now()
	store := memory.NewOrderStore()
	late := newOrder("late", domain.OrderTypeBuy, e18(2), now.Add(3*time.Hour).Unix(), 1)
	early := newOrder("early", domain.OrderTypeBuy, e18(2), now.Add(1*time.Hour).Unix(), 2)
	mid := newOrder("mid", domain.OrderTypeBuy, e18(2), now.Add(2*time.Hour).Unix(), 3)
	mustCreate(t, store, late, early, mid)

	m := New(store, zap.NewNop())
	got, err := m.Evaluate(context.Background(), tokenA, tokenB, e18(1), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 eligible orders, got %d", len(got))
	}
	for i, want := range []string{"early", "mid", "late"} {
		if got[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, got[i].ID)
		}
	}
}

func TestMatcher_ExpiresPastDeadline(t *testing.T) {
	now := time.Now()
	store := memory.NewOrderStore()
	expired := newOrder("expired", domain.OrderTypeBuy, e18(2), now.Add(-time.Minute).Unix(), 1)
	live := newOrder("live", domain.OrderTypeBuy, e18(2), now.Add(time.Hour).Unix(), 2)
	mustCreate(t, store, expired, live)

	m := New(store, zap.NewNop())
	got, err := m.Evaluate(context.Background(), tokenA, tokenB, e18(1), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if len(got) != 1 || got[0].ID != "live" {
		t.Fatalf("expected only the live order, got %d", len(got))
	}

	stored, err := store.Get(context.Background(), "expired")
	if err != nil {
		t.Fatalf("Get expired: %v", err)
	}
	if stored.Status != domain.OrderStatusExpired {
		t.Errorf("expected expired status, got %s", stored.Status)
	}
}

// An order trading the opposite direction of the pair is never matched
// against this direction's rate.
func TestMatcher_IgnoresOppositeDirection(t *testing.T) {
	now := time.Now()
	store := memory.NewOrderStore()
	reversed := newOrder("rev", domain.OrderTypeBuy, e18(2), now.Add(time.Hour).Unix(), 1)
	reversed.TokenIn, reversed.TokenOut = tokenB, tokenA
	mustCreate(t, store, reversed)

	m := New(store, zap.NewNop())
	got, err := m.Evaluate(context.Background(), tokenA, tokenB, e18(1), now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no eligible orders, got %d", len(got))
	}
}

func TestMatcher_RejectsNonPositiveRate(t *testing.T) {
	m := New(memory.NewOrderStore(), zap.NewNop())
	if _, err := m.Evaluate(context.Background(), tokenA, tokenB, big.NewInt(0), time.Now()); err == nil {
		t.Error("expected error for zero rate")
	}
	if _, err := m.Evaluate(context.Background(), tokenA, tokenB, nil, time.Now()); err == nil {
		t.Error("expected error for nil rate")
	}
}
