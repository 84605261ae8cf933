package engine

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"limit-order-keeper/internal/dispatch"
	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/evm"
	"limit-order-keeper/internal/evm/stub"
	"limit-order-keeper/internal/matcher"
	"limit-order-keeper/internal/notify"
	"limit-order-keeper/internal/pool"
	"limit-order-keeper/internal/relayer"
	"limit-order-keeper/internal/storage/memory"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	factoryAddr = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	pairAddr    = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	tokenA      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	trader      = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func sel(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func addrWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), domain.E18)
}

// fullStub serves a one-pool chain: pair resolution, reserves giving a
// 1:2 rate, consumable nonce and ample allowance.
func fullStub() *stub.ChainClient {
	client := stub.NewChainClient()
	client.SetBlock(500)
	client.CallFn = func(msg evm.CallMsg) ([]byte, error) {
		s := msg.Data[:4]
		switch {
		case bytes.Equal(s, sel("getPair(address,address)")):
			return addrWord(pairAddr), nil
		case bytes.Equal(s, sel("token0()")):
			return addrWord(tokenA), nil
		case bytes.Equal(s, sel("token1()")):
			return addrWord(tokenB), nil
		case bytes.Equal(s, sel("getReserves()")):
			out := append(word(e18(1000)), word(e18(2000))...)
			return append(out, word(big.NewInt(0))...), nil
		case bytes.Equal(s, sel("decimals()")):
			return word(big.NewInt(18)), nil
		case bytes.Equal(s, sel("nonceUsed(address,uint256)")):
			return word(big.NewInt(0)), nil
		case bytes.Equal(s, sel("allowance(address,address)")):
			return word(e18(1_000_000)), nil
		case bytes.Equal(s, sel("balanceOf(address)")):
			return word(e18(1_000_000)), nil
		}
		return nil, errors.New("unexpected call")
	}
	return client
}

// recordingNotifier captures notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newEngine(t *testing.T, client *stub.ChainClient, orders *memory.OrderStore, n notify.Notifier) *Engine {
	t.Helper()
	logger := zap.NewNop()
	rel, err := relayer.New(testKey, client, logger,
		relayer.WithReceiptInterval(time.Millisecond),
		relayer.WithReceiptTimeout(time.Second))
	if err != nil {
		t.Fatalf("relayer: %v", err)
	}
	reader := pool.NewReader(factoryAddr, client, logger)
	manager := evm.NewOrderManager(managerAddr, client)
	return New(Options{
		Orders:     orders,
		Rates:      memory.NewRateSampleStore(),
		PoolReader: reader,
		Matcher:    matcher.New(orders, logger),
		Dispatcher: dispatch.New(orders, manager, client, rel, logger),
		Notifier:   n,
		Logger:     logger,
	})
}

func TestEngine_SweepExecutesEligibleOrder(t *testing.T) {
	client := fullStub()
	orders := memory.NewOrderStore()
	// Rate is 2e18; a buy with limit 3e18 is eligible.
	order := &domain.Order{
		ID:            "o1",
		Trader:        trader,
		TokenIn:       tokenA,
		TokenOut:      tokenB,
		AmountIn:      e18(10),
		AmountOutMin:  big.NewInt(0),
		LimitPriceE18: e18(3),
		SlippageBps:   50,
		Deadline:      time.Now().Add(time.Hour).Unix(),
		Nonce:         1,
		Signature:     make([]byte, 65),
		Status:        domain.OrderStatusPending,
		OrderType:     domain.OrderTypeBuy,
		CreatedAt:     time.Now(),
	}
	if err := orders.Create(context.Background(), order); err != nil {
		t.Fatalf("create: %v", err)
	}

	notifier := &recordingNotifier{}
	e := newEngine(t, client, orders, notifier)

	e.sweep(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		stored, err := orders.Get(context.Background(), "o1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Status == domain.OrderStatusExecuted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("order never executed, status %s", stored.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	for i := 0; i < 100 && notifier.count() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if notifier.count() != 1 {
		t.Errorf("expected 1 notification, got %d", notifier.count())
	}
	if len(client.SentRaw) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(client.SentRaw))
	}
}

func TestEngine_SweepHoldsIneligibleOrder(t *testing.T) {
	client := fullStub()
	orders := memory.NewOrderStore()
	// Rate is 2e18; a buy with limit 1e18 must not fill.
	order := &domain.Order{
		ID:            "o1",
		Trader:        trader,
		TokenIn:       tokenA,
		TokenOut:      tokenB,
		AmountIn:      e18(10),
		AmountOutMin:  big.NewInt(0),
		LimitPriceE18: e18(1),
		SlippageBps:   50,
		Deadline:      time.Now().Add(time.Hour).Unix(),
		Nonce:         1,
		Signature:     make([]byte, 65),
		Status:        domain.OrderStatusPending,
		OrderType:     domain.OrderTypeBuy,
		CreatedAt:     time.Now(),
	}
	if err := orders.Create(context.Background(), order); err != nil {
		t.Fatalf("create: %v", err)
	}

	e := newEngine(t, client, orders, notify.Noop{})
	e.sweep(context.Background())
	e.evaluate(context.Background(), direction{TokenIn: tokenA, TokenOut: tokenB}, "sweep")

	stored, _ := orders.Get(context.Background(), "o1")
	if stored.Status != domain.OrderStatusPending {
		t.Errorf("expected pending, got %s", stored.Status)
	}
	if len(client.SentRaw) != 0 {
		t.Errorf("expected no transactions, got %d", len(client.SentRaw))
	}
}

func TestEngine_RecordsRateSamples(t *testing.T) {
	client := fullStub()
	orders := memory.NewOrderStore()
	rates := memory.NewRateSampleStore()
	logger := zap.NewNop()
	rel, err := relayer.New(testKey, client, logger)
	if err != nil {
		t.Fatalf("relayer: %v", err)
	}
	e := New(Options{
		Orders:     orders,
		Rates:      rates,
		PoolReader: pool.NewReader(factoryAddr, client, logger),
		Matcher:    matcher.New(orders, logger),
		Dispatcher: dispatch.New(orders, evm.NewOrderManager(managerAddr, client), client, rel, logger),
		Logger:     logger,
	})

	e.evaluate(context.Background(), direction{TokenIn: tokenA, TokenOut: tokenB}, "sweep")

	samples, err := rates.ListByPair(context.Background(), domain.PairKeyFor(tokenA, tokenB), 10)
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if samples[0].RateE18 != e18(2).String() {
		t.Errorf("expected rate %s, got %s", e18(2), samples[0].RateE18)
	}
}
