package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// OrderStatus is the lifecycle state of a limit order.
// Transitions are one-way: pending -> executed | canceled | expired.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusExecuted OrderStatus = "executed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusExpired  OrderStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusExecuted || s == OrderStatusCanceled || s == OrderStatusExpired
}

// Valid reports whether s is a known status value.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusExecuted, OrderStatusCanceled, OrderStatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status lattice allows s -> next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return s == OrderStatusPending && next.Terminal()
}

// OrderType is the trader-facing side of an order. The matching rule is
// driven by LimitPriceE18 direction: buy fills at rate <= limit, sell at
// rate >= limit.
type OrderType string

const (
	OrderTypeBuy  OrderType = "buy"
	OrderTypeSell OrderType = "sell"
)

// BpsDenominator is the divisor for slippage expressed in basis points.
const BpsDenominator = 10000

// E18 is the fixed-point scale used for pool rates and limit prices.
var E18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Order is a signed off-chain intent to swap AmountIn of TokenIn for at
// least AmountOutMin of TokenOut, valid until Deadline, unique per
// (Trader, Nonce). Corresponds to the orders table in PostgreSQL.
type Order struct {
	ID            string         `json:"id"`
	Trader        common.Address `json:"trader"`
	TokenIn       common.Address `json:"tokenIn"`
	TokenOut      common.Address `json:"tokenOut"`
	AmountIn      *big.Int       `json:"amountIn"`
	AmountOutMin  *big.Int       `json:"amountOutMin"`
	LimitPriceE18 *big.Int       `json:"limitPriceE18"` // tokenOut per tokenIn, scaled by 1e18
	SlippageBps   int            `json:"slippageBps"`
	Deadline      int64          `json:"deadline"` // Unix seconds
	Nonce         uint64         `json:"nonce"`    // per-trader replay protection, consumed on-chain
	Signature     hexutil.Bytes  `json:"signature"`
	Status        OrderStatus    `json:"status"`
	OrderType     OrderType      `json:"orderType"`
	CreatedAt     time.Time      `json:"createdAt"`

	// Display-only denominations captured at creation; never used for
	// execution decisions.
	LimitPriceNative string `json:"limitPriceNative,omitempty"`
	LimitPriceUSD    string `json:"limitPriceUSD,omitempty"`

	// LastError annotates the most recent transient submission failure.
	// Informational only; cleared on successful execution.
	LastError string `json:"lastError,omitempty"`
}

// PairKey returns a canonical key for the order's token pair, independent
// of direction, so buy and sell orders on the same pool group together.
func (o *Order) PairKey() string {
	return PairKeyFor(o.TokenIn, o.TokenOut)
}

// PairKeyFor builds the canonical pair key for two token addresses.
func PairKeyFor(a, b common.Address) string {
	x, y := strings.ToLower(a.Hex()), strings.ToLower(b.Hex())
	if x > y {
		x, y = y, x
	}
	return x + ":" + y
}

// Expired reports whether the order's deadline has passed at the given time.
func (o *Order) Expired(now time.Time) bool {
	return now.Unix() > o.Deadline
}

// Validate checks the order's structural invariants. It does not verify
// the signature; see evm.VerifyOrderSignature.
func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order id is empty")
	}
	if o.Trader == (common.Address{}) {
		return fmt.Errorf("trader address is zero")
	}
	if o.TokenIn == (common.Address{}) || o.TokenOut == (common.Address{}) {
		return fmt.Errorf("token address is zero")
	}
	if o.TokenIn == o.TokenOut {
		return fmt.Errorf("tokenIn equals tokenOut")
	}
	if o.AmountIn == nil || o.AmountIn.Sign() < 0 {
		return fmt.Errorf("amountIn must be a non-negative integer")
	}
	if o.AmountOutMin == nil || o.AmountOutMin.Sign() < 0 {
		return fmt.Errorf("amountOutMin must be a non-negative integer")
	}
	if o.LimitPriceE18 == nil || o.LimitPriceE18.Sign() < 0 {
		return fmt.Errorf("limitPriceE18 must be a non-negative integer")
	}
	if o.SlippageBps < 0 || o.SlippageBps > BpsDenominator {
		return fmt.Errorf("slippageBps %d out of range [0, %d]", o.SlippageBps, BpsDenominator)
	}
	if o.Deadline <= 0 {
		return fmt.Errorf("deadline must be positive")
	}
	if !o.Status.Valid() {
		return fmt.Errorf("unknown status %q", o.Status)
	}
	if o.OrderType != OrderTypeBuy && o.OrderType != OrderTypeSell {
		return fmt.Errorf("unknown order type %q", o.OrderType)
	}
	if max := o.MaxAmountOutMin(); o.AmountOutMin.Cmp(max) > 0 {
		return fmt.Errorf("amountOutMin %s exceeds theoretical output %s at limit price after slippage",
			o.AmountOutMin, max)
	}
	return nil
}

// MaxAmountOutMin returns the theoretical output at the limit price after
// the slippage discount: amountIn * limitPriceE18 / 1e18 * (10000-bps)/10000.
func (o *Order) MaxAmountOutMin() *big.Int {
	out := new(big.Int).Mul(o.AmountIn, o.LimitPriceE18)
	out.Div(out, E18)
	out.Mul(out, big.NewInt(int64(BpsDenominator-o.SlippageBps)))
	out.Div(out, big.NewInt(BpsDenominator))
	return out
}

// Clone returns a deep copy; big.Int fields are never shared.
func (o *Order) Clone() *Order {
	cp := *o
	if o.AmountIn != nil {
		cp.AmountIn = new(big.Int).Set(o.AmountIn)
	}
	if o.AmountOutMin != nil {
		cp.AmountOutMin = new(big.Int).Set(o.AmountOutMin)
	}
	if o.LimitPriceE18 != nil {
		cp.LimitPriceE18 = new(big.Int).Set(o.LimitPriceE18)
	}
	if o.Signature != nil {
		cp.Signature = append(hexutil.Bytes(nil), o.Signature...)
	}
	return &cp
}
