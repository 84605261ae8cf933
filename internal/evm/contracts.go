package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"limit-order-keeper/internal/domain"
)

// SwapEventTopic is the Uniswap V2 style Swap event emitted by pair
// contracts.
var SwapEventTopic = common.HexToHash("0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822")

const factoryABIJSON = `[
	{"type":"function","name":"getPair","stateMutability":"view",
	 "inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],
	 "outputs":[{"name":"pair","type":"address"}]}
]`

const pairABIJSON = `[
	{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]},
	{"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"token1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const managerABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable",
	 "inputs":[
	   {"name":"order","type":"tuple","components":[
	     {"name":"trader","type":"address"},
	     {"name":"tokenIn","type":"address"},
	     {"name":"tokenOut","type":"address"},
	     {"name":"amountIn","type":"uint256"},
	     {"name":"amountOutMin","type":"uint256"},
	     {"name":"limitPriceE18","type":"uint256"},
	     {"name":"slippageBps","type":"uint256"},
	     {"name":"deadline","type":"uint256"},
	     {"name":"nonce","type":"uint256"}]},
	   {"name":"sig","type":"bytes"}],
	 "outputs":[{"name":"amountOut","type":"uint256"}]},
	{"type":"function","name":"nonceUsed","stateMutability":"view",
	 "inputs":[{"name":"","type":"address"},{"name":"","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

var (
	factoryABI = mustParseABI(factoryABIJSON)
	pairABI    = mustParseABI(pairABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)
	managerABI = mustParseABI(managerABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse ABI: %v", err))
	}
	return parsed
}

// Factory wraps the pair factory contract.
type Factory struct {
	addr   common.Address
	client ChainClient
}

// NewFactory creates a factory binding.
func NewFactory(addr common.Address, client ChainClient) *Factory {
	return &Factory{addr: addr, client: client}
}

// GetPair returns the pair address for two tokens, or the zero address if
// no pair exists.
func (f *Factory) GetPair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	data, err := factoryABI.Pack("getPair", tokenA, tokenB)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack getPair: %w", err)
	}
	out, err := f.client.CallContract(ctx, CallMsg{To: f.addr, Data: data})
	if err != nil {
		return common.Address{}, fmt.Errorf("call getPair: %w", err)
	}
	var pair common.Address
	if err := factoryABI.UnpackIntoInterface(&pair, "getPair", out); err != nil {
		return common.Address{}, fmt.Errorf("unpack getPair: %w", err)
	}
	return pair, nil
}

// Pair wraps a liquidity pool contract.
type Pair struct {
	addr   common.Address
	client ChainClient
}

// NewPair creates a pair binding.
func NewPair(addr common.Address, client ChainClient) *Pair {
	return &Pair{addr: addr, client: client}
}

// Address returns the pair contract address.
func (p *Pair) Address() common.Address { return p.addr }

// Token0 returns the pair's first token address.
func (p *Pair) Token0(ctx context.Context) (common.Address, error) {
	return p.addressCall(ctx, "token0")
}

// Token1 returns the pair's second token address.
func (p *Pair) Token1(ctx context.Context) (common.Address, error) {
	return p.addressCall(ctx, "token1")
}

func (p *Pair) addressCall(ctx context.Context, method string) (common.Address, error) {
	data, err := pairABI.Pack(method)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := p.client.CallContract(ctx, CallMsg{To: p.addr, Data: data})
	if err != nil {
		return common.Address{}, fmt.Errorf("call %s: %w", method, err)
	}
	var addr common.Address
	if err := pairABI.UnpackIntoInterface(&addr, method, out); err != nil {
		return common.Address{}, fmt.Errorf("unpack %s: %w", method, err)
	}
	return addr, nil
}

// GetReserves returns the pool's current reserves.
func (p *Pair) GetReserves(ctx context.Context) (reserve0, reserve1 *big.Int, err error) {
	data, err := pairABI.Pack("getReserves")
	if err != nil {
		return nil, nil, fmt.Errorf("pack getReserves: %w", err)
	}
	out, err := p.client.CallContract(ctx, CallMsg{To: p.addr, Data: data})
	if err != nil {
		return nil, nil, fmt.Errorf("call getReserves: %w", err)
	}
	values, err := pairABI.Unpack("getReserves", out)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack getReserves: %w", err)
	}
	if len(values) != 3 {
		return nil, nil, fmt.Errorf("getReserves returned %d values", len(values))
	}
	reserve0, ok0 := values[0].(*big.Int)
	reserve1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("getReserves returned unexpected types")
	}
	return reserve0, reserve1, nil
}

// ERC20 wraps a token contract.
type ERC20 struct {
	addr   common.Address
	client ChainClient
}

// NewERC20 creates a token binding.
func NewERC20(addr common.Address, client ChainClient) *ERC20 {
	return &ERC20{addr: addr, client: client}
}

// Decimals returns the token's decimal count.
func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	out, err := t.client.CallContract(ctx, CallMsg{To: t.addr, Data: data})
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	var dec uint8
	if err := erc20ABI.UnpackIntoInterface(&dec, "decimals", out); err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	return dec, nil
}

// Allowance returns the amount the owner has approved for the spender.
func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}
	out, err := t.client.CallContract(ctx, CallMsg{To: t.addr, Data: data})
	if err != nil {
		return nil, fmt.Errorf("call allowance: %w", err)
	}
	var amount *big.Int
	if err := erc20ABI.UnpackIntoInterface(&amount, "allowance", out); err != nil {
		return nil, fmt.Errorf("unpack allowance: %w", err)
	}
	return amount, nil
}

// BalanceOf returns the owner's token balance.
func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := t.client.CallContract(ctx, CallMsg{To: t.addr, Data: data})
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	var amount *big.Int
	if err := erc20ABI.UnpackIntoInterface(&amount, "balanceOf", out); err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return amount, nil
}

// executeOrderArg mirrors the manager's order tuple layout for ABI packing.
type executeOrderArg struct {
	Trader        common.Address
	TokenIn       common.Address
	TokenOut      common.Address
	AmountIn      *big.Int
	AmountOutMin  *big.Int
	LimitPriceE18 *big.Int
	SlippageBps   *big.Int
	Deadline      *big.Int
	Nonce         *big.Int
}

// OrderManager wraps the on-chain limit order execution contract.
type OrderManager struct {
	addr   common.Address
	client ChainClient
}

// NewOrderManager creates an order manager binding.
func NewOrderManager(addr common.Address, client ChainClient) *OrderManager {
	return &OrderManager{addr: addr, client: client}
}

// Address returns the manager contract address.
func (m *OrderManager) Address() common.Address { return m.addr }

// NonceUsed reports whether the trader's order nonce has been consumed.
func (m *OrderManager) NonceUsed(ctx context.Context, trader common.Address, nonce uint64) (bool, error) {
	data, err := managerABI.Pack("nonceUsed", trader, new(big.Int).SetUint64(nonce))
	if err != nil {
		return false, fmt.Errorf("pack nonceUsed: %w", err)
	}
	out, err := m.client.CallContract(ctx, CallMsg{To: m.addr, Data: data})
	if err != nil {
		return false, fmt.Errorf("call nonceUsed: %w", err)
	}
	var used bool
	if err := managerABI.UnpackIntoInterface(&used, "nonceUsed", out); err != nil {
		return false, fmt.Errorf("unpack nonceUsed: %w", err)
	}
	return used, nil
}

// PackExecute encodes the execute calldata for a signed order.
func (m *OrderManager) PackExecute(order *domain.Order) ([]byte, error) {
	arg := executeOrderArg{
		Trader:        order.Trader,
		TokenIn:       order.TokenIn,
		TokenOut:      order.TokenOut,
		AmountIn:      order.AmountIn,
		AmountOutMin:  order.AmountOutMin,
		LimitPriceE18: order.LimitPriceE18,
		SlippageBps:   big.NewInt(int64(order.SlippageBps)),
		Deadline:      big.NewInt(order.Deadline),
		Nonce:         new(big.Int).SetUint64(order.Nonce),
	}
	data, err := managerABI.Pack("execute", arg, []byte(order.Signature))
	if err != nil {
		return nil, fmt.Errorf("pack execute: %w", err)
	}
	return data, nil
}

// errorSelector is the 4-byte selector of Error(string).
var errorSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0}

// RevertReason extracts a human-readable revert reason from an RPC error,
// decoding the standard Error(string) payload when present. Returns the
// RPC error message when no reason can be decoded, and "" for nil or
// non-RPC errors.
func RevertReason(err error) string {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return ""
	}

	if len(rpcErr.Data) > 0 {
		var hexData string
		if json.Unmarshal(rpcErr.Data, &hexData) == nil {
			if raw, decodeErr := hexutil.Decode(hexData); decodeErr == nil && len(raw) >= 4 {
				if [4]byte(raw[:4]) == errorSelector {
					if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
						return reason
					}
				}
			}
		}
	}

	return rpcErr.Message
}
