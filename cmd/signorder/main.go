// Package main signs a limit order with a trader key and prints the JSON
// body for POST /api/limit-orders. Intended for testnet smoke testing.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/evm"
)

func main() {
	keyHex := flag.String("key", os.Getenv("TRADER_PRIVATE_KEY"), "Trader private key (hex)")
	chainID := flag.Int64("chain-id", 50312, "Chain id for the EIP-712 domain")
	manager := flag.String("manager", os.Getenv("MANAGER_ADDRESS"), "LimitOrderManager contract address")
	tokenIn := flag.String("token-in", "", "Token to sell (address)")
	tokenOut := flag.String("token-out", "", "Token to buy (address)")
	amountIn := flag.String("amount-in", "", "Amount of token-in (base units, decimal)")
	amountOutMin := flag.String("amount-out-min", "0", "Minimum acceptable output (base units, decimal)")
	limitPrice := flag.String("limit-price-e18", "", "Limit price in token-out per token-in, scaled by 1e18")
	slippageBps := flag.Int("slippage-bps", 50, "Slippage tolerance in basis points")
	validFor := flag.Duration("valid-for", 24*time.Hour, "Time until the order expires")
	nonce := flag.Uint64("nonce", 0, "Per-trader nonce (must be unused on-chain)")
	orderType := flag.String("type", "buy", "Order type: buy or sell")

	flag.Parse()

	if err := run(*keyHex, *chainID, *manager, *tokenIn, *tokenOut, *amountIn,
		*amountOutMin, *limitPrice, *slippageBps, *validFor, *nonce, *orderType); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(keyHex string, chainID int64, manager, tokenIn, tokenOut, amountIn,
	amountOutMin, limitPrice string, slippageBps int, validFor time.Duration,
	nonce uint64, orderType string) error {

	if keyHex == "" {
		return fmt.Errorf("--key is required")
	}
	if !common.IsHexAddress(manager) {
		return fmt.Errorf("--manager must be a hex address")
	}
	if !common.IsHexAddress(tokenIn) || !common.IsHexAddress(tokenOut) {
		return fmt.Errorf("--token-in and --token-out must be hex addresses")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	trader := crypto.PubkeyToAddress(key.PublicKey)

	parse := func(name, s string) (*big.Int, error) {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("%s must be a decimal integer, got %q", name, s)
		}
		return v, nil
	}
	in, err := parse("--amount-in", amountIn)
	if err != nil {
		return err
	}
	outMin, err := parse("--amount-out-min", amountOutMin)
	if err != nil {
		return err
	}
	limit, err := parse("--limit-price-e18", limitPrice)
	if err != nil {
		return err
	}

	order := &domain.Order{
		ID:            "unsigned", // assigned by the API on creation
		Trader:        trader,
		TokenIn:       common.HexToAddress(tokenIn),
		TokenOut:      common.HexToAddress(tokenOut),
		AmountIn:      in,
		AmountOutMin:  outMin,
		LimitPriceE18: limit,
		SlippageBps:   slippageBps,
		Deadline:      time.Now().Add(validFor).Unix(),
		Nonce:         nonce,
		Status:        domain.OrderStatusPending,
		OrderType:     domain.OrderType(orderType),
	}
	if err := order.Validate(); err != nil {
		return fmt.Errorf("invalid order: %w", err)
	}

	signer := evm.NewOrderSigner(evm.OrderDomain(big.NewInt(chainID), common.HexToAddress(manager)))
	sig, err := signer.SignOrder(order, key)
	if err != nil {
		return fmt.Errorf("sign order: %w", err)
	}

	body := map[string]interface{}{
		"trader":        trader.Hex(),
		"tokenIn":       order.TokenIn.Hex(),
		"tokenOut":      order.TokenOut.Hex(),
		"amountIn":      in.String(),
		"amountOutMin":  outMin.String(),
		"limitPriceE18": limit.String(),
		"slippageBps":   slippageBps,
		"deadline":      order.Deadline,
		"nonce":         nonce,
		"orderType":     orderType,
		"signature":     hexutil.Encode(sig),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}
