// Package pool reads spot rates from AMM pair contracts.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/evm"
)

var (
	// ErrPoolNotFound indicates no pair exists for the token pair.
	ErrPoolNotFound = errors.New("pool: pair not found")
	// ErrUnreadable indicates the pair contract could not be read.
	ErrUnreadable = errors.New("pool: pair unreadable")
	// ErrInsufficientLiquidity indicates one or both reserves are zero.
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")
)

// Reader resolves pairs through the factory and computes normalized
// spot rates from reserves. Reads are always fresh, never cached.
type Reader struct {
	factory *evm.Factory
	client  evm.ChainClient
	logger  *zap.Logger
}

// NewReader creates a pool reader against the given factory.
func NewReader(factoryAddr common.Address, client evm.ChainClient, logger *zap.Logger) *Reader {
	return &Reader{
		factory: evm.NewFactory(factoryAddr, client),
		client:  client,
		logger:  logger,
	}
}

// ResolvePair returns the pair contract address for two tokens, trying
// both argument orders. Returns ErrPoolNotFound when neither exists.
func (r *Reader) ResolvePair(ctx context.Context, tokenA, tokenB common.Address) (common.Address, error) {
	pair, err := r.factory.GetPair(ctx, tokenA, tokenB)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if pair == (common.Address{}) {
		pair, err = r.factory.GetPair(ctx, tokenB, tokenA)
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
	}
	if pair == (common.Address{}) {
		return common.Address{}, ErrPoolNotFound
	}
	return pair, nil
}

// SpotRate reads the pair's reserves and returns a snapshot whose RateE18
// is the price of tokenIn denominated in tokenOut, scaled by 1e18 and
// normalized for token decimals.
func (r *Reader) SpotRate(ctx context.Context, tokenIn, tokenOut common.Address) (*domain.PoolSnapshot, error) {
	pairAddr, err := r.ResolvePair(ctx, tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}

	pair := evm.NewPair(pairAddr, r.client)

	token0, err := pair.Token0(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: token0: %v", ErrUnreadable, err)
	}
	token1, err := pair.Token1(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: token1: %v", ErrUnreadable, err)
	}

	reserve0, reserve1, err := pair.GetReserves(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: getReserves: %v", ErrUnreadable, err)
	}

	decimals0, err := evm.NewERC20(token0, r.client).Decimals(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: decimals(token0): %v", ErrUnreadable, err)
	}
	decimals1, err := evm.NewERC20(token1, r.client).Decimals(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: decimals(token1): %v", ErrUnreadable, err)
	}

	reserveIn, reserveOut := reserve0, reserve1
	decIn, decOut := decimals0, decimals1
	if tokenIn != token0 {
		reserveIn, reserveOut = reserve1, reserve0
		decIn, decOut = decimals1, decimals0
	}

	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, ErrInsufficientLiquidity
	}

	rateE18 := normalizedRateE18(reserveIn, reserveOut, decIn, decOut)

	block, err := r.client.BlockNumber(ctx)
	if err != nil {
		r.logger.Warn("block number read failed", zap.Error(err))
		block = 0
	}

	return &domain.PoolSnapshot{
		Pair:        pairAddr,
		Token0:      token0,
		Token1:      token1,
		Decimals0:   decimals0,
		Decimals1:   decimals1,
		Reserve0:    reserve0,
		Reserve1:    reserve1,
		RateE18:     rateE18,
		BlockNumber: block,
		ObservedAt:  time.Now().UTC(),
	}, nil
}

// normalizedRateE18 computes reserveOut/reserveIn scaled by 1e18 with
// both reserves brought to a common decimal basis first.
func normalizedRateE18(reserveIn, reserveOut *big.Int, decIn, decOut uint8) *big.Int {
	num := new(big.Int).Mul(reserveOut, domain.E18)
	exp := int(decIn) - int(decOut)
	switch {
	case exp > 0:
		num.Mul(num, pow10(exp))
	case exp < 0:
		return num.Div(num, new(big.Int).Mul(reserveIn, pow10(-exp)))
	}
	return num.Div(num, reserveIn)
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
