package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolSnapshot is a single observation of a liquidity pool's state.
// Ephemeral: recomputed on each evaluation pass, never cached.
type PoolSnapshot struct {
	Pair      common.Address
	Token0    common.Address
	Token1    common.Address
	Decimals0 uint8
	Decimals1 uint8
	Reserve0  *big.Int
	Reserve1  *big.Int

	// RateE18 is the spot price of the queried tokenIn in units of
	// tokenOut, scaled by 1e18.
	RateE18 *big.Int

	BlockNumber uint64
	ObservedAt  time.Time
}

// RateSample is an append-only record of one observed pool rate.
// Corresponds to rate_samples in ClickHouse.
type RateSample struct {
	Pair        string // canonical pair key, see PairKeyFor
	TokenIn     common.Address
	TokenOut    common.Address
	RateE18     string // decimal string, fits ClickHouse UInt256/String
	BlockNumber uint64
	ObservedAt  time.Time
}
