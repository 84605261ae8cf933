package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/storage"
)

// RateSampleStore implements storage.RateSampleStore using ClickHouse.
type RateSampleStore struct {
	conn *Conn
}

// NewRateSampleStore creates a new RateSampleStore.
func NewRateSampleStore(conn *Conn) *RateSampleStore {
	return &RateSampleStore{conn: conn}
}

// Compile-time interface check.
var _ storage.RateSampleStore = (*RateSampleStore)(nil)

// Insert appends a single observed rate point.
func (s *RateSampleStore) Insert(ctx context.Context, sample *domain.RateSample) error {
	if sample == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO rate_samples (
			pair, token_in, token_out, rate_e18, block_number, observed_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	err := s.conn.Exec(ctx, query,
		sample.Pair,
		strings.ToLower(sample.TokenIn.Hex()),
		strings.ToLower(sample.TokenOut.Hex()),
		sample.RateE18,
		sample.BlockNumber,
		sample.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rate sample: %w", err)
	}

	return nil
}

// ListByPair returns the most recent samples for a pair, newest first.
func (s *RateSampleStore) ListByPair(ctx context.Context, pairKey string, limit int) ([]*domain.RateSample, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT pair, token_in, token_out, rate_e18, block_number, observed_at
		FROM rate_samples
		WHERE pair = ?
		ORDER BY observed_at DESC
		LIMIT ?
	`

	rows, err := s.conn.Query(ctx, query, pairKey, uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("query rate samples: %w", err)
	}
	defer rows.Close()

	var samples []*domain.RateSample
	for rows.Next() {
		var (
			sample     domain.RateSample
			tokenIn    string
			tokenOut   string
			block      uint64
			observedAt time.Time
		)
		err := rows.Scan(
			&sample.Pair, &tokenIn, &tokenOut,
			&sample.RateE18, &block, &observedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan rate sample: %w", err)
		}
		sample.TokenIn = common.HexToAddress(tokenIn)
		sample.TokenOut = common.HexToAddress(tokenOut)
		sample.BlockNumber = block
		sample.ObservedAt = observedAt
		samples = append(samples, &sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate samples: %w", err)
	}

	return samples, nil
}
