package postgres

import (
	"context"
	"fmt"
	"strings"

	"limit-order-keeper/internal/storage"
)

// ScanProgressStore implements storage.ScanProgressStore using PostgreSQL.
type ScanProgressStore struct {
	pool *Pool
}

// NewScanProgressStore creates a new ScanProgressStore.
func NewScanProgressStore(pool *Pool) *ScanProgressStore {
	return &ScanProgressStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ScanProgressStore = (*ScanProgressStore)(nil)

// LastCheckedBlock returns the watermark for a pool address.
func (s *ScanProgressStore) LastCheckedBlock(ctx context.Context, pool string) (uint64, error) {
	var block int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_checked_block FROM scan_progress WHERE pool = $1`,
		strings.ToLower(pool),
	).Scan(&block)
	if err != nil {
		if isNotFoundError(err) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("get scan progress: %w", err)
	}
	return uint64(block), nil
}

// SetLastCheckedBlock advances the watermark for a pool address.
func (s *ScanProgressStore) SetLastCheckedBlock(ctx context.Context, pool string, block uint64) error {
	if pool == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_progress (pool, last_checked_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (pool) DO UPDATE
		SET last_checked_block = EXCLUDED.last_checked_block, updated_at = now()
	`, strings.ToLower(pool), int64(block))
	if err != nil {
		return fmt.Errorf("set scan progress: %w", err)
	}
	return nil
}
