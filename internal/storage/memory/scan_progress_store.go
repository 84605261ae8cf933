package memory

import (
	"context"
	"strings"
	"sync"

	"limit-order-keeper/internal/storage"
)

// ScanProgressStore is an in-memory implementation of storage.ScanProgressStore.
type ScanProgressStore struct {
	mu         sync.RWMutex
	watermarks map[string]uint64 // pool address (lowercase) -> last checked block
}

// NewScanProgressStore creates a new in-memory watermark store.
func NewScanProgressStore() *ScanProgressStore {
	return &ScanProgressStore{
		watermarks: make(map[string]uint64),
	}
}

// Compile-time interface check.
var _ storage.ScanProgressStore = (*ScanProgressStore)(nil)

// LastCheckedBlock returns the watermark for a pool address.
func (s *ScanProgressStore) LastCheckedBlock(_ context.Context, pool string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	block, exists := s.watermarks[strings.ToLower(pool)]
	if !exists {
		return 0, storage.ErrNotFound
	}
	return block, nil
}

// SetLastCheckedBlock advances the watermark for a pool address.
func (s *ScanProgressStore) SetLastCheckedBlock(_ context.Context, pool string, block uint64) error {
	if pool == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.watermarks[strings.ToLower(pool)] = block
	return nil
}
