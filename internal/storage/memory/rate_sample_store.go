package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/storage"
)

// RateSampleStore is an in-memory implementation of storage.RateSampleStore.
type RateSampleStore struct {
	mu      sync.RWMutex
	samples []*domain.RateSample
}

// NewRateSampleStore creates a new in-memory rate history store.
func NewRateSampleStore() *RateSampleStore {
	return &RateSampleStore{}
}

// Compile-time interface check.
var _ storage.RateSampleStore = (*RateSampleStore)(nil)

// Insert appends one observation.
func (s *RateSampleStore) Insert(_ context.Context, sample *domain.RateSample) error {
	if sample == nil || sample.Pair == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sample
	cp.Pair = strings.ToLower(cp.Pair)
	s.samples = append(s.samples, &cp)
	return nil
}

// ListByPair returns up to limit samples for a pair key, newest first.
func (s *RateSampleStore) ListByPair(_ context.Context, pair string, limit int) ([]*domain.RateSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair = strings.ToLower(pair)
	var result []*domain.RateSample
	for _, sample := range s.samples {
		if sample.Pair == pair {
			cp := *sample
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ObservedAt.After(result[j].ObservedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
