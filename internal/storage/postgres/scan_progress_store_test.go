package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limit-order-keeper/internal/storage"
	"limit-order-keeper/internal/storage/postgres"
)

func TestScanProgressStore_RoundTrip(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewScanProgressStore(pool)

	const poolAddr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	// Unknown pool has no watermark.
	_, err := store.LastCheckedBlock(ctx, poolAddr)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.SetLastCheckedBlock(ctx, poolAddr, 1000))

	block, err := store.LastCheckedBlock(ctx, poolAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), block)

	// Upsert advances the watermark.
	require.NoError(t, store.SetLastCheckedBlock(ctx, poolAddr, 2500))

	block, err = store.LastCheckedBlock(ctx, poolAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(2500), block)
}

func TestScanProgressStore_CaseInsensitiveAddress(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := postgres.NewScanProgressStore(pool)

	require.NoError(t, store.SetLastCheckedBlock(ctx, "0xBBBBbbbbBBBBbbbbBBBBbbbbBBBBbbbbBBBBbbbb", 42))

	block, err := store.LastCheckedBlock(ctx, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), block)
}

func TestScanProgressStore_RejectsEmptyPool(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewScanProgressStore(pool)
	err := store.SetLastCheckedBlock(context.Background(), "", 1)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
