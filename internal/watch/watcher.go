// Package watch surfaces on-chain swap activity to the engine, either
// through a live log subscription or a chunked polling scan.
package watch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"limit-order-keeper/internal/evm"
	"limit-order-keeper/internal/observability"
	"limit-order-keeper/internal/storage"
)

// State describes the watcher's connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StatePolling:
		return "polling"
	default:
		return "disconnected"
	}
}

// Event signals swap activity on a watched pool.
type Event struct {
	Pool        common.Address
	BlockNumber uint64
}

const (
	defaultPollInterval       = 5 * time.Second
	defaultMaxChunk           = 1000
	defaultMaxConnectFailures = 3
	defaultEventBuffer        = 256
	reconnectBaseDelay        = time.Second
)

// Watcher follows swap events on a dynamic set of pools. It prefers a
// WebSocket subscription and falls back to watermarked polling after
// repeated connect failures. The polling path is also what backfills
// blocks missed while disconnected.
type Watcher struct {
	client     evm.ChainClient
	subscriber evm.LogSubscriber
	progress   storage.ScanProgressStore
	logger     *zap.Logger

	pollInterval       time.Duration
	maxChunk           uint64
	maxConnectFailures int
	reconnectDelay     time.Duration

	state  atomic.Int32
	events chan Event

	mu    sync.RWMutex
	pools map[common.Address]struct{}
}

// Option configures the Watcher.
type Option func(*Watcher)

// WithPollInterval sets the polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.pollInterval = d }
}

// WithMaxChunk bounds the block span of a single eth_getLogs query.
func WithMaxChunk(n uint64) Option {
	return func(w *Watcher) { w.maxChunk = n }
}

// WithMaxConnectFailures sets how many consecutive subscribe failures
// switch the watcher to polling.
func WithMaxConnectFailures(n int) Option {
	return func(w *Watcher) { w.maxConnectFailures = n }
}

// WithReconnectDelay sets the base delay between subscribe attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(w *Watcher) { w.reconnectDelay = d }
}

// New creates a watcher. subscriber may be nil, which makes the watcher
// polling-only from the start.
func New(client evm.ChainClient, subscriber evm.LogSubscriber, progress storage.ScanProgressStore, logger *zap.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		client:             client,
		subscriber:         subscriber,
		progress:           progress,
		logger:             logger,
		pollInterval:       defaultPollInterval,
		maxChunk:           defaultMaxChunk,
		maxConnectFailures: defaultMaxConnectFailures,
		reconnectDelay:     reconnectBaseDelay,
		events:             make(chan Event, defaultEventBuffer),
		pools:              make(map[common.Address]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events returns the channel swap activity is delivered on. Events may
// be dropped under backpressure; the safety sweep covers any losses.
func (w *Watcher) Events() <-chan Event { return w.events }

// State returns the current lifecycle state.
func (w *Watcher) State() State { return State(w.state.Load()) }

func (w *Watcher) setState(s State) { w.state.Store(int32(s)) }

// SetPools replaces the watched pool set. Takes effect immediately for
// event filtering and on the next tick for polling.
func (w *Watcher) SetPools(pools []common.Address) {
	next := make(map[common.Address]struct{}, len(pools))
	for _, p := range pools {
		next[p] = struct{}{}
	}
	w.mu.Lock()
	w.pools = next
	w.mu.Unlock()
}

// AddPool adds one pool to the watched set.
func (w *Watcher) AddPool(pool common.Address) {
	w.mu.Lock()
	w.pools[pool] = struct{}{}
	w.mu.Unlock()
}

func (w *Watcher) watched(pool common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.pools[pool]
	return ok
}

func (w *Watcher) poolList() []common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]common.Address, 0, len(w.pools))
	for p := range w.pools {
		out = append(out, p)
	}
	return out
}

// Run drives the watcher until ctx is canceled. It returns nil on
// context cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if w.subscriber != nil {
		fellBack := w.runSubscribed(ctx)
		if ctx.Err() != nil {
			w.setState(StateDisconnected)
			return nil
		}
		if fellBack {
			w.logger.Warn("subscription unavailable, switching to polling",
				zap.Int("consecutive_failures", w.maxConnectFailures))
		}
	}

	w.setState(StatePolling)
	return w.pollLoop(ctx)
}

// runSubscribed maintains the log subscription, reporting true once the
// consecutive failure budget is exhausted.
func (w *Watcher) runSubscribed(ctx context.Context) bool {
	failures := 0
	for {
		if ctx.Err() != nil {
			return false
		}

		w.setState(StateConnecting)
		logs, err := w.subscriber.SubscribeLogs(ctx, evm.SubFilter{
			Topics: []common.Hash{evm.SwapEventTopic},
		})
		if err != nil {
			failures++
			w.logger.Warn("log subscription failed",
				zap.Int("attempt", failures), zap.Error(err))
			if failures >= w.maxConnectFailures {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(w.reconnectDelay * time.Duration(failures)):
			}
			continue
		}

		failures = 0
		w.setState(StateSubscribed)
		w.logger.Info("subscribed to swap logs")
		w.consume(ctx, logs)
	}
}

// consume drains the subscription channel until it closes or ctx ends.
func (w *Watcher) consume(ctx context.Context, logs <-chan evm.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case log, ok := <-logs:
			if !ok {
				w.logger.Warn("subscription channel closed")
				return
			}
			if log.Removed || !w.watched(log.Address) {
				continue
			}
			w.recordWatermark(ctx, log.Address, log.BlockNumber)
			w.emit(Event{Pool: log.Address, BlockNumber: log.BlockNumber})
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return nil
		case <-ticker.C:
			w.scanOnce(ctx)
		}
	}
}

// scanOnce scans every watched pool from its watermark up to the chain
// head in bounded chunks.
func (w *Watcher) scanOnce(ctx context.Context) {
	current, err := w.client.BlockNumber(ctx)
	if err != nil {
		w.logger.Warn("block number read failed", zap.Error(err))
		return
	}

	for _, pool := range w.poolList() {
		w.scanPool(ctx, pool, current)
	}
}

// scanPool advances one pool's watermark to current. A chunk that errors
// is skipped, never retried; the watermark still advances so a single
// bad range cannot wedge the scanner.
func (w *Watcher) scanPool(ctx context.Context, pool common.Address, current uint64) {
	key := poolKey(pool)

	from, err := w.progress.LastCheckedBlock(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		// First sighting: start from the head, no historical replay.
		w.recordWatermark(ctx, pool, current)
		return
	}
	if err != nil {
		w.logger.Warn("watermark read failed", zap.String("pool", key), zap.Error(err))
		return
	}
	if from >= current {
		return
	}

	var latestActivity uint64
	chunk := w.maxChunk
	for start := from + 1; start <= current; {
		end := start + chunk - 1
		if end > current {
			end = current
		}

		logs, err := w.client.GetLogs(ctx, evm.FilterQuery{
			Address:   pool,
			Topics:    []common.Hash{evm.SwapEventTopic},
			FromBlock: start,
			ToBlock:   end,
		})
		if err != nil {
			if evm.IsRangeTooLarge(err) && chunk > 1 {
				// Node rejected the span; narrow and retry the same range.
				chunk /= 2
				continue
			}
			observability.RecordLogChunk(true)
			w.logger.Warn("log chunk failed",
				zap.String("pool", key),
				zap.Uint64("from", start), zap.Uint64("to", end),
				zap.Error(err))
		} else {
			observability.RecordLogChunk(false)
			if len(logs) > 0 {
				latestActivity = logs[len(logs)-1].BlockNumber
			}
		}

		start = end + 1
	}

	w.recordWatermark(ctx, pool, current)

	if latestActivity > 0 {
		w.emit(Event{Pool: pool, BlockNumber: latestActivity})
	}
}

func (w *Watcher) recordWatermark(ctx context.Context, pool common.Address, block uint64) {
	if err := w.progress.SetLastCheckedBlock(ctx, poolKey(pool), block); err != nil {
		w.logger.Warn("watermark write failed",
			zap.String("pool", poolKey(pool)), zap.Error(err))
		return
	}
	observability.SetWatermark(poolKey(pool), block)
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("event buffer full, dropping",
			zap.String("pool", ev.Pool.Hex()))
	}
}

func poolKey(pool common.Address) string {
	return strings.ToLower(pool.Hex())
}
