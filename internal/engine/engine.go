// Package engine wires watcher events and the safety sweep into
// evaluate-and-dispatch cycles.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"limit-order-keeper/internal/dispatch"
	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/matcher"
	"limit-order-keeper/internal/notify"
	"limit-order-keeper/internal/observability"
	"limit-order-keeper/internal/pool"
	"limit-order-keeper/internal/storage"
	"limit-order-keeper/internal/watch"
)

const defaultSweepInterval = 30 * time.Second

// direction identifies one trading direction on a pair.
type direction struct {
	TokenIn  common.Address
	TokenOut common.Address
}

// Options for creating an Engine.
type Options struct {
	Orders     storage.OrderStore
	Rates      storage.RateSampleStore // optional
	PoolReader *pool.Reader
	Matcher    *matcher.Matcher
	Dispatcher *dispatch.Dispatcher
	Watcher    *watch.Watcher // optional
	Notifier   notify.Notifier
	Logger     *zap.Logger
	Metrics    *observability.Metrics

	SweepInterval time.Duration
}

// Engine owns the evaluation loop. It groups pending orders by trading
// direction, resolves each direction's pool for the watcher, and runs
// PoolReader → Matcher → Dispatcher cycles on swap events and on a
// fixed-interval sweep.
type Engine struct {
	orders     storage.OrderStore
	rates      storage.RateSampleStore
	reader     *pool.Reader
	matcher    *matcher.Matcher
	dispatcher *dispatch.Dispatcher
	watcher    *watch.Watcher
	notifier   notify.Notifier
	logger     *zap.Logger
	metrics    *observability.Metrics

	sweepInterval time.Duration

	mu         sync.Mutex
	poolDirs   map[common.Address][]direction
	dirPools   map[direction]common.Address
	inProgress map[direction]bool
}

// New creates an engine.
func New(opts Options) *Engine {
	e := &Engine{
		orders:        opts.Orders,
		rates:         opts.Rates,
		reader:        opts.PoolReader,
		matcher:       opts.Matcher,
		dispatcher:    opts.Dispatcher,
		watcher:       opts.Watcher,
		notifier:      opts.Notifier,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		sweepInterval: opts.SweepInterval,
		poolDirs:      make(map[common.Address][]direction),
		dirPools:      make(map[direction]common.Address),
		inProgress:    make(map[direction]bool),
	}
	if e.sweepInterval <= 0 {
		e.sweepInterval = defaultSweepInterval
	}
	if e.notifier == nil {
		e.notifier = notify.Noop{}
	}
	if e.metrics == nil {
		e.metrics = observability.DefaultMetrics
	}
	return e
}

// Run drives the engine until ctx is canceled. The watcher, when
// configured, runs in a child goroutine for the same lifetime.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if e.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.watcher.Run(ctx); err != nil {
				e.logger.Error("watcher stopped", zap.Error(err))
			}
		}()
	}

	// Prime the pool set before the first tick.
	e.sweep(ctx)

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	var events <-chan watch.Event
	if e.watcher != nil {
		events = e.watcher.Events()
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil

		case ev := <-events:
			e.metrics.SwapEventsObserved.Inc()
			e.metrics.WatcherState.Set(float64(e.watcher.State()))
			e.handleEvent(ctx, ev)

		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// handleEvent evaluates every direction known to trade on the pool.
func (e *Engine) handleEvent(ctx context.Context, ev watch.Event) {
	e.mu.Lock()
	dirs := append([]direction(nil), e.poolDirs[ev.Pool]...)
	e.mu.Unlock()

	if len(dirs) == 0 {
		e.logger.Debug("event on unmapped pool", zap.String("pool", ev.Pool.Hex()))
		return
	}

	for _, dir := range dirs {
		e.spawnEvaluation(ctx, dir, "event")
	}
}

// sweep re-evaluates every direction with pending orders, regardless of
// chain activity, and refreshes the watcher's pool set.
func (e *Engine) sweep(ctx context.Context) {
	pending, err := e.orders.ListPending(ctx, "")
	if err != nil {
		e.logger.Warn("sweep list pending failed", zap.Error(err))
		return
	}

	e.metrics.PendingOrders.Set(float64(len(pending)))
	e.metrics.LastSweepUnix.Set(float64(time.Now().Unix()))

	dirs := make(map[direction]struct{})
	for _, o := range pending {
		dirs[direction{TokenIn: o.TokenIn, TokenOut: o.TokenOut}] = struct{}{}
	}

	for dir := range dirs {
		if err := e.ensurePool(ctx, dir); err != nil {
			e.logger.Warn("pool resolution failed",
				zap.String("token_in", dir.TokenIn.Hex()),
				zap.String("token_out", dir.TokenOut.Hex()),
				zap.Error(err))
		}
	}
	e.refreshWatcherPools()

	for dir := range dirs {
		e.spawnEvaluation(ctx, dir, "sweep")
	}
}

// ensurePool resolves and caches the pool backing one direction.
func (e *Engine) ensurePool(ctx context.Context, dir direction) error {
	e.mu.Lock()
	_, known := e.dirPools[dir]
	e.mu.Unlock()
	if known {
		return nil
	}

	addr, err := e.reader.ResolvePair(ctx, dir.TokenIn, dir.TokenOut)
	if err != nil {
		return fmt.Errorf("resolve pair: %w", err)
	}

	e.mu.Lock()
	e.dirPools[dir] = addr
	e.poolDirs[addr] = append(e.poolDirs[addr], dir)
	e.mu.Unlock()
	return nil
}

func (e *Engine) refreshWatcherPools() {
	if e.watcher == nil {
		return
	}
	e.mu.Lock()
	pools := make([]common.Address, 0, len(e.poolDirs))
	for p := range e.poolDirs {
		pools = append(pools, p)
	}
	e.mu.Unlock()
	e.watcher.SetPools(pools)
}

// spawnEvaluation starts one evaluation cycle for a direction unless one
// is already running.
func (e *Engine) spawnEvaluation(ctx context.Context, dir direction, trigger string) {
	e.mu.Lock()
	if e.inProgress[dir] {
		e.mu.Unlock()
		return
	}
	e.inProgress[dir] = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			e.inProgress[dir] = false
			e.mu.Unlock()
		}()
		e.evaluate(ctx, dir, trigger)
	}()
}

// evaluate runs one PoolReader → Matcher → Dispatcher cycle.
func (e *Engine) evaluate(ctx context.Context, dir direction, trigger string) {
	e.metrics.EvaluationsTotal.WithLabelValues(trigger).Inc()

	snap, err := e.reader.SpotRate(ctx, dir.TokenIn, dir.TokenOut)
	if err != nil {
		e.metrics.PoolReadErrors.Inc()
		e.logger.Warn("spot rate read failed",
			zap.String("token_in", dir.TokenIn.Hex()),
			zap.String("token_out", dir.TokenOut.Hex()),
			zap.Error(err))
		return
	}

	pairKey := domain.PairKeyFor(dir.TokenIn, dir.TokenOut)
	e.recordRate(ctx, pairKey, dir, snap)

	eligible, err := e.matcher.Evaluate(ctx, dir.TokenIn, dir.TokenOut, snap.RateE18, time.Now())
	if err != nil {
		e.logger.Warn("evaluation failed", zap.String("pair", pairKey), zap.Error(err))
		return
	}
	if len(eligible) == 0 {
		return
	}

	e.metrics.OrdersEligible.Add(float64(len(eligible)))
	e.logger.Info("orders eligible",
		zap.String("pair", pairKey),
		zap.String("rate_e18", snap.RateE18.String()),
		zap.Int("count", len(eligible)))

	for _, order := range eligible {
		started := time.Now()
		outcome, err := e.dispatcher.Execute(ctx, order)
		observability.RecordDispatch(string(outcome), time.Since(started).Seconds())
		if err != nil {
			e.logger.Warn("dispatch failed",
				zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		if outcome == dispatch.OutcomeExecuted {
			e.notifyExecuted(ctx, order)
		}
	}
}

// recordRate appends a rate sample; failures never affect evaluation.
func (e *Engine) recordRate(ctx context.Context, pairKey string, dir direction, snap *domain.PoolSnapshot) {
	rate, _ := new(big.Float).SetInt(snap.RateE18).Float64()
	e.metrics.ObservedRateE18.WithLabelValues(pairKey).Set(rate)

	if e.rates == nil {
		return
	}
	sample := &domain.RateSample{
		Pair:        pairKey,
		TokenIn:     dir.TokenIn,
		TokenOut:    dir.TokenOut,
		RateE18:     snap.RateE18.String(),
		BlockNumber: snap.BlockNumber,
		ObservedAt:  snap.ObservedAt,
	}
	if err := e.rates.Insert(ctx, sample); err != nil {
		e.logger.Warn("rate sample insert failed", zap.String("pair", pairKey), zap.Error(err))
	}
}

func (e *Engine) notifyExecuted(ctx context.Context, order *domain.Order) {
	n := notify.Notification{
		WalletAddress: order.Trader.Hex(),
		OrderID:       order.ID,
		Message:       "limit order executed",
		Timestamp:     time.Now().Unix(),
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("notification failed",
			zap.String("order_id", order.ID), zap.Error(err))
	}
}
