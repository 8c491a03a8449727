package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/dex-arb/internal/config"
	"github.com/you/dex-arb/internal/inventory"
	"github.com/you/dex-arb/internal/metrics"
	"github.com/you/dex-arb/internal/risk"
	"github.com/you/dex-arb/internal/scanner"
	"github.com/you/dex-arb/internal/types"
	"github.com/you/dex-arb/internal/venue"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Publisher receives execution records and detected opportunities for
// downstream consumers. Implementations must not block the hot path.
type Publisher interface {
	PublishOpportunity(ctx context.Context, p types.ArbitragePath)
	PublishExecution(ctx context.Context, e types.ArbitrageExecution)
}

// Engine ties the scanner, risk gate, inventory manager and venues together
// and owns the execution pipeline. A weighted semaphore caps concurrent
// executions; the drain mutex makes sure only one goroutine dequeues at a
// time, so two workers can never pick up the same opportunity.
type Engine struct {
	cfg     *config.Config
	log     *zap.Logger
	agg     venue.Aggregator
	gate    *risk.Engine
	inv     *inventory.Manager
	tracker *metrics.Tracker
	scan    *scanner.Scanner
	pub     Publisher

	queue   *queue
	sem     *semaphore.Weighted
	drainMu sync.Mutex

	halted   atomic.Bool
	inFlight atomic.Int64
	running  atomic.Bool

	histMu  sync.Mutex
	history []types.ArbitrageExecution

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg *config.Config, agg venue.Aggregator, gas venue.GasEstimator, inv *inventory.Manager, pub Publisher, log *zap.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		log:     log,
		agg:     agg,
		gate:    risk.NewEngine(cfg),
		inv:     inv,
		tracker: metrics.NewTracker(),
		pub:     pub,
		queue:   newQueue(cfg.Arb.QueueSize),
		sem:     semaphore.NewWeighted(cfg.Arb.MaxConcurrentTrades),
		done:    make(chan struct{}),
	}
	e.scan = scanner.New(cfg, agg, gas, e.gate, inv, e.tracker, e, log.Named("scanner"))
	return e
}

// Submit implements scanner.Sink: new opportunities land in the queue and
// are published for observers.
func (e *Engine) Submit(p types.ArbitragePath) bool {
	ok := e.queue.Push(p)
	if ok && e.pub != nil {
		e.pub.PublishOpportunity(context.Background(), p)
	}
	return ok
}

// Start launches the scan, drain and inventory loops. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	ctx, e.cancel = context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); e.scan.Run(ctx) }()
	go func() { defer wg.Done(); e.inv.Run(ctx) }()
	go func() { defer wg.Done(); e.drainLoop(ctx) }()
	go func() {
		wg.Wait()
		close(e.done)
	}()

	e.log.Info("engine started",
		zap.Int64("max_concurrent_trades", e.cfg.Arb.MaxConcurrentTrades),
		zap.Duration("scan_interval", e.cfg.ScanInterval()),
	)
	return nil
}

// Stop halts the loops and blocks until every in-flight execution finishes.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.cancel()
	<-e.done
	for e.inFlight.Load() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	e.log.Info("engine stopped")
}

func (e *Engine) drainLoop(ctx context.Context) {
	t := time.NewTicker(e.cfg.DrainInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.drain(ctx)
		}
	}
}

// drain moves queued opportunities into executions while concurrency slots
// are free. The mutex serializes the dequeue-and-acquire step.
func (e *Engine) drain(ctx context.Context) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	if e.halted.Load() {
		return
	}
	// In-flight legs must run to completion even if Stop cancels the loops;
	// Stop polls the in-flight counter before returning.
	execCtx := context.WithoutCancel(ctx)
	for {
		if !e.sem.TryAcquire(1) {
			return
		}
		p, ok := e.queue.Pop()
		if !ok {
			e.sem.Release(1)
			return
		}
		e.inFlight.Add(1)
		metrics.InFlight.Set(float64(e.inFlight.Load()))
		go func() {
			defer func() {
				e.sem.Release(1)
				e.inFlight.Add(-1)
				metrics.InFlight.Set(float64(e.inFlight.Load()))
			}()
			e.execute(execCtx, p)
		}()
	}
}

// ExecuteArbitrage runs one opportunity through the full pipeline, blocking
// for a concurrency slot first. Used for manually triggered executions; the
// drain loop takes the non-blocking path.
func (e *Engine) ExecuteArbitrage(ctx context.Context, p types.ArbitragePath) (types.ArbitrageExecution, error) {
	if e.halted.Load() {
		return types.ArbitrageExecution{}, fmt.Errorf("engine halted")
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return types.ArbitrageExecution{}, err
	}
	e.inFlight.Add(1)
	metrics.InFlight.Set(float64(e.inFlight.Load()))
	defer func() {
		e.sem.Release(1)
		e.inFlight.Add(-1)
		metrics.InFlight.Set(float64(e.inFlight.Load()))
	}()
	return e.execute(ctx, p), nil
}

// ScanForOpportunities triggers one synchronous detection pass.
func (e *Engine) ScanForOpportunities(ctx context.Context) []types.ArbitragePath {
	return e.scan.Scan(ctx)
}

// RebalanceInventory triggers one inventory check-and-correct cycle.
func (e *Engine) RebalanceInventory(ctx context.Context) error {
	if err := e.inv.RefreshBalances(ctx); err != nil {
		e.log.Warn("balance refresh failed before rebalance", zap.Error(err))
	}
	return e.inv.Rebalance(ctx)
}

// EmergencyStop blocks new executions from starting. Executions already in
// flight run to completion. Calling it again is a no-op.
func (e *Engine) EmergencyStop() {
	if e.halted.CompareAndSwap(false, true) {
		e.log.Warn("emergency stop engaged",
			zap.Int64("in_flight", e.inFlight.Load()),
			zap.Int("queued", e.queue.Len()),
		)
	}
}

// Resume lifts an emergency stop.
func (e *Engine) Resume() {
	if e.halted.CompareAndSwap(true, false) {
		e.log.Info("emergency stop lifted")
	}
}

func (e *Engine) Halted() bool { return e.halted.Load() }

func (e *Engine) Metrics() types.ArbitrageMetrics { return e.tracker.Snapshot() }

func (e *Engine) Opportunities() []types.ArbitragePath { return e.scan.Opportunities() }

func (e *Engine) InventoryState() types.InventoryState { return e.inv.State() }

// History returns recent executions, newest first.
func (e *Engine) History() []types.ArbitrageExecution {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	out := make([]types.ArbitrageExecution, len(e.history))
	for i, ex := range e.history {
		out[len(e.history)-1-i] = ex
	}
	return out
}

func (e *Engine) record(exec types.ArbitrageExecution) {
	e.tracker.Record(exec)

	e.histMu.Lock()
	e.history = append(e.history, exec)
	if over := len(e.history) - e.cfg.Arb.HistorySize; over > 0 {
		e.history = e.history[over:]
	}
	e.histMu.Unlock()

	if e.pub != nil {
		e.pub.PublishExecution(context.Background(), exec)
	}
}
