package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/you/dex-arb/internal/config"
	"github.com/you/dex-arb/internal/inventory"
	"github.com/you/dex-arb/internal/types"
	"go.uber.org/zap"
)

var (
	weth = types.Token{Symbol: "WETH", Decimals: 18}
	usdt = types.Token{Symbol: "USDT", Decimals: 6}
)

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.DEX.Quote = "USDT"
	cfg.DEX.QuoteDecimals = 6
	cfg.Arb.MinProfitBps = 10
	cfg.Arb.MinTradeSize = 1_000_000
	cfg.Arb.MaxTradeSize = 10_000_000_000
	cfg.Arb.MaxSlippageBps = 100
	cfg.Arb.MaxImpactBps = 200
	cfg.Arb.GasBufferMultiplier = 0.5
	cfg.Arb.MaxConcurrentTrades = 2
	cfg.Arb.MaxLatencyMs = 3000
	cfg.Arb.QueueSize = 8
	cfg.Arb.HistorySize = 5
	cfg.Arb.MaxLossStreak = 3
	cfg.Arb.FlashFeeBps = 9
	cfg.Inventory.Targets = map[string]float64{"WETH": 50, "USDT": 50}
	cfg.Timings.ScanIntervalMs = 3_600_000
	cfg.Timings.DrainIntervalMs = 10
	cfg.Timings.InventoryIntervalS = 3600
	cfg.Timings.MetricsIntervalS = 60
	return cfg
}

type venueBehavior struct {
	result types.TradeResult
	err    error
}

// fakeAgg scripts per-venue trade outcomes and counts calls.
type fakeAgg struct {
	mu       sync.Mutex
	behavior map[types.VenueID]venueBehavior
	calls    map[types.VenueID]int
	block    chan struct{} // when set, trades wait here
	active   atomic.Int64
	peak     atomic.Int64
}

func newFakeAgg() *fakeAgg {
	return &fakeAgg{
		behavior: make(map[types.VenueID]venueBehavior),
		calls:    make(map[types.VenueID]int),
	}
}

func (f *fakeAgg) GetAllQuotes(context.Context, types.Token, types.Token, *big.Int) []types.Quote {
	return nil
}

func (f *fakeAgg) ExecuteTrade(ctx context.Context, id types.VenueID, _, _ types.Token, _ *big.Int) (types.TradeResult, error) {
	cur := f.active.Add(1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	defer f.active.Add(-1)

	f.mu.Lock()
	f.calls[id]++
	b, ok := f.behavior[id]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return types.TradeResult{}, ctx.Err()
		}
	}
	if !ok {
		return types.TradeResult{}, fmt.Errorf("unknown venue %q", id)
	}
	return b.result, b.err
}

func (f *fakeAgg) GetAllBalances(context.Context) (map[string]*big.Int, error) {
	return map[string]*big.Int{}, nil
}

func (f *fakeAgg) callCount(id types.VenueID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func newTestEngine(cfg *config.Config, agg *fakeAgg) (*Engine, *inventory.Manager) {
	inv := inventory.NewManager(cfg, agg, []types.Token{weth, usdt}, zap.NewNop())
	inv.SetBalance("USDT", big.NewInt(1_000_000_000)) // 1000 USDT
	e := New(cfg, agg, nil, inv, nil, zap.NewNop())
	return e, inv
}

func testPath(now time.Time) types.ArbitragePath {
	p := types.ArbitragePath{
		Pair:      "WETH/USDT",
		BuyVenue:  types.VenueUniswapV3,
		SellVenue: types.VenueSushiV2,
		BuyQuote: types.Quote{
			Venue:     types.VenueUniswapV3,
			TokenIn:   usdt,
			TokenOut:  weth,
			AmountIn:  big.NewInt(100_000_000),
			AmountOut: big.NewInt(50_000),
			ImpactBps: 20,
			Hops:      1,
			Ts:        now,
		},
		SellQuote: types.Quote{
			Venue:     types.VenueSushiV2,
			TokenIn:   weth,
			TokenOut:  usdt,
			AmountIn:  big.NewInt(50_000),
			AmountOut: big.NewInt(102_000_000),
			ImpactBps: 20,
			Hops:      1,
			Ts:        now,
		},
		GrossProfit: big.NewInt(2_000_000),
		NetProfit:   big.NewInt(1_500_000),
		ProfitBps:   200,
		GasEstimate: big.NewInt(500_000),
		SlippageBps: 40,
		RiskScore:   10,
		DetectedAt:  now,
		ValidUntil:  now.Add(3 * time.Second),
	}
	return p
}

func scriptHappyPath(agg *fakeAgg) {
	agg.behavior[types.VenueUniswapV3] = venueBehavior{
		result: types.TradeResult{Successful: true, OutputAmount: big.NewInt(50_000), GasUsed: big.NewInt(1_000)},
	}
	agg.behavior[types.VenueSushiV2] = venueBehavior{
		result: types.TradeResult{Successful: true, OutputAmount: big.NewInt(102_000_000), GasUsed: big.NewInt(1_000)},
	}
}

func TestExecute_Success(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	e, inv := newTestEngine(newTestConfig(), agg)

	exec := e.execute(context.Background(), testPath(time.Now()))

	require.True(t, exec.Success)
	assert.Empty(t, exec.FailureReason)
	// 102 - 100 USDT; gas is reported separately in GasCost
	assert.Equal(t, big.NewInt(2_000_000), exec.ActualProfit)
	assert.Equal(t, big.NewInt(2_000), exec.GasCost)
	assert.Equal(t, 1, agg.callCount(types.VenueUniswapV3))
	assert.Equal(t, 1, agg.callCount(types.VenueSushiV2))

	// inventory settled: 1000 - 100 + 102 USDT, no WETH left behind
	assert.Equal(t, big.NewInt(1_002_000_000), inv.Available("USDT"))
	assert.Equal(t, big.NewInt(0), inv.Available("WETH"))

	m := e.Metrics()
	assert.Equal(t, uint64(1), m.ExecutionsAttempted)
	assert.Equal(t, uint64(1), m.ExecutionsSucceeded)

	hist := e.History()
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Success)
}

func TestExecute_ExpiredPath(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	e, _ := newTestEngine(newTestConfig(), agg)

	now := time.Now()
	p := testPath(now.Add(-10 * time.Second))
	exec := e.execute(context.Background(), p)

	assert.False(t, exec.Success)
	assert.Equal(t, "opportunity expired", exec.FailureReason)
	// no capital was committed
	assert.Equal(t, 0, agg.callCount(types.VenueUniswapV3))
	assert.Equal(t, 0, agg.callCount(types.VenueSushiV2))
}

func TestExecute_RevalidationRejects(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	e, _ := newTestEngine(newTestConfig(), agg)

	p := testPath(time.Now())
	p.NetProfit = big.NewInt(-500)
	exec := e.execute(context.Background(), p)

	assert.False(t, exec.Success)
	assert.Contains(t, exec.FailureReason, "no longer valid")
	assert.Equal(t, 0, agg.callCount(types.VenueUniswapV3))
}

func TestExecute_InsufficientInventory(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	cfg := newTestConfig()
	e, inv := newTestEngine(cfg, agg)
	inv.SetBalance("USDT", big.NewInt(50_000_000)) // half the principal

	exec := e.execute(context.Background(), testPath(time.Now()))

	assert.False(t, exec.Success)
	assert.Contains(t, exec.FailureReason, "insufficient inventory")
	assert.Equal(t, 0, agg.callCount(types.VenueUniswapV3))
}

func TestExecute_BorrowedWhenInventoryShort(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	cfg := newTestConfig()
	cfg.Arb.FlashLoans = true
	e, inv := newTestEngine(cfg, agg)
	inv.SetBalance("USDT", big.NewInt(50_000_000)) // half the principal

	exec := e.execute(context.Background(), testPath(time.Now()))

	require.True(t, exec.Success)
	// 102 - 100 USDT less the 9 bps flash premium on the principal
	assert.Equal(t, big.NewInt(1_910_000), exec.ActualProfit)
	// ledger: 50 + 102 sell proceeds - 100.09 repayment
	assert.Equal(t, big.NewInt(51_910_000), inv.Available("USDT"))
	assert.Equal(t, big.NewInt(0), inv.Available("WETH"))
}

func TestExecute_SpotPreferredWithFlashEnabled(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	cfg := newTestConfig()
	cfg.Arb.FlashLoans = true
	e, inv := newTestEngine(cfg, agg)

	exec := e.execute(context.Background(), testPath(time.Now()))

	require.True(t, exec.Success)
	// inventory covers the principal, so no flash premium is paid
	assert.Equal(t, big.NewInt(2_000_000), exec.ActualProfit)
	assert.Equal(t, big.NewInt(1_002_000_000), inv.Available("USDT"))
	assert.Equal(t, big.NewInt(0), inv.Available("WETH"))
}

func TestExecute_BuyFailureSkipsSellLeg(t *testing.T) {
	agg := newFakeAgg()
	agg.behavior[types.VenueUniswapV3] = venueBehavior{
		result: types.TradeResult{Err: "pool reverted"},
	}
	agg.behavior[types.VenueSushiV2] = venueBehavior{
		result: types.TradeResult{Successful: true, OutputAmount: big.NewInt(102_000_000)},
	}
	e, inv := newTestEngine(newTestConfig(), agg)

	exec := e.execute(context.Background(), testPath(time.Now()))

	assert.False(t, exec.Success)
	assert.Contains(t, exec.FailureReason, "buy leg failed")
	assert.Equal(t, 1, agg.callCount(types.VenueUniswapV3))
	// the sell venue was never touched
	assert.Equal(t, 0, agg.callCount(types.VenueSushiV2))
	// the reservation was rolled back
	assert.Equal(t, big.NewInt(1_000_000_000), inv.Available("USDT"))
}

func TestExecute_SellFailureAfterBuyFill(t *testing.T) {
	agg := newFakeAgg()
	agg.behavior[types.VenueUniswapV3] = venueBehavior{
		result: types.TradeResult{Successful: true, OutputAmount: big.NewInt(50_000), GasUsed: big.NewInt(1_000)},
	}
	agg.behavior[types.VenueSushiV2] = venueBehavior{
		result: types.TradeResult{Err: "slippage exceeded"},
	}
	e, inv := newTestEngine(newTestConfig(), agg)

	exec := e.execute(context.Background(), testPath(time.Now()))

	assert.False(t, exec.Success)
	assert.Contains(t, exec.FailureReason, "sell leg failed after buy fill")
	assert.Equal(t, 1, agg.callCount(types.VenueSushiV2))
	// the buy leg filled, so the position is long WETH now
	assert.Equal(t, big.NewInt(50_000), inv.Available("WETH"))
	assert.Equal(t, big.NewInt(900_000_000), inv.Available("USDT"))
}

func TestExecute_MevProtection(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	cfg := newTestConfig()
	cfg.Arb.MEVProtection = true
	e, _ := newTestEngine(cfg, agg)

	p := testPath(time.Now())
	p.BuyQuote.ImpactBps = 80
	p.SellQuote.ImpactBps = 80
	p.ProfitBps = 600 // fat visible margin attracts searchers
	exec := e.execute(context.Background(), p)

	assert.False(t, exec.Success)
	assert.Contains(t, exec.FailureReason, "mev risk")
	assert.Equal(t, 0, agg.callCount(types.VenueUniswapV3))
}

func TestConcurrencyBound(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	agg.block = make(chan struct{})
	cfg := newTestConfig()
	e, inv := newTestEngine(cfg, agg)
	inv.SetBalance("USDT", big.NewInt(10_000_000_000))

	now := time.Now()
	for i := 0; i < 5; i++ {
		p := testPath(now)
		p.Pair = fmt.Sprintf("WETH/USDT#%d", i)
		require.True(t, e.queue.Push(p))
	}

	e.drain(context.Background())
	assert.Equal(t, int64(2), e.inFlight.Load())

	close(agg.block)
	for i := 0; i < 100 && e.inFlight.Load() > 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	e.drain(context.Background())
	for i := 0; i < 100 && e.inFlight.Load() > 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	// never more than two trades on the wire at once
	assert.LessOrEqual(t, agg.peak.Load(), int64(2))
}

func TestStop_DrainsInFlight(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	agg.block = make(chan struct{})
	e, _ := newTestEngine(newTestConfig(), agg)

	require.NoError(t, e.Start(context.Background()))

	now := time.Now()
	for i := 0; i < 2; i++ {
		p := testPath(now)
		p.Pair = fmt.Sprintf("WETH/USDT#%d", i)
		p.ValidUntil = now.Add(time.Minute)
		require.True(t, e.Submit(p))
	}
	require.Eventually(t, func() bool {
		return e.inFlight.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	// both legs are still blocked on the venue, so Stop must not return yet
	select {
	case <-stopped:
		t.Fatal("Stop returned with executions in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(agg.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after executions finished")
	}

	// the blocked executions ran to completion instead of being cancelled
	m := e.Metrics()
	assert.Equal(t, uint64(2), m.ExecutionsAttempted)
	assert.Equal(t, uint64(2), m.ExecutionsSucceeded)
}

func TestEmergencyStop(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	e, _ := newTestEngine(newTestConfig(), agg)

	assert.False(t, e.Halted())
	e.EmergencyStop()
	assert.True(t, e.Halted())
	// idempotent
	e.EmergencyStop()
	assert.True(t, e.Halted())

	_, err := e.ExecuteArbitrage(context.Background(), testPath(time.Now()))
	assert.Error(t, err)

	e.queue.Push(testPath(time.Now()))
	e.drain(context.Background())
	assert.Equal(t, 0, agg.callCount(types.VenueUniswapV3))

	e.Resume()
	assert.False(t, e.Halted())
	_, err = e.ExecuteArbitrage(context.Background(), testPath(time.Now()))
	assert.NoError(t, err)
}

func TestHistoryBounded(t *testing.T) {
	agg := newFakeAgg()
	scriptHappyPath(agg)
	cfg := newTestConfig()
	e, inv := newTestEngine(cfg, agg)
	inv.SetBalance("USDT", big.NewInt(100_000_000_000))

	now := time.Now()
	for i := 0; i < 8; i++ {
		p := testPath(now)
		p.Pair = fmt.Sprintf("WETH/USDT#%d", i)
		e.execute(context.Background(), p)
	}

	hist := e.History()
	require.Len(t, hist, cfg.Arb.HistorySize)
	// newest first
	assert.Equal(t, "WETH/USDT#7", hist[0].Path.Pair)
	assert.Equal(t, "WETH/USDT#3", hist[len(hist)-1].Path.Pair)
}
