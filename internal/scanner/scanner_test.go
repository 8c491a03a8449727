package scanner

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/you/dex-arb/internal/config"
	"github.com/you/dex-arb/internal/risk"
	"github.com/you/dex-arb/internal/types"
	"go.uber.org/zap"
)

// quoteScale converts between quote units (6 decimals) and base units
// (18 decimals) at a price given in centi-quote per whole base token.
var quoteScale = big.NewInt(100_000_000_000_000)

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pairs = []config.PairCfg{{Base: "WETH", BaseDecimals: 18}}
	cfg.DEX.Quote = "USDT"
	cfg.DEX.QuoteDecimals = 6
	cfg.Arb.MinProfitBps = 10
	cfg.Arb.MaxLatencyMs = 3000
	cfg.Arb.MinTradeSize = 10_000_000    // 10 USDT
	cfg.Arb.MaxTradeSize = 1_000_000_000 // 1000 USDT
	cfg.Arb.MaxSlippageBps = 100
	cfg.Arb.MaxImpactBps = 200
	cfg.Arb.GasBufferMultiplier = 0.5
	cfg.Arb.MaxLossStreak = 3
	cfg.Arb.FlashFeeBps = 9
	return cfg
}

// fakeAgg prices every venue at a fixed rate in centi-quote per base token.
type fakeAgg struct {
	prices map[types.VenueID]int64
}

func (f *fakeAgg) GetAllQuotes(_ context.Context, tokenIn, tokenOut types.Token, amountIn *big.Int) []types.Quote {
	var out []types.Quote
	for id, p := range f.prices {
		price := big.NewInt(p)
		var amountOut *big.Int
		if tokenIn.Symbol == "USDT" {
			amountOut = new(big.Int).Mul(amountIn, quoteScale)
			amountOut.Div(amountOut, price)
		} else {
			amountOut = new(big.Int).Mul(amountIn, price)
			amountOut.Div(amountOut, quoteScale)
		}
		out = append(out, types.Quote{
			Venue:       id,
			TokenIn:     tokenIn,
			TokenOut:    tokenOut,
			AmountIn:    new(big.Int).Set(amountIn),
			AmountOut:   amountOut,
			MinReceived: amountOut,
			Hops:        1,
			Ts:          time.Now(),
		})
	}
	return out
}

func (f *fakeAgg) ExecuteTrade(context.Context, types.VenueID, types.Token, types.Token, *big.Int) (types.TradeResult, error) {
	return types.TradeResult{}, nil
}

func (f *fakeAgg) GetAllBalances(context.Context) (map[string]*big.Int, error) {
	return map[string]*big.Int{}, nil
}

type fakeGas struct{ cost int64 }

func (f *fakeGas) EstimateGasCost(context.Context) (*big.Int, error) {
	return big.NewInt(f.cost), nil
}

type fakeFunds struct {
	available map[string]*big.Int
	prices    map[string]float64
}

func newFakeFunds(quoteUnits int64) *fakeFunds {
	return &fakeFunds{
		available: map[string]*big.Int{"USDT": big.NewInt(quoteUnits)},
		prices:    map[string]float64{},
	}
}

func (f *fakeFunds) Available(token string) *big.Int {
	if b, ok := f.available[token]; ok {
		return b
	}
	return big.NewInt(0)
}

func (f *fakeFunds) SetPrice(token string, usd float64) { f.prices[token] = usd }

type fakeStats struct {
	losses int
	seen   int
}

func (f *fakeStats) LossStreak() int        { return f.losses }
func (f *fakeStats) AddOpportunities(n int) { f.seen += n }

type fakeSink struct{ got []types.ArbitragePath }

func (f *fakeSink) Submit(p types.ArbitragePath) bool {
	f.got = append(f.got, p)
	return true
}

func newTestScanner(cfg *config.Config, agg *fakeAgg, funds *fakeFunds, stats *fakeStats, sink *fakeSink) *Scanner {
	return New(cfg, agg, &fakeGas{cost: 100_000}, risk.NewEngine(cfg), funds, stats, sink, zap.NewNop())
}

func TestScan_FindsCrossVenueGap(t *testing.T) {
	cfg := newTestConfig()
	// uniswap prices WETH at $100, sushi at $102
	agg := &fakeAgg{prices: map[types.VenueID]int64{
		types.VenueUniswapV3: 10_000,
		types.VenueSushiV2:   10_200,
	}}
	funds := newFakeFunds(400_000_000)
	stats := &fakeStats{}
	sink := &fakeSink{}
	s := newTestScanner(cfg, agg, funds, stats, sink)

	opps := s.Scan(context.Background())

	// only buy-cheap-sell-dear survives; the reverse direction loses money
	require.Len(t, opps, 1)
	p := opps[0]
	assert.Equal(t, types.VenueUniswapV3, p.BuyVenue)
	assert.Equal(t, types.VenueSushiV2, p.SellVenue)
	assert.Equal(t, "WETH/USDT", p.Pair)
	// 200 bps gross less 10 bps of gas
	assert.InDelta(t, 190, p.ProfitBps, 1)
	assert.Equal(t, big.NewInt(4_000_000), p.GrossProfit)
	// two swaps worth of gas
	assert.Equal(t, big.NewInt(200_000), p.GasEstimate)
	assert.Equal(t, big.NewInt(3_800_000), p.NetProfit)
	assert.Equal(t, 3*time.Second, p.ValidUntil.Sub(p.DetectedAt))

	assert.Equal(t, 1, stats.seen)
	require.Len(t, sink.got, 1)
	assert.Equal(t, p.ID(), sink.got[0].ID())

	// live set matches what was emitted
	live := s.Opportunities()
	require.Len(t, live, 1)
	assert.Equal(t, p.ID(), live[0].ID())

	// the mid-rate from the cheapest venue feeds valuation
	assert.InDelta(t, 100, funds.prices["WETH"], 0.01)
}

func TestScan_NoGapNoOpportunities(t *testing.T) {
	cfg := newTestConfig()
	agg := &fakeAgg{prices: map[types.VenueID]int64{
		types.VenueUniswapV3: 10_000,
		types.VenueSushiV2:   10_000,
	}}
	stats := &fakeStats{}
	s := newTestScanner(cfg, agg, newFakeFunds(400_000_000), stats, &fakeSink{})

	opps := s.Scan(context.Background())
	assert.Empty(t, opps)
	assert.Equal(t, 0, stats.seen)
}

func TestScan_BelowProfitFloorDropped(t *testing.T) {
	cfg := newTestConfig()
	// a 5 bps gap does not even cover the 10 bps of gas
	agg := &fakeAgg{prices: map[types.VenueID]int64{
		types.VenueUniswapV3: 10_000,
		types.VenueSushiV2:   10_005,
	}}
	s := newTestScanner(cfg, agg, newFakeFunds(400_000_000), &fakeStats{}, &fakeSink{})

	assert.Empty(t, s.Scan(context.Background()))
}

func TestScan_LossStreakDoublesFloor(t *testing.T) {
	cfg := newTestConfig()
	// 18 bps gross at 3 bps of gas nets 15 bps: clears the normal floor
	// but not the doubled one
	agg := &fakeAgg{prices: map[types.VenueID]int64{
		types.VenueUniswapV3: 10_000,
		types.VenueSushiV2:   10_018,
	}}
	gas := &fakeGas{cost: 30_000}

	s := New(cfg, agg, gas, risk.NewEngine(cfg), newFakeFunds(400_000_000), &fakeStats{losses: 0}, &fakeSink{}, zap.NewNop())
	opps := s.Scan(context.Background())
	require.Len(t, opps, 1)
	assert.InDelta(t, 15, opps[0].ProfitBps, 0.1)

	throttled := New(cfg, agg, gas, risk.NewEngine(cfg), newFakeFunds(400_000_000), &fakeStats{losses: 3}, &fakeSink{}, zap.NewNop())
	assert.Empty(t, throttled.Scan(context.Background()))
}

func TestScan_SizesHalfAvailable(t *testing.T) {
	cfg := newTestConfig()
	agg := &fakeAgg{prices: map[types.VenueID]int64{
		types.VenueUniswapV3: 10_000,
		types.VenueSushiV2:   10_200,
	}}
	s := newTestScanner(cfg, agg, newFakeFunds(400_000_000), &fakeStats{}, &fakeSink{})

	opps := s.Scan(context.Background())
	require.Len(t, opps, 1)
	assert.Equal(t, big.NewInt(200_000_000), opps[0].BuyQuote.AmountIn)
}

func TestScan_SizeClampedToMax(t *testing.T) {
	cfg := newTestConfig()
	agg := &fakeAgg{prices: map[types.VenueID]int64{
		types.VenueUniswapV3: 10_000,
		types.VenueSushiV2:   10_200,
	}}
	s := newTestScanner(cfg, agg, newFakeFunds(100_000_000_000), &fakeStats{}, &fakeSink{})

	opps := s.Scan(context.Background())
	require.Len(t, opps, 1)
	assert.Equal(t, big.NewInt(cfg.Arb.MaxTradeSize), opps[0].BuyQuote.AmountIn)
}

func TestScan_BelowMinSizeSkipsPair(t *testing.T) {
	cfg := newTestConfig()
	agg := &fakeAgg{prices: map[types.VenueID]int64{
		types.VenueUniswapV3: 10_000,
		types.VenueSushiV2:   10_200,
	}}
	// half of 10 USDT is below the 10 USDT minimum
	s := newTestScanner(cfg, agg, newFakeFunds(10_000_000), &fakeStats{}, &fakeSink{})

	assert.Empty(t, s.Scan(context.Background()))
}

func TestScan_FlashLoansSizeAtMax(t *testing.T) {
	cfg := newTestConfig()
	cfg.Arb.FlashLoans = true
	agg := &fakeAgg{prices: map[types.VenueID]int64{
		types.VenueUniswapV3: 10_000,
		types.VenueSushiV2:   10_200,
	}}
	// no spot balance at all: the principal is borrowed
	s := newTestScanner(cfg, agg, newFakeFunds(0), &fakeStats{}, &fakeSink{})

	opps := s.Scan(context.Background())
	require.Len(t, opps, 1)
	p := opps[0]
	assert.Equal(t, big.NewInt(cfg.Arb.MaxTradeSize), p.BuyQuote.AmountIn)

	// net profit carries the flash premium: 9 bps on 1000 USDT principal
	gross := new(big.Int).Sub(p.SellQuote.AmountOut, p.BuyQuote.AmountIn)
	expected := new(big.Int).Sub(gross, big.NewInt(200_000)) // gas
	expected.Sub(expected, big.NewInt(900_000))              // flash fee
	assert.Equal(t, expected, p.NetProfit)
}
