package metrics

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/you/dex-arb/internal/types"
)

func exec(success bool, profit int64, buy, sell types.VenueID) types.ArbitrageExecution {
	return types.ArbitrageExecution{
		Path: types.ArbitragePath{
			Pair:      "WETH/USDT",
			BuyVenue:  buy,
			SellVenue: sell,
		},
		ActualProfit: big.NewInt(profit),
		GasCost:      big.NewInt(1000),
		Duration:     100 * time.Millisecond,
		Success:      success,
		Ts:           time.Now(),
	}
}

func TestTracker_SuccessRateFormula(t *testing.T) {
	tr := NewTracker()

	// two wins then one loss: rate = 2 / (2 + 1)
	tr.Record(exec(true, 500, types.VenueUniswapV3, types.VenueSushiV2))
	tr.Record(exec(true, 300, types.VenueUniswapV3, types.VenueSushiV2))
	tr.Record(exec(false, 0, types.VenueSushiV2, types.VenueUniswapV3))

	m := tr.Snapshot()
	assert.Equal(t, uint64(3), m.ExecutionsAttempted)
	assert.Equal(t, uint64(2), m.ExecutionsSucceeded)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate, 1e-9)
	assert.Equal(t, -1, m.Streak)

	// a win clears the loss streak, so the denominator shrinks back
	tr.Record(exec(true, 200, types.VenueUniswapV3, types.VenueSushiV2))
	m = tr.Snapshot()
	assert.InDelta(t, 1.0, m.SuccessRate, 1e-9)
	assert.Equal(t, 1, m.Streak)
}

func TestTracker_ProfitAndGasAccumulate(t *testing.T) {
	tr := NewTracker()
	tr.Record(exec(true, 500, types.VenueUniswapV3, types.VenueSushiV2))
	tr.Record(exec(true, 300, types.VenueUniswapV3, types.VenueSushiV2))
	tr.Record(exec(false, 0, types.VenueUniswapV3, types.VenueSushiV2))

	m := tr.Snapshot()
	assert.Equal(t, big.NewInt(800), m.TotalProfit)
	assert.Equal(t, big.NewInt(3000), m.TotalGas)
	assert.Equal(t, 100*time.Millisecond, m.AvgExecutionTime)
}

func TestTracker_LossStreak(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, 0, tr.LossStreak())

	tr.Record(exec(false, 0, types.VenueUniswapV3, types.VenueSushiV2))
	tr.Record(exec(false, 0, types.VenueUniswapV3, types.VenueSushiV2))
	assert.Equal(t, 2, tr.LossStreak())

	tr.Record(exec(true, 100, types.VenueUniswapV3, types.VenueSushiV2))
	assert.Equal(t, 0, tr.LossStreak())
}

func TestTracker_VenuePairStats(t *testing.T) {
	tr := NewTracker()
	tr.Record(exec(true, 500, types.VenueUniswapV3, types.VenueSushiV2))
	tr.Record(exec(false, 0, types.VenueUniswapV3, types.VenueSushiV2))
	tr.Record(exec(true, 700, types.VenueSushiV2, types.VenueUniswapV3))

	m := tr.Snapshot()
	uv := m.VenuePairs["uniswap_v3->sushi_v2"]
	assert.Equal(t, uint64(2), uv.Attempts)
	assert.Equal(t, uint64(1), uv.Successes)
	assert.Equal(t, big.NewInt(500), uv.Profit)

	vu := m.VenuePairs["sushi_v2->uniswap_v3"]
	assert.Equal(t, uint64(1), vu.Attempts)
	assert.Equal(t, big.NewInt(700), vu.Profit)
}

func TestTracker_OpportunitiesSeen(t *testing.T) {
	tr := NewTracker()
	tr.AddOpportunities(3)
	tr.AddOpportunities(0)
	tr.AddOpportunities(2)
	assert.Equal(t, uint64(5), tr.Snapshot().OpportunitiesSeen)
}
