package metrics

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/you/dex-arb/internal/types"
)

// Tracker accumulates execution outcomes into ArbitrageMetrics. Record is
// called in the order executions complete, not the order they were dequeued;
// a single mutex keeps that ordering observable.
type Tracker struct {
	mu sync.Mutex

	opportunitiesSeen   uint64
	executionsAttempted uint64
	executionsSucceeded uint64
	totalProfit         *big.Int
	totalGas            *big.Int
	totalDuration       time.Duration
	streak              int // >0 consecutive wins, <0 consecutive losses
	venuePairs          map[string]*types.VenuePairStats
	updatedAt           time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		totalProfit: big.NewInt(0),
		totalGas:    big.NewInt(0),
		venuePairs:  make(map[string]*types.VenuePairStats),
	}
}

// AddOpportunities bumps the opportunities-seen counter after a scan retains
// candidates.
func (t *Tracker) AddOpportunities(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.opportunitiesSeen += uint64(n)
	t.mu.Unlock()
	OpportunitiesSeen.Add(float64(n))
}

// Record folds one completed execution into the running statistics.
func (t *Tracker) Record(exec types.ArbitrageExecution) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.executionsAttempted++
	t.totalDuration += exec.Duration
	if exec.GasCost != nil {
		t.totalGas.Add(t.totalGas, exec.GasCost)
	}

	key := fmt.Sprintf("%s->%s", exec.Path.BuyVenue, exec.Path.SellVenue)
	vp := t.venuePairs[key]
	if vp == nil {
		vp = &types.VenuePairStats{Profit: big.NewInt(0)}
		t.venuePairs[key] = vp
	}
	vp.Attempts++

	if exec.Success {
		t.executionsSucceeded++
		vp.Successes++
		if exec.ActualProfit != nil {
			t.totalProfit.Add(t.totalProfit, exec.ActualProfit)
			vp.Profit.Add(vp.Profit, exec.ActualProfit)
		}
		if t.streak < 0 {
			t.streak = 0
		}
		t.streak++
	} else {
		if t.streak > 0 {
			t.streak = 0
		}
		t.streak--
	}
	t.updatedAt = exec.Ts

	ExecutionsAttempted.Inc()
	if exec.Success {
		ExecutionsSucceeded.Inc()
		if exec.ActualProfit != nil && exec.ActualProfit.Sign() > 0 {
			pf, _ := new(big.Float).SetInt(exec.ActualProfit).Float64()
			ProfitQuoteUnits.Add(pf)
		}
	}
	if exec.GasCost != nil && exec.GasCost.Sign() > 0 {
		gf, _ := new(big.Float).SetInt(exec.GasCost).Float64()
		GasQuoteUnits.Add(gf)
	}
	ExecutionLatency.Observe(exec.Duration.Seconds())
}

// LossStreak is the current run of consecutive losses (0 when winning).
func (t *Tracker) LossStreak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streak < 0 {
		return -t.streak
	}
	return 0
}

// Snapshot returns a copy of the aggregated metrics.
//
// Success rate is successes / (successes + consecutive losses), not
// successes / attempts: a win resets the loss streak and shrinks the
// denominator. Downstream consumers depend on this definition, so it stays.
func (t *Tracker) Snapshot() types.ArbitrageMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	losses := 0
	if t.streak < 0 {
		losses = -t.streak
	}
	rate := 0.0
	if t.executionsSucceeded+uint64(losses) > 0 {
		rate = float64(t.executionsSucceeded) / float64(t.executionsSucceeded+uint64(losses))
	}
	avg := time.Duration(0)
	if t.executionsAttempted > 0 {
		avg = t.totalDuration / time.Duration(t.executionsAttempted)
	}

	vps := make(map[string]types.VenuePairStats, len(t.venuePairs))
	for k, v := range t.venuePairs {
		vps[k] = types.VenuePairStats{
			Attempts:  v.Attempts,
			Successes: v.Successes,
			Profit:    new(big.Int).Set(v.Profit),
		}
	}

	return types.ArbitrageMetrics{
		OpportunitiesSeen:   t.opportunitiesSeen,
		ExecutionsAttempted: t.executionsAttempted,
		ExecutionsSucceeded: t.executionsSucceeded,
		TotalProfit:         new(big.Int).Set(t.totalProfit),
		TotalGas:            new(big.Int).Set(t.totalGas),
		SuccessRate:         rate,
		AvgExecutionTime:    avg,
		Streak:              t.streak,
		VenuePairs:          vps,
		UpdatedAt:           t.updatedAt,
	}
}
