package risk

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/you/dex-arb/internal/config"
	"github.com/you/dex-arb/internal/types"
)

// ErrExpired marks a path whose validity window has passed. The engine
// records it with a distinct failure reason.
var ErrExpired = errors.New("opportunity expired")

const maxExecutionRisk = 80

// Engine is the profitability/risk gate. The same ValidatePath filter runs
// at detection time and again immediately before capital commits, because
// market state may have moved in between.
type Engine struct {
	cfg *config.Config
}

func NewEngine(cfg *config.Config) *Engine { return &Engine{cfg: cfg} }

func (e *Engine) ValidatePath(p *types.ArbitragePath, now time.Time) error {
	if p.Expired(now) {
		return ErrExpired
	}
	if p.NetProfit == nil || p.NetProfit.Sign() <= 0 {
		return fmt.Errorf("not profitable after costs")
	}
	if p.ProfitBps < e.cfg.Arb.MinProfitBps {
		return fmt.Errorf("profit %.1f bps below floor %.1f", p.ProfitBps, e.cfg.Arb.MinProfitBps)
	}
	if p.SlippageBps > e.cfg.Arb.MaxSlippageBps {
		return fmt.Errorf("combined slippage %.1f bps above max %.1f", p.SlippageBps, e.cfg.Arb.MaxSlippageBps)
	}
	if p.BuyQuote.ImpactBps > e.cfg.Arb.MaxImpactBps || p.SellQuote.ImpactBps > e.cfg.Arb.MaxImpactBps {
		return fmt.Errorf("leg price impact above max %.1f bps", e.cfg.Arb.MaxImpactBps)
	}
	if p.GasEstimate != nil && p.GrossProfit != nil {
		budget := new(big.Float).SetInt(p.GrossProfit)
		budget.Mul(budget, big.NewFloat(e.cfg.Arb.GasBufferMultiplier))
		gas := new(big.Float).SetInt(p.GasEstimate)
		if gas.Cmp(budget) > 0 {
			return fmt.Errorf("gas estimate exceeds %.2fx gross profit budget", e.cfg.Arb.GasBufferMultiplier)
		}
	}
	if p.RiskScore > maxExecutionRisk {
		return fmt.Errorf("execution risk %.0f above %d", p.RiskScore, maxExecutionRisk)
	}
	return nil
}

// ValidateTrade approves or denies one leg immediately before it commits
// capital. A stale approval from detection time is never reused.
func (e *Engine) ValidateTrade(intent types.TradeIntent) (bool, string) {
	if intent.AmountIn == nil || intent.AmountIn.Sign() <= 0 {
		return false, "zero trade size"
	}
	if intent.Side == types.SideBuy {
		if intent.AmountIn.Cmp(big.NewInt(e.cfg.Arb.MinTradeSize)) < 0 {
			return false, "trade below minimum size"
		}
		if intent.AmountIn.Cmp(big.NewInt(e.cfg.Arb.MaxTradeSize)) > 0 {
			return false, "trade above maximum size"
		}
	}
	if intent.ExpectedOut == nil || intent.ExpectedOut.Sign() <= 0 {
		return false, "no expected output"
	}
	if intent.RiskScore > maxExecutionRisk {
		return false, fmt.Sprintf("risk score %.0f above %d", intent.RiskScore, maxExecutionRisk)
	}
	return true, ""
}

// EstimateMevRisk returns the chance in [0,1] that a pending pair of swaps
// gets sandwiched or front-run. Large visible impact and fat margins attract
// searchers.
func (e *Engine) EstimateMevRisk(p *types.ArbitragePath) float64 {
	impactSum := p.BuyQuote.ImpactBps + p.SellQuote.ImpactBps
	r := impactSum/10000*2 + p.ProfitBps/1000
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return r
}

// ScorePath combines quote staleness, summed price impact, and route hop
// count into a 0-100 execution risk score.
func ScorePath(p *types.ArbitragePath, now time.Time) float64 {
	oldest := p.BuyQuote.Ts
	if p.SellQuote.Ts.Before(oldest) {
		oldest = p.SellQuote.Ts
	}
	staleness := now.Sub(oldest).Seconds()
	if staleness < 0 {
		staleness = 0
	}
	hops := p.BuyQuote.Hops + p.SellQuote.Hops
	score := staleness*10 + (p.BuyQuote.ImpactBps+p.SellQuote.ImpactBps)*0.2 + float64(hops-2)*5
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
