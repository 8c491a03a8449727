package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/you/dex-arb/internal/risk"
	"github.com/you/dex-arb/internal/types"
	"go.uber.org/zap"
)

const maxMevRisk = 0.50

// execute runs one opportunity end to end: re-validate, reserve funds, buy,
// sell the realized buy output, settle, record. Exactly one execution record
// is produced per attempt, whatever the outcome.
func (e *Engine) execute(ctx context.Context, p types.ArbitragePath) types.ArbitrageExecution {
	start := time.Now()
	base := p.BuyQuote.TokenOut
	quote := p.BuyQuote.TokenIn

	fail := func(reason string, buy, sell types.TradeResult) types.ArbitrageExecution {
		exec := types.ArbitrageExecution{
			Path:          p,
			BuyTrade:      buy,
			SellTrade:     sell,
			ActualProfit:  big.NewInt(0),
			GasCost:       sumGas(buy, sell),
			Duration:      time.Since(start),
			Success:       false,
			FailureReason: reason,
			Ts:            time.Now(),
		}
		e.log.Warn("execution failed",
			zap.String("path", p.ID()),
			zap.String("reason", reason),
			zap.Duration("took", exec.Duration),
		)
		e.record(exec)
		return exec
	}

	// Conditions at detection time are not conditions now.
	if err := e.gate.ValidatePath(&p, time.Now()); err != nil {
		if errors.Is(err, risk.ErrExpired) {
			return fail("opportunity expired", types.TradeResult{}, types.TradeResult{})
		}
		return fail(fmt.Sprintf("opportunity no longer valid: %v", err), types.TradeResult{}, types.TradeResult{})
	}

	if e.cfg.Arb.MEVProtection {
		if r := e.gate.EstimateMevRisk(&p); r > maxMevRisk {
			return fail(fmt.Sprintf("mev risk %.2f above %.2f", r, maxMevRisk), types.TradeResult{}, types.TradeResult{})
		}
	}

	principal := new(big.Int).Set(p.BuyQuote.AmountIn)
	// Borrow only when on-hand inventory cannot cover the principal.
	borrowed := e.cfg.Arb.FlashLoans && principal.Cmp(e.inv.Available(quote.Symbol)) > 0
	if !borrowed {
		if err := e.inv.Reserve(quote.Symbol, principal); err != nil {
			return fail("insufficient inventory: "+err.Error(), types.TradeResult{}, types.TradeResult{})
		}
	}
	releasePrincipal := func() {
		if !borrowed {
			e.inv.Release(quote.Symbol, principal)
		}
	}

	buyIntent := types.TradeIntent{
		Pair:        p.Pair,
		Venue:       p.BuyVenue,
		Side:        types.SideBuy,
		TokenIn:     quote,
		TokenOut:    base,
		AmountIn:    principal,
		ExpectedOut: p.BuyQuote.AmountOut,
		RiskScore:   p.RiskScore,
	}
	if ok, reason := e.gate.ValidateTrade(buyIntent); !ok {
		releasePrincipal()
		return fail("buy leg rejected: "+reason, types.TradeResult{}, types.TradeResult{})
	}

	buyRes, err := e.agg.ExecuteTrade(ctx, p.BuyVenue, quote, base, principal)
	if err != nil || !buyRes.Successful {
		releasePrincipal()
		if err == nil {
			err = fmt.Errorf("%s", buyRes.Err)
		}
		// buy leg never filled, so the sell leg is not attempted
		return fail("buy leg failed: "+err.Error(), buyRes, types.TradeResult{})
	}

	realized := buyRes.OutputAmount
	if !borrowed {
		e.inv.ApplyFill(quote.Symbol, principal, base.Symbol, realized)
	} else {
		e.inv.ApplyFill(base.Symbol, nil, base.Symbol, realized)
	}

	sellIntent := types.TradeIntent{
		Pair:        p.Pair,
		Venue:       p.SellVenue,
		Side:        types.SideSell,
		TokenIn:     base,
		TokenOut:    quote,
		AmountIn:    realized,
		ExpectedOut: p.SellQuote.AmountOut,
		RiskScore:   p.RiskScore,
	}
	if ok, reason := e.gate.ValidateTrade(sellIntent); !ok {
		return fail("sell leg rejected after buy fill: "+reason, buyRes, types.TradeResult{})
	}

	if err := e.inv.Reserve(base.Symbol, realized); err != nil {
		return fail("sell leg reservation failed after buy fill: "+err.Error(), buyRes, types.TradeResult{})
	}
	sellRes, err := e.agg.ExecuteTrade(ctx, p.SellVenue, base, quote, realized)
	if err != nil || !sellRes.Successful {
		e.inv.Release(base.Symbol, realized)
		if err == nil {
			err = fmt.Errorf("%s", sellRes.Err)
		}
		// the position is now long the base token; distinct from a clean miss
		return fail("sell leg failed after buy fill: "+err.Error(), buyRes, sellRes)
	}
	e.inv.ApplyFill(base.Symbol, realized, quote.Symbol, sellRes.OutputAmount)

	gasCost := sumGas(buyRes, sellRes)
	// realized sell output minus what the buy leg consumed; gas rides in
	// GasCost so consumers summing both never count it twice
	profit := new(big.Int).Sub(sellRes.OutputAmount, principal)
	if borrowed {
		fee := new(big.Int).Mul(principal, big.NewInt(int64(e.cfg.Arb.FlashFeeBps*100)))
		fee.Div(fee, big.NewInt(1_000_000))
		profit.Sub(profit, fee)
		// repay principal plus premium out of the sell proceeds
		repay := new(big.Int).Add(principal, fee)
		e.inv.ApplyFill(quote.Symbol, repay, quote.Symbol, nil)
	}

	exec := types.ArbitrageExecution{
		Path:         p,
		BuyTrade:     buyRes,
		SellTrade:    sellRes,
		ActualProfit: profit,
		GasCost:      gasCost,
		Duration:     time.Since(start),
		Success:      true,
		Ts:           time.Now(),
	}
	e.log.Info("execution complete",
		zap.String("path", p.ID()),
		zap.String("profit", profit.String()),
		zap.String("gas", gasCost.String()),
		zap.Duration("took", exec.Duration),
	)
	e.record(exec)
	return exec
}

func sumGas(a, b types.TradeResult) *big.Int {
	g := big.NewInt(0)
	if a.GasUsed != nil {
		g.Add(g, a.GasUsed)
	}
	if b.GasUsed != nil {
		g.Add(g, b.GasUsed)
	}
	return g
}
