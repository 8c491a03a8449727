package inventory

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/you/dex-arb/internal/config"
	"github.com/you/dex-arb/internal/metrics"
	"github.com/you/dex-arb/internal/types"
	"github.com/you/dex-arb/internal/venue"
	"go.uber.org/zap"
)

// Tokens deviating from target by more than this many percentage points get
// a corrective trade suggested.
const rebalanceDeviationPct = 5.0

// Manager owns per-token balances and the spend gate every capital-consuming
// operation (arbitrage legs, rebalance trades) must pass through. A
// reservation fails fast when the requested amount exceeds the unreserved
// balance, so concurrent executions can never double-spend the same funds.
type Manager struct {
	cfg *config.Config
	log *zap.Logger
	agg venue.Aggregator

	tokens map[string]types.Token

	mu       sync.Mutex
	balances map[string]*big.Int
	reserved map[string]*big.Int
	prices   map[string]float64 // USD per whole token
	state    types.InventoryState
}

func NewManager(cfg *config.Config, agg venue.Aggregator, tokens []types.Token, log *zap.Logger) *Manager {
	tm := make(map[string]types.Token, len(tokens))
	for _, t := range tokens {
		tm[t.Symbol] = t
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		agg:      agg,
		tokens:   tm,
		balances: make(map[string]*big.Int, len(tokens)),
		reserved: make(map[string]*big.Int, len(tokens)),
		prices:   make(map[string]float64, len(tokens)),
	}
}

// Run recomputes inventory state on its own schedule, decoupled from
// arbitrage execution.
func (m *Manager) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.InventoryInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.RefreshBalances(ctx); err != nil {
				m.log.Warn("inventory: balance refresh failed", zap.Error(err))
				continue
			}
			if m.cfg.Inventory.Enabled {
				if err := m.Rebalance(ctx); err != nil {
					m.log.Warn("inventory: rebalance failed", zap.Error(err))
				}
			} else {
				m.snapshot()
			}
		}
	}
}

func (m *Manager) RefreshBalances(ctx context.Context) error {
	bals, err := m.agg.GetAllBalances(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for sym, b := range bals {
		m.balances[sym] = new(big.Int).Set(b)
	}
	m.mu.Unlock()
	return nil
}

// SetBalance seeds or overrides one token's balance (tests, paper trading).
func (m *Manager) SetBalance(token string, amount *big.Int) {
	m.mu.Lock()
	m.balances[token] = new(big.Int).Set(amount)
	m.mu.Unlock()
}

// SetPrice records the latest USD price for a token. The scanner feeds this
// from quote mid-rates so valuation never needs a separate oracle.
func (m *Manager) SetPrice(token string, usd float64) {
	if usd <= 0 {
		return
	}
	m.mu.Lock()
	m.prices[token] = usd
	m.mu.Unlock()
}

// Available is the unreserved balance for a token.
func (m *Manager) Available(token string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(token)
}

func (m *Manager) availableLocked(token string) *big.Int {
	bal := m.balances[token]
	if bal == nil {
		return big.NewInt(0)
	}
	avail := new(big.Int).Set(bal)
	if r := m.reserved[token]; r != nil {
		avail.Sub(avail, r)
	}
	if avail.Sign() < 0 {
		avail.SetInt64(0)
	}
	return avail
}

// Reserve marks amount of token as committed to an execution. It fails fast
// when the unreserved balance cannot cover the request.
func (m *Manager) Reserve(token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("reserve %s: non-positive amount", token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	avail := m.availableLocked(token)
	if amount.Cmp(avail) > 0 {
		return fmt.Errorf("reserve %s: requested %s exceeds unreserved %s", token, amount, avail)
	}
	r := m.reserved[token]
	if r == nil {
		r = big.NewInt(0)
		m.reserved[token] = r
	}
	r.Add(r, amount)
	return nil
}

// Release undoes a reservation without spending it.
func (m *Manager) Release(token string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.reserved[token]; r != nil {
		r.Sub(r, amount)
		if r.Sign() < 0 {
			r.SetInt64(0)
		}
	}
}

// ApplyFill settles a completed trade: the reserved input is spent and the
// realized output is credited.
func (m *Manager) ApplyFill(tokenIn string, spent *big.Int, tokenOut string, received *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spent != nil && spent.Sign() > 0 {
		if r := m.reserved[tokenIn]; r != nil {
			r.Sub(r, spent)
			if r.Sign() < 0 {
				r.SetInt64(0)
			}
		}
		if b := m.balances[tokenIn]; b != nil {
			b.Sub(b, spent)
			if b.Sign() < 0 {
				b.SetInt64(0)
			}
		}
	}
	if received != nil && received.Sign() > 0 {
		b := m.balances[tokenOut]
		if b == nil {
			b = big.NewInt(0)
			m.balances[tokenOut] = b
		}
		b.Add(b, received)
	}
}

// ComputeState builds a fresh InventoryState snapshot and stores it,
// superseding the previous one wholesale.
func (m *Manager) ComputeState(now time.Time) types.InventoryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computeStateLocked(now)
}

func (m *Manager) computeStateLocked(now time.Time) types.InventoryState {
	st := types.InventoryState{
		Balances: make(map[string]*big.Int, len(m.balances)),
		Targets:  m.cfg.Inventory.Targets,
		Ts:       now,
	}

	values := make(map[string]float64, len(m.balances))
	var total float64
	for sym, bal := range m.balances {
		st.Balances[sym] = new(big.Int).Set(bal)
		v := m.valueUSDLocked(sym, bal)
		values[sym] = v
		total += v
	}
	st.TotalValueUSD = total
	if total <= 0 {
		m.state = st
		return st
	}

	// Deterministic order so suggestions are stable across cycles.
	syms := make([]string, 0, len(m.cfg.Inventory.Targets))
	for sym := range m.cfg.Inventory.Targets {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	for _, sym := range syms {
		target := m.cfg.Inventory.Targets[sym]
		curPct := values[sym] / total * 100
		dev := curPct - target
		st.ImbalanceScore += math.Abs(dev)

		if math.Abs(dev) <= rebalanceDeviationPct {
			continue
		}
		tok, ok := m.tokens[sym]
		if !ok {
			continue
		}
		valueUSD := math.Abs(dev) / 100 * total
		side := types.SideSell
		amountToken := sym
		if dev < 0 {
			side = types.SideBuy
			// buy amount is denominated in the quote token we spend
			amountToken = m.cfg.DEX.Quote
			tok = m.tokens[amountToken]
		}
		px := m.prices[amountToken]
		if amountToken == m.cfg.DEX.Quote {
			px = 1 // settlement token trades at par
		}
		if px <= 0 {
			continue
		}
		amt := usdToUnits(valueUSD/px, tok.Decimals)
		if amt.Sign() <= 0 {
			continue
		}
		st.Suggested = append(st.Suggested, types.SuggestedTrade{
			Token:    sym,
			Side:     side,
			Amount:   amt,
			ValueUSD: valueUSD,
		})
	}

	st.RebalanceNeeded = st.ImbalanceScore > m.cfg.Inventory.MaxImbalancePct
	metrics.InventoryImbalance.Set(st.ImbalanceScore)
	m.state = st
	return st
}

func (m *Manager) valueUSDLocked(sym string, bal *big.Int) float64 {
	tok, ok := m.tokens[sym]
	if !ok {
		return 0
	}
	px := m.prices[sym]
	if sym == m.cfg.DEX.Quote {
		px = 1
	}
	if px <= 0 || bal == nil {
		return 0
	}
	f := new(big.Float).SetInt(bal)
	f.Quo(f, big.NewFloat(math.Pow10(tok.Decimals)))
	whole, _ := f.Float64()
	return whole * px
}

func usdToUnits(whole float64, decimals int) *big.Int {
	f := big.NewFloat(whole)
	f.Mul(f, big.NewFloat(math.Pow10(decimals)))
	out, _ := f.Int(nil)
	return out
}

func (m *Manager) snapshot() {
	st := m.ComputeState(time.Now())
	m.log.Debug("inventory snapshot",
		zap.Float64("total_usd", st.TotalValueUSD),
		zap.Float64("imbalance", st.ImbalanceScore),
		zap.Bool("rebalance_needed", st.RebalanceNeeded),
	)
}

// State returns the latest computed snapshot.
func (m *Manager) State() types.InventoryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Rebalance recomputes state and, when the imbalance exceeds the configured
// maximum, executes the suggested corrective trades sequentially. Every trade
// reserves its input through the spend gate first, so rebalancing can never
// race an arbitrage leg for the same funds.
func (m *Manager) Rebalance(ctx context.Context) error {
	st := m.ComputeState(time.Now())
	if !st.RebalanceNeeded {
		return nil
	}
	m.log.Info("rebalancing inventory",
		zap.Float64("imbalance", st.ImbalanceScore),
		zap.Int("trades", len(st.Suggested)),
	)
	quote := m.tokens[m.cfg.DEX.Quote]
	for _, tr := range st.Suggested {
		// the settlement token's own allocation corrects through the
		// proceeds of the other corrective trades
		if tr.Token == m.cfg.DEX.Quote {
			continue
		}
		base, ok := m.tokens[tr.Token]
		if !ok {
			continue
		}
		tokenIn, tokenOut := base, quote
		if tr.Side == types.SideBuy {
			tokenIn, tokenOut = quote, base
		}
		if err := m.executeCorrective(ctx, tokenIn, tokenOut, tr.Amount); err != nil {
			m.log.Warn("corrective trade failed",
				zap.String("token", tr.Token),
				zap.String("side", string(tr.Side)),
				zap.Error(err),
			)
		}
	}
	m.ComputeState(time.Now())
	return nil
}

func (m *Manager) executeCorrective(ctx context.Context, tokenIn, tokenOut types.Token, amount *big.Int) error {
	if err := m.Reserve(tokenIn.Symbol, amount); err != nil {
		return err
	}
	quotes := m.agg.GetAllQuotes(ctx, tokenIn, tokenOut, amount)
	if len(quotes) == 0 {
		m.Release(tokenIn.Symbol, amount)
		return fmt.Errorf("no venue quoted %s->%s", tokenIn.Symbol, tokenOut.Symbol)
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.AmountOut.Cmp(best.AmountOut) > 0 {
			best = q
		}
	}
	res, err := m.agg.ExecuteTrade(ctx, best.Venue, tokenIn, tokenOut, amount)
	if err != nil || !res.Successful {
		m.Release(tokenIn.Symbol, amount)
		if err == nil {
			err = fmt.Errorf("venue %s rejected trade: %s", best.Venue, res.Err)
		}
		return err
	}
	m.ApplyFill(tokenIn.Symbol, amount, tokenOut.Symbol, res.OutputAmount)
	return nil
}
