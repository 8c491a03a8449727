package scanner

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/you/dex-arb/internal/config"
	"github.com/you/dex-arb/internal/metrics"
	"github.com/you/dex-arb/internal/risk"
	"github.com/you/dex-arb/internal/types"
	"github.com/you/dex-arb/internal/venue"
	"go.uber.org/zap"
)

// Sink receives validated opportunities. Submit reports whether the
// opportunity was accepted (a full queue may drop it).
type Sink interface {
	Submit(p types.ArbitragePath) bool
}

// Funds exposes the unreserved balance the scanner sizes trades against,
// and receives the mid-rate prices it derives from quotes.
type Funds interface {
	Available(token string) *big.Int
	SetPrice(token string, usd float64)
}

// Stats is the slice of the metrics tracker the scanner needs: the loss
// streak that drives throttling, and the opportunities-seen counter.
type Stats interface {
	LossStreak() int
	AddOpportunities(n int)
}

// Scanner polls every venue for every watched pair and turns cross-venue
// rate gaps into ArbitragePath candidates.
type Scanner struct {
	cfg   *config.Config
	log   *zap.Logger
	agg   venue.Aggregator
	gas   venue.GasEstimator
	gate  *risk.Engine
	funds Funds
	stats Stats
	sink  Sink

	mu   sync.RWMutex
	live []types.ArbitragePath
}

func New(cfg *config.Config, agg venue.Aggregator, gas venue.GasEstimator, gate *risk.Engine, funds Funds, stats Stats, sink Sink, log *zap.Logger) *Scanner {
	return &Scanner{
		cfg:   cfg,
		log:   log,
		agg:   agg,
		gas:   gas,
		gate:  gate,
		funds: funds,
		stats: stats,
		sink:  sink,
	}
}

// Run scans on a fixed interval until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.ScanInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Scan(ctx)
		}
	}
}

// Scan runs one full detection pass across all watched pairs, replaces the
// live opportunity set, and feeds accepted candidates to the sink. It returns
// the retained opportunities ranked by profit.
func (s *Scanner) Scan(ctx context.Context) []types.ArbitragePath {
	now := time.Now()
	gasPerSwap := s.gasPerSwap(ctx)
	floor := s.profitFloor()

	var found []types.ArbitragePath
	for _, pair := range s.cfg.WatchedPairs() {
		paths, err := s.scanPair(ctx, pair, gasPerSwap, now)
		if err != nil {
			metrics.ScanErrors.Inc()
			s.log.Warn("pair scan failed", zap.String("pair", pair.Symbol()), zap.Error(err))
			continue
		}
		found = append(found, paths...)
	}

	retained := found[:0]
	for i := range found {
		p := found[i]
		if err := s.gate.ValidatePath(&p, now); err != nil {
			s.log.Debug("path rejected", zap.String("path", p.ID()), zap.Error(err))
			continue
		}
		// After a losing streak the bar rises until a win resets it.
		if p.ProfitBps < floor {
			s.log.Debug("path below throttled floor",
				zap.String("path", p.ID()),
				zap.Float64("profit_bps", p.ProfitBps),
				zap.Float64("floor", floor),
			)
			continue
		}
		retained = append(retained, p)
	}

	sort.SliceStable(retained, func(i, j int) bool {
		return retained[i].ProfitBps > retained[j].ProfitBps
	})

	s.mu.Lock()
	s.live = append([]types.ArbitragePath(nil), retained...)
	s.mu.Unlock()

	if len(retained) > 0 {
		s.log.Info("scan complete",
			zap.Int("opportunities", len(retained)),
			zap.String("best", retained[0].ID()),
			zap.Float64("best_bps", retained[0].ProfitBps),
		)
	}

	if s.sink != nil {
		for _, p := range retained {
			if !s.sink.Submit(p) {
				s.log.Debug("queue full, dropped opportunity", zap.String("path", p.ID()))
			}
		}
	}
	if s.stats != nil {
		s.stats.AddOpportunities(len(retained))
	}
	return retained
}

// scanPair quotes the buy leg on every venue, then for each buy quote asks
// every other venue to price selling the exact realized output back. Both
// directions of every venue pair get considered.
func (s *Scanner) scanPair(ctx context.Context, pair types.Pair, gasPerSwap *big.Int, now time.Time) ([]types.ArbitragePath, error) {
	amountIn := s.tradeSize(pair)
	if amountIn.Sign() <= 0 {
		return nil, nil
	}

	buys := s.agg.GetAllQuotes(ctx, pair.Quote, pair.Base, amountIn)
	if len(buys) == 0 {
		return nil, nil
	}
	s.feedPrice(pair, buys)

	var out []types.ArbitragePath
	for _, buy := range buys {
		sells := s.agg.GetAllQuotes(ctx, pair.Base, pair.Quote, buy.AmountOut)
		for _, sell := range sells {
			if sell.Venue == buy.Venue {
				continue
			}
			p := s.buildPath(pair, buy, sell, gasPerSwap, now)
			if p != nil {
				out = append(out, *p)
			}
		}
	}
	return out, nil
}

// buildPath computes profit for one ordered venue pair. All amounts stay in
// quote-token smallest units as big integers; bps ratios are the only floats.
func (s *Scanner) buildPath(pair types.Pair, buy, sell types.Quote, gasPerSwap *big.Int, now time.Time) *types.ArbitragePath {
	if buy.AmountIn == nil || buy.AmountIn.Sign() <= 0 || sell.AmountOut == nil {
		return nil
	}

	gross := new(big.Int).Sub(sell.AmountOut, buy.AmountIn)
	if gross.Sign() <= 0 {
		return nil
	}

	gas := new(big.Int).Mul(gasPerSwap, big.NewInt(2))
	net := new(big.Int).Sub(gross, gas)
	if s.cfg.Arb.FlashLoans {
		// flash premium is charged on the borrowed principal
		fee := new(big.Int).Mul(buy.AmountIn, big.NewInt(int64(s.cfg.Arb.FlashFeeBps*100)))
		fee.Div(fee, big.NewInt(1_000_000))
		net.Sub(net, fee)
	}

	// margin is judged net of gas and fees, not on the raw venue gap
	profitBps, _ := new(big.Float).Quo(
		new(big.Float).SetInt(net),
		new(big.Float).SetInt(buy.AmountIn),
	).Float64()
	profitBps *= 10000

	p := &types.ArbitragePath{
		Pair:        pair.Symbol(),
		BuyVenue:    buy.Venue,
		SellVenue:   sell.Venue,
		BuyQuote:    buy,
		SellQuote:   sell,
		GrossProfit: gross,
		NetProfit:   net,
		ProfitBps:   profitBps,
		GasEstimate: gas,
		SlippageBps: buy.ImpactBps + sell.ImpactBps,
		DetectedAt:  now,
		ValidUntil:  now.Add(s.cfg.MaxLatency()),
	}
	p.RiskScore = risk.ScorePath(p, now)
	return p
}

// tradeSize sizes the buy leg: half the unreserved quote balance, clamped to
// the configured bounds. With flash loans the principal is borrowed, so the
// configured maximum applies directly.
func (s *Scanner) tradeSize(pair types.Pair) *big.Int {
	max := big.NewInt(s.cfg.Arb.MaxTradeSize)
	if s.cfg.Arb.FlashLoans {
		return max
	}
	avail := s.funds.Available(pair.Quote.Symbol)
	half := new(big.Int).Rsh(avail, 1)
	size := half
	if size.Cmp(max) > 0 {
		size = max
	}
	if size.Cmp(big.NewInt(s.cfg.Arb.MinTradeSize)) < 0 {
		return big.NewInt(0)
	}
	return size
}

// feedPrice derives the base token's USD price from the best buy quote
// mid-rate; the quote token is assumed to trade at par.
func (s *Scanner) feedPrice(pair types.Pair, buys []types.Quote) {
	best := buys[0]
	for _, q := range buys[1:] {
		if q.AmountOut.Cmp(best.AmountOut) > 0 {
			best = q
		}
	}
	if best.AmountOut == nil || best.AmountOut.Sign() <= 0 {
		return
	}
	in := new(big.Float).SetInt(best.AmountIn)
	in.Quo(in, pow10(pair.Quote.Decimals))
	out := new(big.Float).SetInt(best.AmountOut)
	out.Quo(out, pow10(pair.Base.Decimals))
	px, _ := new(big.Float).Quo(in, out).Float64()
	s.funds.SetPrice(pair.Base.Symbol, px)
}

func pow10(n int) *big.Float {
	f := big.NewFloat(1)
	ten := big.NewFloat(10)
	for i := 0; i < n; i++ {
		f.Mul(f, ten)
	}
	return f
}

// profitFloor returns the effective minimum profit in bps. It doubles while
// the engine sits on a loss streak at or past the configured limit.
func (s *Scanner) profitFloor() float64 {
	floor := s.cfg.Arb.MinProfitBps
	if s.stats != nil && s.stats.LossStreak() >= s.cfg.Arb.MaxLossStreak {
		floor *= 2
	}
	return floor
}

func (s *Scanner) gasPerSwap(ctx context.Context) *big.Int {
	if s.gas == nil {
		return big.NewInt(0)
	}
	g, err := s.gas.EstimateGasCost(ctx)
	if err != nil || g == nil {
		s.log.Debug("gas estimate unavailable", zap.Error(err))
		return big.NewInt(0)
	}
	return g
}

// Opportunities returns the live set from the most recent scan, best first.
func (s *Scanner) Opportunities() []types.ArbitragePath {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ArbitragePath(nil), s.live...)
}
