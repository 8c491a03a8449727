package venue

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/you/dex-arb/internal/types"
	"go.uber.org/zap"
)

// Venue is one DEX the engine can quote and trade on.
type Venue interface {
	ID() types.VenueID
	GetQuote(ctx context.Context, tokenIn, tokenOut types.Token, amountIn *big.Int) (types.Quote, error)
	ExecuteTrade(ctx context.Context, tokenIn, tokenOut types.Token, amountIn *big.Int) (types.TradeResult, error)
}

// BalanceReader reports the wallet's holdings of a token.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token types.Token) (*big.Int, error)
}

// GasEstimator prices one swap in quote-token smallest units.
type GasEstimator interface {
	EstimateGasCost(ctx context.Context) (*big.Int, error)
}

// Aggregator is the multi-venue quote/trade surface the engine consumes.
type Aggregator interface {
	GetAllQuotes(ctx context.Context, tokenIn, tokenOut types.Token, amountIn *big.Int) []types.Quote
	ExecuteTrade(ctx context.Context, id types.VenueID, tokenIn, tokenOut types.Token, amountIn *big.Int) (types.TradeResult, error)
	GetAllBalances(ctx context.Context) (map[string]*big.Int, error)
}

// Set fans quote requests out to every registered venue concurrently.
// A venue that errors is skipped; it never fails the whole request.
type Set struct {
	log    *zap.Logger
	venues []Venue
	byID   map[types.VenueID]Venue
	tokens []types.Token
	bal    BalanceReader
}

func NewSet(log *zap.Logger, venues []Venue, tokens []types.Token, bal BalanceReader) *Set {
	byID := make(map[types.VenueID]Venue, len(venues))
	for _, v := range venues {
		byID[v.ID()] = v
	}
	return &Set{log: log, venues: venues, byID: byID, tokens: tokens, bal: bal}
}

func (s *Set) GetAllQuotes(ctx context.Context, tokenIn, tokenOut types.Token, amountIn *big.Int) []types.Quote {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []types.Quote
	)
	for _, v := range s.venues {
		v := v
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := v.GetQuote(ctx, tokenIn, tokenOut, amountIn)
			if err != nil {
				s.log.Debug("quote failed",
					zap.String("venue", string(v.ID())),
					zap.String("in", tokenIn.Symbol),
					zap.String("out", tokenOut.Symbol),
					zap.Error(err),
				)
				return
			}
			if q.AmountOut == nil || q.AmountOut.Sign() <= 0 {
				return
			}
			mu.Lock()
			out = append(out, q)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (s *Set) ExecuteTrade(ctx context.Context, id types.VenueID, tokenIn, tokenOut types.Token, amountIn *big.Int) (types.TradeResult, error) {
	v, ok := s.byID[id]
	if !ok {
		return types.TradeResult{}, fmt.Errorf("unknown venue %q", id)
	}
	return v.ExecuteTrade(ctx, tokenIn, tokenOut, amountIn)
}

func (s *Set) GetAllBalances(ctx context.Context) (map[string]*big.Int, error) {
	if s.bal == nil {
		return nil, fmt.Errorf("no balance reader configured")
	}
	out := make(map[string]*big.Int, len(s.tokens))
	for _, t := range s.tokens {
		b, err := s.bal.BalanceOf(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", t.Symbol, err)
		}
		out[t.Symbol] = b
	}
	return out, nil
}
