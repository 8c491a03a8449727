package main

import (
	"context"
	"encoding/json"
	"flag"
	"math/big"
	"os"
	"time"

	"github.com/you/dex-arb/internal/config"
	"github.com/you/dex-arb/internal/engine"
	"github.com/you/dex-arb/internal/inventory"
	"github.com/you/dex-arb/internal/types"
	"github.com/you/dex-arb/internal/venue"
	"go.uber.org/zap"
)

// scan-once runs a single detection pass and prints the ranked opportunity
// set as JSON. Handy for checking a config before letting the bot trade.
func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	timeout := flag.Duration("timeout", 15*time.Second, "scan timeout")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	quote := cfg.QuoteToken()
	tokens := []types.Token{quote}
	for _, p := range cfg.WatchedPairs() {
		tokens = append(tokens, p.Base)
	}

	var (
		venues []venue.Venue
		gas    venue.GasEstimator
	)
	for _, id := range cfg.DEX.Venues {
		switch id {
		case types.VenueUniswapV3, types.VenueCamelotV3:
			v, err := venue.NewOnchain(venue.OnchainOpts{
				ID:          id,
				RPCHTTP:     cfg.Chain.RPCHTTP,
				Quoter:      cfg.DEX.QuoterV2,
				Router:      cfg.DEX.Router,
				FeeTiers:    cfg.DEX.FeeTiers,
				GasLimit:    cfg.Chain.GasLimitSwap,
				SlippageBps: cfg.Arb.MaxSlippageBps,
				NativeUSD:   cfg.Chain.NativeUSD,
				QuoteToken:  quote,
			}, logger.Named(string(id)))
			if err != nil {
				logger.Fatal("onchain venue init failed", zap.String("venue", string(id)), zap.Error(err))
			}
			venues = append(venues, v)
			if gas == nil {
				gas = v
			}
		default:
			if cfg.DEX.StreamURL == "" {
				continue
			}
			st := venue.NewStream(id, cfg.DEX.StreamURL, logger.Named(string(id)))
			go st.Run(ctx)
			venues = append(venues, st)
		}
	}
	if len(venues) < 2 {
		logger.Fatal("need at least two venues to arbitrage", zap.Int("configured", len(venues)))
	}

	set := venue.NewSet(logger, venues, tokens, nil)
	inv := inventory.NewManager(cfg, set, tokens, logger.Named("inventory"))
	inv.SetBalance(quote.Symbol, new(big.Int).Mul(big.NewInt(cfg.Arb.MaxTradeSize), big.NewInt(10)))

	eng := engine.New(cfg, set, gas, inv, nil, logger)
	opps := eng.ScanForOpportunities(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(opps); err != nil {
		logger.Fatal("encode failed", zap.Error(err))
	}
	logger.Info("scan complete", zap.Int("opportunities", len(opps)))
}
