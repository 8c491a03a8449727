package main

import (
	"context"
	"flag"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/you/dex-arb/internal/config"
	"github.com/you/dex-arb/internal/engine"
	"github.com/you/dex-arb/internal/feed"
	"github.com/you/dex-arb/internal/inventory"
	"github.com/you/dex-arb/internal/metrics"
	"github.com/you/dex-arb/internal/status"
	"github.com/you/dex-arb/internal/types"
	"github.com/you/dex-arb/internal/venue"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.DebugLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stack",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Warn("signal received, shutting down")
		cancel()
	}()

	metrics.Serve(ctx, cfg.Metrics.ListenAddr, nil, logger)

	quote := cfg.QuoteToken()
	tokens := []types.Token{quote}
	for _, p := range cfg.WatchedPairs() {
		tokens = append(tokens, p.Base)
	}

	walletPK := cfg.Chain.WalletPK
	if cfg.DryRun {
		logger.Warn("DRY-RUN: no real swaps will be sent")
		walletPK = ""
	}

	var (
		venues  []venue.Venue
		onchain *venue.Onchain
		gas     venue.GasEstimator
	)
	for _, id := range cfg.DEX.Venues {
		switch id {
		case types.VenueUniswapV3, types.VenueCamelotV3:
			v, err := venue.NewOnchain(venue.OnchainOpts{
				ID:          id,
				RPCHTTP:     cfg.Chain.RPCHTTP,
				Quoter:      cfg.DEX.QuoterV2,
				Router:      cfg.DEX.Router,
				WalletPK:    walletPK,
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
			if onchain == nil {
				onchain, gas = v, v
			}
		default:
			if cfg.DEX.StreamURL == "" {
				logger.Warn("no stream url configured, skipping venue", zap.String("venue", string(id)))
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

	var bal venue.BalanceReader
	if onchain != nil {
		bal = onchain
	}
	set := venue.NewSet(logger, venues, tokens, bal)
	inv := inventory.NewManager(cfg, set, tokens, logger.Named("inventory"))
	if cfg.DryRun {
		// paper balances so sizing and the spend gate still exercise
		inv.SetBalance(quote.Symbol, new(big.Int).Mul(big.NewInt(cfg.Arb.MaxTradeSize), big.NewInt(10)))
	}

	var pub *feed.Publisher
	if cfg.Redis.Addr != "" {
		pub = feed.NewPublisher(cfg, logger.Named("feed"))
		defer pub.Close()
	}

	var eng *engine.Engine
	if pub != nil {
		eng = engine.New(cfg, set, gas, inv, pub, logger)
	} else {
		eng = engine.New(cfg, set, gas, inv, nil, logger)
	}

	if cfg.Redis.Addr != "" {
		lst := feed.NewListener(cfg, eng, logger.Named("control"))
		defer lst.Close()
		go lst.Run(ctx)
	}

	status.StartHTTP(ctx, eng, cfg.Status.ListenAddr, logger.Named("status"))

	if pub != nil {
		go func() {
			t := time.NewTicker(cfg.MetricsInterval())
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					pub.PublishMetrics(ctx, eng.Metrics())
				}
			}
		}()
	}

	if err := eng.Start(ctx); err != nil {
		logger.Fatal("engine start failed", zap.Error(err))
	}
	logger.Info("running",
		zap.Int("pairs", len(cfg.Pairs)),
		zap.Int("venues", len(venues)),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("flash_loans", cfg.Arb.FlashLoans),
	)

	<-ctx.Done()
	eng.Stop()
}
