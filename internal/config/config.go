package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/you/dex-arb/internal/types"
	"gopkg.in/yaml.v3"
)

type PairCfg struct {
	Base         string `yaml:"base"`
	BaseAddr     string `yaml:"base_addr"`
	BaseDecimals int    `yaml:"base_decimals"`
}

type Config struct {
	DryRun bool `yaml:"dry_run"`

	Pairs []PairCfg `yaml:"pairs"`

	Chain struct {
		Network            string  `yaml:"network"`
		RPCHTTP            string  `yaml:"rpc_http"`
		WalletPK           string  `yaml:"wallet_pk"`
		MaxPriorityFeeGwei float64 `yaml:"max_priority_fee_gwei"`
		GasLimitSwap       uint64  `yaml:"gas_limit_swap"`
		NativeUSD          float64 `yaml:"native_usd"` // fallback native price for gas conversion
	} `yaml:"chain"`

	DEX struct {
		Quote         string          `yaml:"quote"` // settlement token symbol, e.g. USDT
		QuoteAddr     string          `yaml:"quote_addr"`
		QuoteDecimals int             `yaml:"quote_decimals"`
		QuoterV2      string          `yaml:"quoter_v2"`
		Router        string          `yaml:"router"`
		FeeTiers      []uint32        `yaml:"fee_tiers"`
		Venues        []types.VenueID `yaml:"venues"`
		StreamURL     string          `yaml:"stream_url"` // aggregator quote stream (ws)
	} `yaml:"dex"`

	Arb struct {
		MinProfitBps        float64 `yaml:"min_profit_bps"`
		MaxLatencyMs        int     `yaml:"max_latency_ms"` // opportunity validity window
		MinTradeSize        int64   `yaml:"min_trade_size"` // quote token smallest units
		MaxTradeSize        int64   `yaml:"max_trade_size"`
		MaxSlippageBps      float64 `yaml:"max_slippage_bps"`
		MaxImpactBps        float64 `yaml:"max_impact_bps"` // per leg
		GasBufferMultiplier float64 `yaml:"gas_buffer_multiplier"`
		MaxConcurrentTrades int64   `yaml:"max_concurrent_trades"`
		FlashLoans          bool    `yaml:"flash_loans"`
		FlashFeeBps         float64 `yaml:"flash_fee_bps"`
		MEVProtection       bool    `yaml:"mev_protection"`
		QueueSize           int     `yaml:"queue_size"`
		HistorySize         int     `yaml:"history_size"`
		MaxLossStreak       int     `yaml:"max_loss_streak"`
	} `yaml:"arb"`

	Inventory struct {
		Enabled         bool               `yaml:"enabled"`
		MaxImbalancePct float64            `yaml:"max_imbalance_pct"`
		Targets         map[string]float64 `yaml:"targets"` // token symbol -> target %
	} `yaml:"inventory"`

	Timings struct {
		ScanIntervalMs     int `yaml:"scan_interval_ms"`
		DrainIntervalMs    int `yaml:"drain_interval_ms"`
		InventoryIntervalS int `yaml:"inventory_interval_s"`
		MetricsIntervalS   int `yaml:"metrics_interval_s"`
	} `yaml:"timings"`

	Redis struct {
		Addr           string `yaml:"addr"`
		DB             int    `yaml:"db"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		ExecStream     string `yaml:"exec_stream"`
		OppStream      string `yaml:"opp_stream"`
		ControlChannel string `yaml:"control_channel"`
	} `yaml:"redis"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Status struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"status"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Arb.MinProfitBps == 0 {
		c.Arb.MinProfitBps = 10
	}
	if c.Arb.MaxLatencyMs == 0 {
		c.Arb.MaxLatencyMs = 3000
	}
	if c.Arb.MaxSlippageBps == 0 {
		c.Arb.MaxSlippageBps = 100
	}
	if c.Arb.MaxImpactBps == 0 {
		c.Arb.MaxImpactBps = 200
	}
	if c.Arb.GasBufferMultiplier == 0 {
		c.Arb.GasBufferMultiplier = 0.5
	}
	if c.Arb.MaxConcurrentTrades == 0 {
		c.Arb.MaxConcurrentTrades = 2
	}
	if c.Arb.QueueSize == 0 {
		c.Arb.QueueSize = 64
	}
	if c.Arb.HistorySize == 0 {
		c.Arb.HistorySize = 200
	}
	if c.Arb.MaxLossStreak == 0 {
		c.Arb.MaxLossStreak = 3
	}
	if c.Arb.FlashFeeBps == 0 {
		c.Arb.FlashFeeBps = 9 // aave v3 flash premium
	}
	if c.Inventory.MaxImbalancePct == 0 {
		c.Inventory.MaxImbalancePct = 10
	}
	if c.Timings.ScanIntervalMs == 0 {
		c.Timings.ScanIntervalMs = 1000
	}
	if c.Timings.DrainIntervalMs == 0 {
		c.Timings.DrainIntervalMs = 100
	}
	if c.Timings.InventoryIntervalS == 0 {
		c.Timings.InventoryIntervalS = 300
	}
	if c.Timings.MetricsIntervalS == 0 {
		c.Timings.MetricsIntervalS = 60
	}
	if c.Chain.NativeUSD == 0 {
		c.Chain.NativeUSD = 2000
	}
	if c.Chain.GasLimitSwap == 0 {
		c.Chain.GasLimitSwap = 300000
	}
	if len(c.DEX.FeeTiers) == 0 {
		c.DEX.FeeTiers = []uint32{100, 500, 3000, 10000}
	}
	if len(c.DEX.Venues) == 0 {
		c.DEX.Venues = []types.VenueID{types.VenueUniswapV3, types.VenueSushiV2, types.VenueCamelotV2}
	}
	if c.DEX.Quote == "" {
		c.DEX.Quote = "USDT"
	}
	if c.DEX.QuoteDecimals == 0 {
		c.DEX.QuoteDecimals = 6
	}
	if c.Redis.ExecStream == "" {
		c.Redis.ExecStream = "arb:executions"
	}
	if c.Redis.OppStream == "" {
		c.Redis.OppStream = "arb:opportunities"
	}
	if c.Redis.ControlChannel == "" {
		c.Redis.ControlChannel = "arb:control"
	}
}

func (c *Config) validate() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("no watched pairs configured")
	}
	if c.Arb.MinTradeSize <= 0 || c.Arb.MaxTradeSize < c.Arb.MinTradeSize {
		return fmt.Errorf("bad trade size bounds: min=%d max=%d", c.Arb.MinTradeSize, c.Arb.MaxTradeSize)
	}
	return nil
}

// QuoteToken returns the settlement token both legs are priced in.
func (c *Config) QuoteToken() types.Token {
	return types.Token{
		Symbol:   c.DEX.Quote,
		Addr:     common.HexToAddress(c.DEX.QuoteAddr),
		Decimals: c.DEX.QuoteDecimals,
	}
}

// WatchedPairs materializes the configured pair list.
func (c *Config) WatchedPairs() []types.Pair {
	quote := c.QuoteToken()
	out := make([]types.Pair, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		dec := p.BaseDecimals
		if dec == 0 {
			dec = 18
		}
		out = append(out, types.Pair{
			Base:  types.Token{Symbol: p.Base, Addr: common.HexToAddress(p.BaseAddr), Decimals: dec},
			Quote: quote,
		})
	}
	return out
}

func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Timings.ScanIntervalMs) * time.Millisecond
}
func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.Timings.DrainIntervalMs) * time.Millisecond
}
func (c *Config) InventoryInterval() time.Duration {
	return time.Duration(c.Timings.InventoryIntervalS) * time.Second
}
func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.Timings.MetricsIntervalS) * time.Second
}
func (c *Config) MaxLatency() time.Duration {
	return time.Duration(c.Arb.MaxLatencyMs) * time.Millisecond
}
