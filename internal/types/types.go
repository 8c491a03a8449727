package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type VenueID string

const (
	VenueUniswapV3 VenueID = "uniswap_v3"
	VenueSushiV2   VenueID = "sushi_v2"
	VenueCamelotV2 VenueID = "camelot_v2"
	VenueCamelotV3 VenueID = "camelot_v3"
)

// Token identifies an ERC-20 token. Amounts everywhere are *big.Int in the
// token's smallest unit; floats are only for percentages and scores.
type Token struct {
	Symbol   string         `yaml:"symbol" json:"symbol"`
	Addr     common.Address `yaml:"-" json:"addr"`
	Decimals int            `yaml:"decimals" json:"decimals"`
}

// Pair is a watched trading pair: Base is the token being arbitraged,
// Quote is the settlement token both legs are priced in.
type Pair struct {
	Base  Token `json:"base"`
	Quote Token `json:"quote"`
}

func (p Pair) Symbol() string { return p.Base.Symbol + "/" + p.Quote.Symbol }

// Quote is one venue's answer for swapping AmountIn of TokenIn into TokenOut.
type Quote struct {
	Venue       VenueID   `json:"venue"`
	TokenIn     Token     `json:"tokenIn"`
	TokenOut    Token     `json:"tokenOut"`
	AmountIn    *big.Int  `json:"amountIn"`
	AmountOut   *big.Int  `json:"amountOut"`
	FeeTier     uint32    `json:"feeTier"`
	ImpactBps   float64   `json:"impactBps"`
	MinReceived *big.Int  `json:"minReceived"`
	Route       string    `json:"route"`
	Hops        int       `json:"hops"`
	Ts          time.Time `json:"ts"`
}

// TradeResult is the outcome of one swap on one venue.
type TradeResult struct {
	Successful   bool     `json:"successful"`
	OutputAmount *big.Int `json:"outputAmount"`
	GasUsed      *big.Int `json:"gasUsed"`
	Err          string   `json:"err,omitempty"`
}

// ArbitragePath is a candidate opportunity: buy Base with Quote on BuyVenue,
// sell it back on SellVenue. Profit fields are denominated in the quote
// token's smallest unit.
type ArbitragePath struct {
	Pair        string    `json:"pair"`
	BuyVenue    VenueID   `json:"buyVenue"`
	SellVenue   VenueID   `json:"sellVenue"`
	BuyQuote    Quote     `json:"buyQuote"`  // quote token -> base
	SellQuote   Quote     `json:"sellQuote"` // base -> quote token
	GrossProfit *big.Int  `json:"grossProfit"`
	NetProfit   *big.Int  `json:"netProfit"`
	ProfitBps   float64   `json:"profitBps"`
	GasEstimate *big.Int  `json:"gasEstimate"`
	SlippageBps float64   `json:"slippageBps"` // both legs combined
	RiskScore   float64   `json:"riskScore"`   // 0..100
	DetectedAt  time.Time `json:"detectedAt"`
	ValidUntil  time.Time `json:"validUntil"`
}

func (p *ArbitragePath) Expired(now time.Time) bool { return now.After(p.ValidUntil) }

func (p *ArbitragePath) ID() string {
	return fmt.Sprintf("%s %s->%s", p.Pair, p.BuyVenue, p.SellVenue)
}

// ArbitrageExecution is the immutable record of one execution attempt.
// Created exactly once, never mutated afterwards.
type ArbitrageExecution struct {
	Path          ArbitragePath `json:"path"`
	BuyTrade      TradeResult   `json:"buyTrade"`
	SellTrade     TradeResult   `json:"sellTrade"`
	ActualProfit  *big.Int      `json:"actualProfit"`
	GasCost       *big.Int      `json:"gasCost"`
	Duration      time.Duration `json:"duration"`
	Success       bool          `json:"success"`
	FailureReason string        `json:"failureReason,omitempty"`
	Ts            time.Time     `json:"ts"`
}

type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// SuggestedTrade is a corrective trade proposed by the inventory manager.
type SuggestedTrade struct {
	Token    string    `json:"token"`
	Side     TradeSide `json:"side"`
	Amount   *big.Int  `json:"amount"`
	ValueUSD float64   `json:"valueUSD"`
}

// InventoryState is a full snapshot of holdings vs. targets. It is recomputed
// and replaced wholesale on every inventory cycle.
type InventoryState struct {
	Balances        map[string]*big.Int `json:"balances"`
	TotalValueUSD   float64             `json:"totalValueUSD"`
	ImbalanceScore  float64             `json:"imbalanceScore"` // sum of |cur% - target%|
	Targets         map[string]float64  `json:"targets"`
	RebalanceNeeded bool                `json:"rebalanceNeeded"`
	Suggested       []SuggestedTrade    `json:"suggested"`
	Ts              time.Time           `json:"ts"`
}

// TradeIntent is what the risk gate sees immediately before capital commits.
type TradeIntent struct {
	Pair        string
	Venue       VenueID
	Side        TradeSide
	TokenIn     Token
	TokenOut    Token
	AmountIn    *big.Int
	ExpectedOut *big.Int
	RiskScore   float64
}

type VenuePairStats struct {
	Attempts  uint64   `json:"attempts"`
	Successes uint64   `json:"successes"`
	Profit    *big.Int `json:"profit"`
}

// ArbitrageMetrics aggregates execution outcomes. Streak is positive for
// consecutive wins and negative for consecutive losses.
type ArbitrageMetrics struct {
	OpportunitiesSeen   uint64                    `json:"opportunitiesSeen"`
	ExecutionsAttempted uint64                    `json:"executionsAttempted"`
	ExecutionsSucceeded uint64                    `json:"executionsSucceeded"`
	TotalProfit         *big.Int                  `json:"totalProfit"`
	TotalGas            *big.Int                  `json:"totalGas"`
	SuccessRate         float64                   `json:"successRate"`
	AvgExecutionTime    time.Duration             `json:"avgExecutionTime"`
	Streak              int                       `json:"streak"`
	VenuePairs          map[string]VenuePairStats `json:"venuePairs"`
	UpdatedAt           time.Time                 `json:"updatedAt"`
}
