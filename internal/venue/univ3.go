package venue

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/you/dex-arb/internal/types"
	"go.uber.org/zap"
)

// Minimal QuoterV2 ABI: quoteExactInputSingle only.
const quoterV2ABI = `[
  {"inputs":[{"components":[
     {"internalType":"address","name":"tokenIn","type":"address"},
     {"internalType":"address","name":"tokenOut","type":"address"},
     {"internalType":"uint256","name":"amountIn","type":"uint256"},
     {"internalType":"uint24","name":"fee","type":"uint24"},
     {"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}],
    "internalType":"struct IQuoterV2.QuoteExactInputSingleParams","name":"params","type":"tuple"}],
   "name":"quoteExactInputSingle",
   "outputs":[
     {"internalType":"uint256","name":"amountOut","type":"uint256"},
     {"internalType":"uint160","name":"sqrtPriceX96After","type":"uint160"},
     {"internalType":"uint32","name":"initializedTicksCrossed","type":"uint32"},
     {"internalType":"uint256","name":"gasEstimate","type":"uint256"}],
   "stateMutability":"nonpayable","type":"function"}
]`

// Minimal ABI for SwapRouter.exactInputSingle.
const swapRouterABI = `[
  {"inputs":[{"components":[
     {"internalType":"address","name":"tokenIn","type":"address"},
     {"internalType":"address","name":"tokenOut","type":"address"},
     {"internalType":"uint24","name":"fee","type":"uint24"},
     {"internalType":"address","name":"recipient","type":"address"},
     {"internalType":"uint256","name":"deadline","type":"uint256"},
     {"internalType":"uint256","name":"amountIn","type":"uint256"},
     {"internalType":"uint256","name":"amountOutMinimum","type":"uint256"},
     {"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}],
    "internalType":"struct ISwapRouter.ExactInputSingleParams","name":"params","type":"tuple"}],
   "name":"exactInputSingle",
   "outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"}],
   "stateMutability":"payable","type":"function"}
]`

const erc20ABI = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

type OnchainOpts struct {
	ID          types.VenueID
	RPCHTTP     string
	Quoter      string
	Router      string
	WalletPK    string // empty in dry-run: quotes work, trades are rejected
	FeeTiers    []uint32
	GasLimit    uint64
	SlippageBps float64
	NativeUSD   float64 // fallback native token price for gas conversion
	QuoteToken  types.Token
}

// Onchain is a Uniswap-V3-style venue quoted through QuoterV2 eth_calls and
// traded through the canonical swap router.
type Onchain struct {
	opts   OnchainOpts
	log    *zap.Logger
	ec     *ethclient.Client
	qabi   abi.ABI
	rabi   abi.ABI
	eabi   abi.ABI
	quoter common.Address
	router common.Address
	pk     *ecdsa.PrivateKey
	sender common.Address

	decimalsCache sync.Map
}

func NewOnchain(opts OnchainOpts, log *zap.Logger) (*Onchain, error) {
	ec, err := ethclient.Dial(opts.RPCHTTP)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	qabi, err := abi.JSON(strings.NewReader(quoterV2ABI))
	if err != nil {
		return nil, fmt.Errorf("parse quoter abi: %w", err)
	}
	rabi, err := abi.JSON(strings.NewReader(swapRouterABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	eabi, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	quoterAddr := common.HexToAddress(opts.Quoter)
	if quoterAddr == (common.Address{}) {
		return nil, fmt.Errorf("quoter address is not configured for %s", opts.ID)
	}
	v := &Onchain{
		opts:   opts,
		log:    log,
		ec:     ec,
		qabi:   qabi,
		rabi:   rabi,
		eabi:   eabi,
		quoter: quoterAddr,
		router: common.HexToAddress(opts.Router),
	}
	if opts.WalletPK != "" {
		pk, err := crypto.HexToECDSA(opts.WalletPK)
		if err != nil {
			return nil, fmt.Errorf("bad private key: %w", err)
		}
		v.pk = pk
		v.sender = crypto.PubkeyToAddress(pk.PublicKey)
	}
	return v, nil
}

func (v *Onchain) ID() types.VenueID { return v.opts.ID }

func (v *Onchain) GetQuote(ctx context.Context, tokenIn, tokenOut types.Token, amountIn *big.Int) (types.Quote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return types.Quote{}, fmt.Errorf("amountIn must be > 0")
	}

	var (
		bestOut  *big.Int
		bestTier uint32
		lastErr  error
	)
	for _, tier := range v.opts.FeeTiers {
		out, err := v.quoteExactInput(ctx, tokenIn.Addr, tokenOut.Addr, amountIn, tier)
		if err != nil {
			lastErr = err
			continue
		}
		if bestOut == nil || out.Cmp(bestOut) > 0 {
			bestOut, bestTier = out, tier
		}
	}
	if bestOut == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("no pool on any fee tier")
		}
		return types.Quote{}, fmt.Errorf("%s quote %s->%s: %w", v.opts.ID, tokenIn.Symbol, tokenOut.Symbol, lastErr)
	}

	impact := v.estimateImpactBps(ctx, tokenIn.Addr, tokenOut.Addr, amountIn, bestOut, bestTier)

	minOut := new(big.Int).Mul(bestOut, big.NewInt(int64(10000-v.opts.SlippageBps)))
	minOut.Div(minOut, big.NewInt(10000))

	return types.Quote{
		Venue:       v.opts.ID,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		AmountIn:    new(big.Int).Set(amountIn),
		AmountOut:   bestOut,
		FeeTier:     bestTier,
		ImpactBps:   impact,
		MinReceived: minOut,
		Route:       fmt.Sprintf("%s->%s@%d", tokenIn.Symbol, tokenOut.Symbol, bestTier),
		Hops:        1,
		Ts:          time.Now(),
	}, nil
}

func (v *Onchain) quoteExactInput(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, tier uint32) (*big.Int, error) {
	params := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		AmountIn          *big.Int
		Fee               *big.Int
		SqrtPriceLimitX96 *big.Int
	}{tokenIn, tokenOut, amountIn, big.NewInt(int64(tier)), big.NewInt(0)}

	input, err := v.qabi.Pack("quoteExactInputSingle", params)
	if err != nil {
		return nil, fmt.Errorf("pack quote: %w", err)
	}
	res, err := v.ec.CallContract(ctx, ethereum.CallMsg{To: &v.quoter, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call quoter fee %d: %w", tier, err)
	}
	outs, err := v.qabi.Methods["quoteExactInputSingle"].Outputs.Unpack(res)
	if err != nil || len(outs) == 0 {
		return nil, fmt.Errorf("decode quote fee %d: %w", tier, err)
	}
	out, ok := outs[0].(*big.Int)
	if !ok || out.Sign() <= 0 {
		return nil, fmt.Errorf("empty quote fee %d", tier)
	}
	return out, nil
}

// estimateImpactBps compares the execution rate for the full size against a
// small probe quote on the same pool. Probe failures degrade to zero impact.
func (v *Onchain) estimateImpactBps(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, amountOut *big.Int, tier uint32) float64 {
	probe := new(big.Int).Div(amountIn, big.NewInt(128))
	if probe.Sign() <= 0 {
		return 0
	}
	probeOut, err := v.quoteExactInput(ctx, tokenIn, tokenOut, probe, tier)
	if err != nil || probeOut.Sign() <= 0 {
		return 0
	}
	fullRate := new(big.Float).Quo(new(big.Float).SetInt(amountOut), new(big.Float).SetInt(amountIn))
	probeRate := new(big.Float).Quo(new(big.Float).SetInt(probeOut), new(big.Float).SetInt(probe))
	pr, _ := probeRate.Float64()
	fr, _ := fullRate.Float64()
	if pr <= 0 || fr >= pr {
		return 0
	}
	return (1 - fr/pr) * 10000
}

func (v *Onchain) ExecuteTrade(ctx context.Context, tokenIn, tokenOut types.Token, amountIn *big.Int) (types.TradeResult, error) {
	if v.pk == nil {
		return types.TradeResult{}, fmt.Errorf("%s: wallet not configured", v.opts.ID)
	}
	q, err := v.GetQuote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return types.TradeResult{Err: err.Error()}, err
	}

	deadline := big.NewInt(time.Now().Add(2 * time.Minute).Unix())
	params := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		Deadline          *big.Int
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{tokenIn.Addr, tokenOut.Addr, big.NewInt(int64(q.FeeTier)), v.sender, deadline, amountIn, q.MinReceived, big.NewInt(0)}

	input, err := v.rabi.Pack("exactInputSingle", params)
	if err != nil {
		return types.TradeResult{Err: err.Error()}, fmt.Errorf("pack swap: %w", err)
	}
	signedTx, err := v.signTx(ctx, input)
	if err != nil {
		return types.TradeResult{Err: err.Error()}, fmt.Errorf("sign tx: %w", err)
	}
	if err := v.ec.SendTransaction(ctx, signedTx); err != nil {
		return types.TradeResult{Err: err.Error()}, fmt.Errorf("send tx: %w", err)
	}

	rcpt, err := v.waitMined(ctx, signedTx.Hash())
	if err != nil {
		return types.TradeResult{Err: err.Error()}, err
	}
	if rcpt.Status != ethtypes.ReceiptStatusSuccessful {
		err := fmt.Errorf("swap tx %s reverted", signedTx.Hash().Hex())
		return types.TradeResult{Err: err.Error()}, err
	}

	gasWei := new(big.Int).Mul(new(big.Int).SetUint64(rcpt.GasUsed), rcpt.EffectiveGasPrice)
	v.log.Info("swap mined",
		zap.String("venue", string(v.opts.ID)),
		zap.String("tx", signedTx.Hash().Hex()),
		zap.Uint64("gas_used", rcpt.GasUsed),
	)
	// Fill amount comes from the pre-trade quote; exact event decoding is the
	// aggregator's concern.
	return types.TradeResult{
		Successful:   true,
		OutputAmount: q.AmountOut,
		GasUsed:      v.weiToQuoteUnits(gasWei),
	}, nil
}

// EstimateGasCost returns the expected cost of one swap in quote-token
// smallest units.
func (v *Onchain) EstimateGasCost(ctx context.Context) (*big.Int, error) {
	gp, err := v.ec.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gasWei := new(big.Int).Mul(gp, new(big.Int).SetUint64(v.opts.GasLimit))
	return v.weiToQuoteUnits(gasWei), nil
}

func (v *Onchain) weiToQuoteUnits(wei *big.Int) *big.Int {
	f := new(big.Float).SetInt(wei)
	f.Quo(f, big.NewFloat(1e18))
	f.Mul(f, big.NewFloat(v.opts.NativeUSD))
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(v.opts.QuoteToken.Decimals)), nil)
	f.Mul(f, new(big.Float).SetInt(scale))
	out, _ := f.Int(nil)
	return out
}

func (v *Onchain) BalanceOf(ctx context.Context, token types.Token) (*big.Int, error) {
	if v.pk == nil {
		return nil, fmt.Errorf("wallet not configured")
	}
	input, err := v.eabi.Pack("balanceOf", v.sender)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	res, err := v.ec.CallContract(ctx, ethereum.CallMsg{To: &token.Addr, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf %s: %w", token.Symbol, err)
	}
	outs, err := v.eabi.Methods["balanceOf"].Outputs.Unpack(res)
	if err != nil || len(outs) == 0 {
		return nil, fmt.Errorf("decode balanceOf %s: %w", token.Symbol, err)
	}
	bal, ok := outs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf type %T", outs[0])
	}
	return bal, nil
}

func (v *Onchain) signTx(ctx context.Context, input []byte) (*ethtypes.Transaction, error) {
	chainID, err := v.ec.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := v.ec.PendingNonceAt(ctx, v.sender)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := v.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip cap: %w", err)
	}
	header, err := v.ec.HeaderByNumber(ctx, nil)
	if err != nil || header.BaseFee == nil {
		return nil, fmt.Errorf("base fee: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       v.opts.GasLimit,
		To:        &v.router,
		Value:     big.NewInt(0),
		Data:      input,
	})
	return ethtypes.SignTx(tx, ethtypes.NewLondonSigner(chainID), v.pk)
}

func (v *Onchain) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		rcpt, err := v.ec.TransactionReceipt(ctx, hash)
		if err == nil {
			return rcpt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait receipt %s: %w", hash.Hex(), ctx.Err())
		case <-t.C:
		}
	}
}
