package feed

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/you/dex-arb/internal/config"
	"github.com/you/dex-arb/internal/types"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// Publisher pushes executions and opportunities into Redis streams and keeps
// a metrics hash for dashboards. Publish failures are logged and dropped;
// the trading path never blocks on Redis.
type Publisher struct {
	rdb        *redis.Client
	log        *zap.Logger
	execStream string
	oppStream  string
}

func NewPublisher(cfg *config.Config, log *zap.Logger) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	})
	return &Publisher{
		rdb:        rdb,
		log:        log,
		execStream: cfg.Redis.ExecStream,
		oppStream:  cfg.Redis.OppStream,
	}
}

func (p *Publisher) PublishOpportunity(ctx context.Context, op types.ArbitragePath) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.oppStream,
		MaxLen: 10_000,
		Approx: true,
		Values: map[string]interface{}{
			"pair":       op.Pair,
			"buy_venue":  string(op.BuyVenue),
			"sell_venue": string(op.SellVenue),
			"net_profit": op.NetProfit.String(),
			"profit_bps": op.ProfitBps,
			"risk_score": op.RiskScore,
			"ts_ms":      op.DetectedAt.UnixMilli(),
		},
	}).Err()
	if err != nil {
		p.log.Debug("opportunity publish failed", zap.Error(err))
	}
}

func (p *Publisher) PublishExecution(ctx context.Context, e types.ArbitrageExecution) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.execStream,
		MaxLen: 10_000,
		Approx: true,
		Values: map[string]interface{}{
			"pair":        e.Path.Pair,
			"buy_venue":   string(e.Path.BuyVenue),
			"sell_venue":  string(e.Path.SellVenue),
			"success":     e.Success,
			"profit":      e.ActualProfit.String(),
			"gas":         e.GasCost.String(),
			"duration_ms": e.Duration.Milliseconds(),
			"reason":      e.FailureReason,
			"ts_ms":       e.Ts.UnixMilli(),
		},
	}).Err()
	if err != nil {
		p.log.Debug("execution publish failed", zap.Error(err))
	}
}

// PublishMetrics writes the latest aggregate snapshot to a hash observers
// can poll without replaying streams.
func (p *Publisher) PublishMetrics(ctx context.Context, m types.ArbitrageMetrics) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := p.rdb.HSet(ctx, "arb:metrics", map[string]interface{}{
		"opportunities_seen":   m.OpportunitiesSeen,
		"executions_attempted": m.ExecutionsAttempted,
		"executions_succeeded": m.ExecutionsSucceeded,
		"total_profit":         m.TotalProfit.String(),
		"total_gas":            m.TotalGas.String(),
		"success_rate":         m.SuccessRate,
		"streak":               m.Streak,
		"updated_ms":           m.UpdatedAt.UnixMilli(),
	}).Err()
	if err != nil {
		p.log.Debug("metrics publish failed", zap.Error(err))
	}
}

func (p *Publisher) Close() error { return p.rdb.Close() }
