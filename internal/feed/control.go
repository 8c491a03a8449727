package feed

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/you/dex-arb/internal/config"
	"go.uber.org/zap"
)

// Controllable is the slice of the engine the control channel drives.
type Controllable interface {
	EmergencyStop()
	Resume()
}

// Listener subscribes to the control pub/sub channel so an operator can halt
// or resume trading without restarting the process.
type Listener struct {
	rdb     *redis.Client
	log     *zap.Logger
	channel string
	target  Controllable
}

func NewListener(cfg *config.Config, target Controllable, log *zap.Logger) *Listener {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	})
	return &Listener{rdb: rdb, log: log, channel: cfg.Redis.ControlChannel, target: target}
}

// Run blocks on the subscription until the context is cancelled. Commands:
// "halt" engages the emergency stop, "resume" lifts it.
func (l *Listener) Run(ctx context.Context) {
	sub := l.rdb.Subscribe(ctx, l.channel)
	defer sub.Close()

	ch := sub.Channel()
	l.log.Info("control listener started", zap.String("channel", l.channel))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch strings.ToLower(strings.TrimSpace(msg.Payload)) {
			case "halt", "stop":
				l.log.Warn("halt command received")
				l.target.EmergencyStop()
			case "resume":
				l.log.Info("resume command received")
				l.target.Resume()
			default:
				l.log.Debug("unknown control command", zap.String("payload", msg.Payload))
			}
		}
	}
}

func (l *Listener) Close() error { return l.rdb.Close() }
