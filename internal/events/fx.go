package events

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketplace/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewBus),
	fx.Provide(NewDispatcher),
	fx.Invoke(RunDispatcher),
)

type BusParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

// NewBus picks the transport. Redis is used only when requested and
// configured; otherwise events dispatch in process.
func NewBus(p BusParams) Bus {
	if p.Config.EventTransport == config.EventTransportRedis && p.Redis != nil {
		return NewRedisStreamBus(p.Redis, p.Log, RedisStreamConfig{})
	}
	if p.Config.EventTransport == config.EventTransportRedis {
		p.Log.Named("events").Warn("events.transport.fallback",
			zap.String("requested", p.Config.EventTransport),
			zap.String("using", config.EventTransportInProcess),
		)
	}
	return NewInProcessBus()
}

func RunDispatcher(lc fx.Lifecycle, bus Bus, dispatcher *Dispatcher, log *zap.Logger) error {
	dispatcher.transport = transportName(bus)
	if err := bus.Subscribe(dispatcher.Handle); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := bus.Run(ctx); err != nil {
					log.Named("events").Error("events.consumer.failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
	return nil
}

func transportName(bus Bus) string {
	if _, ok := bus.(*RedisStreamBus); ok {
		return config.EventTransportRedis
	}
	return config.EventTransportInProcess
}
