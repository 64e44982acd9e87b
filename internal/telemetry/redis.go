package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// MonitorRedis instruments one of the named Redis clients (match, pubsub, document, progress)
// with tracing, metrics and command logging.
func MonitorRedis(name string, r redis.UniversalClient) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisLog{client: name})
	return nil
}

type redisLog struct {
	client string
}

func (h redisLog) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, "redis: dial failed", "client", h.client, "addr", addr, "error", err)
			return nil, err
		}
		slog.InfoContext(ctx, "redis: connected", "client", h.client, "addr", addr)
		return conn, nil
	}
}

func (h redisLog) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := hook(ctx, cmd)
		h.observe(ctx, cmd.Name(), err)
		slog.DebugContext(ctx, "redis: command", "client", h.client, "cmd", cmd.String())
		return err
	}
}

func (h redisLog) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := hook(ctx, cmds)
		h.observe(ctx, "pipeline", err)
		slog.DebugContext(ctx, "redis: pipeline", "client", h.client, "cmds", len(cmds))
		return err
	}
}

// observe counts failed commands. redis.Nil is a normal miss, not a failure.
func (h redisLog) observe(ctx context.Context, cmd string, err error) {
	if err == nil || stderrors.Is(err, redis.Nil) {
		return
	}
	RedisErrors.WithLabelValues(h.client, cmd).Inc()
	slog.DebugContext(ctx, "redis: command failed", "client", h.client, "cmd", cmd, "error", err)
}
