package telemetry

import (
	"context"
	"log/slog"
	"strings"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"

	"github.com/victornm/peerprep/internal/errors"
)

// GRPCServerOptions logs finished calls and turns handler panics into Internal errors. Health
// probes only log on failure.
func GRPCServerOptions() []grpc.ServerOption {
	l := grpcServerLogger(slog.Default())
	opts := []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
	}
	rec := recovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
		slog.ErrorContext(ctx, "grpc: handler panic", "panic", p)
		return errors.New(errors.CodeInternal)
	})

	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(l, opts...),
			recovery.UnaryServerInterceptor(rec),
		),
		grpc.ChainStreamInterceptor(
			logging.StreamServerInterceptor(l, opts...),
			recovery.StreamServerInterceptor(rec),
		),
	}
}

func grpcServerLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		if lvl < logging.LevelWarn && isProbe(fields) {
			return
		}
		l.Log(ctx, slog.Level(lvl), "grpc: "+msg, fields...)
	})
}

// isProbe reports whether the logging fields belong to a grpc.health.v1 call.
func isProbe(fields []any) bool {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == "grpc.service" {
			s, _ := fields[i+1].(string)
			return strings.HasPrefix(s, "grpc.health.")
		}
	}
	return false
}
