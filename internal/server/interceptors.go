package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/alfredjeanlab/gados/internal/logging"
)

// grpcRequestIDKey is the metadata twin of the X-Request-Id HTTP header.
const grpcRequestIDKey = "x-request-id"

func incomingRequestID(ctx context.Context) string {
	for _, v := range metadata.ValueFromIncomingContext(ctx, grpcRequestIDKey) {
		if v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// LoggingInterceptor attaches the caller's request id (or a fresh one) to
// the context, echoes it in the response header and logs each unary call.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	id := incomingRequestID(ctx)
	ctx = logging.WithRequestID(ctx, id)
	// Fails outside a real transport stream, as in unit tests.
	_ = grpc.SetHeader(ctx, metadata.Pairs(grpcRequestIDKey, id))

	start := time.Now()
	resp, err := handler(ctx, req)

	level, attrs := slog.LevelInfo, []any{
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start),
	}
	if err != nil {
		level, attrs = slog.LevelError, append(attrs, "error", err)
	}
	slog.Log(ctx, level, "rpc completed", attrs...)
	return resp, err
}

// RecoveryInterceptor converts a handler panic into codes.Internal.
func RecoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		slog.ErrorContext(ctx, "panic recovered in gRPC handler",
			"method", info.FullMethod,
			"panic", v,
			"stack", string(debug.Stack()),
		)
		resp, err = nil, status.Error(codes.Internal, "internal server error")
	}()
	return handler(ctx, req)
}
