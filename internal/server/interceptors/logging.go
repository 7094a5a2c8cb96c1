package interceptors

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"identity-core/internal/logger"
)

const requestIDHeader = "x-request-id"

// LoggingUnary returns a unary server interceptor that scopes a request logger (request id,
// method, client ip) into the context and logs each completed RPC. The request id is taken
// from x-request-id metadata when present and echoed back in the response header.
// Panics in handlers are logged and turned into codes.Internal.
func LoggingUnary(base *zap.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		requestID := incomingRequestID(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, requestID))
		log := base.With(logger.RequestID(requestID), logger.Method(info.FullMethod), logger.ClientIP(ClientIP(ctx)))
		ctx = logger.ToContext(ctx, log)

		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in handler", zap.Any("panic", r), zap.Stack("stack"))
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
			code := status.Code(err)
			fields := []zap.Field{zap.String("code", code.String()), zap.Duration("duration", time.Since(start))}
			switch code {
			case codes.OK:
				log.Info("rpc completed", fields...)
			case codes.Internal, codes.Unknown, codes.DataLoss:
				log.Error("rpc failed", append(fields, zap.Error(err))...)
			default:
				log.Warn("rpc rejected", append(fields, zap.String("reason", status.Convert(err).Message()))...)
			}
		}()
		return handler(ctx, req)
	}
}

func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(requestIDHeader); len(vals) > 0 && vals[0] != "" && len(vals[0]) <= 128 {
			return vals[0]
		}
	}
	return uuid.NewString()
}

// TimeoutUnary returns a unary server interceptor that bounds every call to d unless the
// client asked for a shorter deadline. d <= 0 disables it.
func TimeoutUnary(d time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if d <= 0 {
			return handler(ctx, req)
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= d {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return handler(ctx, req)
	}
}

// ChainUnary is shorthand for grpc.ChainUnaryInterceptor that drops nil entries.
func ChainUnary(ics ...grpc.UnaryServerInterceptor) grpc.ServerOption {
	out := make([]grpc.UnaryServerInterceptor, 0, len(ics))
	for _, ic := range ics {
		if ic != nil {
			out = append(out, ic)
		}
	}
	return grpc.ChainUnaryInterceptor(out...)
}

