package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"identity-core/internal/metrics"
)

// MetricsUnary returns a unary server interceptor that records request count, latency and
// in-flight requests per method. If m is nil, the interceptor no-ops.
func MetricsUnary(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if m == nil {
			return handler(ctx, req)
		}
		done := m.StartRPC(info.FullMethod)
		resp, err := handler(ctx, req)
		done(status.Code(err).String())
		return resp, err
	}
}
