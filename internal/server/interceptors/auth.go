package interceptors

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"identity-core/internal/logger"
	"identity-core/internal/platform/apperr"
	"identity-core/internal/security"
)

const bearerPrefix = "bearer "

// TokenVerifier verifies an access token and returns its claims. Token problems are reported
// as apperr token errors; anything else is a lookup fault.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*security.AccessClaims, error)
}

// AuthUnary returns a unary server interceptor that verifies the Bearer (access) token from
// gRPC metadata and stores its claims in context for protected RPCs.
// publicMethods is the set of full method names that do not require a Bearer token
// (e.g. AuthService Authenticate, Rotate; the gRPC health check).
func AuthUnary(verifier TokenVerifier, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		token := extractBearer(ctx)
		public := publicMethods[info.FullMethod]

		if token == "" {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		claims, err := verifier.Verify(ctx, token)
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			if !apperr.IsTokenError(err) {
				if apperr.Retryable(err) {
					return nil, status.Error(codes.Unavailable, "authorization temporarily unavailable")
				}
				return nil, status.Error(codes.Internal, "authorization failed")
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		ctx = logger.ToContext(ctx, logger.From(ctx, zap.NewNop()).With(
			logger.IdentityID(claims.Subject), logger.DeviceID(claims.DeviceID)))
		return handler(WithClaims(ctx, token, claims), req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
