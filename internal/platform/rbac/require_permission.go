package rbac

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"identity-core/internal/server/interceptors"
)

// RequirePermission ensures the caller is authenticated and its token grants required.
// Returns the decision on success; returns a gRPC error (Unauthenticated, PermissionDenied or
// Internal) on failure.
func RequirePermission(ctx context.Context, r *Resolver, required string) (Decision, error) {
	claims, ok := interceptors.GetClaims(ctx)
	if !ok || claims.Subject == "" {
		return Decision{}, status.Error(codes.Unauthenticated, "identity context required")
	}
	d, err := r.Decide(ctx, claims, required)
	if err != nil {
		return Decision{}, status.Error(codes.Internal, "failed to evaluate permission")
	}
	if !d.Allow {
		return d, status.Error(codes.PermissionDenied, "permission "+required+" required")
	}
	return d, nil
}
