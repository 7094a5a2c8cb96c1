// Package server assembles the gRPC server: interceptor chain, identity services and the
// standard health service, plus the HTTP side port for metrics and health.
package server

import (
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	identityv1 "identity-core/api/identity/v1"
	"identity-core/internal/audit"
	devicehandler "identity-core/internal/device/handler"
	identityhandler "identity-core/internal/identity/handler"
	"identity-core/internal/metrics"
	"identity-core/internal/platform/rbac"
	"identity-core/internal/server/interceptors"
)

// healthCheckMethod is the standard gRPC health check.
const healthCheckMethod = "/grpc.health.v1.Health/Check"

// ServiceNames lists the services reported by the health server.
var ServiceNames = []string{
	identityv1.AuthService_ServiceDesc.ServiceName,
	identityv1.DeviceService_ServiceDesc.ServiceName,
}

// Deps holds optional service dependencies for gRPC handlers.
type Deps struct {
	// Auth is the credential issuer. If nil, AuthService RPCs other than Logout return Unimplemented.
	Auth identityhandler.Authenticator
	// Sessions rotates refresh tokens. If nil, Rotate returns Unimplemented.
	Sessions identityhandler.Rotator
	// Devices is the device registry. If nil, DeviceService RPCs return Unimplemented.
	Devices devicehandler.Registry
	// Resolver verifies access tokens and decides permissions. If nil, no call is authenticated.
	Resolver *rbac.Resolver
	// Audit records every RPC. If nil, nothing is audited.
	Audit audit.AuditLogger
	// Metrics records per-method counters and latency. If nil, nothing is recorded.
	Metrics *metrics.Metrics
	// RateLimiter bounds requests per client IP. If nil, calls are not limited.
	RateLimiter *interceptors.RateLimiter
	// Health is the standard gRPC health server. If nil, a new one is registered.
	Health *health.Server
	// Timeout bounds every call; zero disables it.
	Timeout time.Duration
	Logger  *zap.Logger
}

// PublicMethods are callable without a Bearer token. Authorize carries the token it checks in
// the request; Logout accepts the refresh token alone.
func PublicMethods() map[string]bool {
	return map[string]bool{
		identityv1.AuthService_Authenticate_FullMethodName: true,
		identityv1.AuthService_Rotate_FullMethodName:       true,
		identityv1.AuthService_Logout_FullMethodName:       true,
		identityv1.AuthService_Authorize_FullMethodName:    true,
		healthCheckMethod:                                  true,
		"/grpc.health.v1.Health/Watch":                     true,
	}
}

// RegisterServices registers the identity services with the given server.
//
// Service → handler mapping:
//   - identity.v1.AuthService   → internal/identity/handler
//   - identity.v1.DeviceService → internal/device/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	identityv1.RegisterAuthServiceServer(s, identityhandler.NewAuthServer(deps.Auth, deps.Sessions, deps.Resolver))
	identityv1.RegisterDeviceServiceServer(s, devicehandler.NewServer(deps.Devices, deps.Resolver))
}

// Interceptors returns the unary chain in order: logging, metrics, rate limit, timeout,
// authentication, audit.
func Interceptors(deps Deps) []grpc.UnaryServerInterceptor {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	exempt := map[string]bool{healthCheckMethod: true}
	chain := []grpc.UnaryServerInterceptor{
		interceptors.LoggingUnary(log),
		interceptors.MetricsUnary(deps.Metrics),
		interceptors.RateLimitUnary(deps.RateLimiter, exempt),
		interceptors.TimeoutUnary(deps.Timeout),
	}
	if deps.Resolver != nil {
		chain = append(chain, interceptors.AuthUnary(deps.Resolver, PublicMethods()))
	}
	if deps.Audit != nil {
		chain = append(chain, interceptors.AuditUnary(deps.Audit, exempt))
	}
	return chain
}

// NewGRPCServer builds a gRPC server with the interceptor chain and OpenTelemetry stats
// handler, and registers the identity services and the health service. It returns the health
// server so callers can flip serving status.
func NewGRPCServer(deps Deps, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		interceptors.ChainUnary(Interceptors(deps)...),
	}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterServices(srv, deps)

	hs := deps.Health
	if hs == nil {
		hs = health.NewServer()
	}
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}
