package handler

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	identityv1 "identity-core/api/identity/v1"
	devicedomain "identity-core/internal/device/domain"
	identitydomain "identity-core/internal/identity/domain"
	"identity-core/internal/logger"
	"identity-core/internal/platform/apperr"
	"identity-core/internal/platform/rbac"
	"identity-core/internal/server/interceptors"
	sessiondomain "identity-core/internal/session/domain"
)

// Authenticator is the credential issuer as used by the transport.
type Authenticator interface {
	Authenticate(ctx context.Context, email, secret string, fp devicedomain.Fingerprint) (*sessiondomain.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutEverywhere(ctx context.Context, identityID string) (int64, error)
	Register(ctx context.Context, email, secret, roleName string) (*identitydomain.Identity, error)
}

// Rotator exchanges a refresh token for a new pair.
type Rotator interface {
	Rotate(ctx context.Context, refreshToken string) (*sessiondomain.TokenPair, error)
}

// AuthServer implements identity.v1.AuthService.
type AuthServer struct {
	identityv1.UnimplementedAuthServiceServer
	auth     Authenticator
	sessions Rotator
	resolver *rbac.Resolver
}

// NewAuthServer returns a new Auth gRPC server. Pass nil dependencies for a stub whose RPCs
// return Unimplemented.
func NewAuthServer(auth Authenticator, sessions Rotator, resolver *rbac.Resolver) *AuthServer {
	return &AuthServer{auth: auth, sessions: sessions, resolver: resolver}
}

// Authenticate verifies email and secret and returns a token pair bound to the caller's device.
func (s *AuthServer) Authenticate(ctx context.Context, req *identityv1.AuthenticateRequest) (*identityv1.TokenPair, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Authenticate not implemented")
	}
	if req.Email == "" || req.Secret == "" {
		return nil, status.Error(codes.InvalidArgument, "email and secret are required")
	}
	pair, err := s.auth.Authenticate(ctx, req.Email, req.Secret, devicedomain.Fingerprint{
		Value:     req.Fingerprint,
		UserAgent: userAgent(ctx),
		IP:        interceptors.ClientIP(ctx),
	})
	if err != nil {
		return nil, authErr(ctx, err)
	}
	return pairToWire(pair), nil
}

// Rotate exchanges a refresh token for a new pair.
func (s *AuthServer) Rotate(ctx context.Context, req *identityv1.RotateRequest) (*identityv1.TokenPair, error) {
	if s.sessions == nil {
		return nil, status.Error(codes.Unimplemented, "method Rotate not implemented")
	}
	if req.RefreshToken == "" {
		return nil, status.Error(codes.InvalidArgument, "refresh_token is required")
	}
	pair, err := s.sessions.Rotate(ctx, req.RefreshToken)
	if err != nil {
		return nil, authErr(ctx, err)
	}
	return pairToWire(pair), nil
}

// Logout ends the session of a refresh token. It succeeds for unknown tokens and when no
// issuer is configured.
func (s *AuthServer) Logout(ctx context.Context, req *identityv1.LogoutRequest) (*identityv1.LogoutResponse, error) {
	if s.auth == nil || req.RefreshToken == "" {
		return &identityv1.LogoutResponse{}, nil
	}
	if err := s.auth.Logout(ctx, req.RefreshToken); err != nil {
		return nil, authErr(ctx, err)
	}
	return &identityv1.LogoutResponse{}, nil
}

// LogoutEverywhere ends every session of the caller. Ending another identity's sessions
// requires identities:logout.
func (s *AuthServer) LogoutEverywhere(ctx context.Context, req *identityv1.LogoutEverywhereRequest) (*identityv1.LogoutEverywhereResponse, error) {
	if s.auth == nil || s.resolver == nil {
		return nil, status.Error(codes.Unimplemented, "method LogoutEverywhere not implemented")
	}
	caller, ok := interceptors.GetIdentityID(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "identity context required")
	}
	target := caller
	if req.IdentityID != "" && req.IdentityID != caller {
		if _, err := rbac.RequirePermission(ctx, s.resolver, rbac.PermIdentitiesLogout); err != nil {
			return nil, err
		}
		target = req.IdentityID
	}
	n, err := s.auth.LogoutEverywhere(ctx, target)
	if err != nil {
		return nil, authErr(ctx, err)
	}
	return &identityv1.LogoutEverywhereResponse{SessionsRevoked: n}, nil
}

// Authorize reports whether an access token grants a permission. A denial is a normal
// response; token problems are Unauthenticated.
func (s *AuthServer) Authorize(ctx context.Context, req *identityv1.AuthorizeRequest) (*identityv1.AuthorizeResponse, error) {
	if s.resolver == nil {
		return nil, status.Error(codes.Unimplemented, "method Authorize not implemented")
	}
	token := req.AccessToken
	if token == "" {
		token, _ = interceptors.GetAccessToken(ctx)
	}
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "access token required")
	}
	if req.Permission == "" {
		return nil, status.Error(codes.InvalidArgument, "permission is required")
	}
	d, err := s.resolver.Authorize(ctx, token, req.Permission)
	if err != nil {
		return nil, authErr(ctx, err)
	}
	return &identityv1.AuthorizeResponse{
		Allow:      d.Allow,
		IdentityID: d.IdentityID,
		DeviceID:   d.DeviceID,
		Role:       d.Role,
	}, nil
}

// Register creates an identity. The caller needs identities:create.
func (s *AuthServer) Register(ctx context.Context, req *identityv1.RegisterRequest) (*identityv1.RegisterResponse, error) {
	if s.auth == nil || s.resolver == nil {
		return nil, status.Error(codes.Unimplemented, "method Register not implemented")
	}
	if _, err := rbac.RequirePermission(ctx, s.resolver, rbac.PermIdentitiesCreate); err != nil {
		return nil, err
	}
	ident, err := s.auth.Register(ctx, req.Email, req.Secret, req.Role)
	if err != nil {
		return nil, authErr(ctx, err)
	}
	return &identityv1.RegisterResponse{IdentityID: ident.ID, Email: ident.Email}, nil
}

// authErr maps service errors to gRPC status codes. Unexpected errors are logged, never
// returned verbatim.
func authErr(ctx context.Context, err error) error {
	st := apperr.GRPCStatus(err)
	if status.Code(st) == codes.Internal {
		logger.From(ctx, nil).Error("auth rpc failed", zap.Error(err))
	}
	return st
}

func pairToWire(p *sessiondomain.TokenPair) *identityv1.TokenPair {
	return &identityv1.TokenPair{
		AccessToken:      p.AccessToken,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshToken:     p.RefreshToken,
		RefreshExpiresAt: p.RefreshExpiresAt,
		IdentityID:       p.IdentityID,
		DeviceID:         p.DeviceID,
	}
}

func userAgent(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get("user-agent"); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
