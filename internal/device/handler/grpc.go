package handler

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	identityv1 "identity-core/api/identity/v1"
	"identity-core/internal/device/domain"
	"identity-core/internal/logger"
	"identity-core/internal/platform/apperr"
	"identity-core/internal/platform/rbac"
	"identity-core/internal/server/interceptors"
)

// Registry is the device registry as used by the transport.
type Registry interface {
	Get(ctx context.Context, id string) (*domain.Device, error)
	ListByIdentity(ctx context.Context, identityID string) ([]*domain.Device, error)
	Revoke(ctx context.Context, deviceID string) error
}

// Server implements identity.v1.DeviceService.
type Server struct {
	identityv1.UnimplementedDeviceServiceServer
	registry Registry
	resolver *rbac.Resolver
}

// NewServer returns a new Device gRPC server. Pass nil registry for stub (Unimplemented).
func NewServer(registry Registry, resolver *rbac.Resolver) *Server {
	return &Server{registry: registry, resolver: resolver}
}

// ListDevices returns the caller's devices, or another identity's with devices:read.
func (s *Server) ListDevices(ctx context.Context, req *identityv1.ListDevicesRequest) (*identityv1.ListDevicesResponse, error) {
	if s.registry == nil || s.resolver == nil {
		return nil, status.Error(codes.Unimplemented, "method ListDevices not implemented")
	}
	caller, ok := interceptors.GetIdentityID(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "identity context required")
	}
	target := caller
	if req.IdentityID != "" && req.IdentityID != caller {
		if _, err := rbac.RequirePermission(ctx, s.resolver, rbac.PermDevicesRead); err != nil {
			return nil, err
		}
		target = req.IdentityID
	}
	list, err := s.registry.ListByIdentity(ctx, target)
	if err != nil {
		return nil, deviceErr(ctx, err)
	}
	devices := make([]*identityv1.Device, 0, len(list))
	for _, d := range list {
		devices = append(devices, deviceToWire(d))
	}
	return &identityv1.ListDevicesResponse{Devices: devices}, nil
}

// RevokeDevice revokes one of the caller's devices, or any device with devices:revoke. The
// device's sessions end and its access tokens stop verifying.
func (s *Server) RevokeDevice(ctx context.Context, req *identityv1.RevokeDeviceRequest) (*identityv1.RevokeDeviceResponse, error) {
	if s.registry == nil || s.resolver == nil {
		return nil, status.Error(codes.Unimplemented, "method RevokeDevice not implemented")
	}
	caller, ok := interceptors.GetIdentityID(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "identity context required")
	}
	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id is required")
	}
	dev, err := s.registry.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, deviceErr(ctx, err)
	}
	if dev == nil || dev.IdentityID != caller {
		// Another identity's device: only reveal it exists to callers allowed to revoke it.
		if _, err := rbac.RequirePermission(ctx, s.resolver, rbac.PermDevicesRevoke); err != nil {
			return nil, err
		}
		if dev == nil {
			return nil, status.Error(codes.NotFound, "device not found")
		}
	}
	if err := s.registry.Revoke(ctx, req.DeviceID); err != nil {
		return nil, deviceErr(ctx, err)
	}
	return &identityv1.RevokeDeviceResponse{}, nil
}

func deviceErr(ctx context.Context, err error) error {
	st := apperr.GRPCStatus(err)
	if status.Code(st) == codes.Internal {
		logger.From(ctx, nil).Error("device rpc failed", zap.Error(err))
	}
	return st
}

func deviceToWire(d *domain.Device) *identityv1.Device {
	return &identityv1.Device{
		ID:          d.ID,
		IdentityID:  d.IdentityID,
		Fingerprint: d.Fingerprint,
		UserAgent:   d.UserAgent,
		IP:          d.IP,
		Revoked:     d.Revoked(),
		LastSeenAt:  d.LastSeenAt,
		RevokedAt:   d.RevokedAt,
		CreatedAt:   d.CreatedAt,
	}
}
