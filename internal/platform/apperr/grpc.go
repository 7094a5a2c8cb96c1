package apperr

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// unauthorized is the single message for credential and reuse failures so a caller cannot
// tell them apart.
const unauthorized = "unauthorized"

// GRPCStatus maps err to a gRPC status error. Errors that are already statuses pass through.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrTokenReuseDetected):
		return status.Error(codes.Unauthenticated, unauthorized)
	case errors.Is(err, ErrTokenExpired):
		return status.Error(codes.Unauthenticated, "token expired")
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrTokenInvalid):
		return status.Error(codes.Unauthenticated, "token invalid")
	case errors.Is(err, ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrDuplicateIdentity), errors.Is(err, ErrDuplicateRole):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ErrRoleInUse):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case Retryable(err):
		return status.Error(codes.Unavailable, "temporarily unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
