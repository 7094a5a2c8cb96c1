package interceptors

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"identity-core/internal/platform/apperr"
	"identity-core/internal/security"
	"identity-core/internal/store"
)

// providerVerifier verifies with the token provider alone.
type providerVerifier struct{ tokens *security.TokenProvider }

func (v providerVerifier) Verify(_ context.Context, token string) (*security.AccessClaims, error) {
	claims, err := v.tokens.ValidateAccess(token)
	if err != nil {
		return nil, apperr.ErrTokenInvalid
	}
	return claims, nil
}

type errVerifier struct{ err error }

func (v errVerifier) Verify(context.Context, string) (*security.AccessClaims, error) {
	return nil, v.err
}

func bearerContext(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization": "Bearer " + token,
	}))
}

func okHandler(ctx context.Context, req interface{}) (interface{}, error) {
	return "success", nil
}

func TestAuthUnary_PublicMethod(t *testing.T) {
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	interceptor := AuthUnary(providerVerifier{tokens}, map[string]bool{"/test.Service/PublicMethod": true})

	resp, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/PublicMethod",
	}, okHandler)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if resp != "success" {
		t.Errorf("response = %v, want %q", resp, "success")
	}

	// a bad token on a public method is ignored
	resp, err = interceptor(bearerContext("garbage"), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/PublicMethod",
	}, okHandler)
	if err != nil || resp != "success" {
		t.Fatalf("public method with bad token = %v, %v", resp, err)
	}
}

func TestAuthUnary_ProtectedMethod_NoToken(t *testing.T) {
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	interceptor := AuthUnary(providerVerifier{tokens}, map[string]bool{})

	_, err = interceptor(context.Background(), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/ProtectedMethod",
	}, okHandler)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("status code = %v, want %v", status.Code(err), codes.Unauthenticated)
	}
}

func TestAuthUnary_ProtectedMethod_ValidToken(t *testing.T) {
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	token, _, _, err := tokens.IssueAccess("identity-1", "device-1", "admin", []string{"*"})
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	interceptor := AuthUnary(providerVerifier{tokens}, map[string]bool{})

	var gotIdentity, gotDevice, gotToken string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		gotIdentity, _ = GetIdentityID(ctx)
		gotDevice, _ = GetDeviceID(ctx)
		gotToken, _ = GetAccessToken(ctx)
		return "success", nil
	}
	if _, err := interceptor(bearerContext(token), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/ProtectedMethod",
	}, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if gotIdentity != "identity-1" || gotDevice != "device-1" || gotToken != token {
		t.Errorf("context = %q %q %q", gotIdentity, gotDevice, gotToken)
	}
}

func TestAuthUnary_ProtectedMethod_InvalidToken(t *testing.T) {
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	interceptor := AuthUnary(providerVerifier{tokens}, map[string]bool{})

	_, err = interceptor(bearerContext("invalid-token"), "request", &grpc.UnaryServerInfo{
		FullMethod: "/test.Service/ProtectedMethod",
	}, okHandler)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("status code = %v, want %v", status.Code(err), codes.Unauthenticated)
	}
}

func TestAuthUnary_VerifierFaults(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"expired", apperr.ErrTokenExpired, codes.Unauthenticated},
		{"blocked", apperr.ErrTokenInvalid, codes.Unauthenticated},
		{"retryable", store.Wrap("get", "blocklist", context.DeadlineExceeded, nil), codes.Unavailable},
		{"fault", errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			interceptor := AuthUnary(errVerifier{tc.err}, map[string]bool{})
			_, err := interceptor(bearerContext("tok"), "request", &grpc.UnaryServerInfo{
				FullMethod: "/test.Service/ProtectedMethod",
			}, okHandler)
			if status.Code(err) != tc.want {
				t.Errorf("status code = %v, want %v", status.Code(err), tc.want)
			}
		})
	}
}

func TestExtractBearer_Valid(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization": "Bearer token123",
	}))
	token := extractBearer(ctx)
	if token != "token123" {
		t.Errorf("token = %q, want %q", token, "token123")
	}
}

func TestExtractBearer_CaseInsensitive(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization": "bearer token123",
	}))
	token := extractBearer(ctx)
	if token != "token123" {
		t.Errorf("token = %q, want %q", token, "token123")
	}
}

func TestExtractBearer_Missing(t *testing.T) {
	ctx := context.Background()
	token := extractBearer(ctx)
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestExtractBearer_InvalidPrefix(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization": "Basic token123",
	}))
	token := extractBearer(ctx)
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestExtractBearer_Whitespace(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		"authorization": "  Bearer   token123  ",
	}))
	token := extractBearer(ctx)
	if token != "token123" {
		t.Errorf("token = %q, want %q", token, "token123")
	}
}
