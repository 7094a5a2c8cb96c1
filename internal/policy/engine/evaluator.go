// Package engine decides whether a permission set grants a required permission.
package engine

import (
	"context"
	"strings"
)

// Input is what a decision is made on. Permissions are the ones embedded in the access token.
type Input struct {
	IdentityID  string   `json:"identity_id"`
	DeviceID    string   `json:"device_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Required    string   `json:"required"`
}

// Evaluator makes permission decisions.
type Evaluator interface {
	Allow(ctx context.Context, in Input) (bool, error)
}

// Grants reports whether granted covers required. A trailing "*" matches any suffix, so "*"
// grants everything and "posts:*" grants "posts:read"; anything else must match exactly.
func Grants(granted, required string) bool {
	if prefix, ok := strings.CutSuffix(granted, "*"); ok {
		return strings.HasPrefix(required, prefix)
	}
	return granted == required
}

// MatchEvaluator decides in process with Grants.
type MatchEvaluator struct{}

func (MatchEvaluator) Allow(_ context.Context, in Input) (bool, error) {
	if in.Required == "" {
		return false, nil
	}
	for _, p := range in.Permissions {
		if Grants(p, in.Required) {
			return true, nil
		}
	}
	return false, nil
}
