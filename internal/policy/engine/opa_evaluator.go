package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultQuery = "data.identity.authz.allow"

// DefaultRegoPolicy mirrors MatchEvaluator. Custom policies must define data.identity.authz.allow.
const DefaultRegoPolicy = `package identity.authz

default allow := false

allow if {
	input.required != ""
	some p in input.permissions
	grants(p, input.required)
}

grants(p, r) if p == r

grants(p, r) if {
	endswith(p, "*")
	startswith(r, trim_suffix(p, "*"))
}
`

// OPAEvaluator evaluates a Rego policy prepared once at construction.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles module, or DefaultRegoPolicy when module is empty.
func NewOPAEvaluator(ctx context.Context, module string) (*OPAEvaluator, error) {
	if module == "" {
		module = DefaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"authz.rego": module})
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	pq, err := rego.New(rego.Query(defaultQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &OPAEvaluator{query: pq}, nil
}

// NewOPAEvaluatorFromFile loads the policy from path; an empty path selects the default policy.
func NewOPAEvaluatorFromFile(ctx context.Context, path string) (*OPAEvaluator, error) {
	if path == "" {
		return NewOPAEvaluator(ctx, "")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewOPAEvaluator(ctx, string(b))
}

// Allow evaluates the policy for in. An undefined result denies.
func (e *OPAEvaluator) Allow(ctx context.Context, in Input) (bool, error) {
	perms := make([]any, len(in.Permissions))
	for i, p := range in.Permissions {
		perms[i] = p
	}
	input := map[string]any{
		"identity_id": in.IdentityID,
		"device_id":   in.DeviceID,
		"role":        in.Role,
		"permissions": perms,
		"required":    in.Required,
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allow, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allow, nil
}

// HealthCheck evaluates the prepared policy on a fixed input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	if _, err := e.Allow(ctx, Input{Permissions: []string{"health:check"}, Required: "health:check"}); err != nil {
		return err
	}
	return nil
}
