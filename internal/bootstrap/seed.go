package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"identity-core/internal/platform/apperr"
	roledomain "identity-core/internal/role/domain"
)

// SeedFile is the bootstrap document read by cmd/seed.
//
//	roles:
//	  - name: admin
//	    permissions: ["*"]
//	admin:
//	  email: admin@example.com
//	  secret: change-me-now
//	  role: admin
type SeedFile struct {
	Roles []roledomain.Spec `yaml:"roles"`
	Admin *SeedIdentity     `yaml:"admin"`
}

// SeedIdentity is an identity created when absent.
type SeedIdentity struct {
	Email  string `yaml:"email"`
	Secret string `yaml:"secret"`
	Role   string `yaml:"role"`
}

// SeedResult reports what Seed created.
type SeedResult struct {
	RolesCreated int
	AdminCreated bool
}

// LoadSeedFile parses the YAML seed file at path.
func LoadSeedFile(path string) (*SeedFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeed(b)
}

// ParseSeed parses a YAML seed document.
func ParseSeed(b []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("seed file: %w", err)
	}
	for i, r := range f.Roles {
		if r.Name == "" {
			return nil, fmt.Errorf("seed file: role %d has no name", i)
		}
	}
	return &f, nil
}

// Seed creates the roles when no active role exists and the admin identity when no active
// identity exists. Running it again changes nothing, and a deleted admin is not recreated
// while any other identity remains.
func (a *App) Seed(ctx context.Context, f *SeedFile) (SeedResult, error) {
	var res SeedResult
	n, err := a.Roles.SeedDefaults(ctx, f.Roles)
	if err != nil {
		return res, err
	}
	res.RolesCreated = n
	if f.Admin == nil {
		return res, nil
	}
	active, err := a.Identities.CountActive(ctx)
	if err != nil {
		return res, fmt.Errorf("seed admin: %w", err)
	}
	if active > 0 {
		return res, nil
	}
	_, err = a.Issuer.Register(ctx, f.Admin.Email, f.Admin.Secret, f.Admin.Role)
	switch {
	case err == nil:
		res.AdminCreated = true
		a.Logger.Info("seeded admin identity", zap.String("email", f.Admin.Email))
	case errors.Is(err, apperr.ErrDuplicateIdentity):
	default:
		return res, fmt.Errorf("seed admin: %w", err)
	}
	return res, nil
}
