// Package bootstrap builds the service graph from configuration: storage engine, signing
// keys, blocklist, decision engine, security event sinks and the domain services.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	auditdomain "identity-core/internal/audit/domain"
	"identity-core/internal/config"
	"identity-core/internal/db"
	devicedomain "identity-core/internal/device/domain"
	identitydomain "identity-core/internal/identity/domain"
	roledomain "identity-core/internal/role/domain"
	sessiondomain "identity-core/internal/session/domain"
	"identity-core/internal/store"
	"identity-core/internal/store/memory"
	mongostore "identity-core/internal/store/mongo"
	pgstore "identity-core/internal/store/postgres"
)

// Repos holds one repository per collection on a single engine.
type Repos struct {
	Engine        string
	Roles         store.Repository[roledomain.Role]
	Identities    store.Repository[identitydomain.Identity]
	Devices       store.Repository[devicedomain.Device]
	RefreshTokens store.Repository[sessiondomain.RefreshToken]
	AuditLogs     store.Repository[auditdomain.AuditLog]

	close func(context.Context) error
}

// Ping checks the engine through the identities collection.
func (r *Repos) Ping(ctx context.Context) error {
	return r.Identities.Ping(ctx)
}

// Close releases the engine's connections.
func (r *Repos) Close(ctx context.Context) error {
	if r.close == nil {
		return nil
	}
	return r.close(ctx)
}

// MemoryRepos returns repositories on the in-process engine.
func MemoryRepos() *Repos {
	return &Repos{
		Engine:        config.EngineMemory,
		Roles:         memory.New[roledomain.Role](roledomain.Collection, roledomain.Indexes...),
		Identities:    memory.New[identitydomain.Identity](identitydomain.Collection, identitydomain.Indexes...),
		Devices:       memory.New[devicedomain.Device](devicedomain.Collection, devicedomain.Indexes...),
		RefreshTokens: memory.New[sessiondomain.RefreshToken](sessiondomain.Collection, sessiondomain.Indexes...),
		AuditLogs:     memory.New[auditdomain.AuditLog](auditdomain.Collection),
	}
}

// OpenRepos opens the engine selected by cfg.StoreEngine. Postgres tables must already be
// migrated; Mongo unique indexes are ensured here.
func OpenRepos(ctx context.Context, cfg *config.Config) (*Repos, error) {
	switch cfg.StoreEngine {
	case config.EngineMemory, "":
		return MemoryRepos(), nil
	case config.EnginePostgres:
		sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return &Repos{
			Engine:        config.EnginePostgres,
			Roles:         pgstore.New[roledomain.Role](sqlDB, roledomain.Collection),
			Identities:    pgstore.New[identitydomain.Identity](sqlDB, identitydomain.Collection),
			Devices:       pgstore.New[devicedomain.Device](sqlDB, devicedomain.Collection),
			RefreshTokens: pgstore.New[sessiondomain.RefreshToken](sqlDB, sessiondomain.Collection),
			AuditLogs:     pgstore.New[auditdomain.AuditLog](sqlDB, auditdomain.Collection),
			close:         func(context.Context) error { return sqlDB.Close() },
		}, nil
	case config.EngineMongo:
		client, err := mongostore.Open(ctx, cfg.MongoURI)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		mdb := client.Database(cfg.MongoDatabase)
		roles := mongostore.New[roledomain.Role](mdb, roledomain.Collection, roledomain.Indexes...)
		identities := mongostore.New[identitydomain.Identity](mdb, identitydomain.Collection, identitydomain.Indexes...)
		devices := mongostore.New[devicedomain.Device](mdb, devicedomain.Collection, devicedomain.Indexes...)
		tokens := mongostore.New[sessiondomain.RefreshToken](mdb, sessiondomain.Collection, sessiondomain.Indexes...)
		logs := mongostore.New[auditdomain.AuditLog](mdb, auditdomain.Collection)
		for _, c := range []interface{ EnsureIndexes(context.Context) error }{roles, identities, devices, tokens, logs} {
			if err := c.EnsureIndexes(ctx); err != nil {
				_ = client.Disconnect(context.Background())
				return nil, fmt.Errorf("mongo indexes: %w", err)
			}
		}
		return &Repos{
			Engine:        config.EngineMongo,
			Roles:         roles,
			Identities:    identities,
			Devices:       devices,
			RefreshTokens: tokens,
			AuditLogs:     logs,
			close:         client.Disconnect,
		}, nil
	default:
		return nil, errors.New("unknown store engine " + cfg.StoreEngine)
	}
}
