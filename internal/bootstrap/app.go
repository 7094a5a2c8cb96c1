package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap"

	"identity-core/internal/audit"
	"identity-core/internal/config"
	deviceservice "identity-core/internal/device/service"
	"identity-core/internal/identity/repository"
	identityservice "identity-core/internal/identity/service"
	"identity-core/internal/metrics"
	"identity-core/internal/platform/rbac"
	"identity-core/internal/policy/engine"
	roleservice "identity-core/internal/role/service"
	"identity-core/internal/security"
	"identity-core/internal/security/blocklist"
	"identity-core/internal/server"
	"identity-core/internal/server/interceptors"
	sessionservice "identity-core/internal/session/service"
	"identity-core/internal/telemetry"
	amqppub "identity-core/internal/telemetry/amqp"
	oteladapter "identity-core/internal/telemetry/otel"
)

// App is the wired service graph.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Repos   *Repos
	Metrics *metrics.Metrics

	Tokens    *security.TokenProvider
	Hasher    security.SecretHasher
	Blocklist blocklist.Blocklist
	Evaluator engine.Evaluator
	Events    telemetry.EventEmitter

	Roles      *roleservice.Registry
	Identities *repository.Store
	Devices    *deviceservice.Registry
	Sessions   *sessionservice.Manager
	Sweeper    *sessionservice.Sweeper
	Issuer     *identityservice.Issuer
	Resolver   *rbac.Resolver
	Audit      *audit.Logger

	redis   *redis.Client
	closers []func(context.Context) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	loggerProvider *sdklog.LoggerProvider
	tokens         *security.TokenProvider
	hasher         security.SecretHasher
}

// WithLoggerProvider emits security events as OTel log records through lp.
func WithLoggerProvider(lp *sdklog.LoggerProvider) Option {
	return func(o *options) { o.loggerProvider = lp }
}

// WithTokenProvider overrides the signing keys from config.
func WithTokenProvider(p *security.TokenProvider) Option {
	return func(o *options) { o.tokens = p }
}

// WithHasher overrides the secret hasher from config.
func WithHasher(h security.SecretHasher) Option {
	return func(o *options) { o.hasher = h }
}

// New wires the services on repos. On error, everything opened so far is closed; repos stay
// owned by the caller until New succeeds.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, repos *Repos, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, Logger: log, Repos: repos, Metrics: metrics.New()}
	if err := a.build(ctx, o); err != nil {
		_ = a.closeOwned(context.Background())
		return nil, err
	}
	a.closers = append(a.closers, repos.Close)
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.Config
	var err error

	a.Tokens = o.tokens
	if a.Tokens == nil {
		if !cfg.SigningConfigured() {
			return errors.New("JWT_SECRET or JWT_PRIVATE_KEY must be set")
		}
		a.Tokens, err = security.NewTokenProviderFromConfig(security.SigningConfig{
			Alg:        cfg.JWTAlg,
			PrivateKey: cfg.JWTPrivateKey,
			PublicKey:  cfg.JWTPublicKey,
			HMACSecret: cfg.JWTSecret,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			AccessTTL:  cfg.AccessTTL(),
		})
		if err != nil {
			return fmt.Errorf("token provider: %w", err)
		}
	}

	a.Hasher = o.hasher
	if a.Hasher == nil {
		primary, err := security.NewSecretHasher(cfg.HashAlgorithm, cfg.BcryptCost)
		if err != nil {
			return err
		}
		a.Hasher = security.MultiHasher{Primary: primary}
	}

	if cfg.RedisAddr != "" {
		a.redis, err = blocklist.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return a.redis.Close() })
		a.Blocklist = blocklist.NewRedis(a.redis)
	} else {
		a.Blocklist = blocklist.NewMemory(time.Minute)
	}

	a.Evaluator = engine.MatchEvaluator{}
	if cfg.OPAPolicyPath != "" {
		opa, err := engine.NewOPAEvaluatorFromFile(ctx, cfg.OPAPolicyPath)
		if err != nil {
			return fmt.Errorf("opa: %w", err)
		}
		a.Evaluator = opa
	}

	events := telemetry.Multi{a.Metrics}
	if o.loggerProvider != nil {
		events = append(events, oteladapter.NewEventEmitter(o.loggerProvider))
	}
	if cfg.AMQPURL != "" {
		pub, err := amqppub.Dial(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		events = append(events, pub)
	}
	a.Events = events

	a.Identities = repository.NewStore(a.Repos.Identities)
	a.Roles = roleservice.NewRegistry(a.Repos.Roles, a.Identities)
	a.Sessions = sessionservice.NewManager(a.Repos.RefreshTokens,
		identityservice.NewAccessMinter(a.Identities, a.Roles, a.Tokens),
		cfg.RefreshTTL(),
		sessionservice.WithEvents(a.Events),
		sessionservice.WithLogger(a.Logger),
	)
	a.Sweeper = sessionservice.NewSweeper(a.Repos.RefreshTokens, cfg.Retention(), a.Logger)
	a.Devices = deviceservice.NewRegistry(a.Repos.Devices, a.Sessions, deviceservice.Config{
		Blocklist: a.Blocklist,
		AccessTTL: a.Tokens.AccessTTL(),
		Events:    a.Events,
		Logger:    a.Logger,
	})
	a.Issuer = identityservice.NewIssuer(a.Identities, a.Roles, a.Devices, a.Sessions, a.Hasher, identityservice.IssuerConfig{
		Blocklist: a.Blocklist,
		AccessTTL: a.Tokens.AccessTTL(),
		Events:    a.Events,
		Logger:    a.Logger,
	})
	a.Resolver = rbac.NewResolver(a.Tokens, a.Evaluator, a.Blocklist, a.Logger)
	a.Audit = audit.NewLogger(a.Repos.AuditLogs, interceptors.ClientIP, a.Logger)
	return nil
}

// ServerDeps returns the gRPC dependencies backed by the app's services.
func (a *App) ServerDeps() server.Deps {
	var limiter *interceptors.RateLimiter
	if a.Config.RateLimitPerMinute > 0 {
		limiter = interceptors.NewRateLimiter(a.Config.RateLimitPerMinute, a.Config.RateLimitBurst)
	}
	return server.Deps{
		Auth:        a.Issuer,
		Sessions:    a.Sessions,
		Devices:     a.Devices,
		Resolver:    a.Resolver,
		Audit:       a.Audit,
		Metrics:     a.Metrics,
		RateLimiter: limiter,
		Timeout:     a.Config.Timeout(),
		Logger:      a.Logger,
	}
}

// HealthChecks returns the readiness checks of the app's dependencies.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"store": a.Repos.Ping,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if opa, ok := a.Evaluator.(*engine.OPAEvaluator); ok {
		checks["policy"] = opa.HealthCheck
	}
	return checks
}

// Close releases every connection the app opened, last opened first.
func (a *App) Close(ctx context.Context) error {
	return a.closeOwned(ctx)
}

func (a *App) closeOwned(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
