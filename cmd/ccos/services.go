package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/ccos/core/pkg/artifacts"
	"github.com/Mindburn-Labs/ccos/core/pkg/audit"
	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/core/pkg/config"
	"github.com/Mindburn-Labs/ccos/core/pkg/governance"
	"github.com/Mindburn-Labs/ccos/core/pkg/intentgraph"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel"
	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
	"github.com/Mindburn-Labs/ccos/core/pkg/mcp"
	"github.com/Mindburn-Labs/ccos/core/pkg/observability"
	"github.com/Mindburn-Labs/ccos/core/pkg/orchestrator"
	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/sandbox"
	"github.com/Mindburn-Labs/ccos/core/pkg/store/ledger"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

const (
	chainKeyPurpose  = "causal-chain"
	moduleKeyPurpose = "plugin-modules"
	brokerMaxTTL     = 5 * time.Minute
)

// Services is the wired core. Every command builds one and closes it.
type Services struct {
	Config  *config.Config
	Profile *config.SandboxProfile
	Obs     *observability.Provider
	Keys    *governance.Keyring
	// Ledger is nil unless the command persists the chain.
	Ledger *ledger.SQLLedger
	Chain  *causalchain.Chain
	Graph  *intentgraph.Graph
	Market *marketplace.Marketplace
	Pool   *mcp.ClientPool
	// Modules holds plugin modules. ModuleKeys signs and verifies them and is
	// nil without a configured seed.
	Modules    *artifacts.Registry
	ModuleKeys *governance.Keyring
	Orch       *orchestrator.Orchestrator
	Kernel     *governance.Kernel

	closers []func(context.Context) error
}

type serviceOptions struct {
	persist   bool
	manifests string
	profile   string
	audit     io.Writer
}

// loadConfig reads the environment and installs the process logger.
func loadConfig(stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	return cfg, nil
}

func newServices(ctx context.Context, cfg *config.Config, opts serviceOptions) (svc *Services, err error) {
	svc = &Services{Config: cfg}
	defer func() {
		if err != nil {
			svc.Close(ctx)
		}
	}()

	profileName := opts.profile
	if profileName == "" {
		profileName = cfg.Profile
	}
	if svc.Profile, err = config.LoadProfile(cfg.ProfileDir, profileName); err != nil {
		return svc, err
	}

	if svc.Obs, err = observability.New(ctx, cfg.Observability()); err != nil {
		return svc, fmt.Errorf("observability: %w", err)
	}
	svc.closers = append(svc.closers, svc.Obs.Shutdown)

	if svc.Keys, err = newKeyring(cfg); err != nil {
		return svc, err
	}

	svc.Chain = causalchain.New()
	if cfg.SigningSeed != "" {
		signer, err := svc.Keys.Derive(chainKeyPurpose)
		if err != nil {
			return svc, err
		}
		svc.Chain.WithSigner(signer)
	}
	if opts.audit != nil {
		svc.Chain.AddSink(audit.NewLoggerWithWriter(opts.audit))
	}
	if opts.persist {
		if svc.Ledger, err = ledger.Open(ctx, cfg.DBDriver, cfg.DatabaseURL); err != nil {
			return svc, fmt.Errorf("ledger: %w", err)
		}
		svc.closers = append(svc.closers, func(context.Context) error { return svc.Ledger.Close() })
		if err := svc.Chain.Resume(ctx, svc.Ledger); err != nil {
			return svc, fmt.Errorf("resume chain: %w", err)
		}
		svc.Chain.WithStore(svc.Ledger)
	}

	svc.Graph = intentgraph.New(causalchain.IntentSink{Chain: svc.Chain})

	limiter, err := newLimiter(ctx, cfg, svc)
	if err != nil {
		return svc, err
	}
	blobs, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		return svc, fmt.Errorf("artifacts: %w", err)
	}
	if cfg.SigningSeed != "" {
		if svc.ModuleKeys, err = svc.Keys.Derive(moduleKeyPurpose); err != nil {
			return svc, err
		}
		svc.Modules = artifacts.NewRegistry(blobs, svc.ModuleKeys)
	} else {
		svc.Modules = artifacts.NewRegistry(blobs, nil)
	}
	svc.Pool = mcp.NewClientPool("ccos", version)
	svc.closers = append(svc.closers, func(context.Context) error { return svc.Pool.Close() })

	svc.Market = marketplace.New(svc.Chain).
		WithObservability(svc.Obs).
		WithLimiter(limiter, cfg.RateLimit()).
		WithSandbox(sandbox.NewProvider(), svc.Profile.Security(), svc.Profile.RuntimePermissions).
		WithArtifacts(svc.Modules).
		WithCredentialBroker(sandbox.NewCredentialBroker(brokerMaxTTL)).
		WithMCPClient(svc.Pool)
	if err := registerBuiltins(ctx, svc.Market); err != nil {
		return svc, err
	}
	if opts.manifests != "" {
		if _, err := svc.Market.ImportFromDir(ctx, opts.manifests); err != nil {
			return svc, fmt.Errorf("import manifests: %w", err)
		}
	}

	constitution, err := loadConstitution(cfg.Constitution)
	if err != nil {
		return svc, err
	}
	grants, err := governance.NewGrants(svc.Keys, cfg.GrantTTL)
	if err != nil {
		return svc, err
	}
	svc.Orch = orchestrator.New(svc.Chain, svc.Graph, svc.Market, grants).WithObservability(svc.Obs)
	svc.Kernel = governance.NewKernel(constitution, svc.Chain, svc.Graph, svc.Market, svc.Orch, grants).
		WithObservability(svc.Obs).
		WithToolContext(svc.Profile.RuntimeContext("mcp"))
	return svc, nil
}

// Close releases resources in reverse order of acquisition.
func (s *Services) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			slog.WarnContext(ctx, "shutdown", "error", err)
		}
	}
	s.closers = nil
}

func newKeyring(cfg *config.Config) (*governance.Keyring, error) {
	seed, err := cfg.Seed()
	if err != nil {
		return nil, err
	}
	return governance.NewKeyring(seed)
}

func newLimiter(ctx context.Context, cfg *config.Config, svc *Services) (kernel.LimiterStore, error) {
	if cfg.RedisAddr == "" {
		return kernel.NewInMemoryLimiterStore(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	svc.closers = append(svc.closers, func(context.Context) error { return client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return kernel.NewRedisLimiterStore(client), nil
}

func loadConstitution(path string) (*governance.Constitution, error) {
	if path == "" {
		return governance.DefaultConstitution(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("constitution: %w", err)
	}
	defer func() { _ = f.Close() }()
	c, err := governance.LoadConstitution(f)
	if err != nil {
		return nil, fmt.Errorf("constitution %s: %w", path, err)
	}
	return c, nil
}

// registerBuiltins adds the capabilities every deployment carries.
func registerBuiltins(ctx context.Context, mp *marketplace.Marketplace) error {
	builtins := []marketplace.Manifest{
		{
			ID:          "ccos.echo",
			Name:        "Echo",
			Description: "Returns its input unchanged",
			Provider: marketplace.LocalProvider{Handler: func(_ context.Context, in value.Value) (value.Value, error) {
				return in, nil
			}},
		},
	}
	for _, m := range builtins {
		if err := mp.RegisterCapabilityManifest(ctx, m); err != nil {
			return fmt.Errorf("register %s: %w", m.ID, err)
		}
	}
	return nil
}
