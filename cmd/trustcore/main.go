// Command trustcore runs the trust and policy enforcement core: the
// rule registry, evidence ledger, verifier set, trust engine, and the
// HTTP boundary in front of them.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/aegis-labs/trustcore/pkg/api"
	"github.com/aegis-labs/trustcore/pkg/approvedlist"
	"github.com/aegis-labs/trustcore/pkg/attest"
	"github.com/aegis-labs/trustcore/pkg/audit"
	"github.com/aegis-labs/trustcore/pkg/config"
	"github.com/aegis-labs/trustcore/pkg/engine"
	"github.com/aegis-labs/trustcore/pkg/ledger"
	"github.com/aegis-labs/trustcore/pkg/observability"
	"github.com/aegis-labs/trustcore/pkg/policy"
	"github.com/aegis-labs/trustcore/pkg/trust"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// stores bundles the persistence picked by DATABASE_DRIVER.
type stores struct {
	blocks       ledger.BlockStore
	attestations attest.Store
	auditSink    audit.Store
	trail        trust.Trail
	db           *sql.DB
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.DatabaseDriver {
	case "memory", "":
		return &stores{
			blocks:       ledger.NewMemoryStore(),
			attestations: attest.NewMemoryStore(),
			auditSink:    audit.NewMemoryStore(),
			trail:        trust.NewMemoryTrail(),
		}, nil

	case "sqlite", "postgres":
		driver := cfg.DatabaseDriver
		dsn := cfg.DatabaseURL
		if driver == "sqlite" && dsn == "" {
			dsn = "file:trustcore.db?_pragma=journal_mode(WAL)"
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping %s: %w", driver, err)
		}

		blocks := ledger.NewSQLStore(db)
		attestations := attest.NewSQLStore(db)
		auditSink := audit.NewSQLStore(db)
		trail := trust.NewSQLTrail(db)
		for _, init := range []func(context.Context) error{
			blocks.Init, attestations.Init, auditSink.Init, trail.Init,
		} {
			if err := init(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init schema: %w", err)
			}
		}
		return &stores{
			blocks:       blocks,
			attestations: attestations,
			auditSink:    auditSink,
			trail:        trail,
			db:           db,
		}, nil

	default:
		return nil, fmt.Errorf("unknown DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run() error {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsConfig := observability.DefaultConfig()
	obsConfig.Enabled = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	if obsConfig.Enabled {
		obsConfig.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		obsConfig.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	obs, err := observability.New(ctx, obsConfig)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer func() { _ = st.db.Close() }()
	}
	logger.Info("stores ready", "driver", cfg.DatabaseDriver)

	// Governance profile tunes the trust engine and verifiers.
	trustConfig := trust.DefaultConfig()
	verifierTimeout := cfg.VerifierTimeout
	consensus := attest.NewConsensusVerifier()
	if code := os.Getenv("GOVERNANCE_PROFILE"); code != "" && cfg.ProfilesDir != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, code)
		if err != nil {
			return err
		}
		trustConfig = profile.TrustEngineConfig()
		if profile.Verifier.Timeout() > 0 {
			verifierTimeout = profile.Verifier.Timeout()
		}
		if profile.Verifier.ConsensusVoters > 0 {
			consensus.Voters = profile.Verifier.ConsensusVoters
		}
		if profile.Verifier.ConsensusThreshold > 0 {
			consensus.Threshold = profile.Verifier.ConsensusThreshold
		}
		logger.Info("governance profile loaded", "code", profile.Code, "name", profile.Name)
	}

	registry, err := policy.NewRegistry(logger, policy.SystemClock())
	if err != nil {
		return err
	}

	led := ledger.New(st.blocks, logger)

	// The crypto verifier runs even without a keyring: hash recompute and
	// chain membership need no secret, only signed evidence requires one.
	var keyring *attest.Keyring
	if secret := cfg.KeyringSecret; secret != "" {
		keyring, err = attest.NewKeyring([]byte(secret))
		if err != nil {
			return fmt.Errorf("keyring: %w", err)
		}
	} else {
		logger.Warn("KEYRING_SECRET not set, signed evidence will be rejected")
	}
	verifiers := []attest.Verifier{
		consensus,
		attest.NewAnomalyVerifier(),
		attest.NewCryptoVerifier(led, keyring),
	}

	aggregator := attest.NewAggregator(st.attestations, logger, verifiers...).
		WithTimeout(verifierTimeout)
	trustEngine := trust.NewEngine(trustConfig, st.trail, logger)

	// Audit entries go to stdout as JSON lines and to the store.
	auditSink := audit.MultiLogger{audit.NewLogger(), st.auditSink}

	pipeline := engine.New(registry, led, aggregator, trustEngine, auditSink, logger).
		WithObservability(obs)

	var lists approvedlist.Store
	if cfg.RedisAddr != "" {
		redisStore := approvedlist.NewRedisStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err := redisStore.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		lists = redisStore
		logger.Info("approved lists backed by redis", "addr", cfg.RedisAddr)
	} else {
		lists = approvedlist.NewMemoryStore()
	}
	pipeline.WithApprovedLists(lists)

	server := api.NewServer(pipeline, registry, led, st.attestations, trustEngine, st.trail, st.auditSink, logger).
		WithObservability(obs)
	limiter := api.NewRateLimiter(50, 100)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
