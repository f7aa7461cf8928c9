package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/etrade-adapter/internal/api"
	"github.com/Checker-Finance/etrade-adapter/internal/audit"
	"github.com/Checker-Finance/etrade-adapter/internal/auth"
	"github.com/Checker-Finance/etrade-adapter/internal/etrade"
	"github.com/Checker-Finance/etrade-adapter/internal/keepalive"
	"github.com/Checker-Finance/etrade-adapter/internal/oauth"
	"github.com/Checker-Finance/etrade-adapter/internal/publisher"
	"github.com/Checker-Finance/etrade-adapter/internal/rate"
	"github.com/Checker-Finance/etrade-adapter/internal/store"
	"github.com/Checker-Finance/etrade-adapter/pkg/clock"
	"github.com/Checker-Finance/etrade-adapter/pkg/config"
	"github.com/Checker-Finance/etrade-adapter/pkg/logger"
	"github.com/Checker-Finance/etrade-adapter/pkg/model"
	"github.com/Checker-Finance/etrade-adapter/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	logg := logger.S()
	logg.Info("starting [etrade-adapter]...")

	// --- Connect to NATS ---
	var nc *nats.Conn
	var pub auth.EventPublisher = publisher.Noop{}
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		nc = conn
		defer nc.Drain() //nolint:errcheck

		p, err := publisher.New(logger.L(), nc, cfg.ServiceName)
		if err != nil {
			logg.Fatalw("failed to init publisher", "error", err)
		}
		pub = p
	} else {
		logg.Warn("NATS_URL empty; lifecycle events disabled")
	}

	// --- Credential store ---
	st, err := buildStore(cfg)
	if err != nil {
		logg.Fatalw("failed to init credential store", "error", err)
	}
	logg.Infow("credential store ready", "backend", cfg.StoreBackend)

	// --- Optional rotation audit trail ---
	var auditor auth.RotationAuditor
	if cfg.DatabaseURL != "" {
		logg.Info("connecting to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logg.Fatalw("failed to init postgres pool", "error", err)
		}
		defer pool.Close()
		auditor = audit.NewRotationWriter(pool, logger.L(), cfg.ServiceName)
	}

	clk := clock.System()
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	authCfg := auth.Config{
		IdleCutoff:    cfg.IdleCutoff,
		WarningMargin: cfg.IdleWarningMargin,
		SessionTTL:    cfg.SessionTTL,
		Location:      cfg.BrokerLocation(),
	}

	authHandler := api.NewAuthHandler(logger.L())

	type envSpec struct {
		env     model.Environment
		baseURL string
		creds   auth.ConsumerCredentials
	}
	specs := []envSpec{
		{model.Production, cfg.ProdBaseURL,
			auth.ConsumerCredentials{Key: cfg.ProdConsumerKey, Secret: cfg.ProdConsumerSecret}},
	}
	if cfg.SandboxEnabled {
		specs = append(specs, envSpec{model.Sandbox, cfg.SandboxBaseURL,
			auth.ConsumerCredentials{Key: cfg.SandboxConsumerKey, Secret: cfg.SandboxConsumerSecret}})
	}

	for _, spec := range specs {
		// One bucket per environment; both point at separate hosts.
		limiter := rate.New(rate.Config{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		})
		client := etrade.NewClient(logger.L(), spec.baseURL, cfg.AuthorizeURL,
			oauth.NewSigner(), httpClient, cfg.RetryMax, limiter)

		mgr := auth.NewManager(spec.env, authCfg, logger.L(), st, client, pub, clk, spec.creds)
		if auditor != nil {
			mgr.SetAuditor(auditor)
		}
		if err := mgr.Load(ctx); err != nil {
			logg.Warnw("could not load stored token; starting unauthenticated",
				"environment", string(spec.env), "error", err)
		}

		sched := keepalive.New(logger.L(), spec.env, mgr, client, pub, clk,
			cfg.KeepAliveInterval, cfg.HTTPTimeout, cfg.DegradedThreshold)
		go sched.Start(ctx)

		authHandler.Register(spec.env, mgr, sched)
	}

	// --- HTTP API ---
	app := fiber.New()
	api.RegisterRoutes(app, nc, st, authHandler)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[etrade-adapter] running",
		"nats", cfg.NATSURL,
		"keepalive_interval", cfg.KeepAliveInterval,
		"sandbox_enabled", cfg.SandboxEnabled)

	<-ctx.Done()
	stop()
	logg.Info("shutting down [etrade-adapter]...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.ShutdownWithContext(shutdownCtx) //nolint:errcheck
	logger.Sync()
}

// buildStore selects the credential store backend from configuration.
func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "aws":
		return store.NewAWSStore(cfg.AWSRegion, cfg.SecretPrefix)
	case "redis":
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisDB)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewFileStore(cfg.StoreFileDir)
	}
}
