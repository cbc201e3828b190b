package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jlugo63/gavel/approval"
	"github.com/jlugo63/gavel/blastbox"
	"github.com/jlugo63/gavel/gateway/config"
	"github.com/jlugo63/gavel/gateway/middleware"
	"github.com/jlugo63/gavel/gateway/routes"
	"github.com/jlugo63/gavel/identity"
	"github.com/jlugo63/gavel/ledger"
	"github.com/jlugo63/gavel/observability/logging"
	telemetry "github.com/jlugo63/gavel/observability/otel"
	"github.com/jlugo63/gavel/policy"
)

func main() {
	var cfgPath string
	var policyPath string
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration")
	flag.StringVar(&policyPath, "policy", "", "path to a policy rule table (TOML); overrides ruleTablePath from the config, and empty in both uses the built-in v1.0.0 table")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("GAVEL_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	config.ApplyEnvOverrides(&cfg)

	slogger := logging.SetupFile("gavel", env, cfg.LogFilePath)
	logger := log.New(os.Stdout, "gavel ", log.LstdFlags|log.Lmsgprefix)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "gavel",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    true,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := ledger.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("open ledger: %v", err)
	}
	defer store.Close()

	if policyPath == "" {
		policyPath = cfg.RuleTablePath
	}
	ruleTable := policy.DefaultRuleTable()
	if policyPath != "" {
		ruleTable, err = policy.LoadRuleTable(policyPath)
		if err != nil {
			logger.Fatalf("load policy rule table: %v", err)
		}
	}
	engine, err := policy.NewEngine(ruleTable)
	if err != nil {
		logger.Fatalf("compile policy rule table: %v", err)
	}
	logger.Printf("policy version %s in force", engine.Version())

	allowList, err := identity.LoadAllowList(cfg.IdentitiesPath)
	if err != nil {
		logger.Fatalf("load identities: %v", err)
	}

	var noncePersistence identity.NoncePersistence
	if cfg.NonceDBPath != "" {
		persistence, err := identity.NewLevelDBNoncePersistence(cfg.NonceDBPath)
		if err != nil {
			logger.Fatalf("open nonce store: %v", err)
		}
		defer persistence.Close()
		noncePersistence = persistence
	}
	authenticator := identity.NewAuthenticator(allowList.Secrets(), 0, 0, 0, nil, noncePersistence)
	if noncePersistence != nil {
		if err := authenticator.HydrateNonces(context.Background(), time.Now().Add(-10*time.Minute)); err != nil {
			logger.Fatalf("hydrate nonces: %v", err)
		}
	}

	approvals := approval.New(store, cfg.ApprovalTTL)

	box := blastbox.New(blastbox.NewProcessRuntime(), cfg.BlastBox.Workspace, blastbox.Config{
		Image:          cfg.BlastBox.Image,
		NetworkMode:    "none",
		MemoryLimit:    cfg.BlastBox.Memory,
		CPULimit:       cfg.BlastBox.CPUs,
		TimeoutSeconds: cfg.BlastBox.TimeoutSeconds,
	})

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: "gavel",
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)

	rateLimiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"propose": {RatePerSecond: cfg.RateLimit.RatePerSecond, Burst: cfg.RateLimit.Burst},
	}, logger)

	humanAPIKey := ""
	if cfg.RequireHumanAPIKey() {
		humanAPIKey = cfg.HumanAPIKey
	}

	router := routes.New(&routes.Server{
		Ledger:          store,
		Policy:          engine,
		Approvals:       approvals,
		Box:             box,
		Allow:           allowList,
		AgentAuth:       authenticator,
		HumanAPIKey:     humanAPIKey,
		RateLimiter:     rateLimiter,
		Observability:   obs,
		MaxVerifyEvents: 0,
	})

	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "gavel")
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	go func() {
		logger.Printf("listening on http://%s", listener.Addr())
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatalf("listen and serve: %v", serveErr)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
