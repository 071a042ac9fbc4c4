package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	x402 "github.com/vitwit/x402-approvals"
	"github.com/vitwit/x402-approvals/api"
	"github.com/vitwit/x402-approvals/chains"
	"github.com/vitwit/x402-approvals/config"
	"github.com/vitwit/x402-approvals/events"
	"github.com/vitwit/x402-approvals/logger"
	"github.com/vitwit/x402-approvals/metrics"
	"github.com/vitwit/x402-approvals/signer"
	"github.com/vitwit/x402-approvals/store/postgres"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	zl, err := logger.NewZapLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx := context.Background()
	db, err := postgres.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		zl.Error("db connect failed", map[string]any{"error": err})
		os.Exit(1)
	}

	if cfg.DB.Migrate {
		applied, err := db.Migrate(ctx)
		if err != nil {
			zl.Error("db migrate failed", map[string]any{"error": err})
			os.Exit(1)
		}
		zl.Info("migrations applied", map[string]any{"files": applied})
	}

	registry, err := chains.Only(cfg.Chains.Enabled...)
	if err != nil {
		zl.Error("chain config invalid", map[string]any{"error": err})
		os.Exit(1)
	}

	opts := []x402.Option{
		x402.WithLogger(zl),
		x402.WithRegistry(registry),
		x402.WithTimeout(cfg.SettlementTimeout()),
		x402.WithTTL(cfg.PaymentTTL()),
		x402.WithAuthorizationValidity(cfg.AuthorizationValidity()),
		x402.WithCloser(func() error { db.Close(); return nil }),
	}

	if cfg.Settlement.VerifySignatures {
		opts = append(opts, x402.WithVerifier(signer.EOAVerifier{}))
	}

	if cfg.Redis.URL != "" {
		pub, err := events.NewRedisPublisher(ctx, cfg.Redis.URL, cfg.Redis.Stream)
		if err != nil {
			zl.Error("redis connect failed", map[string]any{"error": err})
			os.Exit(1)
		}
		opts = append(opts, x402.WithPublisher(pub))
	}

	var promReg *prometheus.Registry
	if cfg.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, x402.WithMetrics(metrics.NewPrometheusRecorder(promReg)))
	}

	engine := x402.New(db.Payments(), db.Ledger(), opts...)
	defer func() {
		if err := engine.Close(); err != nil {
			zl.Warn("engine close failed", map[string]any{"error": err})
		}
	}()

	srv := api.NewServer(api.NewHandler(engine, zl))
	if promReg != nil {
		srv.Router.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		zl.Info("api listening", map[string]any{"addr": cfg.Server.Addr, "chains": len(registry.Supported())})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("server error", map[string]any{"error": err})
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		zl.Warn("shutdown incomplete", map[string]any{"error": err})
	}
}
