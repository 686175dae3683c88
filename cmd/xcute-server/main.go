package main

import (
	"context"
	"fmt"
	"os"

	"github.com/AymericDu/oio-sds/internal/http"
	"github.com/AymericDu/oio-sds/internal/http/handlers"
	"github.com/AymericDu/oio-sds/internal/observability"
	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/platform/envutil"
	"github.com/AymericDu/oio-sds/internal/platform/shutdown"
	"github.com/AymericDu/oio-sds/internal/xcute"
	"github.com/AymericDu/oio-sds/internal/xcute/backend"
	"github.com/AymericDu/oio-sds/internal/xcute/modules"
)

func main() {
	cfg, err := xcute.LoadConfig()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.CheckServer(); err != nil {
		fmt.Printf("invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With("service", "xcute-server")

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	metrics := observability.Init(log)
	metrics.StartServer(ctx, log, envutil.String("XCUTE_METRICS_ADDR", ""))
	otelStop := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "xcute-server",
		Environment: cfg.LogMode,
	})
	if otelStop != nil {
		defer func() { _ = otelStop(context.Background()) }()
	}

	store, err := backend.New(cfg.BackendEndpoint, log)
	if err != nil {
		log.Error("backend init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := modules.Default(modules.Env{Logger: log})
	srv := http.NewServer(http.RouterConfig{
		Log:           log,
		Metrics:       metrics,
		JobHandler:    handlers.NewJobHandler(store, registry, log),
		HealthHandler: handlers.NewHealthHandler(),
	})

	log.Info("control api listening", "addr", cfg.BindAddr)
	if err := srv.RunContext(ctx, cfg.BindAddr); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
