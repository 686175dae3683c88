package main

import (
	"context"
	"fmt"
	"os"

	"github.com/AymericDu/oio-sds/internal/clients/rawx"
	"github.com/AymericDu/oio-sds/internal/observability"
	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/platform/envutil"
	"github.com/AymericDu/oio-sds/internal/platform/shutdown"
	"github.com/AymericDu/oio-sds/internal/xcute"
	"github.com/AymericDu/oio-sds/internal/xcute/modules"
	"github.com/AymericDu/oio-sds/internal/xcute/worker"
)

func main() {
	cfg, err := xcute.LoadConfig()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.CheckWorker(); err != nil {
		fmt.Printf("invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With("service", "xcute-worker")

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	metrics := observability.Init(log)
	metrics.StartServer(ctx, log, envutil.String("XCUTE_METRICS_ADDR", ""))
	otelStop := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "xcute-worker",
		Environment: cfg.LogMode,
	})
	if otelStop != nil {
		defer func() { _ = otelStop(context.Background()) }()
	}

	env := modules.Env{Logger: log}
	env.Rawx, err = rawx.NewClient(log)
	if err != nil {
		log.Error("rawx client init failed", "error", err)
		os.Exit(1)
	}
	registry := modules.Default(env)

	wrk, err := worker.New(*cfg, registry, log)
	if err != nil {
		log.Error("worker init failed", "error", err)
		os.Exit(1)
	}

	if err := wrk.Run(ctx); err != nil {
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
}
