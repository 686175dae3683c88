package main

import (
	"context"
	"fmt"
	"os"

	"github.com/AymericDu/oio-sds/internal/bus"
	"github.com/AymericDu/oio-sds/internal/clients/conscience"
	"github.com/AymericDu/oio-sds/internal/clients/rdir"
	"github.com/AymericDu/oio-sds/internal/observability"
	"github.com/AymericDu/oio-sds/internal/pkg/logger"
	"github.com/AymericDu/oio-sds/internal/platform/envutil"
	"github.com/AymericDu/oio-sds/internal/platform/shutdown"
	"github.com/AymericDu/oio-sds/internal/xcute"
	"github.com/AymericDu/oio-sds/internal/xcute/backend"
	"github.com/AymericDu/oio-sds/internal/xcute/modules"
	"github.com/AymericDu/oio-sds/internal/xcute/orchestrator"
)

func main() {
	cfg, err := xcute.LoadConfig()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.CheckOrchestrator(); err != nil {
		fmt.Printf("invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With("service", "xcute-orchestrator")

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	metrics := observability.Init(log)
	metrics.StartServer(ctx, log, envutil.String("XCUTE_METRICS_ADDR", ""))
	otelStop := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "xcute-orchestrator",
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

	csc, err := conscience.NewClient(cfg.ConscienceEndpoint, log)
	if err != nil {
		log.Error("conscience client init failed", "error", err)
		os.Exit(1)
	}

	env := modules.Env{Logger: log}
	if cfg.RdirEndpoint != "" {
		env.Rdir, err = rdir.NewClient(cfg.RdirEndpoint, log)
		if err != nil {
			log.Error("rdir client init failed", "error", err)
			os.Exit(1)
		}
	}
	registry := modules.Default(env)

	reply, err := bus.NewListener(cfg.BeanstalkdReplyAddr, cfg.BeanstalkdReplyTube, log)
	if err != nil {
		log.Error("reply listener init failed", "error", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(*cfg, store, registry, csc, reply, log)
	if err != nil {
		log.Error("orchestrator init failed", "error", err)
		os.Exit(1)
	}

	if err := orch.Run(ctx); err != nil {
		log.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}
