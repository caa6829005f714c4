// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/config"
	"github.com/flyingrobots/comfy-bridge/internal/httpapi"
	"github.com/flyingrobots/comfy-bridge/internal/obs"
	"github.com/flyingrobots/comfy-bridge/internal/redisclient"
	"github.com/flyingrobots/comfy-bridge/internal/selector"
	"github.com/flyingrobots/comfy-bridge/internal/session"
	"github.com/flyingrobots/comfy-bridge/internal/statestore"
	"github.com/flyingrobots/comfy-bridge/internal/upload"
	"github.com/flyingrobots/comfy-bridge/internal/workflow"
	"github.com/redis/go-redis/v9"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redisclient.New(cfg)
		defer rdb.Close()
	}

	store, err := statestore.Open(cfg, rdb, logger)
	if err != nil {
		logger.Fatal("state store init failed", obs.Err(err))
	}

	engine, err := workflow.NewEngine(cfg)
	if err != nil {
		logger.Fatal("workflow engine init failed", obs.Err(err))
	}

	pool := selector.New(cfg, logger)
	uploads := upload.NewPipeline(cfg)
	sessions := session.New(cfg, logger, func(ctx context.Context, backendAddr, promptID string) error {
		return pool.Client(backendAddr).ClearHistory(ctx, []string{promptID}, false)
	})

	srv := httpapi.New(cfg, logger, sessions, pool, engine, uploads, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readySrv := obs.StartHTTPServer(cfg, srv.Readiness)
	defer func() { _ = readySrv.Shutdown(context.Background()) }()

	obs.StartQueueLengthUpdater(ctx, cfg, pool.QueueDepths, logger)

	sessions.Start(ctx)
	defer sessions.Stop()

	sweepCron, err := upload.StartOrphanSweep(uploads, cfg, logger)
	if err != nil {
		logger.Warn("orphan upload sweep not started", obs.Err(err))
	} else {
		defer sweepCron.Stop()
	}

	bridgeSrv := srv.NewHTTPServer()
	go func() {
		logger.Info("bridge listening", obs.String("addr", bridgeSrv.Addr))
		if err := bridgeSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("bridge server error", obs.Err(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := bridgeSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bridge server shutdown error", obs.Err(err))
	}
}
