// Package main is the unified entry point for legiond. This single binary
// runs the session and legion runtime core together with its WebSocket
// gateway and optional MCP tool server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/legionhq/legiond/internal/common/config"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/control"
	"github.com/legionhq/legiond/internal/driver"
	"github.com/legionhq/legiond/internal/events"
	gateway "github.com/legionhq/legiond/internal/gateway/websocket"
	"github.com/legionhq/legiond/internal/legion"
	"github.com/legionhq/legiond/internal/mcpserver"
	"github.com/legionhq/legiond/internal/observer"
	"github.com/legionhq/legiond/internal/scheduler"
	"github.com/legionhq/legiond/internal/session"
	"github.com/legionhq/legiond/internal/store"
	"github.com/legionhq/legiond/internal/tracing"
	"github.com/legionhq/legiond/pkg/wire"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting legiond", zap.String("data_dir", cfg.Data.Dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	st, err := store.New(cfg.Data.Dir, log)
	if err != nil {
		log.Fatal("failed to initialize state store", zap.Error(err))
	}
	if err := st.LoadAll(); err != nil {
		log.Fatal("failed to load state", zap.Error(err))
	}

	factory := driver.NewClaudeFactory(cfg.Agent)
	sessions := session.NewManager(st, eventBus, factory, cfg.Agent, log)
	if err := sessions.Recover(); err != nil {
		log.Fatal("startup recovery failed", zap.Error(err))
	}

	coord := legion.NewCoordinator(st, sessions, eventBus, log)
	router := legion.NewRouter(st, sessions, coord, eventBus, log)
	defer router.Close()

	sched := scheduler.NewScheduler(st, sessions, eventBus, cfg.Scheduler, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	ctrl := control.NewService(st, sessions, coord, router, sched, eventBus, log)

	obs := observer.NewHub(sessions, router, eventBus, cfg.Observer, log)
	obs.Run(ctx)

	dispatcher := wire.NewDispatcher()
	gateway.RegisterHandlers(dispatcher, ctrl, sessions)

	hub := gateway.NewHub(dispatcher, obs, log)
	go hub.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	gateway.Setup(ctx, engine, hub, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	var mcp *mcpserver.Server
	if cfg.MCP.Enabled {
		mcp = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, ctrl, log)
		if err := mcp.Start(ctx); err != nil {
			log.Fatal("failed to start MCP server", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	<-gctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	if mcp != nil {
		_ = mcp.Stop(shutdownCtx)
	}
	obs.Shutdown()
	if err := sched.Stop(); err != nil {
		log.Warn("scheduler stop failed", zap.Error(err))
	}
	sessions.Shutdown(shutdownCtx)
	_ = shutdownTracing(shutdownCtx)

	if err := g.Wait(); err != nil {
		log.Error("shutdown with error", zap.Error(err))
	}
	log.Info("legiond stopped")
}
