// Package main is the entry point for the agent-to-user real-time
// event routing core's reference server: it wires the registry,
// connection manager, and bridge together behind the wsserver
// reference transport adapter. The core itself is a library; this
// binary exists to exercise it end-to-end the way the teacher's
// cmd/kandev/main.go exercises its own gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relayforge/agentbridge/internal/bridge"
	"github.com/relayforge/agentbridge/internal/common/config"
	"github.com/relayforge/agentbridge/internal/common/logger"
	"github.com/relayforge/agentbridge/internal/connmanager"
	"github.com/relayforge/agentbridge/internal/events/bus"
	"github.com/relayforge/agentbridge/internal/registry"
	"github.com/relayforge/agentbridge/internal/transport/wsserver"
)

func main() {
	cfg, err := config.Load(os.Getenv("AGENTBRIDGE_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting agentbridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, closeBus, err := bus.Provide(cfg.EventBus, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		os.Exit(1)
	}
	defer closeBus()

	reg := registry.New(cfg.Registry, log)
	connManager := connmanager.New(cfg.ConnManager, log)

	agentBridge := bridge.New(cfg.Bridge, log)
	if err := agentBridge.Initialize(ctx, connManager, reg, nil); err != nil {
		log.Error("bridge initialization failed", zap.Error(err))
		os.Exit(1)
	}

	publishConnectionStatus(ctx, eventBus, log, "starting")

	server := wsserver.NewServer(connManager, log, func(r *http.Request) (string, bool) {
		userID := r.URL.Query().Get("user_id")
		return userID, userID != ""
	})

	port := os.Getenv("AGENTBRIDGE_PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("websocket server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server stopped unexpectedly", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentbridge")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	agentBridge.Shutdown(shutdownCtx)
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Error("registry shutdown error", zap.Error(err))
	}

	log.Info("agentbridge stopped")
}

func publishConnectionStatus(ctx context.Context, eventBus bus.EventBus, log *logger.Logger, status string) {
	event := bus.NewEvent("connection_status", "agentbridge", map[string]any{"status": status})
	if err := eventBus.Publish(ctx, "agentbridge.connection_status", event); err != nil {
		log.Warn("failed to publish connection_status", zap.Error(err))
	}
}
