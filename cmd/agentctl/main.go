// Package main is the entry point for agentctl, the multi-provider agent
// session broker. It bootstraps the runtime manager, preset registry,
// MCP config writer, trace recorder, SSE fanout hub and session manager,
// then serves them behind the JSON-RPC/SSE facade (spec §6) until it
// receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	agentruntime "github.com/routa/acp-broker/internal/agent/runtime"
	"github.com/routa/acp-broker/internal/agentctl/registry"
	"github.com/routa/acp-broker/internal/agentctl/server/adapter"
	"github.com/routa/acp-broker/internal/agentctl/server/config"
	"github.com/routa/acp-broker/internal/agentctl/server/coordination"
	"github.com/routa/acp-broker/internal/agentctl/server/fanout"
	"github.com/routa/acp-broker/internal/agentctl/server/httpapi"
	"github.com/routa/acp-broker/internal/agentctl/server/mcpwriter"
	"github.com/routa/acp-broker/internal/agentctl/server/sessions"
	"github.com/routa/acp-broker/internal/agentctl/server/trace"
	"github.com/routa/acp-broker/internal/common/logger"
	"go.uber.org/zap"
)

func main() {
	initConfigPath := flag.String("init-config", "", "write a documented starter config.yaml to this path and exit")
	flag.Parse()

	if *initConfigPath != "" {
		if err := config.WriteExampleConfig(*initConfigPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write example config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote example config to %s\n", *initConfigPath)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	serverless := config.Serverless()
	log.Info("starting agentctl",
		zap.String("version", "0.1.0"),
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.Broker.DataDir),
		zap.Bool("serverless", serverless),
	)

	runtimeMgr := agentruntime.NewManager(cfg.Broker.DataDir, log)
	catalog := registry.NewCatalog(runtimeMgr, cfg.Broker.RegistryURL, log)
	warmup := registry.NewWarmup(catalog, log)
	mcpWriter := mcpwriter.New(log)

	tracePath := filepath.Join(cfg.Broker.DataDir, "acp-agents", "trace.db")
	recorder, err := trace.Open(tracePath, log)
	if err != nil {
		log.Fatal("failed to open trace store", zap.Error(err))
	}

	hub := fanout.New(log)

	// No external coordination server was configured, so stand up the
	// broker's own routa-coordination MCP server and point the config
	// writer at it instead.
	mcpServerURL := cfg.Broker.McpServerURL
	var coordSrv *coordination.Server
	var coordHTTP *http.Server
	if mcpServerURL == "" {
		coordSrv = coordination.New(log)
		coordHTTP = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Broker.CoordinationPort),
			Handler: coordSrv.Handler(),
		}
		go func() {
			log.Info("coordination MCP server listening", zap.String("addr", coordHTTP.Addr))
			if err := coordHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("coordination server error", zap.Error(err))
			}
		}()
		mcpServerURL = fmt.Sprintf("http://localhost:%d/mcp", cfg.Broker.CoordinationPort)
	}

	// sessions.New needs an EventHandler at construction time, but the
	// handler it should call (httpSrv.HandleEvent) isn't built until
	// httpapi.New is given the session manager. Forward-declare the
	// pointer and let the closure resolve it lazily; no event can fire
	// before a session exists, which requires this wiring to be done.
	var httpSrv *httpapi.Server
	onEvent := func(sessionID string, ev adapter.AgentEvent) {
		httpSrv.HandleEvent(sessionID, ev)
	}

	sessionMgr := sessions.New(catalog, mcpWriter, mcpServerURL, onEvent, log)
	httpSrv = httpapi.New(sessionMgr, hub, recorder, catalog, warmup, serverless, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      httpSrv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentctl")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionMgr.KillAll(ctx)

	if err := recorder.Close(); err != nil {
		log.Error("trace store close error", zap.Error(err))
	}

	if err := server.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if coordHTTP != nil {
		if err := coordHTTP.Shutdown(ctx); err != nil {
			log.Error("coordination server shutdown error", zap.Error(err))
		}
	}

	log.Info("agentctl stopped")
}
