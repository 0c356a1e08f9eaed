// File path: cmd/storymill/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/storymill/storymill/internal/api"
	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/data/orchestrator"
	"github.com/storymill/storymill/internal/pipeline"
)

func main() {
	logger := common.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		logger.Warn("storymill: .env file not loaded", "error", err)
	} else {
		logger.Info("storymill: environment loaded from .env")
	}

	addr := flag.String("addr", ":8082", "listen address")
	dbPath := flag.String("db", defaultCatalogPath(), "path to the SQLite story catalog")
	runWindow := flag.String("run-window", "", "run the pipeline once at startup over this window (e.g. 720h)")
	flag.Parse()

	logger.Info("storymill: startup initiated", "addr", *addr, "db", *dbPath)

	pipelineCfg, err := pipeline.LoadConfig()
	if err != nil {
		logger.Error("storymill: pipeline config invalid", "error", err)
		fmt.Println("pipeline config error:", err)
		os.Exit(1)
	}

	orchCfg := orchestrator.Config{
		SQLitePath: strings.TrimSpace(*dbPath),
		Pipeline:   pipelineCfg,
	}
	orch, err := orchestrator.New(ctx, orchCfg)
	if err != nil {
		logger.Error("storymill: orchestrator initialization failed", "error", err)
		fmt.Println("orchestrator error:", err)
		os.Exit(1)
	}
	defer orch.Close()

	if trimmed := strings.TrimSpace(*runWindow); trimmed != "" {
		window, err := time.ParseDuration(trimmed)
		if err != nil || window <= 0 {
			logger.Error("storymill: invalid run window", "value", trimmed, "error", err)
			fmt.Println("run window error:", err)
			os.Exit(1)
		}
		end := time.Now().UTC()
		run, err := orch.Runner().Run(ctx, end.Add(-window), end)
		if err != nil {
			logger.Error("storymill: startup run failed", "run", run.ID, "error", err)
		} else {
			logger.Info("storymill: startup run completed", "run", run.ID, "stories", run.StoriesCreated)
		}
	}

	server, err := api.NewServer(orch.Catalog(), orch.Runner())
	if err != nil {
		logger.Error("storymill: server construction failed", "error", err)
		fmt.Println("server error:", err)
		os.Exit(1)
	}

	httpServer := &http.Server{Addr: *addr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("storymill: server listening", "addr", *addr, "health", "/healthz")
		fmt.Printf("Serving on %s\n", *addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("storymill: shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("storymill: shutdown failed", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("storymill: server stopped", "error", err)
			fmt.Println("server stopped:", err)
			os.Exit(1)
		}
	}
}

func defaultCatalogPath() string {
	return filepath.Join("data", "storymill.db")
}
