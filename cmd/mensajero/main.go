package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/luisarev/mensajero/internal/app"
	"github.com/luisarev/mensajero/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	built, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("build error: %v", err)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Printf("cleanup: %v", err)
		}
	}()

	// Leftover upload spools from a previous run are garbage.
	built.Maintenance.CleanScratch()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Maintenance.Start(runCtx)

	go func() {
		log.Printf("gateway listening on %s (provider=%s)", cfg.BindAddr, cfg.ProviderMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
