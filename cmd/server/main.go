package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgallion1/mailgest/internal/api"
	"github.com/dgallion1/mailgest/internal/artifact"
	"github.com/dgallion1/mailgest/internal/config"
	"github.com/dgallion1/mailgest/internal/convert"
	"github.com/dgallion1/mailgest/internal/pipeline"
	"github.com/dgallion1/mailgest/internal/resilience"
	"github.com/spf13/afero"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.MailgestAPIKey == "" {
		log.Warn("MAILGEST_API_KEY is empty, request authentication disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize clients and stores.
	var ocr *convert.OCRClient
	if cfg.OCREnabled {
		ocr = convert.NewOCRClient(cfg.OCREndpoint, cfg.OCRAPIKey, cfg.OCRCallTimeout)
	}
	breakers := resilience.NewRegistry(cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout)
	store := artifact.NewStore(afero.NewOsFs(), cfg.OutputDir)

	// Initialize pipeline.
	orch := pipeline.NewOrchestrator(cfg, store, ocr, breakers, log)
	orch.Start(ctx)

	// Initialize HTTP server.
	srv := api.NewServer(orch, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		orch.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		if ocr != nil {
			ocr.Close()
		}
	}()

	log.Info("starting mailgest", "port", cfg.Port, "output_dir", cfg.OutputDir)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
