package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	h "github.com/veranemoloko/download-orchestrator/internal/api/http"
	cfgpkg "github.com/veranemoloko/download-orchestrator/internal/config"
	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
	"github.com/veranemoloko/download-orchestrator/internal/integrity"
	repo "github.com/veranemoloko/download-orchestrator/internal/repository"
	svc "github.com/veranemoloko/download-orchestrator/internal/service"
	"github.com/veranemoloko/download-orchestrator/internal/storage"
	"github.com/veranemoloko/download-orchestrator/internal/transport"
	"github.com/veranemoloko/download-orchestrator/internal/validation"
)

func main() {

	cfg, err := cfgpkg.Load()
	if err != nil {
		if errors.Is(err, errpkg.ErrConfigNotFound) {
			slog.Error("configuration file not found", "error", err)
		} else {
			slog.Error("failed to load configuration", "error", err)
		}
		os.Exit(1)
	}

	logger := cfgpkg.SetupLogger(cfg)
	logger.Info("configuration loaded successfully")

	taskStorage, err := repo.NewTaskStorage(cfg.StateFile)
	if err != nil {
		logger.Error("failed to initialize file repository", "error", err)
		os.Exit(1)
	}

	validator := validation.New(cfg.AllowPrivateHosts)
	httpTransport := transport.NewHTTPTransport(transport.Options{
		ResponseTimeout: cfg.ResponseTimeout,
		UserAgent:       cfg.UserAgent,
		RejectHTML:      cfg.RejectHTML,
		BandwidthLimit:  cfg.BandwidthLimit,
		RequestInterval: cfg.RequestInterval,
	}, logger)

	fileStorage := storage.NewFileStorage(cfg.DownloadDir)
	logger.Info("artifacts stored under download directory", "dir", fileStorage.Dir())

	orch := svc.New(httpTransport, fileStorage, integrity.NewVerifier(logger), svc.Options{
		MaxConcurrency:    cfg.MaxConcurrency,
		PollInterval:      cfg.PollInterval,
		Retry:             cfg.Retry(),
		QuarantineCorrupt: cfg.QuarantineCorrupt,
		EventBuffer:       cfg.EventBuffer,
		Repo:              taskStorage,
		Validator:         validator,
		Logger:            logger,
	})

	if err := orch.Recover(context.Background()); err != nil {
		logger.Error("failed to recover tasks", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// No write timeout: /events responses stay open until gctx is done.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     h.NewRouter(orch, validator, logger),
		ReadTimeout: cfg.HTTPTimeout,
		IdleTimeout: cfg.HTTPTimeout,
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		return orch.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("orchestrator stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator stopped, in-flight tasks saved for resume")
}
