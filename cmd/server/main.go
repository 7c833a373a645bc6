package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/kisan-dost/internal/agmarknet"
	"github.com/RichardoC/kisan-dost/internal/api"
	"github.com/RichardoC/kisan-dost/internal/config"
	"github.com/RichardoC/kisan-dost/internal/db"
	"github.com/RichardoC/kisan-dost/internal/llm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:          "kisan-dost-server",
		Short:        "Serve the Kisan Dost assistant API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("KISANDOST_CONFIG"), "path to a TOML config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.Database.Path))
		return err
	}
	defer database.Close()

	backend, err := llm.NewBackend(ctx, cfg.Gemini, logger)
	if err != nil {
		logger.Error("failed to initialize LLM backend", zap.Error(err), zap.String("backend", cfg.Gemini.Backend))
		return err
	}

	var market *agmarknet.Client
	if cfg.Agmarknet.APIKey != "" {
		market = agmarknet.NewClient(cfg.Agmarknet.BaseURL, cfg.Agmarknet.APIKey, &http.Client{Timeout: cfg.Agmarknet.Timeout})
	} else {
		logger.Warn("agmarknet.api_key not set, live market prices disabled")
	}

	handler := api.NewHandler(database, backend, market, cfg.Server, cfg.Chat, logger)
	mux := http.NewServeMux()
	handler.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start server", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := handler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Chat sockets still open at exit", zap.Error(err))
	}
	return nil
}
