package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/vouchers/internal/httpserver"
	"github.com/CedrosPay/vouchers/pkg/vouchers"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config yaml (environment variables override it)")
	flag.Parse()

	_ = godotenv.Load(".env")

	cfg, err := vouchers.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config.load_failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := vouchers.NewApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("app.init_failed")
	}
	logger := app.Logger()

	srv := httpserver.New(cfg, app.Services())
	app.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("address", cfg.Server.Address).
			Str("storage", cfg.Storage.Backend).
			Str("route_prefix", cfg.Server.RoutePrefix).
			Msg("server.listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("server.shutdown_requested")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server.listen_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server.shutdown_failed")
	}
	if err := app.Close(); err != nil {
		logger.Error().Err(err).Msg("app.close_failed")
		os.Exit(1)
	}
	logger.Info().Msg("server.stopped")
}
