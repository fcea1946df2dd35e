package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/relayboard/internal/boardstore"
	"github.com/agentworkforce/relayboard/internal/config"
	"github.com/agentworkforce/relayboard/internal/httpapi"
	"github.com/agentworkforce/relayboard/internal/logging"
	"github.com/agentworkforce/relayboard/internal/recovery"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, closer, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Path:    cfg.Log.Path,
		Service: "relayboard",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr).Msg("listen failed")
	}
	if err := serve(ctx, cfg, logger, ln); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger, ln net.Listener) error {
	store, err := boardstore.Open(cfg.StoreDSN)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := prepareSchema(ctx, store, cfg, logger); err != nil {
		_ = ln.Close()
		return err
	}

	handler := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
	})
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("relayboard listening")
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// prepareSchema repairs every known collection before traffic is accepted.
func prepareSchema(ctx context.Context, store boardstore.Client, cfg config.Config, logger zerolog.Logger) error {
	svc := recovery.New(recovery.Options{
		MaxRetries: cfg.Recovery.MaxRetries,
		BaseDelay:  cfg.Recovery.BaseDelay,
		MaxDelay:   cfg.Recovery.MaxDelay,
		Schema:     store,
		Logger:     logger,
	})
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, collection := range boardstore.KnownCollections() {
		report, err := svc.FixSchema(ctx, collection)
		if err != nil {
			return fmt.Errorf("prepare %s schema: %w", collection, err)
		}
		logger.Debug().
			Str("collection", collection).
			Bool("createdCollection", report.CreatedCollection).
			Int("createdAttributes", len(report.CreatedAttributes)).
			Msg("schema ready")
	}
	return nil
}
