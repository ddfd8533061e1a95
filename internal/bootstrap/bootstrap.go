// Package bootstrap builds the collaborators shared by the tickers and gateway
// binaries from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Aidin1998/tickerex/internal/accounts"
	"github.com/Aidin1998/tickerex/internal/config"
	"github.com/Aidin1998/tickerex/internal/identity"
	"github.com/Aidin1998/tickerex/internal/pubsub"
	"go.uber.org/zap"
)

// NewBroker connects to Redis, or returns an in-process broker when no address
// is configured
func NewBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (pubsub.Broker, error) {
	if cfg.Redis.Address == "" {
		logger.Warn("No redis address configured, using in-process broker")
		return pubsub.NewMemoryBroker(cfg.Gateway.QueueSize, logger), nil
	}
	return pubsub.NewRedisBroker(ctx, pubsub.RedisOptions{
		Addr:      cfg.Redis.Address,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		QueueSize: cfg.Gateway.QueueSize,
	}, logger)
}

// NewResolver returns the credential resolver selected by identity.mode
func NewResolver(cfg *config.Config, client *accounts.Client) (identity.Resolver, error) {
	switch cfg.Identity.Mode {
	case "jwt":
		return identity.NewJWTResolver(cfg.Identity.JWTSecret, cfg.Identity.Issuer)
	case "http":
		if client == nil {
			return nil, errors.New("identity mode http requires an accounts client")
		}
		return client, nil
	}
	return nil, fmt.Errorf("unsupported identity mode %q", cfg.Identity.Mode)
}

// Serve runs srv until ctx ends, then shuts it down within timeout
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to serve %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger.Info("Shutting down HTTP server", zap.String("addr", srv.Addr))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down %s: %w", srv.Addr, err)
	}
	return nil
}
