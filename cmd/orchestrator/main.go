// The orchestrator runs the whole pipeline in one process: broker
// topology and consumer, event dispatcher, webhook delivery engine,
// and the management API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/chainhook/chainhook/pkg/api"
	"github.com/chainhook/chainhook/pkg/audit"
	"github.com/chainhook/chainhook/pkg/broker"
	"github.com/chainhook/chainhook/pkg/config"
	"github.com/chainhook/chainhook/pkg/observability"
	"github.com/chainhook/chainhook/pkg/storage"
	"github.com/chainhook/chainhook/pkg/storage/postgres"
	"github.com/chainhook/chainhook/pkg/webhooks"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting ChainHook orchestrator")

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Subscription store, with the Redis cache in front when configured.
	store, err := postgres.NewStore(cfg.Storage.PostgresURL, cfg.Storage.PostgresMaxConns)
	if err != nil {
		return fmt.Errorf("failed to open webhook store: %w", err)
	}

	recorder, err := audit.NewDBRecorder(store.DB())
	if err != nil {
		return fmt.Errorf("failed to open audit recorder: %w", err)
	}

	var webhookStore interface {
		storage.WebhookStore
		webhooks.SubscriptionSource
	}
	if cfg.Storage.RedisURL != "" {
		cached, err := postgres.NewCachedWebhookStore(store, cfg.Storage.RedisURL, cfg.Storage.CacheTTL, logger, metrics)
		if err != nil {
			return fmt.Errorf("failed to open subscription cache: %w", err)
		}
		webhookStore = cached
	} else {
		logger.Warn("Running without Redis, subscription reads hit Postgres directly")
		webhookStore = &uncachedStore{store}
	}

	// Broker connection with topology setup.
	brokerClient := broker.NewClient(broker.Config{
		URL:            cfg.Broker.URL,
		ConnectRetries: cfg.Broker.ConnectRetries,
		ConnectDelay:   cfg.Broker.ConnectDelay,
	}, logger)
	if err := brokerClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	deliverer := webhooks.NewDeliverer(webhooks.DeliveryConfig{
		MaxRetries:  cfg.Delivery.MaxRetries,
		BackoffBase: cfg.Delivery.BackoffBase,
		Timeout:     cfg.Delivery.Timeout,
	}, recorder, logger, metrics)

	dispatcher := webhooks.NewDispatcher(brokerClient, webhookStore, deliverer, logger, metrics)

	// The done channel is closed (not sent on) so both the shutdown
	// sequence and the main select can observe dispatcher exit.
	var dispatcherErr error
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcherErr = dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	apiServer := api.NewServer(webhookStore, recorder, logger, metrics)
	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	serverFailed := serveAPI(httpServer, logger)

	// Shutdown order matters: stop the consume loop and wait for the
	// in-flight message before closing the broker connection.
	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		cancel()
		select {
		case <-dispatcherDone:
			return dispatcherErr
		case <-shutdownCtx.Done():
			return shutdownCtx.Err()
		}
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return brokerClient.Close()
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		if err := webhookStore.Close(); err != nil {
			return err
		}
		return recorder.Close()
	})
	if tracerProvider != nil {
		shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx)
		})
	}

	// Block on a signal, a dispatcher failure, or a listener failure.
	// Every path runs the full shutdown sequence before returning, so
	// an unacknowledged-but-processed message's ack is never lost to an
	// early exit.
	signalDone := make(chan error, 1)
	go func() {
		signalDone <- shutdown.WaitForShutdown()
	}()

	select {
	case err := <-signalDone:
		return err
	case err := <-serverFailed:
		drain(shutdown, cfg.Server.ShutdownTimeout)
		return fmt.Errorf("API server failed: %w", err)
	case <-dispatcherDone:
		drain(shutdown, cfg.Server.ShutdownTimeout)
		if dispatcherErr != nil {
			return fmt.Errorf("dispatcher failed: %w", dispatcherErr)
		}
		return nil
	}
}

// serveAPI runs the HTTP listener; only real failures are reported,
// a graceful close is a clean exit.
func serveAPI(server *http.Server, logger *observability.Logger) <-chan error {
	failed := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Info("API server listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()
	return failed
}

// drain runs the shutdown sequence after a component failure so the
// rest of the pipeline still stops in order.
func drain(shutdown *observability.ShutdownManager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdown.Shutdown(ctx)
}

// uncachedStore adapts the bare Postgres store to the dispatcher's
// subscription resolver when no Redis is configured.
type uncachedStore struct {
	*postgres.Store
}

func (u *uncachedStore) ListActive(ctx context.Context, eventType, contractID string) ([]*webhooks.Subscription, error) {
	subs, err := u.ListActiveWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*webhooks.Subscription
	for _, sub := range subs {
		if sub.Matches(eventType, contractID) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}
