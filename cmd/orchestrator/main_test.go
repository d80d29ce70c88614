package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainhook/chainhook/pkg/observability"
)

// The process must not exit on the graceful-close path until the
// dispatcher has drained and the broker shutdown funcs have run.
func TestShutdownDrainsBeforeExit(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	serverFailed := serveAPI(server, logger)

	// Stand-ins for the dispatcher drain and broker close.
	var drained, brokerClosed atomic.Bool
	shutdown := observability.NewShutdownManager(logger, server, 5*time.Second)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		drained.Store(true)
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		if !drained.Load() {
			t.Error("Broker close ran before the dispatcher drained")
		}
		brokerClosed.Store(true)
		return nil
	})

	// Let the listener come up before closing it.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if !drained.Load() {
		t.Error("Shutdown returned before the dispatcher drained")
	}
	if !brokerClosed.Load() {
		t.Error("Shutdown returned before the broker closed")
	}

	// A graceful close is a clean exit, never a reported failure.
	select {
	case err := <-serverFailed:
		t.Fatalf("Graceful close surfaced as a server failure: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

// Only real listener failures reach the failure channel.
func TestServeAPIReportsRealFailures(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	server := &http.Server{Addr: "256.256.256.256:0", Handler: http.NewServeMux()}
	failed := serveAPI(server, logger)

	select {
	case err := <-failed:
		if errors.Is(err, http.ErrServerClosed) {
			t.Fatalf("ErrServerClosed must not surface as a failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listener failure was not reported")
	}
}
