package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/duplex"
)

const debugShutdownGrace = 5 * time.Second

// debugHandler serves /healthz, /readyz and, with telemetry, /metrics.
func (a *App) debugHandler() http.Handler {
	checks := []health.Checker{
		health.Bool("capture", "voice input unavailable", a.capture.Available),
	}
	if a.healthy != nil {
		checks = append(checks, health.Checker{Name: "channel", Check: a.healthy})
	} else {
		checks = append(checks, health.Bool("channel", "not connected", a.connected))
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.MetricsHandler())
	}
	return observe.Middleware(a.metrics)(mux)
}

// connected reports the state of channels that expose one.
func (a *App) connected() bool {
	s, ok := a.channel.(interface{ State() duplex.State })
	return !ok || s.State() == duplex.Connected
}

// serveDebug runs the debug server on addr until ctx is cancelled.
func (a *App) serveDebug(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.debugHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("app: debug server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), debugShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("app: debug server shutdown", "err", err)
	}
	return nil
}
