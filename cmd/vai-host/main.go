package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-host/pkg/gateway/config"
)

type hostDeps struct {
	loadConfig   func() (config.Config, error)
	buildHost    func(context.Context, config.Config, *slog.Logger) (*host, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultHostDeps() hostDeps {
	return hostDeps{
		loadConfig: config.LoadFromEnv,
		buildHost:  buildHost,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runHost(ctx context.Context, logger *slog.Logger, deps hostDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildHost == nil {
		return errors.New("missing buildHost dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	h, err := deps.buildHost(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build host: %w", err)
	}
	defer func() {
		if err := h.close(); err != nil {
			logger.Warn("close resources", "error", err)
		}
	}()

	analyticsCtx, stopAnalytics := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAnalytics()
	analyticsDone := make(chan struct{})
	go func() {
		defer close(analyticsDone)
		_ = h.analytics.Run(analyticsCtx)
	}()

	httpSrv := buildHTTPServer(cfg, h.gateway.Handler())
	logger.Info("starting call host",
		"addr", cfg.Addr,
		"store", cfg.StoreDriver,
		"max_concurrent_calls", cfg.MaxConcurrentCalls,
		"signed_webhooks", cfg.ValidateSignatures,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	h.gateway.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Media websockets are hijacked, so Shutdown does not wait for them.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !h.gateway.WaitCalls(waitCtx) {
		n := h.gateway.CancelCalls()
		logger.Warn("grace period over, ending live calls", "calls", n)
		forceCtx, forceCancel := context.WithTimeout(context.Background(), 5*time.Second)
		h.gateway.WaitCalls(forceCtx)
		forceCancel()
	}
	h.manager.CloseAll(context.Background(), "shutdown")

	stopAnalytics()
	<-analyticsDone
	sum := h.analytics.Summary()
	logger.Info("call summary", "calls", sum.Calls, "reservations", sum.ReservationsConfirmed, "escalated", sum.Escalated, "conversion_rate", sum.ConversionRate)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("call host stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps hostDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "vai-host: %v\n", err)
		return 1
	}

	if err := runHost(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "vai-host: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultHostDeps()))
}
