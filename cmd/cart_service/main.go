package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "net/http/pprof"

	"github.com/abgdnv/cartsync/internal/app"
	"github.com/abgdnv/cartsync/internal/config"
	"github.com/abgdnv/cartsync/internal/productclient"
	"github.com/abgdnv/cartsync/pkg/bootstrap"
	"github.com/abgdnv/cartsync/pkg/config/configloader"
	"github.com/abgdnv/cartsync/pkg/messaging"
	natsclient "github.com/abgdnv/cartsync/pkg/nats"
	"github.com/abgdnv/cartsync/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Printf("application run failed: %v", err)
		os.Exit(1)
	}
	log.Println("application stopped gracefully")
}

// run loads the configuration, wires the product client, telemetry and events, and serves HTTP until ctx is done.
func run(ctx context.Context) error {
	cfg, cfgErr := configloader.Load[*config.Config](app.ServiceName)
	if cfgErr != nil {
		return fmt.Errorf("failed to load configuration: %w", cfgErr)
	}
	log.Printf("Configuration loaded: %v", cfg)

	logger := bootstrap.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	var shutdowns []func(context.Context) error

	if cfg.Telemetry.Traces.Enabled {
		tp, err := telemetry.NewTracerProvider(ctx, app.ServiceName, cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("failed to create tracer provider: %w", err)
		}
		shutdowns = append(shutdowns, tp.Shutdown)
		logger.Info("Tracing enabled", slog.String("endpoint", cfg.Telemetry.Traces.OtlpHttp.Endpoint))
	}

	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		mp, handler, err := telemetry.NewMeterProvider(app.ServiceName)
		if err != nil {
			return fmt.Errorf("failed to create meter provider: %w", err)
		}
		shutdowns = append(shutdowns, mp.Shutdown)
		metricsHandler = handler
		logger.Info("Metrics enabled", slog.String("path", cfg.Telemetry.Metrics.Path))
	}

	productClient, err := productclient.NewClient(cfg.Services.Product.Http, cfg.Services.Product.Resilience.CircuitBreaker, logger)
	if err != nil {
		return fmt.Errorf("failed to create product client: %w", err)
	}

	var publisher messaging.Publisher = messaging.NopPublisher{}
	if cfg.Nats.Enabled {
		nc, err := natsclient.NewClient(cfg.Nats.Url, cfg.Nats.Timeout)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				logger.Error("Failed to drain NATS connection", slog.String("error", err.Error()))
			} else {
				logger.Info("NATS connection drained successfully")
			}
		}()
		js, err := natsclient.NewJetStreamContext(nc)
		if err != nil {
			return err
		}
		streamCtx, cancel := context.WithTimeout(ctx, cfg.Nats.Timeout)
		err = natsclient.EnsureStream(streamCtx, js, cfg.Nats.Stream, messaging.CartsUpdatedSubject)
		cancel()
		if err != nil {
			return err
		}
		publisher = natsclient.NewNatsPublisher(js)
		logger.Info("Publishing cart events", slog.String("stream", cfg.Nats.Stream), slog.String("subject", messaging.CartsUpdatedSubject))
	}

	deps := app.SetupDependencies(cfg, productClient, publisher, metricsHandler, logger)
	httpServer := app.SetupHttpServer(deps, cfg)
	pprofServer := &http.Server{
		Addr: cfg.PProf.Addr,
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Start the HTTP server
	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	// gracefully shutdown HTTP server on context cancellation
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Start the pprof server if enabled
	if cfg.PProf.Enabled {
		g.Go(func() error {
			logger.Info("Pprof server listening", slog.String("addr", pprofServer.Addr))
			if err := pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("pprof server failed: %w", err)
			}
			return nil
		})
		// gracefully shutdown pprof server on context cancellation
		g.Go(func() error {
			<-gCtx.Done()
			logger.Info("Shutting down pprof server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
			defer cancel()
			return pprofServer.Shutdown(shutdownCtx)
		})
	}

	// shutdown telemetry providers on context cancellation
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		var errs []error
		for _, shutdown := range shutdowns {
			errs = append(errs, shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("errgroup encountered an error: %w", err)
	}
	return nil
}
