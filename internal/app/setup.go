// Package app contains the application setup for the cart service.
package app

import (
	"log/slog"
	"net/http"

	"github.com/abgdnv/cartsync/internal/cart"
	"github.com/abgdnv/cartsync/internal/cart/store"
	"github.com/abgdnv/cartsync/internal/config"
	"github.com/abgdnv/cartsync/internal/transport/rest"
	"github.com/abgdnv/cartsync/pkg/messaging"
	"github.com/abgdnv/cartsync/pkg/server"

	"github.com/go-chi/chi/v5"
)

const ServiceName = "cart"

type Dependencies struct {
	ProductFetcher cart.ProductFetcher
	Publisher      messaging.Publisher
	Cookie         store.CookieOptions
	Sync           config.SyncConfig
	MetricsPath    string
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// SetupDependencies collects what the HTTP layer needs. A nil publisher disables events;
// a nil metricsHandler disables the scrape endpoint.
func SetupDependencies(cfg *config.Config, fetcher cart.ProductFetcher, publisher messaging.Publisher, metricsHandler http.Handler, logger *slog.Logger) *Dependencies {
	if publisher == nil {
		publisher = messaging.NopPublisher{}
	}
	cookie := cfg.Cart.Cookie
	return &Dependencies{
		ProductFetcher: fetcher,
		Publisher:      publisher,
		Cookie: store.CookieOptions{
			Name:     cookie.Name,
			Path:     cookie.Path,
			Domain:   cookie.Domain,
			MaxAge:   cookie.MaxAge,
			Secure:   cookie.Secure,
			HttpOnly: cookie.HttpOnly,
			SameSite: cookie.SameSiteMode(),
		},
		Sync:           cfg.Cart.Sync,
		MetricsPath:    cfg.Telemetry.Metrics.Path,
		MetricsHandler: metricsHandler,
		Logger:         logger,
	}
}

// SetupHttpHandler initializes the routes and middleware of the cart service.
// Used by E2E tests to set up the HTTP server with the necessary routes and middleware.
func SetupHttpHandler(deps *Dependencies) http.Handler {
	mux := server.NewChiRouter(deps.Logger)
	wireRoutes(mux, deps)
	return mux
}

// wireRoutes sets up the HTTP routes for the cart service.
func wireRoutes(mux *chi.Mux, deps *Dependencies) {
	cartHandler := rest.NewHandler(deps.ProductFetcher, deps.Cookie, deps.Logger,
		cart.WithPublisher(deps.Publisher),
		cart.WithConcurrency(deps.Sync.Concurrency),
		cart.WithSyncTimeout(deps.Sync.Timeout),
	)
	cartHandler.RegisterRoutes(mux)
	if deps.MetricsHandler != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, deps.MetricsHandler)
	}
}

// SetupHttpServer creates and configures an HTTP server for the cart service.
func SetupHttpServer(deps *Dependencies, cfg *config.Config) *http.Server {
	mux := SetupHttpHandler(deps)

	httpCfg := server.HTTPConfig{
		Port:           cfg.HTTPServer.Port,
		MaxHeaderBytes: cfg.HTTPServer.MaxHeaderBytes,
		ReadTimeout:    cfg.HTTPServer.Timeout.Read,
		WriteTimeout:   cfg.HTTPServer.Timeout.Write,
		IdleTimeout:    cfg.HTTPServer.Timeout.Idle,
		ReadHeader:     cfg.HTTPServer.Timeout.ReadHeader,
	}

	return server.NewHTTPServer(httpCfg, ServiceName, mux)
}
