// Package productclient fetches catalog products over HTTP.
package productclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/abgdnv/cartsync/internal/cart"
	carterrors "github.com/abgdnv/cartsync/internal/errors"
	"github.com/abgdnv/cartsync/pkg/config"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodySize = 1 << 20

// Client implements cart.ProductFetcher against GET {base}/products/{id}.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*cart.Product]
	logger  *slog.Logger
}

// NewClient creates a product client with an instrumented transport and a circuit breaker.
func NewClient(cfg config.HTTPClientConfig, cb config.CircuitBreakerConfig, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With("component", "product_client")
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: newCircuitBreaker(cb, logger),
		logger:  logger,
	}, nil
}

func newCircuitBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[*cart.Product] {
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}
	st := gobreaker.Settings{
		Name:        "product-service-cb",
		MaxRequests: maxRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			total := counts.TotalSuccesses + counts.TotalFailures
			return counts.ConsecutiveFailures > cfg.ConsecutiveFailures ||
				(total > cfg.ConsecutiveFailures &&
					float64(counts.TotalFailures)/float64(total)*100 > float64(cfg.ErrorRatePercent))
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return gobreaker.NewCircuitBreaker[*cart.Product](st)
}

// isSuccessful reports whether err leaves the breaker untouched. Only transport
// failures, 5xx answers and unreadable bodies count against the product service.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, carterrors.ErrProductNotFound) || errors.Is(err, context.Canceled) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code < http.StatusInternalServerError
	}
	return false
}

// GetProduct fetches a single product.
func (c *Client) GetProduct(ctx context.Context, id string) (*cart.Product, error) {
	if id == "" {
		return nil, carterrors.ErrInvalidProductID
	}
	product, err := c.breaker.Execute(func() (*cart.Product, error) {
		return c.fetch(ctx, id)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", carterrors.ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return product, nil
}

func (c *Client) fetch(ctx context.Context, id string) (*cart.Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/products/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build product request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", carterrors.ErrProductNotFound, id)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.logger.WarnContext(ctx, "Unexpected product service status", "product_id", id, "status", resp.StatusCode)
		return nil, &statusError{code: resp.StatusCode}
	}

	var body struct {
		Data struct {
			Product *cart.Product `json:"product"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %w", carterrors.ErrMalformedResponse, err)
	}
	if body.Data.Product == nil {
		return nil, fmt.Errorf("%w: data.product is missing", carterrors.ErrMalformedResponse)
	}
	return body.Data.Product, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: %d", carterrors.ErrUnexpectedStatus, e.code)
}

func (e *statusError) Is(target error) bool {
	return target == carterrors.ErrUnexpectedStatus
}
