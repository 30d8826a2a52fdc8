package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/abgdnv/cartsync/internal/cart"
	"github.com/abgdnv/cartsync/internal/cart/store"
	carterrors "github.com/abgdnv/cartsync/internal/errors"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockFetcher is a mock implementation of the cart.ProductFetcher interface
type mockFetcher struct {
	products map[string]string
	error    error
}

func (m mockFetcher) GetProduct(_ context.Context, id string) (*cart.Product, error) {
	if m.error != nil {
		return nil, m.error
	}
	name, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", carterrors.ErrProductNotFound, id)
	}
	return &cart.Product{ID: id, Fields: map[string]json.RawMessage{"name": json.RawMessage(fmt.Sprintf("%q", name))}}, nil
}

var catalog = mockFetcher{products: map[string]string{"p1": "Lamp", "p2": "Chair"}}

// countingFetcher records how often each product is requested.
type countingFetcher struct {
	mockFetcher
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingFetcher) GetProduct(ctx context.Context, id string) (*cart.Product, error) {
	c.mu.Lock()
	c.calls[id]++
	c.mu.Unlock()
	return c.mockFetcher.GetProduct(ctx, id)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ValidationErrorResponse struct {
	ValidationErrors map[string]string `json:"validation_errors"`
}

type itemResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type cartResponse struct {
	Items []itemResponse `json:"items"`
	IDs   []string       `json:"ids"`
	State string         `json:"state"`
}

func newRouter(fetcher cart.ProductFetcher) http.Handler {
	mux := chi.NewRouter()
	NewHandler(fetcher, store.CookieOptions{}, slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes(mux)
	return mux
}

func cookieFor(t *testing.T, ids ...string) *http.Cookie {
	t.Helper()
	value, err := store.EncodeIDs(ids)
	require.NoError(t, err)
	return &http.Cookie{Name: store.DefaultCookieName, Value: value}
}

// cartCookie returns the identifiers written to the cart cookie, or nil when no cookie was set.
func cartCookie(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == store.DefaultCookieName {
			ids, err := store.DecodeIDs(c.Value)
			require.NoError(t, err)
			return ids
		}
	}
	return nil
}

func Test_Handler_Endpoints(t *testing.T) {
	testCases := []struct {
		name           string
		method         string
		path           string
		body           string
		cookie         []string
		expectedCode   int
		expectedItems  []itemResponse
		expectedIDs    []string
		expectedState  string
		expectedCookie []string
	}{
		{
			name:          "get without cookie",
			method:        http.MethodGet,
			path:          "/api/v1/cart",
			expectedCode:  http.StatusOK,
			expectedItems: []itemResponse{},
			expectedIDs:   []string{},
			expectedState: "empty",
		},
		{
			name:          "get groups units per product",
			method:        http.MethodGet,
			path:          "/api/v1/cart",
			cookie:        []string{"p1", "p2", "p1"},
			expectedCode:  http.StatusOK,
			expectedItems: []itemResponse{{ID: "p1", Name: "Lamp", Count: 2}, {ID: "p2", Name: "Chair", Count: 1}},
			expectedIDs:   []string{"p1", "p2", "p1"},
			expectedState: "synced",
		},
		{
			name:           "add item",
			method:         http.MethodPost,
			path:           "/api/v1/cart/items",
			body:           `{"id":"p1"}`,
			cookie:         []string{"p1"},
			expectedCode:   http.StatusOK,
			expectedItems:  []itemResponse{{ID: "p1", Name: "Lamp", Count: 2}},
			expectedIDs:    []string{"p1", "p1"},
			expectedState:  "synced",
			expectedCookie: []string{"p1", "p1"},
		},
		{
			name:           "increase count",
			method:         http.MethodPatch,
			path:           "/api/v1/cart/items/p2",
			body:           `{"mode":"increase"}`,
			cookie:         []string{"p1", "p2"},
			expectedCode:   http.StatusOK,
			expectedItems:  []itemResponse{{ID: "p1", Name: "Lamp", Count: 1}, {ID: "p2", Name: "Chair", Count: 2}},
			expectedIDs:    []string{"p1", "p2", "p2"},
			expectedState:  "synced",
			expectedCookie: []string{"p1", "p2", "p2"},
		},
		{
			name:           "decrease last unit",
			method:         http.MethodPatch,
			path:           "/api/v1/cart/items/p2",
			body:           `{"mode":"decrease"}`,
			cookie:         []string{"p1", "p2"},
			expectedCode:   http.StatusOK,
			expectedItems:  []itemResponse{{ID: "p1", Name: "Lamp", Count: 1}},
			expectedIDs:    []string{"p1"},
			expectedState:  "synced",
			expectedCookie: []string{"p1"},
		},
		{
			name:          "change count of product not in cart is ignored",
			method:        http.MethodPatch,
			path:          "/api/v1/cart/items/p2",
			body:          `{"mode":"increase"}`,
			cookie:        []string{"p1"},
			expectedCode:  http.StatusOK,
			expectedItems: []itemResponse{{ID: "p1", Name: "Lamp", Count: 1}},
			expectedIDs:   []string{"p1"},
			expectedState: "synced",
		},
		{
			name:           "remove item",
			method:         http.MethodDelete,
			path:           "/api/v1/cart/items/p1",
			cookie:         []string{"p1", "p2", "p1"},
			expectedCode:   http.StatusOK,
			expectedItems:  []itemResponse{{ID: "p2", Name: "Chair", Count: 1}},
			expectedIDs:    []string{"p2"},
			expectedState:  "synced",
			expectedCookie: []string{"p2"},
		},
		{
			name:           "clear",
			method:         http.MethodDelete,
			path:           "/api/v1/cart",
			cookie:         []string{"p1", "p2"},
			expectedCode:   http.StatusOK,
			expectedItems:  []itemResponse{},
			expectedIDs:    []string{},
			expectedState:  "empty",
			expectedCookie: []string{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			if tc.cookie != nil {
				req.AddCookie(cookieFor(t, tc.cookie...))
			}
			rec := httptest.NewRecorder()

			// when
			newRouter(catalog).ServeHTTP(rec, req)

			// then
			require.Equal(t, tc.expectedCode, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var resp cartResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.expectedItems, resp.Items)
			assert.Equal(t, tc.expectedIDs, resp.IDs)
			assert.Equal(t, tc.expectedState, resp.State)
			assert.Equal(t, tc.expectedCookie, cartCookie(t, rec))
		})
	}
}

func Test_Handler_Validation(t *testing.T) {
	testCases := []struct {
		name           string
		method         string
		path           string
		body           string
		expectedErrors map[string]string
		expectedError  string
	}{
		{
			name:           "add without id",
			method:         http.MethodPost,
			path:           "/api/v1/cart/items",
			body:           `{}`,
			expectedErrors: map[string]string{"ID": "failed on rule: required"},
		},
		{
			name:           "add with id too long",
			method:         http.MethodPost,
			path:           "/api/v1/cart/items",
			body:           fmt.Sprintf(`{"id":%q}`, strings.Repeat("x", 129)),
			expectedErrors: map[string]string{"ID": "failed on rule: max"},
		},
		{
			name:          "add with malformed body",
			method:        http.MethodPost,
			path:          "/api/v1/cart/items",
			body:          `{"id":`,
			expectedError: "Invalid request body",
		},
		{
			name:           "unknown mode",
			method:         http.MethodPatch,
			path:           "/api/v1/cart/items/p1",
			body:           `{"mode":"double"}`,
			expectedErrors: map[string]string{"Mode": "failed on rule: oneof"},
		},
		{
			name:           "missing mode",
			method:         http.MethodPatch,
			path:           "/api/v1/cart/items/p1",
			body:           `{}`,
			expectedErrors: map[string]string{"Mode": "failed on rule: required"},
		},
		{
			name:           "remove with id too long",
			method:         http.MethodDelete,
			path:           "/api/v1/cart/items/" + strings.Repeat("x", 129),
			expectedErrors: map[string]string{"ID": "failed on rule: max"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			req.AddCookie(cookieFor(t, "p1"))
			rec := httptest.NewRecorder()

			// when
			newRouter(catalog).ServeHTTP(rec, req)

			// then
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Nil(t, cartCookie(t, rec), "rejected requests leave the cookie alone")
			if tc.expectedErrors != nil {
				var resp ValidationErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tc.expectedErrors, resp.ValidationErrors)
				return
			}
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.expectedError, resp.Error)
		})
	}
}

func Test_Handler_SyncErrors(t *testing.T) {
	testCases := []struct {
		name         string
		fetcher      mockFetcher
		expectedCode int
	}{
		{name: "unknown product", fetcher: catalog, expectedCode: http.StatusNotFound},
		{name: "circuit open", fetcher: mockFetcher{error: carterrors.ErrCircuitOpen}, expectedCode: http.StatusServiceUnavailable},
		{name: "timeout", fetcher: mockFetcher{error: context.DeadlineExceeded}, expectedCode: http.StatusGatewayTimeout},
		{name: "other failure", fetcher: mockFetcher{error: errors.New("connection refused")}, expectedCode: http.StatusBadGateway},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", strings.NewReader(`{"id":"unknown"}`))
			rec := httptest.NewRecorder()

			// when
			newRouter(tc.fetcher).ServeHTTP(rec, req)

			// then
			assert.Equal(t, tc.expectedCode, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, []string{"unknown"}, cartCookie(t, rec), "the change is persisted even when the sync fails")
		})
	}
}

func Test_Handler_FetchesEachProductOncePerRequest(t *testing.T) {
	testCases := []struct {
		name          string
		method        string
		path          string
		body          string
		cookie        []string
		expectedCalls map[string]int
	}{
		{
			name:          "get",
			method:        http.MethodGet,
			path:          "/api/v1/cart",
			cookie:        []string{"p1", "p2", "p1"},
			expectedCalls: map[string]int{"p1": 1, "p2": 1},
		},
		{
			name:          "add new product",
			method:        http.MethodPost,
			path:          "/api/v1/cart/items",
			body:          `{"id":"p2"}`,
			cookie:        []string{"p1"},
			expectedCalls: map[string]int{"p1": 1, "p2": 1},
		},
		{
			name:          "increase",
			method:        http.MethodPatch,
			path:          "/api/v1/cart/items/p1",
			body:          `{"mode":"increase"}`,
			cookie:        []string{"p1", "p2"},
			expectedCalls: map[string]int{"p1": 1, "p2": 1},
		},
		{
			name:          "ignored change",
			method:        http.MethodPatch,
			path:          "/api/v1/cart/items/p2",
			body:          `{"mode":"decrease"}`,
			cookie:        []string{"p1"},
			expectedCalls: map[string]int{"p1": 1},
		},
		{
			name:          "remove",
			method:        http.MethodDelete,
			path:          "/api/v1/cart/items/p1",
			cookie:        []string{"p1", "p2"},
			expectedCalls: map[string]int{"p2": 1},
		},
		{
			name:          "clear",
			method:        http.MethodDelete,
			path:          "/api/v1/cart",
			cookie:        []string{"p1", "p2"},
			expectedCalls: map[string]int{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			fetcher := &countingFetcher{mockFetcher: catalog, calls: map[string]int{}}
			router := newRouter(fetcher)

			for i := 0; i < 5; i++ {
				req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
				req.AddCookie(cookieFor(t, tc.cookie...))
				rec := httptest.NewRecorder()

				// when
				router.ServeHTTP(rec, req)

				// then
				require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			}
			expected := make(map[string]int, len(tc.expectedCalls))
			for id, n := range tc.expectedCalls {
				expected[id] = n * 5
			}
			fetcher.mu.Lock()
			defer fetcher.mu.Unlock()
			assert.Equal(t, expected, fetcher.calls)
		})
	}
}

func Test_Handler_CartTooLarge(t *testing.T) {
	// given
	ids := make([]string, 29)
	for i := range ids {
		ids[i] = strings.Repeat("p", 128)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", strings.NewReader(fmt.Sprintf(`{"id":%q}`, strings.Repeat("p", 128))))
	req.AddCookie(cookieFor(t, ids...))
	rec := httptest.NewRecorder()

	// when
	newRouter(catalog).ServeHTTP(rec, req)

	// then
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Cart is too large", resp.Error)
	assert.Nil(t, cartCookie(t, rec), "the cookie is left unchanged")
}

func Test_Handler_HealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()

	newRouter(catalog).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func Test_syncErrorStatus(t *testing.T) {
	status, _ := syncErrorStatus(fmt.Errorf("fetch product p1: %w", carterrors.ErrProductNotFound))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = syncErrorStatus(fmt.Errorf("fetch product p1: %w: %w", carterrors.ErrCircuitOpen, errors.New("circuit breaker is open")))
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
