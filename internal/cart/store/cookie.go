package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	carterrors "github.com/abgdnv/cartsync/internal/errors"
)

// DefaultCookieName is the cookie key the cart identifiers are stored under.
const DefaultCookieName = "cart"

// MaxCookieSize is the largest name=value pair browsers are required to keep.
const MaxCookieSize = 4096

// CookieOptions describes the cart cookie. Zero values fall back to name "cart",
// path "/" and a session cookie.
type CookieOptions struct {
	Name     string
	Path     string
	Domain   string
	MaxAge   time.Duration
	Secure   bool
	HttpOnly bool
	SameSite http.SameSite
}

func (o CookieOptions) withDefaults() CookieOptions {
	if o.Name == "" {
		o.Name = DefaultCookieName
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteLaxMode
	}
	return o
}

// cookieStore keeps the cart in a cookie of one HTTP exchange: it reads the
// request cookie and answers with Set-Cookie on the response.
type cookieStore struct {
	w      http.ResponseWriter
	r      *http.Request
	opts   CookieOptions
	logger *slog.Logger

	mu      sync.Mutex
	written []string
	saved   bool
}

// NewCookieStore creates a CartStore bound to a single request/response pair.
func NewCookieStore(w http.ResponseWriter, r *http.Request, opts CookieOptions, logger *slog.Logger) CartStore {
	return &cookieStore{
		w:      w,
		r:      r,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "cookie_store"),
	}
}

// Load returns the identifiers from the request cookie, or the last value saved
// during this exchange. A missing or malformed cookie loads as an empty cart.
func (s *cookieStore) Load(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saved {
		return slices.Clone(s.written), nil
	}
	c, err := s.r.Cookie(s.opts.Name)
	if errors.Is(err, http.ErrNoCookie) {
		return []string{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read cookie %s: %w", s.opts.Name, err)
	}
	ids, err := DecodeIDs(c.Value)
	if err != nil {
		s.logger.WarnContext(ctx, "Ignoring malformed cart cookie", "cookie", s.opts.Name, "error", err)
		return []string{}, nil
	}
	return ids, nil
}

// Save writes the identifiers as a Set-Cookie header, replacing any cart cookie
// set earlier on the same response. A cart larger than MaxCookieSize is rejected
// with ErrCartTooLarge and nothing is written.
func (s *cookieStore) Save(_ context.Context, ids []string) error {
	value, err := EncodeIDs(ids)
	if err != nil {
		return err
	}
	if size := len(s.opts.Name) + 1 + len(value); size > MaxCookieSize {
		return fmt.Errorf("%w: %d bytes for %d units, limit %d", carterrors.ErrCartTooLarge, size, len(ids), MaxCookieSize)
	}
	cookie := &http.Cookie{
		Name:     s.opts.Name,
		Value:    value,
		Path:     s.opts.Path,
		Domain:   s.opts.Domain,
		Secure:   s.opts.Secure,
		HttpOnly: s.opts.HttpOnly,
		SameSite: s.opts.SameSite,
	}
	if s.opts.MaxAge > 0 {
		cookie.MaxAge = int(s.opts.MaxAge.Seconds())
		cookie.Expires = time.Now().Add(s.opts.MaxAge).UTC()
	}
	if err := cookie.Valid(); err != nil {
		return fmt.Errorf("invalid cart cookie: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	header := s.w.Header()
	prefix := s.opts.Name + "="
	kept := slices.DeleteFunc(slices.Clone(header.Values("Set-Cookie")), func(v string) bool {
		return strings.HasPrefix(v, prefix)
	})
	header.Del("Set-Cookie")
	for _, v := range kept {
		header.Add("Set-Cookie", v)
	}
	http.SetCookie(s.w, cookie)

	s.written = slices.Clone(ids)
	s.saved = true
	return nil
}

// EncodeIDs renders identifiers the way browser cookie libraries store arrays:
// a JSON array, URI-component escaped.
func EncodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode cart ids: %w", err)
	}
	return url.PathEscape(string(raw)), nil
}

// DecodeIDs is the inverse of EncodeIDs. Unescaped JSON is accepted as well.
func DecodeIDs(value string) ([]string, error) {
	if value == "" {
		return []string{}, nil
	}
	unescaped, err := url.PathUnescape(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", carterrors.ErrMalformedCookie, err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(unescaped), &ids); err != nil {
		return nil, fmt.Errorf("%w: %w", carterrors.ErrMalformedCookie, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
