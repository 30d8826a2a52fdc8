package config

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abgdnv/cartsync/pkg/config"
	"github.com/abgdnv/cartsync/pkg/config/configloader"
)

var _ configloader.Validator = (*Config)(nil)

type Config struct {
	HTTPServer config.HTTPConfig      `koanf:"server"`
	Log        config.LogConfig       `koanf:"log"`
	PProf      config.PProfConfig     `koanf:"pprof"`
	Telemetry  config.TelemetryConfig `koanf:"telemetry"`
	Nats       config.NATSConfig      `koanf:"nats"`
	Shutdown   config.ShutdownConfig  `koanf:"shutdown"`
	Cart       CartConfig             `koanf:"cart"`
	Services   struct {
		Product struct {
			Http       config.HTTPClientConfig `koanf:"http"`
			Resilience config.ResilienceConfig `koanf:"resilience"`
		} `koanf:"product"`
	} `koanf:"services"`
}

type CartConfig struct {
	Cookie CookieConfig `koanf:"cookie"`
	Sync   SyncConfig   `koanf:"sync"`
}

type CookieConfig struct {
	Name     string        `koanf:"name"`
	Path     string        `koanf:"path"`
	Domain   string        `koanf:"domain"`
	MaxAge   time.Duration `koanf:"maxage"`
	Secure   bool          `koanf:"secure"`
	HttpOnly bool          `koanf:"httponly"`
	SameSite string        `koanf:"samesite"`
}

// SameSiteMode maps the configured value to http.SameSite. Empty means lax.
func (c CookieConfig) SameSiteMode() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

type SyncConfig struct {
	Concurrency int           `koanf:"concurrency"`
	Timeout     time.Duration `koanf:"timeout"`
}

func (c *Config) String() string {
	var b strings.Builder

	b.WriteString(c.HTTPServer.String())

	b.WriteString("\n--- Cart ---\n")
	b.WriteString(fmt.Sprintf("  cart.cookie.name: %s\n", c.Cart.Cookie.Name))
	b.WriteString(fmt.Sprintf("  cart.cookie.path: %s\n", c.Cart.Cookie.Path))
	b.WriteString(fmt.Sprintf("  cart.cookie.domain: %s\n", c.Cart.Cookie.Domain))
	b.WriteString(fmt.Sprintf("  cart.cookie.maxage: %s\n", c.Cart.Cookie.MaxAge))
	b.WriteString(fmt.Sprintf("  cart.cookie.secure: %t\n", c.Cart.Cookie.Secure))
	b.WriteString(fmt.Sprintf("  cart.cookie.httponly: %t\n", c.Cart.Cookie.HttpOnly))
	b.WriteString(fmt.Sprintf("  cart.cookie.samesite: %s\n", c.Cart.Cookie.SameSite))
	b.WriteString(fmt.Sprintf("  cart.sync.concurrency: %d\n", c.Cart.Sync.Concurrency))
	b.WriteString(fmt.Sprintf("  cart.sync.timeout: %s\n", c.Cart.Sync.Timeout))

	b.WriteString("\n--- External Services ---\n")
	b.WriteString(fmt.Sprintf("  services.product.http.url: %s\n", maskURL(c.Services.Product.Http.URL)))
	b.WriteString(fmt.Sprintf("  services.product.http.timeout: %s\n", c.Services.Product.Http.Timeout))
	b.WriteString(c.Services.Product.Resilience.String())
	b.WriteString(c.Nats.String())

	b.WriteString(c.Log.String())
	b.WriteString(c.PProf.String())
	b.WriteString(c.Telemetry.String())
	b.WriteString(c.Shutdown.String())

	return b.String()
}

// maskURL hides user info of the URL.
func maskURL(raw string) string {
	if raw == "" {
		return "<not configured>"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "****"
	}
	if u.User == nil {
		return u.String()
	}
	// url.User would escape the mask
	u.User = nil
	return strings.Replace(u.String(), "//", "//****@", 1)
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	if err := c.HTTPServer.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.PProf.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Nats.Validate(); err != nil {
		return err
	}
	if err := c.Shutdown.Validate(); err != nil {
		return err
	}
	if err := c.Cart.Validate(); err != nil {
		return err
	}
	if err := c.Services.Product.Http.Validate(); err != nil {
		return err
	}
	if err := c.Services.Product.Resilience.Validate(); err != nil {
		return err
	}
	return nil
}

func (c *CartConfig) Validate() error {
	switch strings.ToLower(c.Cookie.SameSite) {
	case "", "lax", "strict":
	case "none":
		if !c.Cookie.Secure {
			return fmt.Errorf("cart.cookie.samesite none requires cart.cookie.secure")
		}
	default:
		return fmt.Errorf("cart.cookie.samesite must be one of lax, strict, none: %q", c.Cookie.SameSite)
	}
	if c.Cookie.MaxAge < 0 {
		return fmt.Errorf("cart.cookie.maxage must not be negative: %s", c.Cookie.MaxAge)
	}
	if c.Cookie.Path != "" && !strings.HasPrefix(c.Cookie.Path, "/") {
		return fmt.Errorf("cart.cookie.path must start with '/': %q", c.Cookie.Path)
	}
	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("cart.sync.concurrency must not be negative: %d", c.Sync.Concurrency)
	}
	if c.Sync.Timeout < 0 {
		return fmt.Errorf("cart.sync.timeout must not be negative: %s", c.Sync.Timeout)
	}
	return nil
}
