package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// HTTPClientConfig configures an outbound HTTP client of a downstream service.
type HTTPClientConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// String returns a string representation of the HTTP client configuration.
func (c *HTTPClientConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- HTTP Client ---\n")
	b.WriteString(fmt.Sprintf("  url: %s\n", c.URL))
	b.WriteString(fmt.Sprintf("  timeout: %s\n", c.Timeout))
	return b.String()
}

func (c *HTTPClientConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("HTTP client url is not configured")
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("HTTP client url must be absolute: %s", c.URL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("HTTP client timeout is not configured")
	}
	return nil
}
