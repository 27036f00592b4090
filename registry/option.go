package registry

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Default client settings.
const (
	DefaultBaseURL      = "https://www.ipdeny.com/ipblocks/data/aggregated"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBytes     = 8 << 20
	DefaultRetries      = 3
	DefaultRetryDelay   = 5 * time.Second
	DefaultRetryMaxTime = 120 * time.Second
)

// Option is a function that allows configuring the Client.
type Option func(*Client) error

// WithBaseURL sets the URL of the directory containing the zone files. Only
// https URLs are accepted.
func WithBaseURL(rawURL string) Option {
	return func(c *Client) error {
		u, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("invalid registry URL '%s': %w", rawURL, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("invalid registry URL '%s': only https is allowed", rawURL)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid registry URL '%s': missing host", rawURL)
		}
		c.baseURL = u
		return nil
	}
}

// WithTimeout sets the time limit of a single request, including reading the
// response body.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid fetch timeout %s: must be positive", timeout)
		}
		c.timeout = timeout
		return nil
	}
}

// WithMaxBytes sets the maximum size of a zone file.
func WithMaxBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("invalid fetch max bytes %d: must be positive", n)
		}
		c.maxBytes = n
		return nil
	}
}

// WithRetries sets how many times a request is retried after a transient
// failure.
func WithRetries(n uint64) Option {
	return func(c *Client) error {
		c.retries = n
		return nil
	}
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Client) error {
		if delay <= 0 {
			return fmt.Errorf("invalid fetch retry delay %s: must be positive", delay)
		}
		c.retryDelay = delay
		return nil
	}
}

// WithRetryMaxTime sets the maximum total time spent retrying a request.
func WithRetryMaxTime(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("invalid fetch retry max time %s: must be positive", d)
		}
		c.retryMaxTime = d
		return nil
	}
}

// WithTransport sets the HTTP transport. If nil, http.DefaultTransport is used.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) error {
		c.transport = rt
		return nil
	}
}

// WithLogger sets the logger used by the Client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger.With("component", "registry")
		return nil
	}
}

// DefaultOptions returns the default Client options.
func DefaultOptions() []Option {
	return []Option{
		WithBaseURL(DefaultBaseURL),
		WithTimeout(DefaultTimeout),
		WithMaxBytes(DefaultMaxBytes),
		WithRetries(DefaultRetries),
		WithRetryDelay(DefaultRetryDelay),
		WithRetryMaxTime(DefaultRetryMaxTime),
		WithLogger(slog.Default()),
	}
}
