package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/models"
)

// Client fetches country zone files from the registry.
type Client struct {
	baseURL      *url.URL
	timeout      time.Duration
	maxBytes     int64
	retries      uint64
	retryDelay   time.Duration
	retryMaxTime time.Duration
	transport    http.RoundTripper
	httpClient   *http.Client
	logger       *slog.Logger
}

// errTransient marks failures that may succeed if the request is retried.
var errTransient = errors.New("transient failure")

// New returns a new Client instance.
func New(opts ...Option) (*Client, error) {
	c := &Client{}

	opts = append(DefaultOptions(), opts...)
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	c.httpClient = &http.Client{
		Transport: c.transport,
		Timeout:   c.timeout,
		// A redirect could point anywhere, so it's treated as tampering.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return c, nil
}

// URL returns the URL of the zone file of the country.
func (c *Client) URL(cc models.CountryCode) string {
	return c.baseURL.JoinPath(fmt.Sprintf("%s-aggregated.zone", cc)).String()
}

// Fetch downloads and validates the zone file of the country. Transient
// failures are retried with a constant delay, within the configured retry
// budget and total retry time. The returned prefixes are in file order, and
// may be empty if the file contains no prefixes.
func (c *Client) Fetch(ctx context.Context, cc models.CountryCode) ([]netip.Prefix, error) {
	u := c.URL(cc)
	logger := c.logger.With("country", cc, "url", u)

	var (
		body    []byte
		attempt int
	)
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		var err error
		body, err = c.get(ctx, u)
		if errors.Is(err, errTransient) {
			logger.Warn("fetch attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, aerrors.New(aerrors.ErrFetch, "failed fetching country ranges", err,
			"country", cc, "url", u, "attempts", attempt)
	}

	prefixes, err := ParseRanges(body)
	if err != nil {
		fields := []any{"country", cc, "url", u}
		var lerr *LineError
		if errors.As(err, &lerr) {
			fields = append(fields, "line", lerr.Line)
		}
		return nil, aerrors.New(aerrors.ErrValidation, "rejected country ranges", err, fields...)
	}

	logger.Debug("fetched country ranges", "ranges", len(prefixes), "bytes", len(body))

	return prefixes, nil
}

func (c *Client) backoff() retry.Backoff {
	return retry.WithMaxDuration(c.retryMaxTime,
		retry.WithMaxRetries(c.retries, retry.NewConstant(c.retryDelay)))
}

// get returns the body of a successful GET request to u. Errors that are worth
// retrying wrap errTransient.
func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTransient, err)
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 300 && code < 400:
		return nil, fmt.Errorf("redirect refused: status %d, location '%s'",
			code, resp.Header.Get("Location"))
	case code == http.StatusTooManyRequests || code >= 500:
		return nil, fmt.Errorf("%w: unexpected status %d", errTransient, code)
	case code != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", code)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed reading response body: %w", errTransient, err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("response body exceeds the limit of %d bytes", c.maxBytes)
	}
	if resp.ContentLength > 0 && int64(len(body)) < resp.ContentLength {
		return nil, fmt.Errorf("%w: truncated response body: got %d of %d bytes",
			errTransient, len(body), resp.ContentLength)
	}

	return body, nil
}

// Probe checks whether the registry is reachable. Any HTTP response counts,
// regardless of its status.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}
	resp.Body.Close()

	c.logger.Debug("registry reachable", "url", c.baseURL.String(), "status", resp.StatusCode)

	return nil
}
