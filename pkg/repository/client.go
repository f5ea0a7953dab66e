// Package repository is a read-only client for the Qlik Sense Repository
// API (QRS): application listing and metadata.
package repository

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/freitascorp/qlikclaw/pkg/observability"
	"github.com/freitascorp/qlikclaw/pkg/resilience"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the QRS root, e.g. https://qlik.example.com:4242/qrs.
	BaseURL   string
	TLSConfig *tls.Config
	Timeout   time.Duration
	// Headers are sent with every request (identity headers).
	Headers http.Header
	// TokenSource, when set, authorises requests with OAuth2 bearer tokens.
	TokenSource oauth2.TokenSource
	Breaker     resilience.CircuitBreakerConfig

	// HTTPClient overrides the transport built from TLSConfig and
	// TokenSource.
	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics *observability.EngineMetrics
}

// Client talks to the Repository API.
type Client struct {
	base    *url.URL
	http    *http.Client
	headers http.Header
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
	metrics *observability.EngineMetrics
}

// StatusError is a non-2xx Repository API response.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("repository %s: HTTP %d: %s", e.Path, e.StatusCode, e.Body)
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid repository url %q", opts.BaseURL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "repository")

	hc := opts.HTTPClient
	if hc == nil {
		var rt http.RoundTripper = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     opts.TLSConfig,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
		if opts.TokenSource != nil {
			rt = &oauth2.Transport{Source: opts.TokenSource, Base: rt}
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Transport: rt, Timeout: timeout}
	}

	bc := opts.Breaker
	if bc.Name == "" {
		bc.Name = "repository"
	}
	if bc.IsFailure == nil {
		bc.IsFailure = isServerFailure
	}
	userHook := bc.OnStateChange
	bc.OnStateChange = func(name string, from, to resilience.CircuitState) {
		logger.Warn("repository circuit state changed", "from", from.String(), "to", to.String())
		if to == resilience.CircuitOpen && opts.Metrics != nil {
			opts.Metrics.CircuitTrips.Inc()
		}
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	return &Client{
		base:    base,
		http:    hc,
		headers: opts.Headers.Clone(),
		breaker: resilience.NewCircuitBreaker(bc),
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// isServerFailure counts transport errors, 5xx and 429 against the breaker;
// other client errors say nothing about the server's health.
func isServerFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// CircuitState reports the breaker state, for health output.
func (c *Client) CircuitState() resilience.CircuitState { return c.breaker.State() }

// newXrfKey returns the 16 character anti-forgery key QRS requires in both
// the query string and the X-Qlik-Xrfkey header.
func newXrfKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.breaker.Execute(func() error {
		return c.roundTrip(ctx, http.MethodGet, path, query, out)
	})
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, out any) error {
	key := newXrfKey()
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("xrfkey", key)

	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build repository request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("X-Qlik-Xrfkey", key)
	req.Header.Set("Accept", "application/json")

	if c.metrics != nil {
		c.metrics.RepositoryRequests.Inc()
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.countError()
		return fmt.Errorf("repository %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.countError()
		c.logger.Warn("repository request failed", "path", path, "status", resp.StatusCode)
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	c.logger.Debug("repository request", "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.countError()
		return fmt.Errorf("decode repository %s: %w", path, err)
	}
	return nil
}

func (c *Client) countError() {
	if c.metrics != nil {
		c.metrics.RepositoryErrors.Inc()
	}
}
