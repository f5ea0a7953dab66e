// Package cloud is a read-only client for the Qlik Cloud REST API
// (/api/v1): app listing, app attributes and data model metadata, and
// spaces. It serves the same listing views as the repository package so
// the app tools work against either deployment.
package cloud

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

	"golang.org/x/oauth2"

	"github.com/freitascorp/qlikclaw/pkg/observability"
	"github.com/freitascorp/qlikclaw/pkg/resilience"
)

// APIPrefix is prepended to every request path.
const APIPrefix = "/api/v1"

// maxPages bounds how many cursor pages one listing follows.
const maxPages = 50

// pageSize is the limit sent on cursor-paged listings.
const pageSize = 100

// Options configures a Client.
type Options struct {
	// BaseURL is the tenant root, e.g. https://acme.eu.qlikcloud.com.
	BaseURL   string
	TLSConfig *tls.Config
	Timeout   time.Duration
	// Headers are sent with every request (the API key bearer header).
	Headers http.Header
	// TokenSource, when set, authorises requests with OAuth2 machine to
	// machine tokens and takes precedence over an Authorization header.
	TokenSource oauth2.TokenSource
	Breaker     resilience.CircuitBreakerConfig

	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics *observability.EngineMetrics
}

// Client talks to one Qlik Cloud tenant.
type Client struct {
	base    *url.URL
	http    *http.Client
	headers http.Header
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
	metrics *observability.EngineMetrics
}

// StatusError is a non-2xx response.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("qlik cloud %s: HTTP %d: %s", e.Path, e.StatusCode, e.Body)
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid qlik cloud url %q", opts.BaseURL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cloud")

	headers := opts.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}

	hc := opts.HTTPClient
	if hc == nil {
		var rt http.RoundTripper = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     opts.TLSConfig,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Transport: rt, Timeout: timeout}
	}
	if opts.TokenSource != nil {
		// oauth2.Transport sets Authorization itself.
		headers.Del("Authorization")
		hc = &http.Client{
			Transport: &oauth2.Transport{Source: opts.TokenSource, Base: transportOf(hc)},
			Timeout:   hc.Timeout,
		}
	}

	bc := opts.Breaker
	if bc.Name == "" {
		bc.Name = "cloud"
	}
	if bc.IsFailure == nil {
		bc.IsFailure = isServerFailure
	}
	userHook := bc.OnStateChange
	bc.OnStateChange = func(name string, from, to resilience.CircuitState) {
		logger.Warn("qlik cloud circuit state changed", "from", from.String(), "to", to.String())
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
		headers: headers,
		breaker: resilience.NewCircuitBreaker(bc),
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

func transportOf(hc *http.Client) http.RoundTripper {
	if hc.Transport != nil {
		return hc.Transport
	}
	return http.DefaultTransport
}

func isServerFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// CircuitState reports the breaker state, for health output.
func (c *Client) CircuitState() resilience.CircuitState { return c.breaker.State() }

// endpoint resolves path (relative to APIPrefix) or a cursor link returned
// by the tenant, absolute or rooted at APIPrefix. Links to another host are
// refused so credentials never leave the tenant.
func (c *Client) endpoint(ref string, query url.Values) (*url.URL, error) {
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, APIPrefix+"/") {
		u, err := c.base.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("parse qlik cloud link %q: %w", ref, err)
		}
		if !strings.EqualFold(u.Host, c.base.Host) {
			return nil, fmt.Errorf("qlik cloud link %q leaves tenant %s", ref, c.base.Host)
		}
		return u, nil
	}
	u := *c.base
	u.Path = c.base.Path + APIPrefix + "/" + strings.TrimLeft(ref, "/")
	u.RawQuery = query.Encode()
	return &u, nil
}

func (c *Client) get(ctx context.Context, ref string, query url.Values, out any) error {
	return c.breaker.Execute(func() error {
		return c.roundTrip(ctx, ref, query, out)
	})
}

func (c *Client) roundTrip(ctx context.Context, ref string, query url.Values, out any) error {
	u, err := c.endpoint(ref, query)
	if err != nil {
		return err
	}
	path := u.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build qlik cloud request: %w", err)
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	if c.metrics != nil {
		c.metrics.RepositoryRequests.Inc()
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.countError()
		return fmt.Errorf("qlik cloud %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.countError()
		c.logger.Warn("qlik cloud request failed", "path", path, "status", resp.StatusCode)
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	c.logger.Debug("qlik cloud request", "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.countError()
		return fmt.Errorf("decode qlik cloud %s: %w", path, err)
	}
	return nil
}

func (c *Client) countError() {
	if c.metrics != nil {
		c.metrics.RepositoryErrors.Inc()
	}
}

// page is the envelope of every cursor-paged listing.
type page[T any] struct {
	Data  []T `json:"data"`
	Links struct {
		Next *struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"links"`
}

// listAll follows next links from ref until the listing ends or maxPages
// pages have been read.
func listAll[T any](ctx context.Context, c *Client, ref string, query url.Values) ([]T, error) {
	var out []T
	for i := 0; i < maxPages && ref != ""; i++ {
		var p page[T]
		if err := c.get(ctx, ref, query, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Data...)
		ref, query = "", nil
		if p.Links.Next != nil {
			ref = p.Links.Next.Href
		}
	}
	if ref != "" {
		c.logger.Warn("qlik cloud listing truncated", "pages", maxPages, "items", len(out))
	}
	return out, nil
}
