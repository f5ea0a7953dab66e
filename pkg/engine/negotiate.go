// Package engine is a client for the Qlik Sense Engine API: a stateful
// JSON-RPC 2.0 protocol spoken over a WebSocket. It negotiates an endpoint,
// multiplexes concurrent calls over one connection, caches the session and
// open document handles, and builds the engine object definitions behind
// each read-only query.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/freitascorp/qlikclaw/pkg/observability"
	"github.com/freitascorp/qlikclaw/pkg/resilience"
)

const (
	DefaultEnginePort  = 4747
	DefaultDialTimeout = 8 * time.Second
	DefaultDialRetries = 2
)

// Candidate is one endpoint the negotiator will try.
type Candidate struct {
	URL    string
	Secure bool
	Path   string
}

// Endpoint is the candidate that produced a live connection.
type Endpoint struct {
	URL    string `json:"url"`
	Secure bool   `json:"secure"`
	Path   string `json:"path"`
}

// Candidates returns the fixed, ordered endpoint list for host:port:
// secure before plain, /app/engineData before /app.
func Candidates(host string, port int) []Candidate {
	hp := net.JoinHostPort(host, strconv.Itoa(port))
	out := make([]Candidate, 0, 4)
	for _, scheme := range []string{"wss", "ws"} {
		for _, path := range []string{"/app/engineData", "/app"} {
			out = append(out, Candidate{
				URL:    scheme + "://" + hp + path,
				Secure: scheme == "wss",
				Path:   path,
			})
		}
	}
	return out
}

// HostFromServerURL extracts the bare host from a configured server URL
// such as "https://qlik.example.com:443/". A bare hostname is returned as is.
func HostFromServerURL(server string) (string, error) {
	s := strings.TrimSpace(server)
	if s == "" {
		return "", fmt.Errorf("server url is empty")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse server url %q: %w", server, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("server url %q has no host", server)
	}
	return u.Hostname(), nil
}

// Negotiator walks the candidate list until one endpoint accepts.
type Negotiator struct {
	Dialer     Dialer
	Timeout    time.Duration // per attempt
	Retries    int           // attempts per candidate
	RetryDelay time.Duration // first wait between attempts on one candidate
	Logger     *slog.Logger
	Metrics    *observability.EngineMetrics
}

// Negotiate returns the first transport that connects. When every attempt on
// every candidate fails the error is KindConnectionExhausted and lists each
// attempt in order.
func (n *Negotiator) Negotiate(ctx context.Context, host string, port int) (Transport, *Endpoint, error) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	retries := n.Retries
	if retries <= 0 {
		retries = DefaultDialRetries
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = retries
	if n.RetryDelay > 0 {
		retry.InitialDelay = n.RetryDelay
		retry.MaxDelay = 4 * n.RetryDelay
	}
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var attempts []Attempt
	for _, c := range Candidates(host, port) {
		var transport Transport
		err := resilience.Retry(ctx, retry, func(attempt int) error {
			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			t, err := n.Dialer.Dial(dctx, c.URL)
			if err != nil {
				attempts = append(attempts, Attempt{URL: c.URL, Try: attempt + 1, Err: err.Error()})
				logger.Debug("engine dial failed", "url", c.URL, "try", attempt+1, "error", err)
				if n.Metrics != nil {
					n.Metrics.DialFailures.Inc()
				}
				return err
			}
			transport = t
			return nil
		})
		if err == nil {
			if n.Metrics != nil {
				n.Metrics.Negotiations.Inc()
			}
			logger.Info("engine endpoint negotiated", "url", c.URL, "failed_attempts", len(attempts))
			return transport, &Endpoint{URL: c.URL, Secure: c.Secure, Path: c.Path}, nil
		}
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("negotiate engine endpoint: %w", ctx.Err())
		}
	}

	return nil, nil, &Error{
		Kind:     KindConnectionExhausted,
		Reason:   fmt.Sprintf("no engine endpoint on %s:%d accepted a connection (%d attempts)", host, port, len(attempts)),
		Attempts: attempts,
	}
}
