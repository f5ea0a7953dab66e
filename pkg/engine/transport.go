package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Transport is one established duplex connection carrying text frames.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens a Transport to a single endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// HeaderFunc supplies per-dial HTTP headers, e.g. a freshly minted bearer
// token or an X-Qlik-User identity.
type HeaderFunc func(ctx context.Context) (http.Header, error)

// StaticHeaders returns a HeaderFunc that always yields h.
func StaticHeaders(h http.Header) HeaderFunc {
	return func(context.Context) (http.Header, error) { return h.Clone(), nil }
}

// maxFrameBytes bounds a single inbound frame. Sheet layouts and data pages
// from large apps run to tens of megabytes.
const maxFrameBytes = 64 << 20

// WSDialer dials Qlik engine endpoints with coder/websocket.
type WSDialer struct {
	TLSConfig *tls.Config
	Headers   HeaderFunc
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, url string) (Transport, error) {
	opts := &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	}
	if d.TLSConfig != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: d.TLSConfig.Clone()},
		}
	}
	if d.Headers != nil {
		h, err := d.Headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("build identity headers: %w", err)
		}
		opts.HTTPHeader = h
	}

	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
