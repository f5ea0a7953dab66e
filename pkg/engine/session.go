package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/freitascorp/qlikclaw/pkg/observability"
)

// codeAppAlreadyOpen is LOCERR_APP_ALREADY_OPEN.
const codeAppAlreadyOpen = 1002

// Session is the engine session bound to one live channel.
type Session struct {
	Handle        int       `json:"handle"`
	Endpoint      Endpoint  `json:"endpoint"`
	EngineVersion string    `json:"engine_version"`
	State         string    `json:"state,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`

	channel *Channel
}

// Document is an open application.
type Document struct {
	AppID     string    `json:"app_id"`
	Handle    int       `json:"handle"`
	GenericID string    `json:"generic_id"`
	OpenedAt  time.Time `json:"opened_at"`

	session *Session
}

// Options configures a Client.
type Options struct {
	Host string
	Port int

	Negotiator  *Negotiator
	CallTimeout time.Duration

	// OpenWithoutData opens documents without loading data. Only metadata
	// operations work in that mode.
	OpenWithoutData bool

	Logger  *slog.Logger
	Metrics *observability.EngineMetrics
}

// Client owns the connection to one engine target. It is safe for
// concurrent use; calls for different applications share the connection.
type Client struct {
	opts   Options
	logger *slog.Logger

	connMu  sync.Mutex
	session *Session

	docsMu  sync.RWMutex
	docs    map[string]*Document
	opening map[string]*sync.Mutex
}

// NewClient creates a Client. No connection is made until the first call.
func NewClient(opts Options) *Client {
	if opts.Port == 0 {
		opts.Port = DefaultEnginePort
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:    opts,
		logger:  logger.With("component", "engine"),
		docs:    make(map[string]*Document),
		opening: make(map[string]*sync.Mutex),
	}
}

// EnsureSession returns the live session, negotiating a new connection and
// opening a session when there is none.
func (c *Client) EnsureSession(ctx context.Context) (*Session, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if s := c.session; s != nil && s.channel.Alive() {
		return s, nil
	}
	if c.session != nil {
		c.logger.Warn("engine connection lost, reconnecting", "error", c.session.channel.Err())
		c.dropDocuments()
		c.session = nil
	}

	if c.opts.Negotiator == nil {
		return nil, fmt.Errorf("engine client has no negotiator")
	}
	transport, endpoint, err := c.opts.Negotiator.Negotiate(ctx, c.opts.Host, c.opts.Port)
	if err != nil {
		return nil, err
	}

	ch := NewChannel(transport, ChannelOptions{
		CallTimeout: c.opts.CallTimeout,
		Logger:      c.logger,
		Metrics:     c.opts.Metrics,
	})

	raw, err := ch.Call(ctx, GlobalHandle, "EngineVersion", nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("open engine session on %s: %w", endpoint.URL, err)
	}
	var ver struct {
		Version struct {
			Component string `json:"qComponentVersion"`
		} `json:"qVersion"`
	}
	if err := json.Unmarshal(raw, &ver); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("decode EngineVersion: %w", err)
	}

	c.session = &Session{
		Handle:        GlobalHandle,
		Endpoint:      *endpoint,
		EngineVersion: ver.Version.Component,
		State:         ch.SessionState(),
		OpenedAt:      time.Now(),
		channel:       ch,
	}
	c.logger.Info("engine session opened", "endpoint", endpoint.URL, "engine_version", ver.Version.Component)
	return c.session, nil
}

// EnsureDocument returns the handle for appID, opening the application
// if it is not open in the current session. A cached handle costs no
// engine calls.
func (c *Client) EnsureDocument(ctx context.Context, appID string) (*Document, error) {
	if strings.TrimSpace(appID) == "" {
		return nil, invalidSpec("app_id is required")
	}
	sess, err := c.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	if d := c.cachedDocument(appID, sess); d != nil {
		return d, nil
	}

	lock := c.appLock(appID)
	lock.Lock()
	defer lock.Unlock()

	if d := c.cachedDocument(appID, sess); d != nil {
		return d, nil
	}

	doc, err := c.openDocument(ctx, sess, appID)
	if err != nil {
		return nil, err
	}

	if sess.channel.Alive() {
		c.docsMu.Lock()
		c.docs[appID] = doc
		c.docsMu.Unlock()
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.DocumentsOpened.Inc()
	}
	return doc, nil
}

func (c *Client) openDocument(ctx context.Context, sess *Session, appID string) (*Document, error) {
	if d, err := c.activeDocument(ctx, sess, appID); err != nil || d != nil {
		return d, err
	}

	params := []any{appID}
	if c.opts.OpenWithoutData {
		params = []any{appID, "", "", "", true}
	}
	raw, err := sess.channel.Call(ctx, GlobalHandle, "OpenDoc", params)
	if err == nil {
		ref, err := decodeObjectRef(raw)
		if err != nil {
			return nil, &Error{Kind: KindDocumentOpenFailed, Reason: err.Error(), cause: err}
		}
		c.logger.Info("application opened", "app_id", appID, "handle", ref.Handle)
		return &Document{AppID: appID, Handle: ref.Handle, GenericID: ref.GenericID, OpenedAt: time.Now(), session: sess}, nil
	}

	var e *Error
	if !errors.As(err, &e) || e.Kind != KindEngine {
		return nil, err
	}
	if !isAlreadyOpen(e) {
		return nil, &Error{Kind: KindDocumentOpenFailed, Code: e.Code, Method: "OpenDoc", Reason: e.Reason, cause: err}
	}

	c.logger.Debug("application already open, recovering handle", "app_id", appID)
	if d, err := c.activeDocument(ctx, sess, appID); err != nil || d != nil {
		return d, err
	}
	if d, err := c.listedDocument(ctx, sess, appID); err != nil || d != nil {
		return d, err
	}
	return nil, &Error{
		Kind:   KindDocumentOpenFailed,
		Code:   e.Code,
		Method: "OpenDoc",
		Reason: "engine reports the application open but no handle for it is visible to this session",
		cause:  err,
	}
}

// activeDocument returns the session's active document when it is appID.
// Engine errors mean "no active document" and yield (nil, nil).
func (c *Client) activeDocument(ctx context.Context, sess *Session, appID string) (*Document, error) {
	raw, err := sess.channel.Call(ctx, GlobalHandle, "GetActiveDoc", nil)
	if err != nil {
		if KindOf(err) == KindEngine {
			return nil, nil
		}
		return nil, err
	}
	ref, err := decodeObjectRef(raw)
	if err != nil || ref.Handle <= 0 {
		return nil, nil
	}
	if ref.GenericID != appID {
		return nil, nil
	}
	return &Document{AppID: appID, Handle: ref.Handle, GenericID: ref.GenericID, OpenedAt: time.Now(), session: sess}, nil
}

func (c *Client) listedDocument(ctx context.Context, sess *Session, appID string) (*Document, error) {
	raw, err := sess.channel.Call(ctx, GlobalHandle, "GetDocList", nil)
	if err != nil {
		if KindOf(err) == KindEngine {
			return nil, nil
		}
		return nil, err
	}
	var list struct {
		Docs []struct {
			DocID  string `json:"qDocId"`
			Handle *int   `json:"qHandle"`
		} `json:"qDocList"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, nil
	}
	for _, d := range list.Docs {
		if d.DocID == appID && d.Handle != nil && *d.Handle > 0 {
			return &Document{AppID: appID, Handle: *d.Handle, GenericID: appID, OpenedAt: time.Now(), session: sess}, nil
		}
	}
	return nil, nil
}

func isAlreadyOpen(e *Error) bool {
	return e.Code == codeAppAlreadyOpen || strings.Contains(strings.ToLower(e.Reason), "already open")
}

func (c *Client) cachedDocument(appID string, sess *Session) *Document {
	c.docsMu.RLock()
	defer c.docsMu.RUnlock()
	if d := c.docs[appID]; d != nil && d.session == sess {
		return d
	}
	return nil
}

func (c *Client) appLock(appID string) *sync.Mutex {
	c.docsMu.Lock()
	defer c.docsMu.Unlock()
	m, ok := c.opening[appID]
	if !ok {
		m = &sync.Mutex{}
		c.opening[appID] = m
	}
	return m
}

func (c *Client) dropDocuments() {
	c.docsMu.Lock()
	c.docs = make(map[string]*Document)
	c.docsMu.Unlock()
}

// Session returns the current session without connecting, or nil.
func (c *Client) Session() *Session {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.session == nil || !c.session.channel.Alive() {
		return nil
	}
	return c.session
}

// Close tears down the connection and forgets every handle.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.dropDocuments()
	if c.session == nil {
		return nil
	}
	err := c.session.channel.Close()
	c.session = nil
	return err
}

// call runs one RPC on the document's session.
func (c *Client) call(ctx context.Context, doc *Document, handle int, method string, params any) (json.RawMessage, error) {
	return doc.session.channel.Call(ctx, handle, method, params)
}

// callInto runs one RPC and decodes its result into out.
func (c *Client) callInto(ctx context.Context, doc *Document, handle int, method string, params any, out any) error {
	raw, err := c.call(ctx, doc, handle, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

type objectRef struct {
	Type      string `json:"qType"`
	Handle    int    `json:"qHandle"`
	GenericID string `json:"qGenericId"`
}

func decodeObjectRef(raw json.RawMessage) (objectRef, error) {
	var r struct {
		Return objectRef `json:"qReturn"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return objectRef{}, fmt.Errorf("decode object reference: %w", err)
	}
	return r.Return, nil
}
