// Package client is the device side of the gateway protocol: a reconnecting
// websocket transport and the inbox pass that recovers replicated messages.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kuno/network"
)

const (
	// DefaultBaseDelay is the first reconnect delay; each retry doubles it.
	DefaultBaseDelay = time.Second
	// DefaultMaxAttempts bounds automatic reconnects after one disconnect.
	DefaultMaxAttempts = 5
	// DefaultDialTimeout bounds one websocket handshake.
	DefaultDialTimeout = 10 * time.Second
)

var (
	// ErrNotConnected indicates Send was called without a live connection.
	ErrNotConnected = errors.New("client: not connected")
	// ErrClosed indicates the transport was disconnected on purpose.
	ErrClosed = errors.New("client: transport closed")
	// ErrNoCredential indicates Reconnect was called before Connect.
	ErrNoCredential = errors.New("client: no credential to reconnect with")
)

// State is the connection state of a Transport.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateClosed       State = "CLOSED"
)

// Conn is the websocket surface the transport uses. *websocket.Conn implements it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a websocket to rawURL.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

// Scheduler runs fn after delay and returns a function that cancels it.
type Scheduler func(delay time.Duration, fn func()) (cancel func())

// Handler receives every inbound envelope.
type Handler func(network.Envelope)

// Options configures a Transport.
type Options struct {
	// GatewayURL is the ws:// or wss:// URL of the gateway /ws endpoint.
	GatewayURL  string
	BaseDelay   time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	Dialer      Dialer
	Schedule    Scheduler
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.BaseDelay <= 0 {
		out.BaseDelay = DefaultBaseDelay
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.Dialer == nil {
		out.Dialer = WebsocketDialer(out.DialTimeout)
	}
	if out.Schedule == nil {
		out.Schedule = afterFunc
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// WebsocketDialer dials with gorilla/websocket.
func WebsocketDialer(handshakeTimeout time.Duration) Dialer {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, rawURL string) (Conn, error) {
		conn, _, err := dialer.DialContext(ctx, rawURL, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func afterFunc(delay time.Duration, fn func()) func() {
	timer := time.AfterFunc(delay, fn)
	return func() { timer.Stop() }
}

// Transport keeps one websocket to the gateway alive. An unintentional close
// schedules a retry after base * 2^(n-1) for at most MaxAttempts retries; the
// counter resets only after a successful connection. Disconnect is terminal
// until Reconnect.
type Transport struct {
	options Options
	log     *zap.Logger

	mu          sync.Mutex
	state       State
	token       string
	conn        Conn
	generation  uint64
	intentional bool
	backoff     backoff.BackOff
	cancelRetry func()

	writeMu sync.Mutex

	handlersMu  sync.RWMutex
	handlers    map[int]Handler
	nextHandler int
}

// NewTransport builds a disconnected Transport.
func NewTransport(options Options) (*Transport, error) {
	opts := options.withDefaults()
	if opts.GatewayURL == "" {
		return nil, errors.New("gateway URL is required")
	}
	if _, err := url.Parse(opts.GatewayURL); err != nil {
		return nil, fmt.Errorf("parse gateway URL: %w", err)
	}

	return &Transport{
		options:  opts,
		log:      opts.Logger.Named("transport"),
		state:    StateDisconnected,
		backoff:  newReconnectBackOff(opts.BaseDelay, opts.MaxAttempts),
		handlers: make(map[int]Handler),
	}, nil
}

func newReconnectBackOff(base time.Duration, maxAttempts int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = base << uint(maxAttempts)
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(maxAttempts))
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the gateway with token, replacing any live connection and
// cancelling a pending retry. A failed dial is handled like a dropped
// connection and schedules a retry.
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	t.token = token
	t.intentional = false
	t.stopRetryLocked()
	t.backoff.Reset()
	previous := t.conn
	t.conn = nil
	// Orphan the old read loop so its close is ignored.
	t.generation++
	t.state = StateDisconnected
	t.mu.Unlock()

	if previous != nil {
		_ = t.closeConn(previous, "reconnect")
	}
	return t.dial(ctx)
}

// Reconnect is the user-triggered restart after retries ran out or after
// Disconnect. It reuses the last credential and resets the backoff.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.token == "" {
		t.mu.Unlock()
		return ErrNoCredential
	}
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.intentional = false
	t.state = StateDisconnected
	t.stopRetryLocked()
	t.backoff.Reset()
	t.mu.Unlock()

	return t.dial(ctx)
}

// Disconnect closes the connection on purpose. No retry is scheduled and any
// pending retry is cancelled.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.intentional = true
	t.state = StateClosed
	t.generation++
	t.stopRetryLocked()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return t.closeConn(conn, "logout")
}

func (t *Transport) closeConn(conn Conn, reason string) error {
	t.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	t.writeMu.Unlock()
	return conn.Close()
}

// Send writes one envelope. It fails with ErrNotConnected unless connected.
func (t *Transport) Send(msgType string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	frame, err := network.EncodeEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

// OnMessage registers h for every inbound envelope and returns a function
// that unregisters it.
func (t *Transport) OnMessage(h Handler) func() {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()

	id := t.nextHandler
	t.nextHandler++
	t.handlers[id] = h
	return func() {
		t.handlersMu.Lock()
		defer t.handlersMu.Unlock()
		delete(t.handlers, id)
	}
}

func (t *Transport) dial(ctx context.Context) error {
	t.mu.Lock()
	if t.intentional || t.state == StateClosed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.generation++
	gen := t.generation
	t.state = StateConnecting
	endpoint := t.endpointLocked()
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.options.DialTimeout)
	defer cancel()

	conn, err := t.options.Dialer(dialCtx, endpoint)
	if err != nil {
		t.log.Debug("dial gateway failed", zap.Error(err))
		t.handleClose(gen, err)
		return fmt.Errorf("dial gateway: %w", err)
	}

	t.mu.Lock()
	if gen != t.generation || t.intentional {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.state = StateConnected
	t.backoff.Reset()
	t.mu.Unlock()

	t.log.Info("connected to gateway")
	go t.readLoop(conn, gen)
	return nil
}

func (t *Transport) readLoop(conn Conn, gen uint64) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			t.handleClose(gen, err)
			return
		}

		env, err := network.DecodeEnvelope(frame)
		if err != nil {
			t.log.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		t.dispatch(env)
	}
}

func (t *Transport) dispatch(env network.Envelope) {
	t.handlersMu.RLock()
	handlers := make([]Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					t.log.Error("message handler panicked", zap.String("type", env.Type), zap.Any("panic", recovered))
				}
			}()
			h(env)
		}()
	}
}

// handleClose is the single path for dropped connections and failed dials.
func (t *Transport) handleClose(gen uint64, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.generation || t.intentional || t.state == StateClosed {
		return
	}
	t.conn = nil
	t.state = StateDisconnected

	var closeErr *websocket.CloseError
	if errors.As(cause, &closeErr) && (closeErr.Code == network.CloseAuthFailed || closeErr.Code == network.CloseReplaced) {
		t.log.Warn("gateway ended the session", zap.Int("code", closeErr.Code), zap.String("reason", closeErr.Text))
		return
	}

	delay := t.backoff.NextBackOff()
	if delay == backoff.Stop {
		t.log.Warn("max reconnect attempts reached", zap.Int("attempts", t.options.MaxAttempts))
		return
	}

	t.log.Info("reconnecting", zap.Duration("delay", delay), zap.Error(cause))
	t.cancelRetry = t.options.Schedule(delay, func() {
		if err := t.dial(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			t.log.Debug("reconnect attempt failed", zap.Error(err))
		}
	})
}

func (t *Transport) stopRetryLocked() {
	if t.cancelRetry != nil {
		t.cancelRetry()
		t.cancelRetry = nil
	}
}

func (t *Transport) endpointLocked() string {
	sep := "?"
	if strings.Contains(t.options.GatewayURL, "?") {
		sep = "&"
	}
	return t.options.GatewayURL + sep + network.TokenQueryParam + "=" + url.QueryEscape(t.token)
}
