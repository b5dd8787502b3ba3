package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"kuno/network"
)

// fakeConn is a Conn whose inbound side is fed by the test.
type fakeConn struct {
	inbound chan []byte
	dropped chan error

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), dropped: make(chan error, 1)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.inbound:
		return websocket.TextMessage, frame, nil
	case err := <-c.dropped:
		return 0, nil, err
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		select {
		case c.dropped <- io.EOF:
		default:
		}
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) drop(err error) {
	c.dropped <- err
}

// fakeDialer hands out queued results; once the queue is empty every dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []*fakeConn
	urls    []string
}

func (d *fakeDialer) queue(conns ...*fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, conns...)
}

func (d *fakeDialer) dial(_ context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.results[0]
	d.results = d.results[1:]
	return next, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// fakeScheduler records delays; tests fire the pending retry by hand.
type fakeScheduler struct {
	mu        sync.Mutex
	delays    []time.Duration
	pending   func()
	cancelled int
}

func (s *fakeScheduler) schedule(delay time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, delay)
	s.pending = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cancelled++
		s.pending = nil
	}
}

func (s *fakeScheduler) fire(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	fn := s.pending
	s.pending = nil
	s.mu.Unlock()
	if fn == nil {
		t.Fatalf("no retry pending")
	}
	fn()
}

func (s *fakeScheduler) pendingFunc() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *fakeScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *fakeScheduler) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

const testBaseDelay = 100 * time.Millisecond

func newTestTransport(t *testing.T) (*Transport, *fakeDialer, *fakeScheduler) {
	t.Helper()

	dialer := &fakeDialer{}
	scheduler := &fakeScheduler{}
	transport, err := NewTransport(Options{
		GatewayURL:  "ws://gateway.test/ws",
		BaseDelay:   testBaseDelay,
		MaxAttempts: 3,
		Dialer:      dialer.dial,
		Schedule:    scheduler.schedule,
		Logger:      zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	t.Cleanup(func() { _ = transport.Disconnect() })
	return transport, dialer, scheduler
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSendsTokenAndDeliversEnvelopes(t *testing.T) {
	transport, dialer, _ := newTestTransport(t)
	conn := newFakeConn()
	dialer.queue(conn)

	received := make(chan network.Envelope, 1)
	transport.OnMessage(func(env network.Envelope) { received <- env })
	transport.OnMessage(func(network.Envelope) { panic("handler bug") })

	if err := transport.Connect(context.Background(), "tok en"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if transport.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", transport.State())
	}
	if got := dialer.urls[0]; got != "ws://gateway.test/ws?token=tok+en" {
		t.Fatalf("unexpected dial URL %q", got)
	}

	frame, err := network.EncodeEnvelope(network.TypeConnected, network.ConnectedPayload{UserID: "acct-bob"})
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	conn.inbound <- frame

	select {
	case env := <-received:
		if env.Type != network.TypeConnected {
			t.Fatalf("unexpected envelope type %q", env.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for envelope")
	}

	if err := transport.Send(network.TypeTyping, network.TypingRequest{RecipientUsername: "alice", IsTyping: true}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	transport, _, _ := newTestTransport(t)

	if err := transport.Send(network.TypeTyping, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestBackoffDoublesAndStopsAtMaxAttempts(t *testing.T) {
	transport, dialer, scheduler := newTestTransport(t)
	conn := newFakeConn()
	dialer.queue(conn)

	if err := transport.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn.drop(io.ErrUnexpectedEOF)
	waitUntil(t, "first retry", scheduler.hasPending)

	for i := 0; i < 3; i++ {
		scheduler.fire(t)
	}

	want := []time.Duration{testBaseDelay, 2 * testBaseDelay, 4 * testBaseDelay}
	got := scheduler.scheduled()
	if len(got) != len(want) {
		t.Fatalf("expected %d scheduled retries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("retry %d: expected %v, got %v", i+1, want[i], got[i])
		}
	}
	if scheduler.hasPending() {
		t.Fatalf("no retry should be pending after max attempts")
	}
	if transport.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED after max attempts, got %s", transport.State())
	}
	if dialer.dials() != 4 {
		t.Fatalf("expected 1 connect + 3 retries, got %d dials", dialer.dials())
	}

	next := newFakeConn()
	dialer.queue(next)
	if err := transport.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if transport.State() != StateConnected {
		t.Fatalf("expected CONNECTED after Reconnect, got %s", transport.State())
	}
	if last := dialer.urls[len(dialer.urls)-1]; last != "ws://gateway.test/ws?token=token" {
		t.Fatalf("Reconnect should reuse the credential, dialed %q", last)
	}
}

func TestSuccessfulReconnectResetsBackoff(t *testing.T) {
	transport, dialer, scheduler := newTestTransport(t)
	first := newFakeConn()
	second := newFakeConn()
	dialer.queue(first)

	if err := transport.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first.drop(io.ErrUnexpectedEOF)
	waitUntil(t, "first retry", scheduler.hasPending)

	scheduler.fire(t)
	waitUntil(t, "second retry", scheduler.hasPending)

	dialer.queue(second)
	scheduler.fire(t)
	if transport.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", transport.State())
	}

	second.drop(io.ErrUnexpectedEOF)
	waitUntil(t, "retry after reset", func() bool { return len(scheduler.scheduled()) == 3 })

	got := scheduler.scheduled()
	want := []time.Duration{testBaseDelay, 2 * testBaseDelay, testBaseDelay}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("retry %d: expected %v, got %v", i+1, want[i], got[i])
		}
	}
}

func TestIntentionalDisconnectSchedulesNothing(t *testing.T) {
	transport, dialer, scheduler := newTestTransport(t)
	conn := newFakeConn()
	dialer.queue(conn)

	if err := transport.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := transport.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(scheduler.scheduled()); n != 0 {
		t.Fatalf("expected no retries after intentional disconnect, got %d", n)
	}
	if transport.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", transport.State())
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	transport, dialer, scheduler := newTestTransport(t)
	conn := newFakeConn()
	dialer.queue(conn)

	if err := transport.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn.drop(io.ErrUnexpectedEOF)
	waitUntil(t, "retry", scheduler.hasPending)

	if err := transport.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if scheduler.hasPending() {
		t.Fatalf("expected pending retry to be cancelled")
	}
	if scheduler.cancelled != 1 {
		t.Fatalf("expected one cancellation, got %d", scheduler.cancelled)
	}
	if dialer.dials() != 1 {
		t.Fatalf("expected no further dials, got %d", dialer.dials())
	}
}

func TestAuthCloseIsNotRetried(t *testing.T) {
	transport, dialer, scheduler := newTestTransport(t)
	conn := newFakeConn()
	dialer.queue(conn)

	if err := transport.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn.drop(&websocket.CloseError{Code: network.CloseAuthFailed, Text: network.ReasonAuthFailed})

	waitUntil(t, "disconnected", func() bool { return transport.State() == StateDisconnected })
	if n := len(scheduler.scheduled()); n != 0 {
		t.Fatalf("auth failure must not be retried, got %d retries", n)
	}
}

func TestReconnectWithoutCredential(t *testing.T) {
	transport, _, _ := newTestTransport(t)

	if err := transport.Reconnect(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestConnectTwiceClosesPreviousConnection(t *testing.T) {
	transport, dialer, scheduler := newTestTransport(t)
	first := newFakeConn()
	second := newFakeConn()
	dialer.queue(first, second)

	received := make(chan network.Envelope, 4)
	transport.OnMessage(func(env network.Envelope) { received <- env })

	if err := transport.Connect(context.Background(), "token-1"); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	if err := transport.Connect(context.Background(), "token-2"); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}

	if !first.isClosed() {
		t.Fatalf("expected the first connection to be closed")
	}
	if second.isClosed() {
		t.Fatalf("the new connection must stay open")
	}
	if transport.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", transport.State())
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(scheduler.scheduled()); n != 0 {
		t.Fatalf("closing the replaced connection must not schedule a retry, got %d", n)
	}

	frame, err := network.EncodeEnvelope(network.TypeTyping, network.TypingEvent{Username: "alice", IsTyping: true})
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	second.inbound <- frame
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for envelope on the new connection")
	}
}

func TestConnectCancelsRetryFromEarlierDrop(t *testing.T) {
	transport, dialer, scheduler := newTestTransport(t)
	first := newFakeConn()
	second := newFakeConn()
	dialer.queue(first)

	if err := transport.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first.drop(io.ErrUnexpectedEOF)
	waitUntil(t, "retry", scheduler.hasPending)
	staleRetry := scheduler.pendingFunc()

	dialer.queue(second)
	if err := transport.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if scheduler.hasPending() {
		t.Fatalf("expected Connect to cancel the pending retry")
	}

	// A timer that already fired still runs its callback.
	staleRetry()

	if got := dialer.dials(); got != 2 {
		t.Fatalf("expected 2 dials, got %d", got)
	}
	if second.isClosed() {
		t.Fatalf("stale retry must not replace the live connection")
	}
	if transport.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", transport.State())
	}
}
