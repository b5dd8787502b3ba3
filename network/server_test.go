package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"kuno/auth"
	"kuno/crypto"
	"kuno/models"
	"kuno/registry"
	"kuno/replica"
)

type gatewayFixture struct {
	registry   *registry.Registry
	router     *Router
	server     *Server
	replicator *fakeReplicator
	privateKey ed25519.PrivateKey
	httpServer *httptest.Server
}

type staticHealth []replica.Health

func (h staticHealth) CheckHealth(context.Context) []replica.Health { return h }

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	verifier, err := auth.NewTokenVerifier(publicKey)
	if err != nil {
		t.Fatalf("NewTokenVerifier failed: %v", err)
	}

	logger := zaptest.NewLogger(t)
	promRegistry := prometheus.NewRegistry()
	metrics := NewMetrics(promRegistry)
	reg := registry.New()
	replicator := &fakeReplicator{}
	router, err := NewRouter(RouterOptions{
		Registry:   reg,
		Directory:  auth.NewStaticDirectory(map[string]string{"alice": "acct-alice", "bob": "acct-bob"}),
		Replicator: replicator,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	server, err := NewServer(ServerOptions{
		InstanceID:   "gw-test",
		Registry:     reg,
		Router:       router,
		Verifier:     verifier,
		Health:       staticHealth{{Backend: models.Backend{ID: "node-1"}, Healthy: true}},
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     promRegistry,
		PingInterval: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	engine := gin.New()
	server.Routes(engine)
	httpServer := httptest.NewServer(engine)
	t.Cleanup(func() {
		_ = server.Close()
		httpServer.Close()
	})

	return &gatewayFixture{
		registry:   reg,
		router:     router,
		server:     server,
		replicator: replicator,
		privateKey: privateKey,
		httpServer: httpServer,
	}
}

func (f *gatewayFixture) token(t *testing.T, accountID, username string, deviceID int) string {
	t.Helper()
	token, err := crypto.IssueToken(f.privateKey, models.Claims{AccountID: accountID, Username: username, DeviceID: deviceID})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return token
}

func (f *gatewayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(f.httpServer.URL, "http") + "/ws"
	if token != "" {
		wsURL += "?" + TokenQueryParam + "=" + url.QueryEscape(token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return env
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Type == msgType {
			return env
		}
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int, reason string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close error, got %v", err)
		}
		if closeErr.Code != code || closeErr.Text != reason {
			t.Fatalf("expected close %d %q, got %d %q", code, reason, closeErr.Code, closeErr.Text)
		}
		return
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t, "")
	expectClose(t, conn, CloseAuthFailed, ReasonMissingToken)

	if f.registry.Len() != 0 {
		t.Fatalf("expected no registered sessions, got %d", f.registry.Len())
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	f := newGatewayFixture(t)

	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	forged, err := crypto.IssueToken(otherKey, models.Claims{AccountID: "acct-bob", Username: "bob", DeviceID: 1})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	conn := f.dial(t, forged)
	expectClose(t, conn, CloseAuthFailed, ReasonAuthFailed)

	if f.registry.Len() != 0 {
		t.Fatalf("expected no registered sessions, got %d", f.registry.Len())
	}
}

func TestHandshakeRegistersAndRemovesSession(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t, f.token(t, "acct-bob", "bob", 2))
	env := readEnvelope(t, conn)
	if env.Type != TypeConnected {
		t.Fatalf("expected connected first, got %q", env.Type)
	}
	var connected ConnectedPayload
	if err := json.Unmarshal(env.Payload, &connected); err != nil {
		t.Fatalf("decode connected: %v", err)
	}
	if connected.UserID != "acct-bob" || connected.DeviceID != 2 || connected.Message == "" {
		t.Fatalf("unexpected connected payload %+v", connected)
	}
	if got := f.registry.DeviceSessions("acct-bob", 2); len(got) != 1 {
		t.Fatalf("expected one registered session, got %d", len(got))
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = conn.Close()

	waitFor(t, "session removal", func() bool { return f.registry.Len() == 0 })
	if len(f.registry.Accounts()) != 0 {
		t.Fatalf("expected no account keys after disconnect")
	}
}

func TestReconnectSameDeviceReplacesOldSession(t *testing.T) {
	f := newGatewayFixture(t)
	token := f.token(t, "acct-bob", "bob", 1)

	first := f.dial(t, token)
	readUntil(t, first, TypeConnected)

	second := f.dial(t, token)
	readUntil(t, second, TypeConnected)

	expectClose(t, first, CloseReplaced, ReasonReplaced)
	waitFor(t, "single device session", func() bool {
		return len(f.registry.DeviceSessions("acct-bob", 1)) == 1
	})
}

func TestSendBetweenConnectedClients(t *testing.T) {
	f := newGatewayFixture(t)

	alice := f.dial(t, f.token(t, "acct-alice", "alice", 1))
	readUntil(t, alice, TypeConnected)
	bob := f.dial(t, f.token(t, "acct-bob", "bob", 1))
	readUntil(t, bob, TypeConnected)

	frame, err := EncodeEnvelope(TypeSendMessage, SendMessageRequest{
		RecipientUsername: "bob",
		EncryptedPayload:  "opaque",
		MessageType:       "whisper",
	})
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	if err := alice.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write send_message: %v", err)
	}

	var ack MessageAck
	if err := json.Unmarshal(readUntil(t, alice, TypeMessageAck).Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	var received models.RoutedMessage
	if err := json.Unmarshal(readUntil(t, bob, TypeReceiveMessage).Payload, &received); err != nil {
		t.Fatalf("decode receive_message: %v", err)
	}
	if received.ID != ack.MessageID || received.SenderUsername != "alice" || received.EncryptedPayload != "opaque" {
		t.Fatalf("ack %+v does not match received %+v", ack, received)
	}

	if err := alice.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	errEnv := readUntil(t, alice, TypeError)
	var payload ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Message != ErrTextProcess {
		t.Fatalf("unexpected error payload %+v", payload)
	}

	f.router.Wait()
	if calls := f.replicator.snapshot(); len(calls) != 1 || !calls[0].delivered {
		t.Fatalf("expected one delivered replication, got %+v", calls)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.httpServer.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected /health status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if body["status"] != "ok" || body["instance_id"] != "gw-test" {
		t.Fatalf("unexpected health body %v", body)
	}
	if nodes, ok := body["storage_nodes"].([]any); !ok || len(nodes) != 1 {
		t.Fatalf("expected storage node health, got %v", body["storage_nodes"])
	}

	conn := f.dial(t, "")
	expectClose(t, conn, CloseAuthFailed, ReasonMissingToken)

	metricsResp, err := http.Get(f.httpServer.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected /metrics status %d", metricsResp.StatusCode)
	}
}

func TestAuthenticate(t *testing.T) {
	if _, err := Authenticate(nil, "  "); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}

	publicKey, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	verifier, err := auth.NewTokenVerifier(publicKey)
	if err != nil {
		t.Fatalf("NewTokenVerifier failed: %v", err)
	}
	if _, err := Authenticate(verifier, "garbage"); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}

	code, reason := authCloseReason(ErrMissingCredential)
	otherCode, otherReason := authCloseReason(auth.ErrInvalidCredential)
	if code != CloseAuthFailed || otherCode != CloseAuthFailed || reason == otherReason {
		t.Fatalf("expected distinct close reasons, got %q and %q", reason, otherReason)
	}
}

func TestCloseShutsDownLiveSessionsAndRejectsNewOnes(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t, f.token(t, "acct-bob", "bob", 1))
	if env := readEnvelope(t, conn); env.Type != TypeConnected {
		t.Fatalf("expected connected first, got %q", env.Type)
	}

	closed := make(chan struct{})
	go func() {
		_ = f.server.Close()
		close(closed)
	}()

	expectClose(t, conn, websocket.CloseGoingAway, "server shutting down")
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close did not return after live sessions ended")
	}
	if f.registry.Len() != 0 {
		t.Fatalf("expected registry to be empty after Close, got %d", f.registry.Len())
	}

	wsURL := "ws" + strings.TrimPrefix(f.httpServer.URL, "http") + "/ws?" + TokenQueryParam + "=" + url.QueryEscape(f.token(t, "acct-bob", "bob", 1))
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail after Close")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after Close, got %+v", resp)
	}
}
