package network

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kuno/auth"
	"kuno/registry"
	"kuno/replica"
)

// ErrServerClosed indicates the gateway is shutting down.
var ErrServerClosed = errors.New("network: server closed")

// HealthChecker reports storage backend health for /health.
type HealthChecker interface {
	CheckHealth(ctx context.Context) []replica.Health
}

// ServerOptions configures a Server.
type ServerOptions struct {
	InstanceID string
	Registry   *registry.Registry
	Router     *Router
	Verifier   auth.Verifier
	Health     HealthChecker
	Logger     *zap.Logger
	Metrics    *Metrics
	Gatherer   prometheus.Gatherer

	AllowedOrigins  []string
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Gatherer == nil {
		out.Gatherer = prometheus.DefaultGatherer
	}
	if out.PingInterval == 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.MaxMessageBytes <= 0 {
		out.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return out
}

// Server admits websocket sessions and feeds their frames to a Router.
type Server struct {
	options  ServerOptions
	registry *registry.Registry
	router   *Router
	log      *zap.Logger
	upgrader websocket.Upgrader
	started  time.Time

	// mu orders session admission against Close.
	mu       sync.Mutex
	sessions sync.WaitGroup
	closed   chan struct{}
}

// NewServer builds a gateway Server.
func NewServer(options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if opts.Registry == nil {
		return nil, errors.New("server registry is required")
	}
	if opts.Router == nil {
		return nil, errors.New("server router is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("server credential verifier is required")
	}

	return &Server{
		options:  opts,
		registry: opts.Registry,
		router:   opts.Router,
		log:      opts.Logger.Named("gateway"),
		upgrader: newUpgrader(opts.AllowedOrigins),
		started:  time.Now(),
		closed:   make(chan struct{}),
	}, nil
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		originSet[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// Routes mounts /ws, /health and /metrics.
func (s *Server) Routes(engine gin.IRouter) {
	engine.GET("/ws", gin.WrapF(s.HandleWebSocket))
	engine.GET("/health", s.health)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.options.Gatherer, promhttp.HandlerOpts{})))
}

// HandleWebSocket upgrades the request, authenticates the token query
// parameter, and serves the session until it closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	transport := newWSTransport(conn, s.options.WriteTimeout)

	claims, err := Authenticate(s.options.Verifier, r.URL.Query().Get(TokenQueryParam))
	if err != nil {
		code, reason := authCloseReason(err)
		s.log.Info("websocket authentication failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		s.options.Metrics.RecordAuthFailure(reason)
		_ = transport.Close(code, reason)
		return
	}

	session := registry.NewSession(uuid.NewString(), claims, transport)
	handle, stale := s.registry.Replace(session)
	for _, old := range stale {
		s.log.Info("replacing live session",
			zap.String("account_id", old.AccountID),
			zap.Int("device_id", old.DeviceID),
			zap.String("session_id", old.ID),
		)
		_ = old.Close(CloseReplaced, ReasonReplaced)
		s.options.Metrics.SessionClosed()
	}
	s.options.Metrics.SessionOpened()

	logger := s.log.With(
		zap.String("session_id", session.ID),
		zap.String("username", session.Username),
		zap.Int("device_id", session.DeviceID),
	)
	logger.Info("websocket connected")

	defer func() {
		if s.registry.RemoveSession(handle) {
			s.options.Metrics.SessionClosed()
		}
		_ = transport.Close(websocket.CloseNormalClosure, "")
		logger.Info("websocket disconnected", zap.Duration("connected_for", time.Since(session.ConnectedAt)))
	}()

	// Close may have snapshotted the registry before this session was added.
	if s.isClosed() {
		return
	}

	conn.SetReadLimit(s.options.MaxMessageBytes)
	transport.startKeepAlive(s.options.PingInterval)

	connected, err := EncodeEnvelope(TypeConnected, ConnectedPayload{
		Message:  ConnectedMessage,
		UserID:   session.AccountID,
		DeviceID: session.DeviceID,
	})
	if err == nil {
		err = session.Send(connected)
	}
	if err != nil {
		logger.Warn("send connected failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		transport.extendReadDeadline(s.options.PingInterval)
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		s.router.HandleFrame(ctx, session, frame)
	}
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"instance_id": s.options.InstanceID,
		"sessions":    s.registry.Len(),
		"accounts":    len(s.registry.Accounts()),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"timestamp":   time.Now().UTC(),
	}
	if s.options.Health != nil {
		backends := s.options.Health.CheckHealth(c.Request.Context())
		healthy := 0
		for _, backend := range backends {
			if backend.Healthy {
				healthy++
			}
		}
		if len(backends) > 0 && healthy == 0 {
			body["status"] = "degraded"
		}
		body["storage_nodes"] = backends
	}
	c.JSON(http.StatusOK, body)
}

// Close stops admitting sessions, closes live ones, and waits for their
// handlers and in-flight replications to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.isClosed() {
		close(s.closed)
	}
	s.mu.Unlock()

	for _, session := range s.registry.All() {
		_ = session.Close(websocket.CloseGoingAway, "server shutting down")
	}
	s.sessions.Wait()
	s.router.Wait()
	return nil
}

// admit registers a session handler unless Close has started.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
