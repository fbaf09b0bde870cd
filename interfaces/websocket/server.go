package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-sync/pkg/auth"
	apperrors "realtime-sync/pkg/errors"
	"realtime-sync/pkg/observability"
)

// Server performs the authenticated websocket handshake.
type Server struct {
	hub      *Hub
	verifier auth.Verifier
	upgrader websocket.Upgrader
	errors   *apperrors.ErrorHandler
	logger   *zap.Logger
	metrics  *observability.Collector
}

// ServerConfig holds WebSocket server configuration
type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	// AllowedOrigins lists acceptable Origin headers. "*" or an empty list
	// accepts any origin.
	AllowedOrigins []string
}

// DefaultServerConfig returns default WebSocket server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		AllowedOrigins:  []string{"*"},
	}
}

// NewServer creates a new WebSocket server
func NewServer(hub *Hub, verifier auth.Verifier, cfg ServerConfig, logger *zap.Logger, metrics *observability.Collector) *Server {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1024
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 1024
	}
	logger = logger.With(zap.String("component", "websocket_server"))
	return &Server{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		errors:  apperrors.NewErrorHandler(logger, false),
		logger:  logger,
		metrics: metrics,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWebSocket handles WebSocket upgrade requests. The credential is
// verified before the upgrade, so a rejected handshake never touches room
// state.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	credential := auth.CredentialFromRequest(r)
	if credential == "" {
		s.reject(w, r, "missing_credential", apperrors.NewUnauthenticatedError("no authentication token provided"))
		return
	}

	identity, err := s.verifier.Verify(r.Context(), credential)
	if err != nil {
		if !apperrors.IsUnauthenticated(err) {
			err = apperrors.NewUnauthenticatedError("invalid credential").WithCause(err)
		}
		s.reject(w, r, "invalid_credential", err)
		return
	}

	if n := s.hub.ConnectionCount(identity.UserID); n >= s.hub.cfg.MaxConnectionsPerUser {
		s.logger.Warn("Connection limit exceeded for user",
			zap.String("userID", identity.UserID),
			zap.Int("currentConnections", n),
		)
		s.reject(w, r, "connection_limit", apperrors.NewRateLimitError(s.hub.cfg.MaxConnectionsPerUser, "connections per user"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		return
	}

	client := NewClient(identity, s.hub, conn, s.logger)
	if err := s.hub.Register(client); err != nil {
		// The limit can still be reached between the check above and here.
		s.logger.Warn("Rejected connection after upgrade", zap.String("userID", identity.UserID), zap.Error(err))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	client.Start()

	s.logger.Info("New WebSocket connection established",
		zap.String("userID", identity.UserID),
		zap.String("connectionID", client.ID()),
		zap.String("remoteAddr", r.RemoteAddr),
	)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, reason string, err error) {
	s.metrics.HandshakeRejected(reason)
	s.logger.Warn("WebSocket handshake rejected",
		zap.String("reason", reason),
		zap.String("remoteAddr", r.RemoteAddr),
		zap.Error(err),
	)
	s.errors.Handle(w, r, err)
}
