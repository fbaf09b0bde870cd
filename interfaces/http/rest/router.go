package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"realtime-sync/application/mutations"
	"realtime-sync/interfaces/http/rest/handlers"
	"realtime-sync/interfaces/http/rest/middleware"
	"realtime-sync/pkg/auth"
	apperrors "realtime-sync/pkg/errors"
	"realtime-sync/pkg/observability"
)

// ReadinessCheck reports whether a dependency is able to serve.
type ReadinessCheck func(r *http.Request) error

// RouterConfig carries the HTTP surface's settings
type RouterConfig struct {
	AllowedOrigins []string
	EnableMetrics  bool
}

// Router creates and configures the HTTP router
type Router struct {
	cfg          RouterConfig
	service      *mutations.Service
	presence     handlers.PresenceSource
	websocket    http.HandlerFunc
	verifier     auth.Verifier
	metrics      *observability.Collector
	readiness    []ReadinessCheck
	logger       *zap.Logger
	errorHandler *apperrors.ErrorHandler
}

// NewRouter creates a new router instance. websocket serves the /ws
// handshake; metrics may be nil.
func NewRouter(
	cfg RouterConfig,
	service *mutations.Service,
	presence handlers.PresenceSource,
	websocket http.HandlerFunc,
	verifier auth.Verifier,
	metrics *observability.Collector,
	logger *zap.Logger,
	errorHandler *apperrors.ErrorHandler,
	readiness ...ReadinessCheck,
) *Router {
	return &Router{
		cfg:          cfg,
		service:      service,
		presence:     presence,
		websocket:    websocket,
		verifier:     verifier,
		metrics:      metrics,
		readiness:    readiness,
		logger:       logger,
		errorHandler: errorHandler,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Logger(rt.logger, rt.metrics))

	origins := rt.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.cfg.EnableMetrics && rt.metrics != nil {
		router.Handle("/metrics", rt.metrics.Handler())
	}
	if rt.websocket != nil {
		router.Get("/ws", rt.websocket)
	}

	router.Route("/api/v2", func(r chi.Router) {
		r.Use(middleware.Authenticate(rt.verifier, rt.errorHandler, rt.logger))

		r.Route("/rooms/{roomID}", func(r chi.Router) {
			roomHandler := handlers.NewRoomHandler(rt.service, rt.presence, rt.logger, rt.errorHandler)
			r.Get("/presence", roomHandler.GetPresence)
			r.Get("/snapshot", roomHandler.GetSnapshot)
			r.Post("/events", roomHandler.PublishEvent)

			itemHandler := handlers.NewItemHandler(rt.service, rt.logger, rt.errorHandler)
			r.Route("/items", func(r chi.Router) {
				r.Post("/", itemHandler.CreateItem)
				r.Put("/{itemID}", itemHandler.UpdateItem)
				r.Put("/{itemID}/status", itemHandler.ChangeStatus)
				r.Delete("/{itemID}", itemHandler.DeleteItem)
				r.Post("/{itemID}/comments", itemHandler.CreateComment)
				r.Put("/{itemID}/comments/{commentID}", itemHandler.UpdateComment)
				r.Delete("/{itemID}/comments/{commentID}", itemHandler.DeleteComment)
			})
		})
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// readinessCheck runs every registered dependency check
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	for _, check := range rt.readiness {
		if err := check(req); err != nil {
			rt.logger.Warn("Readiness check failed", zap.Error(err))
			apperrors.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
