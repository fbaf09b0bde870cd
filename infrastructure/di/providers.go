package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"realtime-sync/application/mutations"
	"realtime-sync/application/ports"
	"realtime-sync/domain/presence"
	"realtime-sync/domain/versioning"
	"realtime-sync/infrastructure/config"
	"realtime-sync/infrastructure/messaging/eventbridge"
	"realtime-sync/infrastructure/persistence"
	"realtime-sync/infrastructure/persistence/dynamodb"
	"realtime-sync/infrastructure/persistence/memory"
	"realtime-sync/infrastructure/persistence/sqlite"
	"realtime-sync/interfaces/http/rest"
	"realtime-sync/interfaces/websocket"
	"realtime-sync/pkg/auth"
	"realtime-sync/pkg/errors"
	"realtime-sync/pkg/observability"
)

// ProvideAtomicLevel parses the configured log level. The level can be
// changed later without rebuilding the logger.
func ProvideAtomicLevel(cfg *config.Config) zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}
	return level
}

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config, level zap.AtomicLevel) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("environment", cfg.Environment)), nil
}

func ProvideErrorHandler(cfg *config.Config, logger *zap.Logger) *errors.ErrorHandler {
	return errors.NewErrorHandler(logger, cfg.IsDevelopment())
}

// ProvideMetrics returns nil when metrics are disabled; every collector
// method tolerates a nil receiver.
func ProvideMetrics(cfg *config.Config) *observability.Collector {
	if !cfg.EnableMetrics {
		return nil
	}
	return observability.NewCollector("realtime_sync")
}

func ProvidePresenceRegistry(logger *zap.Logger) *presence.Registry {
	return presence.NewRegistry(logger)
}

func ProvideHub(cfg *config.Config, registry *presence.Registry, logger *zap.Logger, metrics *observability.Collector) *websocket.Hub {
	return websocket.NewHub(registry, websocket.HubConfig{
		OutboundQueueSize:     cfg.OutboundQueueSize,
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
	}, logger, metrics)
}

// ProvideBroadcaster fans out through the hub. With an event bus configured,
// committed mutations are also mirrored to EventBridge.
func ProvideBroadcaster(ctx context.Context, cfg *config.Config, hub *websocket.Hub, logger *zap.Logger) (ports.Broadcaster, error) {
	local := websocket.NewBroadcaster(hub, logger)
	if cfg.EventBusName == "" {
		return local, nil
	}
	client, err := eventbridge.NewClient(ctx, cfg.AWSRegion, cfg.EventBridgeEndpoint)
	if err != nil {
		return nil, fmt.Errorf("create eventbridge client: %w", err)
	}
	publisher := eventbridge.NewPublisher(client, eventbridge.Config{EventBusName: cfg.EventBusName}, logger)
	logger.Info("Mirroring mutations to EventBridge", zap.String("eventBus", cfg.EventBusName))
	return eventbridge.NewMirror(local, publisher, logger), nil
}

// ProvideEntityStore opens the configured store. The returned cleanup closes
// it.
func ProvideEntityStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ports.EntityStore, func(), error) {
	var (
		store   ports.EntityStore
		cleanup = func() {}
	)

	switch cfg.StoreDriver {
	case config.StoreMemory:
		store = memory.NewStore()
	case config.StoreDynamoDB:
		client, err := dynamodb.NewClient(ctx, cfg.AWSRegion, cfg.DynamoDBEndpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("create dynamodb client: %w", err)
		}
		store = dynamodb.NewStore(client, dynamodb.Config{
			TableName: cfg.DynamoDBTable,
			RoomIndex: cfg.DynamoDBRoomIndex,
		}, logger)
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		store = s
		cleanup = func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close sqlite store", zap.Error(err))
			}
		}
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	logger.Info("Entity store ready", zap.String("driver", cfg.StoreDriver))
	return persistence.WithTracing(store, cfg.StoreDriver), cleanup, nil
}

func ProvideVersionController(store ports.EntityStore, logger *zap.Logger, metrics *observability.Collector) *versioning.Controller {
	return versioning.NewController(store, logger, metrics)
}

func ProvideMutationService(
	controller *versioning.Controller,
	store ports.EntityStore,
	broadcaster ports.Broadcaster,
	logger *zap.Logger,
) *mutations.Service {
	return mutations.NewService(controller, store, broadcaster, logger)
}

// ProvideVerifier builds the identity verifier for the configured provider.
func ProvideVerifier(cfg *config.Config) (auth.Verifier, error) {
	switch cfg.AuthProvider {
	case config.AuthJWT:
		return auth.NewJWTVerifier(auth.JWTConfig{
			SigningMethod: "HS256",
			SecretKey:     cfg.JWTSecret,
			Issuer:        cfg.JWTIssuer,
		})
	case config.AuthSupabase:
		return auth.NewSupabaseVerifier(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey)
	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.AuthProvider)
	}
}

func ProvideWebSocketServer(
	cfg *config.Config,
	hub *websocket.Hub,
	verifier auth.Verifier,
	logger *zap.Logger,
	metrics *observability.Collector,
) *websocket.Server {
	wsCfg := websocket.DefaultServerConfig()
	wsCfg.AllowedOrigins = cfg.AllowedOrigins
	return websocket.NewServer(hub, verifier, wsCfg, logger, metrics)
}

func ProvideRouter(
	cfg *config.Config,
	service *mutations.Service,
	hub *websocket.Hub,
	wsServer *websocket.Server,
	verifier auth.Verifier,
	store ports.EntityStore,
	metrics *observability.Collector,
	logger *zap.Logger,
	errorHandler *errors.ErrorHandler,
) *rest.Router {
	return rest.NewRouter(
		rest.RouterConfig{
			AllowedOrigins: cfg.AllowedOrigins,
			EnableMetrics:  cfg.EnableMetrics,
		},
		service,
		hub,
		wsServer.HandleWebSocket,
		verifier,
		metrics,
		logger,
		errorHandler,
		storeReadiness(store),
	)
}

// storeReadiness probes the store with a lookup that is expected to miss.
func storeReadiness(store ports.EntityStore) rest.ReadinessCheck {
	return func(r *http.Request) error {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		_, err := store.Get(ctx, "__readiness_probe__")
		if err == nil || errors.IsNotFound(err) {
			return nil
		}
		return err
	}
}
