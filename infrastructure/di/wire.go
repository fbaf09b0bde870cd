//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"realtime-sync/application/mutations"
	"realtime-sync/application/ports"
	"realtime-sync/domain/presence"
	"realtime-sync/domain/versioning"
	"realtime-sync/infrastructure/config"
	"realtime-sync/interfaces/http/rest"
	"realtime-sync/interfaces/websocket"
	"realtime-sync/pkg/auth"
	"realtime-sync/pkg/errors"
	"realtime-sync/pkg/observability"
)

// Container holds all application dependencies
type Container struct {
	Config          *config.Config
	LogLevel        zap.AtomicLevel
	Logger          *zap.Logger
	ErrorHandler    *errors.ErrorHandler
	Metrics         *observability.Collector
	Registry        *presence.Registry
	Hub             *websocket.Hub
	Broadcaster     ports.Broadcaster
	Store           ports.EntityStore
	Controller      *versioning.Controller
	MutationService *mutations.Service
	Verifier        auth.Verifier
	WebSocketServer *websocket.Server
	Router          *rest.Router
}

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideAtomicLevel,
	ProvideLogger,
	ProvideErrorHandler,
	ProvideMetrics,
	ProvidePresenceRegistry,
	ProvideHub,
	ProvideBroadcaster,
	ProvideEntityStore,
	ProvideVersionController,
	ProvideMutationService,
	ProvideVerifier,
	ProvideWebSocketServer,
	ProvideRouter,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil // Wire will replace this
}
