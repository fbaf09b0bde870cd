// Package versioning guards every mutation with an optimistic version check.
//
// A client sends the version it last observed. The store compares it with
// the stored version at commit time; on a match the write lands and the
// version advances by exactly one, otherwise the whole change is rejected and
// the caller learns the current server version. There is no field merge.
package versioning

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"realtime-sync/application/ports"
	"realtime-sync/domain/entity"
	apperrors "realtime-sync/pkg/errors"
	"realtime-sync/pkg/observability"
)

// UpdateRequest is a versioned change to one entity.
type UpdateRequest struct {
	EntityID      string
	ClientVersion int64
	Changes       entity.Changes
	ActorID       string
}

// Accepted is the result of a committed change.
type Accepted struct {
	Entity     entity.Entity
	NewVersion int64
}

// Controller runs version checked writes against a store.
type Controller struct {
	store   ports.EntityStore
	logger  *zap.Logger
	metrics *observability.Collector
}

func NewController(store ports.EntityStore, logger *zap.Logger, metrics *observability.Collector) *Controller {
	return &Controller{
		store:   store,
		logger:  logger.With(zap.String("component", "version_controller")),
		metrics: metrics,
	}
}

// PrepareUpdate commits req when req.ClientVersion is still current. Of any
// set of concurrent requests carrying the same version at most one succeeds.
func (c *Controller) PrepareUpdate(ctx context.Context, req UpdateRequest) (accepted Accepted, err error) {
	ctx, span := observability.StartSpan(ctx, "versioning.PrepareUpdate",
		attribute.String("entity.id", req.EntityID),
		attribute.Int64("entity.client_version", req.ClientVersion),
	)
	defer func() { observability.EndSpan(span, err) }()

	if req.EntityID == "" {
		return Accepted{}, apperrors.NewValidationError("entity id is required")
	}
	if req.ClientVersion < entity.InitialVersion {
		return Accepted{}, apperrors.NewValidationError("version must be at least 1")
	}
	if req.Changes.IsEmpty() {
		return Accepted{}, apperrors.NewValidationError("no changes supplied")
	}

	updated, err := c.store.UpdateIfVersion(ctx, req.EntityID, req.ClientVersion, req.Changes, req.ActorID)
	if err != nil {
		c.observeRejection("update", req.EntityID, req.ClientVersion, err)
		return Accepted{}, err
	}
	if updated.Version != req.ClientVersion+1 {
		c.logger.Error("Store advanced version by more than one",
			zap.String("entityID", req.EntityID),
			zap.Int64("clientVersion", req.ClientVersion),
			zap.Int64("newVersion", updated.Version),
		)
		return Accepted{}, apperrors.NewInternalError("store returned an unexpected version")
	}

	c.metrics.MutationCommitted(string(updated.Kind))
	span.SetAttributes(attribute.Int64("entity.new_version", updated.Version))
	return Accepted{Entity: updated, NewVersion: updated.Version}, nil
}

// PrepareDelete removes the entity when clientVersion is current.
func (c *Controller) PrepareDelete(ctx context.Context, entityID string, clientVersion int64) (accepted Accepted, err error) {
	ctx, span := observability.StartSpan(ctx, "versioning.PrepareDelete",
		attribute.String("entity.id", entityID),
		attribute.Int64("entity.client_version", clientVersion),
	)
	defer func() { observability.EndSpan(span, err) }()

	if entityID == "" {
		return Accepted{}, apperrors.NewValidationError("entity id is required")
	}
	if clientVersion < entity.InitialVersion {
		return Accepted{}, apperrors.NewValidationError("version must be at least 1")
	}
	deleted, err := c.store.DeleteIfVersion(ctx, entityID, clientVersion)
	if err != nil {
		c.observeRejection("delete", entityID, clientVersion, err)
		return Accepted{}, err
	}
	c.metrics.MutationCommitted(string(deleted.Kind))
	return Accepted{Entity: deleted, NewVersion: deleted.Version}, nil
}

// Create stores a new entity at the initial version.
func (c *Controller) Create(ctx context.Context, e entity.Entity) (accepted Accepted, err error) {
	ctx, span := observability.StartSpan(ctx, "versioning.Create",
		attribute.String("entity.id", e.ID),
		attribute.String("entity.kind", string(e.Kind)),
	)
	defer func() { observability.EndSpan(span, err) }()

	e.Version = entity.InitialVersion
	created, err := c.store.Create(ctx, e)
	if err != nil {
		return Accepted{}, err
	}
	c.metrics.MutationCommitted(string(created.Kind))
	return Accepted{Entity: created, NewVersion: created.Version}, nil
}

func (c *Controller) observeRejection(op, entityID string, clientVersion int64, err error) {
	serverVersion, stale := apperrors.ServerVersion(err)
	if !stale {
		return
	}
	c.metrics.StaleVersion(op)
	c.logger.Debug("Rejected stale write",
		zap.String("operation", op),
		zap.String("entityID", entityID),
		zap.Int64("clientVersion", clientVersion),
		zap.Int64("serverVersion", serverVersion),
	)
}
