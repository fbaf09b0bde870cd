package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"realtime-sync/application/mutations"
	"realtime-sync/domain/entity"
	apperrors "realtime-sync/pkg/errors"
)

// ItemHandler handles work item and comment mutations
type ItemHandler struct {
	service      *mutations.Service
	logger       *zap.Logger
	errorHandler *apperrors.ErrorHandler
}

func NewItemHandler(service *mutations.Service, logger *zap.Logger, errorHandler *apperrors.ErrorHandler) *ItemHandler {
	return &ItemHandler{
		service:      service,
		logger:       logger,
		errorHandler: errorHandler,
	}
}

// CreateItemRequest represents the request body for creating a work item
type CreateItemRequest struct {
	Status  string         `json:"status,omitempty" validate:"omitempty,max=64"`
	Payload map[string]any `json:"payload,omitempty"`
}

// UpdateItemRequest carries the version the client last observed
type UpdateItemRequest struct {
	Version int64          `json:"version" validate:"required,min=1"`
	Status  *string        `json:"status,omitempty" validate:"omitempty,max=64"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ChangeStatusRequest struct {
	Version int64  `json:"version" validate:"required,min=1"`
	Status  string `json:"status" validate:"required,max=64"`
}

type CreateCommentRequest struct {
	Payload map[string]any `json:"payload" validate:"required,min=1"`
}

type UpdateCommentRequest struct {
	Version int64          `json:"version" validate:"required,min=1"`
	Payload map[string]any `json:"payload" validate:"required,min=1"`
}

// CreateItem handles POST /rooms/{roomID}/items
func (h *ItemHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	h.run(w, r, &req, http.StatusCreated, func(userID string) (entity.Entity, error) {
		return h.service.CreateWorkItem(r.Context(), mutations.CreateWorkItemCommand{
			ActorID: userID,
			RoomID:  chi.URLParam(r, "roomID"),
			Status:  req.Status,
			Payload: req.Payload,
		})
	})
}

// UpdateItem handles PUT /rooms/{roomID}/items/{itemID}
func (h *ItemHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemRequest
	h.run(w, r, &req, http.StatusOK, func(userID string) (entity.Entity, error) {
		return h.service.UpdateWorkItem(r.Context(), mutations.UpdateWorkItemCommand{
			ActorID: userID,
			RoomID:  chi.URLParam(r, "roomID"),
			ItemID:  chi.URLParam(r, "itemID"),
			Version: req.Version,
			Status:  req.Status,
			Payload: req.Payload,
		})
	})
}

// ChangeStatus handles PUT /rooms/{roomID}/items/{itemID}/status
func (h *ItemHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req ChangeStatusRequest
	h.run(w, r, &req, http.StatusOK, func(userID string) (entity.Entity, error) {
		return h.service.ChangeStatus(r.Context(), mutations.ChangeStatusCommand{
			ActorID: userID,
			RoomID:  chi.URLParam(r, "roomID"),
			ItemID:  chi.URLParam(r, "itemID"),
			Version: req.Version,
			Status:  req.Status,
		})
	})
}

// DeleteItem handles DELETE /rooms/{roomID}/items/{itemID}?version=N
func (h *ItemHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, nil, http.StatusOK, func(userID string) (entity.Entity, error) {
		version, err := versionParam(r)
		if err != nil {
			return entity.Entity{}, err
		}
		return h.service.DeleteWorkItem(r.Context(), mutations.DeleteWorkItemCommand{
			ActorID: userID,
			RoomID:  chi.URLParam(r, "roomID"),
			ItemID:  chi.URLParam(r, "itemID"),
			Version: version,
		})
	})
}

// CreateComment handles POST /rooms/{roomID}/items/{itemID}/comments
func (h *ItemHandler) CreateComment(w http.ResponseWriter, r *http.Request) {
	var req CreateCommentRequest
	h.run(w, r, &req, http.StatusCreated, func(userID string) (entity.Entity, error) {
		return h.service.CreateComment(r.Context(), mutations.CreateCommentCommand{
			ActorID: userID,
			RoomID:  chi.URLParam(r, "roomID"),
			ItemID:  chi.URLParam(r, "itemID"),
			Payload: req.Payload,
		})
	})
}

// UpdateComment handles PUT /rooms/{roomID}/items/{itemID}/comments/{commentID}
func (h *ItemHandler) UpdateComment(w http.ResponseWriter, r *http.Request) {
	var req UpdateCommentRequest
	h.run(w, r, &req, http.StatusOK, func(userID string) (entity.Entity, error) {
		return h.service.UpdateComment(r.Context(), mutations.UpdateCommentCommand{
			ActorID:   userID,
			RoomID:    chi.URLParam(r, "roomID"),
			ItemID:    chi.URLParam(r, "itemID"),
			CommentID: chi.URLParam(r, "commentID"),
			Version:   req.Version,
			Payload:   req.Payload,
		})
	})
}

// DeleteComment handles DELETE /rooms/{roomID}/items/{itemID}/comments/{commentID}?version=N
func (h *ItemHandler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, nil, http.StatusOK, func(userID string) (entity.Entity, error) {
		version, err := versionParam(r)
		if err != nil {
			return entity.Entity{}, err
		}
		return h.service.DeleteComment(r.Context(), mutations.DeleteCommentCommand{
			ActorID:   userID,
			RoomID:    chi.URLParam(r, "roomID"),
			ItemID:    chi.URLParam(r, "itemID"),
			CommentID: chi.URLParam(r, "commentID"),
			Version:   version,
		})
	})
}

// run decodes req when non-nil, resolves the acting user and writes the
// entity returned by op.
func (h *ItemHandler) run(w http.ResponseWriter, r *http.Request, req any, status int, op func(userID string) (entity.Entity, error)) {
	userID, err := actor(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	if req != nil {
		if err := decode(r, req); err != nil {
			h.errorHandler.Handle(w, r, err)
			return
		}
	}

	e, err := op(userID)
	if err != nil {
		if !apperrors.IsStaleVersion(err) && !apperrors.IsNotFound(err) && !apperrors.IsValidation(err) {
			h.logger.Error("Mutation failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("userID", userID),
				zap.Error(err),
			)
		}
		h.errorHandler.Handle(w, r, err)
		return
	}
	respondJSON(w, status, e)
}
