package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"realtime-sync/application/mutations"
	"realtime-sync/domain/events"
	"realtime-sync/domain/presence"
	apperrors "realtime-sync/pkg/errors"
)

// PresenceSource answers presence queries for a room.
type PresenceSource interface {
	Snapshot(roomID string) presence.Snapshot
}

// RoomHandler handles room level requests
type RoomHandler struct {
	service      *mutations.Service
	presence     PresenceSource
	logger       *zap.Logger
	errorHandler *apperrors.ErrorHandler
}

func NewRoomHandler(
	service *mutations.Service,
	presence PresenceSource,
	logger *zap.Logger,
	errorHandler *apperrors.ErrorHandler,
) *RoomHandler {
	return &RoomHandler{
		service:      service,
		presence:     presence,
		logger:       logger,
		errorHandler: errorHandler,
	}
}

// GetPresence handles GET /rooms/{roomID}/presence
func (h *RoomHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	respondJSON(w, http.StatusOK, h.presence.Snapshot(roomID).Payload())
}

// GetSnapshot handles GET /rooms/{roomID}/snapshot
func (h *RoomHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// PublishEventResponse reports the fan-out of a published event.
type PublishEventResponse struct {
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
	Dropped    int `json:"dropped"`
	Failed     int `json:"failed"`
}

// PublishEvent handles POST /rooms/{roomID}/events. An external CRUD layer
// uses it to announce a mutation it committed itself.
func (h *RoomHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	userID, err := actor(r)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	var env events.Envelope
	if err := decode(r, &env); err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}

	res, err := h.service.PublishCommitted(r.Context(), userID, chi.URLParam(r, "roomID"), env)
	if err != nil {
		h.errorHandler.Handle(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, PublishEventResponse{
		Recipients: res.Recipients,
		Delivered:  res.Delivered,
		Dropped:    res.Dropped,
		Failed:     res.Failed,
	})
}
