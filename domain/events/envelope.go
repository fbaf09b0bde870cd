// Package events defines the wire messages exchanged over the sync transport.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"realtime-sync/domain/entity"
)

// Kind is the discriminator of an Envelope.
type Kind string

const (
	KindEntityCreated       Kind = "entity-created"
	KindEntityUpdated       Kind = "entity-updated"
	KindEntityStatusChanged Kind = "entity-status-changed"
	KindEntityDeleted       Kind = "entity-deleted"
	KindCommentCreated      Kind = "comment-created"
	KindCommentUpdated      Kind = "comment-updated"
	KindCommentDeleted      Kind = "comment-deleted"
	KindPresenceJoined      Kind = "presence-joined"
	KindPresenceLeft        Kind = "presence-left"

	// Server replies that are not broadcast to the room.
	KindPresenceSnapshot      Kind = "presence-snapshot"
	KindConnectionEstablished Kind = "connection-established"
	KindPong                  Kind = "pong"
	KindError                 Kind = "error"
)

// IsEntityMutation reports whether k describes a committed work item change.
func (k Kind) IsEntityMutation() bool {
	switch k {
	case KindEntityCreated, KindEntityUpdated, KindEntityStatusChanged, KindEntityDeleted:
		return true
	}
	return false
}

// IsCommentMutation reports whether k describes a committed comment change.
func (k Kind) IsCommentMutation() bool {
	switch k {
	case KindCommentCreated, KindCommentUpdated, KindCommentDeleted:
		return true
	}
	return false
}

// IsMutation covers every kind produced by a storage commit.
func (k Kind) IsMutation() bool {
	return k.IsEntityMutation() || k.IsCommentMutation()
}

func (k Kind) IsPresence() bool {
	return k == KindPresenceJoined || k == KindPresenceLeft
}

// IsDelete reports whether k removes the entity it names.
func (k Kind) IsDelete() bool {
	return k == KindEntityDeleted || k == KindCommentDeleted
}

// Envelope is a single server to client message. Envelopes are ephemeral and
// delivered at most once per connection.
type Envelope struct {
	Kind         Kind            `json:"kind"`
	EntityID     string          `json:"entityId"`
	RoomID       string          `json:"roomId"`
	ActingUserID string          `json:"actingUserId"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Version      int64           `json:"version,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// New builds an envelope stamped with the current time.
func New(kind Kind, roomID, entityID, actingUserID string, payload any, version int64) (Envelope, error) {
	env := Envelope{
		Kind:         kind,
		EntityID:     entityID,
		RoomID:       roomID,
		ActingUserID: actingUserID,
		Version:      version,
		Timestamp:    time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// ForMutation builds the envelope announcing a committed change to e. The
// full entity travels as payload so remote clients can replace their copy.
func ForMutation(kind Kind, e entity.Entity, actingUserID string) (Envelope, error) {
	if !kind.IsMutation() {
		return Envelope{}, fmt.Errorf("kind %q is not a mutation", kind)
	}
	return New(kind, e.RoomID, e.ID, actingUserID, e, e.Version)
}

// DecodeEntity unpacks a mutation payload.
func (e Envelope) DecodeEntity() (entity.Entity, error) {
	var ent entity.Entity
	if len(e.Payload) == 0 {
		return ent, fmt.Errorf("%s envelope for %s has no payload", e.Kind, e.EntityID)
	}
	if err := json.Unmarshal(e.Payload, &ent); err != nil {
		return ent, fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	if ent.ID == "" {
		ent.ID = e.EntityID
	}
	if ent.RoomID == "" {
		ent.RoomID = e.RoomID
	}
	if e.Version > 0 {
		ent.Version = e.Version
	}
	return ent, nil
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Kind)
	}
	return json.Unmarshal(e.Payload, v)
}

// PresenceJoinedPayload accompanies presence-joined.
type PresenceJoinedPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// PresenceLeftPayload accompanies presence-left.
type PresenceLeftPayload struct {
	UserID string `json:"userId"`
}

// PresenceMember describes one distinct user in a room.
type PresenceMember struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Connections int       `json:"connections"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// PresenceSnapshotPayload answers a presence-snapshot-request.
type PresenceSnapshotPayload struct {
	DistinctUsers []string         `json:"distinctUsers"`
	Members       []PresenceMember `json:"members,omitempty"`
	Count         int              `json:"count"`
}

// ConnectionEstablishedPayload is the first message on every connection.
type ConnectionEstablishedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// ErrorPayload reports a rejected control message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
