package events

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-sync/domain/entity"
)

func TestKind_Classification(t *testing.T) {
	assert.True(t, KindEntityStatusChanged.IsEntityMutation())
	assert.False(t, KindCommentCreated.IsEntityMutation())
	assert.True(t, KindCommentDeleted.IsCommentMutation())
	assert.True(t, KindCommentDeleted.IsDelete())
	assert.True(t, KindPresenceLeft.IsPresence())
	assert.False(t, KindPresenceSnapshot.IsMutation())
}

func TestForMutation(t *testing.T) {
	item := entity.Entity{
		ID:      "item-1",
		Kind:    entity.KindWorkItem,
		RoomID:  "proj-1",
		Payload: map[string]any{"title": "Fix"},
		Version: 4,
	}

	env, err := ForMutation(KindEntityUpdated, item, "user-a")
	require.NoError(t, err)

	assert.Equal(t, "item-1", env.EntityID)
	assert.Equal(t, "proj-1", env.RoomID)
	assert.Equal(t, "user-a", env.ActingUserID)
	assert.Equal(t, int64(4), env.Version)
	assert.NotZero(t, env.Timestamp)

	decoded, err := env.DecodeEntity()
	require.NoError(t, err)
	assert.Equal(t, "Fix", decoded.Payload["title"])
	assert.Equal(t, int64(4), decoded.Version)

	_, err = ForMutation(KindPresenceJoined, item, "user-a")
	assert.Error(t, err)
}

func TestEnvelope_WireShape(t *testing.T) {
	env, err := New(KindPresenceLeft, "proj-1", "user-a", "user-a", PresenceLeftPayload{UserID: "user-a"}, 0)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "presence-left", fields["kind"])
	assert.Equal(t, "user-a", fields["actingUserId"])
	assert.NotContains(t, fields, "version")
	assert.Contains(t, fields, "timestamp")
}

func TestControlMessage_Validation(t *testing.T) {
	v := validator.New()

	tests := []struct {
		name  string
		msg   ControlMessage
		valid bool
	}{
		{"join with room", JoinRoom("proj-1"), true},
		{"join without room", ControlMessage{Type: ControlJoinRoom}, false},
		{"ping without room", ControlMessage{Type: ControlPing}, true},
		{"unknown type", ControlMessage{Type: "subscribe", RoomID: "proj-1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(tt.msg)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
