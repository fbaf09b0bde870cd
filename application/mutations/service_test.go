package mutations

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-sync/application/ports"
	"realtime-sync/application/ports/mocks"
	"realtime-sync/domain/entity"
	"realtime-sync/domain/events"
	"realtime-sync/domain/versioning"
	"realtime-sync/infrastructure/persistence/memory"
	apperrors "realtime-sync/pkg/errors"
)

// recorder captures broadcasts in order.
type recorder struct {
	sent []events.Envelope
}

func (r *recorder) Broadcast(_ context.Context, roomID string, env events.Envelope) ports.BroadcastResult {
	env.RoomID = roomID
	r.sent = append(r.sent, env)
	return ports.BroadcastResult{Recipients: 1, Delivered: 1}
}

func (r *recorder) kinds() []events.Kind {
	out := make([]events.Kind, 0, len(r.sent))
	for _, e := range r.sent {
		out = append(out, e.Kind)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *recorder) {
	t.Helper()
	store := memory.NewStore()
	rec := &recorder{}
	logger := zap.NewNop()
	return NewService(versioning.NewController(store, logger, nil), store, rec, logger), rec
}

func strPtr(s string) *string { return &s }

func TestService_WorkItemLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService(t)

	item, err := svc.CreateWorkItem(ctx, CreateWorkItemCommand{
		ActorID: "user-a",
		RoomID:  "proj-1",
		Status:  "todo",
		Payload: map[string]any{"title": "Ship it"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, int64(1), item.Version)

	updated, err := svc.UpdateWorkItem(ctx, UpdateWorkItemCommand{
		ActorID: "user-b",
		RoomID:  "proj-1",
		ItemID:  item.ID,
		Version: 1,
		Payload: map[string]any{"title": "Ship it today"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "user-b", updated.UpdatedBy)

	moved, err := svc.ChangeStatus(ctx, ChangeStatusCommand{
		ActorID: "user-a",
		RoomID:  "proj-1",
		ItemID:  item.ID,
		Version: 2,
		Status:  "done",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", moved.Status)
	assert.Equal(t, int64(3), moved.Version)

	deleted, err := svc.DeleteWorkItem(ctx, DeleteWorkItemCommand{
		ActorID: "user-a",
		RoomID:  "proj-1",
		ItemID:  item.ID,
		Version: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted.Version)

	assert.Equal(t, []events.Kind{
		events.KindEntityCreated,
		events.KindEntityUpdated,
		events.KindEntityStatusChanged,
		events.KindEntityDeleted,
	}, rec.kinds())

	upd := rec.sent[1]
	assert.Equal(t, "user-b", upd.ActingUserID)
	assert.Equal(t, "proj-1", upd.RoomID)
	assert.Equal(t, item.ID, upd.EntityID)
	assert.Equal(t, int64(2), upd.Version)
	decoded, err := upd.DecodeEntity()
	require.NoError(t, err)
	assert.Equal(t, "Ship it today", decoded.Payload["title"])
}

func TestService_StaleUpdateIsNotBroadcast(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService(t)

	item, err := svc.CreateWorkItem(ctx, CreateWorkItemCommand{ActorID: "user-a", RoomID: "proj-1"})
	require.NoError(t, err)
	_, err = svc.ChangeStatus(ctx, ChangeStatusCommand{ActorID: "user-a", RoomID: "proj-1", ItemID: item.ID, Version: 1, Status: "doing"})
	require.NoError(t, err)

	_, err = svc.ChangeStatus(ctx, ChangeStatusCommand{ActorID: "user-b", RoomID: "proj-1", ItemID: item.ID, Version: 1, Status: "done"})
	require.Error(t, err)
	assert.True(t, apperrors.IsStaleVersion(err))
	server, ok := apperrors.ServerVersion(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), server)

	assert.Len(t, rec.sent, 2)
}

func TestService_RoomMismatchIsNotFound(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService(t)

	item, err := svc.CreateWorkItem(ctx, CreateWorkItemCommand{ActorID: "user-a", RoomID: "proj-1"})
	require.NoError(t, err)

	_, err = svc.UpdateWorkItem(ctx, UpdateWorkItemCommand{
		ActorID: "user-a", RoomID: "proj-2", ItemID: item.ID, Version: 1, Status: strPtr("done"),
	})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = svc.CreateComment(ctx, CreateCommentCommand{
		ActorID: "user-a", RoomID: "proj-2", ItemID: item.ID, Payload: map[string]any{"body": "hi"},
	})
	assert.True(t, apperrors.IsNotFound(err))
	assert.Len(t, rec.sent, 1)
}

func TestService_CommentLifecycleAndCascade(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService(t)

	item, err := svc.CreateWorkItem(ctx, CreateWorkItemCommand{ActorID: "user-a", RoomID: "proj-1"})
	require.NoError(t, err)
	c1, err := svc.CreateComment(ctx, CreateCommentCommand{ActorID: "user-b", RoomID: "proj-1", ItemID: item.ID, Payload: map[string]any{"body": "first"}})
	require.NoError(t, err)
	c2, err := svc.CreateComment(ctx, CreateCommentCommand{ActorID: "user-b", RoomID: "proj-1", ItemID: item.ID, Payload: map[string]any{"body": "second"}})
	require.NoError(t, err)
	assert.Equal(t, item.ID, c1.ParentID)

	edited, err := svc.UpdateComment(ctx, UpdateCommentCommand{
		ActorID: "user-b", RoomID: "proj-1", ItemID: item.ID, CommentID: c1.ID, Version: 1,
		Payload: map[string]any{"body": "first, edited"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), edited.Version)

	_, err = svc.UpdateComment(ctx, UpdateCommentCommand{
		ActorID: "user-b", RoomID: "proj-1", ItemID: "other-item", CommentID: c1.ID, Version: 2,
		Payload: map[string]any{"body": "x"},
	})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = svc.DeleteComment(ctx, DeleteCommentCommand{ActorID: "user-b", RoomID: "proj-1", ItemID: item.ID, CommentID: c2.ID, Version: 1})
	require.NoError(t, err)

	_, err = svc.DeleteWorkItem(ctx, DeleteWorkItemCommand{ActorID: "user-a", RoomID: "proj-1", ItemID: item.ID, Version: 1})
	require.NoError(t, err)

	assert.Equal(t, []events.Kind{
		events.KindEntityCreated,
		events.KindCommentCreated,
		events.KindCommentCreated,
		events.KindCommentUpdated,
		events.KindCommentDeleted,
		events.KindEntityDeleted,
		events.KindCommentDeleted,
	}, rec.kinds())
	assert.Equal(t, c1.ID, rec.sent[6].EntityID)

	snap, err := svc.Snapshot(ctx, "proj-1")
	require.NoError(t, err)
	assert.Empty(t, snap.Items)
	assert.Empty(t, snap.Comments)
}

func TestService_DeleteRequiresCurrentVersion(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService(t)

	item, err := svc.CreateWorkItem(ctx, CreateWorkItemCommand{ActorID: "user-a", RoomID: "proj-1", Status: "todo"})
	require.NoError(t, err)
	_, err = svc.ChangeStatus(ctx, ChangeStatusCommand{ActorID: "user-a", RoomID: "proj-1", ItemID: item.ID, Version: 1, Status: "doing"})
	require.NoError(t, err)

	_, err = svc.DeleteWorkItem(ctx, DeleteWorkItemCommand{ActorID: "user-b", RoomID: "proj-1", ItemID: item.ID})
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.DeleteWorkItem(ctx, DeleteWorkItemCommand{ActorID: "user-b", RoomID: "proj-1", ItemID: item.ID, Version: 1})
	assert.True(t, apperrors.IsStaleVersion(err))
	server, ok := apperrors.ServerVersion(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), server)

	snap, err := svc.Snapshot(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "doing", snap.Items[0].Status)
	assert.Equal(t, []events.Kind{events.KindEntityCreated, events.KindEntityStatusChanged}, rec.kinds())
}

func TestService_Snapshot(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	item, err := svc.CreateWorkItem(ctx, CreateWorkItemCommand{ActorID: "user-a", RoomID: "proj-1"})
	require.NoError(t, err)
	_, err = svc.CreateComment(ctx, CreateCommentCommand{ActorID: "user-a", RoomID: "proj-1", ItemID: item.ID, Payload: map[string]any{"body": "x"}})
	require.NoError(t, err)
	_, err = svc.CreateWorkItem(ctx, CreateWorkItemCommand{ActorID: "user-a", RoomID: "proj-2"})
	require.NoError(t, err)

	snap, err := svc.Snapshot(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", snap.RoomID)
	assert.Len(t, snap.Items, 1)
	assert.Len(t, snap.Comments, 1)

	_, err = svc.Snapshot(ctx, "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestService_CommandValidation(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService(t)

	tests := []struct {
		name string
		run  func() error
		typ  apperrors.ErrorType
	}{
		{"missing actor", func() error {
			_, err := svc.CreateWorkItem(ctx, CreateWorkItemCommand{RoomID: "proj-1"})
			return err
		}, apperrors.ErrorTypeUnauthenticated},
		{"missing room", func() error {
			_, err := svc.CreateWorkItem(ctx, CreateWorkItemCommand{ActorID: "user-a"})
			return err
		}, apperrors.ErrorTypeValidation},
		{"empty update", func() error {
			_, err := svc.UpdateWorkItem(ctx, UpdateWorkItemCommand{ActorID: "user-a", RoomID: "proj-1", ItemID: "i", Version: 1})
			return err
		}, apperrors.ErrorTypeValidation},
		{"blank status", func() error {
			_, err := svc.ChangeStatus(ctx, ChangeStatusCommand{ActorID: "user-a", RoomID: "proj-1", ItemID: "i", Version: 1})
			return err
		}, apperrors.ErrorTypeValidation},
		{"empty comment", func() error {
			_, err := svc.CreateComment(ctx, CreateCommentCommand{ActorID: "user-a", RoomID: "proj-1", ItemID: "i"})
			return err
		}, apperrors.ErrorTypeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, tt.typ), "got %v", err)
		})
	}
	assert.Empty(t, rec.sent)
}

func TestService_PublishCommitted(t *testing.T) {
	ctx := context.Background()
	store := new(mocks.MockEntityStore)
	broadcaster := new(mocks.MockBroadcaster)
	svc := NewService(versioning.NewController(store, zap.NewNop(), nil), store, broadcaster, zap.NewNop())

	broadcaster.On("Broadcast", ctx, "proj-1", mock.MatchedBy(func(env events.Envelope) bool {
		return env.ActingUserID == "user-a" && env.RoomID == "proj-1" && env.Timestamp > 0
	})).Return(ports.BroadcastResult{Recipients: 2, Delivered: 2}).Once()

	res, err := svc.PublishCommitted(ctx, "user-a", "proj-1", events.Envelope{
		Kind:         events.KindEntityUpdated,
		EntityID:     "item-1",
		RoomID:       "spoofed",
		ActingUserID: "spoofed",
		Version:      4,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)

	_, err = svc.PublishCommitted(ctx, "user-a", "proj-1", events.Envelope{Kind: events.KindPresenceJoined, EntityID: "x"})
	assert.True(t, apperrors.IsValidation(err))
	_, err = svc.PublishCommitted(ctx, "user-a", "proj-1", events.Envelope{Kind: events.KindEntityDeleted})
	assert.True(t, apperrors.IsValidation(err))

	broadcaster.AssertExpectations(t)
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestService_CascadeListFailureKeepsDeletion(t *testing.T) {
	ctx := context.Background()
	store := new(mocks.MockEntityStore)
	broadcaster := new(mocks.MockBroadcaster)
	svc := NewService(versioning.NewController(store, zap.NewNop(), nil), store, broadcaster, zap.NewNop())

	item := entity.Entity{ID: "item-1", Kind: entity.KindWorkItem, RoomID: "proj-1", Version: 2}
	store.On("Get", mock.Anything, "item-1").Return(item, nil)
	store.On("DeleteIfVersion", mock.Anything, "item-1", int64(2)).Return(item, nil)
	store.On("ListByRoom", mock.Anything, "proj-1").Return(nil, errors.New("boom"))
	broadcaster.On("Broadcast", mock.Anything, "proj-1", mock.MatchedBy(func(env events.Envelope) bool {
		return env.Kind == events.KindEntityDeleted && env.Version == 2
	})).Return(ports.BroadcastResult{}).Once()

	deleted, err := svc.DeleteWorkItem(ctx, DeleteWorkItemCommand{ActorID: "user-a", RoomID: "proj-1", ItemID: "item-1", Version: 2})
	require.NoError(t, err)
	assert.Equal(t, "item-1", deleted.ID)

	store.AssertExpectations(t)
	broadcaster.AssertExpectations(t)
}
