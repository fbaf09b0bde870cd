// Package storetest holds the behaviour every EntityStore must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-sync/application/ports"
	"realtime-sync/domain/entity"
	apperrors "realtime-sync/pkg/errors"
)

// Run exercises store. newStore must return an empty store on every call.
func Run(t *testing.T, newStore func(t *testing.T) ports.EntityStore) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("UpdateIfVersion", func(t *testing.T) { testUpdateIfVersion(t, newStore(t)) })
	t.Run("DeleteIfVersion", func(t *testing.T) { testDeleteIfVersion(t, newStore(t)) })
	t.Run("ListByRoom", func(t *testing.T) { testListByRoom(t, newStore(t)) })
	t.Run("ConcurrentWritersSameVersion", func(t *testing.T) { testConcurrentWriters(t, newStore(t)) })
}

func workItem(id, room string) entity.Entity {
	return entity.Entity{
		ID:        id,
		Kind:      entity.KindWorkItem,
		RoomID:    room,
		Status:    "todo",
		Payload:   map[string]any{"title": "Write tests"},
		CreatedBy: "user-a",
	}
}

func testCreateAndGet(t *testing.T, store ports.EntityStore) {
	ctx := context.Background()

	created, err := store.Create(ctx, workItem("item-1", "proj-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := store.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "proj-1", got.RoomID)
	assert.Equal(t, "Write tests", got.Payload["title"])
	assert.Equal(t, int64(1), got.Version)

	_, err = store.Create(ctx, workItem("item-1", "proj-1"))
	assert.True(t, apperrors.IsValidation(err), "duplicate id must be rejected, got %v", err)

	_, err = store.Get(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func testUpdateIfVersion(t *testing.T, store ports.EntityStore) {
	ctx := context.Background()
	_, err := store.Create(ctx, workItem("item-1", "proj-1"))
	require.NoError(t, err)

	status := "doing"
	updated, err := store.UpdateIfVersion(ctx, "item-1", 1, entity.Changes{
		Status:  &status,
		Payload: map[string]any{"title": "Renamed"},
	}, "user-b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "doing", updated.Status)
	assert.Equal(t, "Renamed", updated.Payload["title"])
	assert.Equal(t, "user-b", updated.UpdatedBy)

	_, err = store.UpdateIfVersion(ctx, "item-1", 1, entity.Changes{Payload: map[string]any{"title": "Lost"}}, "user-c")
	require.True(t, apperrors.IsStaleVersion(err), "got %v", err)
	serverVersion, ok := apperrors.ServerVersion(err)
	require.True(t, ok)
	assert.Equal(t, int64(2), serverVersion)

	got, err := store.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Payload["title"], "rejected write must not land")
	assert.Equal(t, int64(2), got.Version)

	_, err = store.UpdateIfVersion(ctx, "missing", 1, entity.Changes{Status: &status}, "user-b")
	assert.True(t, apperrors.IsNotFound(err))
}

func testDeleteIfVersion(t *testing.T, store ports.EntityStore) {
	ctx := context.Background()
	_, err := store.Create(ctx, workItem("item-1", "proj-1"))
	require.NoError(t, err)
	_, err = store.Create(ctx, workItem("item-2", "proj-1"))
	require.NoError(t, err)

	_, err = store.DeleteIfVersion(ctx, "item-1", 7)
	require.True(t, apperrors.IsStaleVersion(err))

	deleted, err := store.DeleteIfVersion(ctx, "item-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "item-1", deleted.ID)

	_, err = store.Get(ctx, "item-1")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = store.DeleteIfVersion(ctx, "item-2", 0)
	assert.NoError(t, err)

	_, err = store.DeleteIfVersion(ctx, "item-2", 0)
	assert.True(t, apperrors.IsNotFound(err))
}

func testListByRoom(t *testing.T, store ports.EntityStore) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, workItem(fmt.Sprintf("item-%d", i), "proj-1"))
		require.NoError(t, err)
	}
	comment := entity.Entity{ID: "c-1", Kind: entity.KindComment, RoomID: "proj-1", ParentID: "item-0", CreatedBy: "user-a"}
	_, err := store.Create(ctx, comment)
	require.NoError(t, err)
	_, err = store.Create(ctx, workItem("other", "proj-2"))
	require.NoError(t, err)

	all, err := store.ListByRoom(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	empty, err := store.ListByRoom(ctx, "proj-9")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testConcurrentWriters(t *testing.T, store ports.EntityStore) {
	ctx := context.Background()
	_, err := store.Create(ctx, workItem("item-1", "proj-1"))
	require.NoError(t, err)

	const writers = 8
	var wins, stale atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.UpdateIfVersion(ctx, "item-1", 1, entity.Changes{
				Payload: map[string]any{"title": fmt.Sprintf("writer-%d", i)},
			}, fmt.Sprintf("user-%d", i))
			switch {
			case err == nil:
				wins.Add(1)
			case apperrors.IsStaleVersion(err):
				stale.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(writers-1), stale.Load())

	got, err := store.Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}
