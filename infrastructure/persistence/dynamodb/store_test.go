package dynamodb

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-sync/domain/entity"
	apperrors "realtime-sync/pkg/errors"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.GetItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.PutItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.DeleteItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.QueryOutput)
	return out, args.Error(1)
}

func marshal(t *testing.T, e entity.Entity) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(toItem(e))
	require.NoError(t, err)
	return item
}

func sample(version int64) entity.Entity {
	return entity.Entity{
		ID:        "item-1",
		Kind:      entity.KindWorkItem,
		RoomID:    "proj-1",
		Status:    "todo",
		Payload:   map[string]any{"title": "Ship"},
		Version:   version,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newTestStore(api *mockAPI) *Store {
	return NewStore(api, Config{TableName: "sync", RoomIndex: "RoomIndex"}, zap.NewNop())
}

func TestStore_UpdateIfVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("Should write conditionally on the expected version", func(t *testing.T) {
		api := new(mockAPI)
		api.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{Item: marshal(t, sample(3))}, nil)
		api.On("PutItem", ctx, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
			return in.ConditionExpression != nil && strings.Contains(*in.ConditionExpression, "=") &&
				in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld
		})).Return(&dynamodb.PutItemOutput{}, nil)

		updated, err := newTestStore(api).UpdateIfVersion(ctx, "item-1", 3,
			entity.Changes{Payload: map[string]any{"title": "Shipped"}}, "user-a")

		require.NoError(t, err)
		assert.Equal(t, int64(4), updated.Version)
		assert.Equal(t, "Shipped", updated.Payload["title"])
		api.AssertExpectations(t)
	})

	t.Run("Should reject before writing when the read version differs", func(t *testing.T) {
		api := new(mockAPI)
		api.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{Item: marshal(t, sample(4))}, nil)

		_, err := newTestStore(api).UpdateIfVersion(ctx, "item-1", 3, entity.Changes{Payload: map[string]any{"x": 1}}, "user-b")

		v, ok := apperrors.ServerVersion(err)
		require.True(t, ok)
		assert.Equal(t, int64(4), v)
		api.AssertNotCalled(t, "PutItem", mock.Anything, mock.Anything)
	})

	t.Run("Should report the winner's version when the condition fails", func(t *testing.T) {
		api := new(mockAPI)
		api.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{Item: marshal(t, sample(3))}, nil)
		api.On("PutItem", ctx, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{
			Message: strPtr("The conditional request failed"),
			Item:    marshal(t, sample(4)),
		})

		_, err := newTestStore(api).UpdateIfVersion(ctx, "item-1", 3, entity.Changes{Payload: map[string]any{"x": 1}}, "user-b")

		require.True(t, apperrors.IsStaleVersion(err))
		v, _ := apperrors.ServerVersion(err)
		assert.Equal(t, int64(4), v)
	})

	t.Run("Should return not found for a missing item", func(t *testing.T) {
		api := new(mockAPI)
		api.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

		_, err := newTestStore(api).UpdateIfVersion(ctx, "item-1", 3, entity.Changes{Payload: map[string]any{"x": 1}}, "user-b")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestStore_DeleteIfVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("Should return the deleted image", func(t *testing.T) {
		api := new(mockAPI)
		api.On("DeleteItem", ctx, mock.Anything).Return(&dynamodb.DeleteItemOutput{Attributes: marshal(t, sample(2))}, nil)

		deleted, err := newTestStore(api).DeleteIfVersion(ctx, "item-1", 2)
		require.NoError(t, err)
		assert.Equal(t, "item-1", deleted.ID)
		assert.Equal(t, "Ship", deleted.Payload["title"])
	})

	t.Run("Should treat a failed condition without image as not found", func(t *testing.T) {
		api := new(mockAPI)
		api.On("DeleteItem", ctx, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})

		_, err := newTestStore(api).DeleteIfVersion(ctx, "item-1", 0)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestStore_CreateAndList(t *testing.T) {
	ctx := context.Background()
	api := new(mockAPI)
	store := newTestStore(api)

	api.On("PutItem", ctx, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		return strings.Contains(*in.ConditionExpression, "attribute_not_exists")
	})).Return(&dynamodb.PutItemOutput{}, nil).Once()

	created, err := store.Create(ctx, entity.Entity{ID: "item-1", Kind: entity.KindWorkItem, RoomID: "proj-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	api.On("Query", ctx, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return *in.IndexName == "RoomIndex"
	})).Return(&dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{marshal(t, sample(1))}}, nil)

	listed, err := store.ListByRoom(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "proj-1", listed[0].RoomID)
	assert.Equal(t, sample(1).CreatedAt, listed[0].CreatedAt)
}

func TestStore_ClassifiesThrottling(t *testing.T) {
	ctx := context.Background()
	api := new(mockAPI)
	api.On("GetItem", ctx, mock.Anything).Return(nil, &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"})

	_, err := newTestStore(api).Get(ctx, "item-1")
	assert.True(t, apperrors.IsUnavailable(err))
}

func strPtr(s string) *string { return &s }
