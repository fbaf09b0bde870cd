// Package dynamodb implements the EntityStore on a single DynamoDB table.
//
// Every entity is one item keyed ENTITY#<id>/METADATA. A global secondary
// index on GSI1PK=ROOM#<room> lists a room. Writes are conditional on the
// Version attribute so concurrent writers are serialized by DynamoDB itself.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"realtime-sync/application/ports"
	"realtime-sync/domain/entity"
	apperrors "realtime-sync/pkg/errors"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Config names the table and its room index.
type Config struct {
	TableName string
	RoomIndex string
}

type ddbEntity struct {
	PK        string         `dynamodbav:"PK"`
	SK        string         `dynamodbav:"SK"`
	GSI1PK    string         `dynamodbav:"GSI1PK"`
	GSI1SK    string         `dynamodbav:"GSI1SK"`
	EntityID  string         `dynamodbav:"EntityID"`
	Kind      string         `dynamodbav:"Kind"`
	RoomID    string         `dynamodbav:"RoomID"`
	ParentID  string         `dynamodbav:"ParentID,omitempty"`
	Status    string         `dynamodbav:"Status,omitempty"`
	Payload   map[string]any `dynamodbav:"Payload"`
	Version   int64          `dynamodbav:"Version"`
	CreatedBy string         `dynamodbav:"CreatedBy"`
	UpdatedBy string         `dynamodbav:"UpdatedBy"`
	CreatedAt string         `dynamodbav:"CreatedAt"`
	UpdatedAt string         `dynamodbav:"UpdatedAt"`
}

const metadataSK = "METADATA"

func entityKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "ENTITY#" + id},
		"SK": &types.AttributeValueMemberS{Value: metadataSK},
	}
}

func toItem(e entity.Entity) ddbEntity {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return ddbEntity{
		PK:        "ENTITY#" + e.ID,
		SK:        metadataSK,
		GSI1PK:    "ROOM#" + e.RoomID,
		GSI1SK:    string(e.Kind) + "#" + e.ID,
		EntityID:  e.ID,
		Kind:      string(e.Kind),
		RoomID:    e.RoomID,
		ParentID:  e.ParentID,
		Status:    e.Status,
		Payload:   payload,
		Version:   e.Version,
		CreatedBy: e.CreatedBy,
		UpdatedBy: e.UpdatedBy,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (d ddbEntity) toEntity() entity.Entity {
	created, _ := time.Parse(time.RFC3339Nano, d.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, d.UpdatedAt)
	return entity.Entity{
		ID:        d.EntityID,
		Kind:      entity.Kind(d.Kind),
		RoomID:    d.RoomID,
		ParentID:  d.ParentID,
		Status:    d.Status,
		Payload:   d.Payload,
		Version:   d.Version,
		CreatedBy: d.CreatedBy,
		UpdatedBy: d.UpdatedBy,
		CreatedAt: created,
		UpdatedAt: updated,
	}
}

// Store is the DynamoDB EntityStore.
type Store struct {
	client API
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

var _ ports.EntityStore = (*Store)(nil)

func NewStore(client API, cfg Config, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "dynamodb_store"), zap.String("table", cfg.TableName)),
		now:    time.Now,
	}
}

// NewClient builds a DynamoDB client from the default AWS credential chain.
// A non-empty endpoint targets DynamoDB Local.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (s *Store) Create(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e.ID == "" || e.RoomID == "" || e.Kind == "" {
		return entity.Entity{}, apperrors.NewValidationError("id, roomId and kind are required")
	}
	now := s.now()
	e = e.Clone()
	e.Version = entity.InitialVersion
	e.CreatedAt, e.UpdatedAt = now, now
	if e.UpdatedBy == "" {
		e.UpdatedBy = e.CreatedBy
	}

	item, err := attributevalue.MarshalMap(toItem(e))
	if err != nil {
		return entity.Entity{}, apperrors.NewInternalError("failed to marshal entity").WithCause(err)
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("PK"))).
		Build()
	if err != nil {
		return entity.Entity{}, apperrors.NewInternalError("failed to build condition").WithCause(err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.cfg.TableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return entity.Entity{}, apperrors.NewValidationError("entity " + e.ID + " already exists")
		}
		return entity.Entity{}, s.classify("create", err)
	}
	return e, nil
}

func (s *Store) Get(ctx context.Context, id string) (entity.Entity, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.TableName),
		Key:            entityKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return entity.Entity{}, s.classify("get", err)
	}
	if out.Item == nil {
		return entity.Entity{}, apperrors.NewNotFoundError("entity " + id)
	}
	var rec ddbEntity
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return entity.Entity{}, apperrors.NewInternalError("failed to unmarshal entity").WithCause(err)
	}
	return rec.toEntity(), nil
}

func (s *Store) ListByRoom(ctx context.Context, roomID string) ([]entity.Entity, error) {
	keyCond := expression.Key("GSI1PK").Equal(expression.Value("ROOM#" + roomID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build key condition").WithCause(err)
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.cfg.TableName),
		IndexName:                 aws.String(s.cfg.RoomIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	var out []entity.Entity
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.classify("list", err)
		}
		var recs []ddbEntity
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal room page").WithCause(err)
		}
		for _, rec := range recs {
			out = append(out, rec.toEntity())
		}
	}
	return out, nil
}

// UpdateIfVersion reads the item, applies changes and writes it back under
// the condition Version = expected. A concurrent writer that got there first
// fails the condition, and the old image returned by DynamoDB supplies the
// server version for the STALE_VERSION error.
func (s *Store) UpdateIfVersion(ctx context.Context, id string, expected int64, changes entity.Changes, actorID string) (entity.Entity, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return entity.Entity{}, err
	}
	if current.Version != expected {
		return entity.Entity{}, apperrors.NewStaleVersionError(id, expected, current.Version)
	}

	next := current.Clone()
	next.Apply(changes, actorID, s.now())
	next.Version = expected + 1

	item, err := attributevalue.MarshalMap(toItem(next))
	if err != nil {
		return entity.Entity{}, apperrors.NewInternalError("failed to marshal entity").WithCause(err)
	}
	expr, err := expression.NewBuilder().WithCondition(versionIs(expected)).Build()
	if err != nil {
		return entity.Entity{}, apperrors.NewInternalError("failed to build condition").WithCause(err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                           aws.String(s.cfg.TableName),
		Item:                                item,
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return entity.Entity{}, s.conditionalFailure("update", id, expected, err)
	}
	return next, nil
}

func (s *Store) DeleteIfVersion(ctx context.Context, id string, expected int64) (entity.Entity, error) {
	cond := expression.AttributeExists(expression.Name("PK"))
	if expected > 0 {
		cond = cond.And(versionIs(expected))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return entity.Entity{}, apperrors.NewInternalError("failed to build condition").WithCause(err)
	}

	out, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                           aws.String(s.cfg.TableName),
		Key:                                 entityKey(id),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return entity.Entity{}, s.conditionalFailure("delete", id, expected, err)
	}

	var rec ddbEntity
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return entity.Entity{}, apperrors.NewInternalError("failed to unmarshal deleted entity").WithCause(err)
	}
	return rec.toEntity(), nil
}

func versionIs(v int64) expression.ConditionBuilder {
	return expression.Name("Version").Equal(expression.Value(v))
}

// conditionalFailure maps a failed conditional write. No old image means the
// item is gone; otherwise its Version is the one that beat us.
func (s *Store) conditionalFailure(op, id string, expected int64, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return s.classify(op, err)
	}
	if len(ccf.Item) == 0 {
		return apperrors.NewNotFoundError("entity " + id)
	}
	var rec ddbEntity
	if uerr := attributevalue.UnmarshalMap(ccf.Item, &rec); uerr != nil {
		return apperrors.NewInternalError("failed to unmarshal conflicting entity").WithCause(uerr)
	}
	s.logger.Debug("Conditional write lost",
		zap.String("operation", op),
		zap.String("entityID", id),
		zap.Int64("expected", expected),
		zap.Int64("actual", rec.Version),
	)
	return apperrors.NewStaleVersionError(id, expected, rec.Version)
}

// classify turns SDK errors into AppErrors. Throttling surfaces as
// UNAVAILABLE so callers can back off.
func (s *Store) classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded":
			s.logger.Warn("DynamoDB throttled", zap.String("operation", op), zap.String("code", apiErr.ErrorCode()))
			return apperrors.NewUnavailableError("dynamodb").WithCause(err)
		}
	}
	s.logger.Error("DynamoDB operation failed", zap.String("operation", op), zap.Error(err))
	return apperrors.NewDatabaseError(op, err)
}
