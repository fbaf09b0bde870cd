// Package eventbridge mirrors committed mutations onto an AWS EventBridge bus
// so services outside the websocket gateway can react to them.
package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"realtime-sync/application/ports"
	"realtime-sync/domain/events"
)

// Source is the EventBridge source of every mirrored event.
const Source = "realtime-sync"

// PutEventsAPI is the part of the EventBridge client the publisher uses.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Config configures Publisher.
type Config struct {
	EventBusName   string
	MaxRetries     int
	InitialBackoff time.Duration
}

// Publisher sends mutation envelopes to EventBridge.
type Publisher struct {
	client PutEventsAPI
	cfg    Config
	logger *zap.Logger
}

// NewClient creates an EventBridge client for region. endpoint overrides the
// AWS endpoint, for local emulators.
func NewClient(ctx context.Context, region, endpoint string) (*eventbridge.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func NewPublisher(client PutEventsAPI, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	return &Publisher{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "eventbridge_publisher"), zap.String("eventBus", cfg.EventBusName)),
	}
}

// Publish sends env, retrying server side failures with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, env events.Envelope) error {
	detail, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Kind, err)
	}
	input := &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			EventBusName: aws.String(p.cfg.EventBusName),
			Source:       aws.String(Source),
			DetailType:   aws.String(string(env.Kind)),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(time.UnixMilli(env.Timestamp)),
			Resources:    []string{fmt.Sprintf("realtime-sync:room/%s/entity/%s", env.RoomID, env.EntityID)},
		}},
	}

	backoff := p.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := p.put(ctx, input)
		if err == nil {
			p.logger.Debug("Event mirrored",
				zap.String("kind", string(env.Kind)),
				zap.String("entityID", env.EntityID),
			)
			return nil
		}
		if !isRetryableError(err) || attempt >= p.cfg.MaxRetries {
			return fmt.Errorf("publish %s after %d attempts: %w", env.Kind, attempt, err)
		}

		p.logger.Warn("Retrying event publication",
			zap.Int("attempt", attempt),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Publisher) put(ctx context.Context, input *eventbridge.PutEventsInput) error {
	out, err := p.client.PutEvents(ctx, input)
	if err != nil {
		return err
	}
	if out.FailedEntryCount > 0 {
		for _, entry := range out.Entries {
			if entry.ErrorCode != nil {
				return &entryError{code: aws.ToString(entry.ErrorCode), message: aws.ToString(entry.ErrorMessage)}
			}
		}
		return &entryError{code: "Unknown"}
	}
	return nil
}

// entryError is a per entry rejection inside a successful PutEvents call.
type entryError struct {
	code    string
	message string
}

func (e *entryError) Error() string {
	return fmt.Sprintf("entry rejected: %s %s", e.code, e.message)
}

func isRetryableError(err error) bool {
	var entryErr *entryError
	if errors.As(err, &entryErr) {
		return entryErr.code == "ThrottlingException" || entryErr.code == "InternalFailure"
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorFault() == smithy.FaultServer || apiErr.ErrorCode() == "ThrottlingException"
	}
	return false
}

// Mirror is a Broadcaster that fans out locally first and then mirrors
// mutation envelopes to EventBridge. Mirroring failures are logged and never
// affect the local result.
type Mirror struct {
	next      ports.Broadcaster
	publisher *Publisher
	logger    *zap.Logger
}

var _ ports.Broadcaster = (*Mirror)(nil)

func NewMirror(next ports.Broadcaster, publisher *Publisher, logger *zap.Logger) *Mirror {
	return &Mirror{next: next, publisher: publisher, logger: logger.With(zap.String("component", "eventbridge_mirror"))}
}

func (m *Mirror) Broadcast(ctx context.Context, roomID string, env events.Envelope) ports.BroadcastResult {
	result := m.next.Broadcast(ctx, roomID, env)
	if !env.Kind.IsMutation() {
		return result
	}
	env.RoomID = roomID
	if err := m.publisher.Publish(ctx, env); err != nil {
		m.logger.Warn("Failed to mirror event",
			zap.String("kind", string(env.Kind)),
			zap.String("roomID", roomID),
			zap.String("entityID", env.EntityID),
			zap.Error(err),
		)
	}
	return result
}
