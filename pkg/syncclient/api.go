package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"realtime-sync/domain/entity"
	"realtime-sync/domain/events"
	apperrors "realtime-sync/pkg/errors"
)

// APIConfig configures APIClient.
type APIConfig struct {
	BaseURL    string
	Credential string
	Timeout    time.Duration
	HTTPClient *http.Client

	// Circuit breaker settings
	MaxRequests      uint32
	Interval         time.Duration
	OpenTimeout      time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultAPIConfig returns the settings used for a CRUD base URL.
func DefaultAPIConfig(baseURL, credential string) APIConfig {
	return APIConfig{
		BaseURL:          baseURL,
		Credential:       credential,
		Timeout:          10 * time.Second,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		OpenTimeout:      60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// APIClient talks to the room CRUD surface. Server failures trip a circuit
// breaker; client errors such as STALE_VERSION do not.
type APIClient struct {
	base    *url.URL
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ SnapshotFetcher = (*APIClient)(nil)

func NewAPIClient(cfg APIConfig, logger *zap.Logger) (*APIClient, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid CRUD base URL %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger = logger.With(zap.String("component", "sync_api_client"))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "crud-api",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Only trip if we have enough requests to make a decision
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			appErr := apperrors.GetAppError(err)
			return appErr != nil && appErr.HTTPStatus > 0 && appErr.HTTPStatus < 500
		},
	})

	return &APIClient{
		base:    base,
		token:   cfg.Credential,
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
	}, nil
}

func roomPath(roomID string, parts ...string) string {
	p := "/api/v2/rooms/" + url.PathEscape(roomID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// FetchSnapshot loads the full state of roomID.
func (c *APIClient) FetchSnapshot(ctx context.Context, roomID string) (entity.Snapshot, error) {
	var snap entity.Snapshot
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "snapshot"), nil, nil, &snap)
	return snap, err
}

func (c *APIClient) Presence(ctx context.Context, roomID string) (events.PresenceSnapshotPayload, error) {
	var p events.PresenceSnapshotPayload
	err := c.do(ctx, http.MethodGet, roomPath(roomID, "presence"), nil, nil, &p)
	return p, err
}

func (c *APIClient) CreateItem(ctx context.Context, roomID, status string, payload map[string]any) (entity.Entity, error) {
	var out entity.Entity
	body := map[string]any{"status": status, "payload": payload}
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "items"), nil, body, &out)
	return out, err
}

// UpdateItem sends a whole-entity update observed at version.
func (c *APIClient) UpdateItem(ctx context.Context, roomID, itemID string, version int64, status *string, payload map[string]any) (entity.Entity, error) {
	var out entity.Entity
	body := map[string]any{"version": version}
	if status != nil {
		body["status"] = *status
	}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	err := c.do(ctx, http.MethodPut, roomPath(roomID, "items", itemID), nil, body, &out)
	return out, err
}

func (c *APIClient) ChangeStatus(ctx context.Context, roomID, itemID string, version int64, status string) (entity.Entity, error) {
	var out entity.Entity
	body := map[string]any{"version": version, "status": status}
	err := c.do(ctx, http.MethodPut, roomPath(roomID, "items", itemID, "status"), nil, body, &out)
	return out, err
}

func (c *APIClient) DeleteItem(ctx context.Context, roomID, itemID string, version int64) (entity.Entity, error) {
	var out entity.Entity
	q := url.Values{"version": {strconv.FormatInt(version, 10)}}
	err := c.do(ctx, http.MethodDelete, roomPath(roomID, "items", itemID), q, nil, &out)
	return out, err
}

func (c *APIClient) CreateComment(ctx context.Context, roomID, itemID string, payload map[string]any) (entity.Entity, error) {
	var out entity.Entity
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "items", itemID, "comments"), nil, map[string]any{"payload": payload}, &out)
	return out, err
}

func (c *APIClient) UpdateComment(ctx context.Context, roomID, itemID, commentID string, version int64, payload map[string]any) (entity.Entity, error) {
	var out entity.Entity
	body := map[string]any{"version": version, "payload": payload}
	err := c.do(ctx, http.MethodPut, roomPath(roomID, "items", itemID, "comments", commentID), nil, body, &out)
	return out, err
}

func (c *APIClient) DeleteComment(ctx context.Context, roomID, itemID, commentID string, version int64) (entity.Entity, error) {
	var out entity.Entity
	q := url.Values{"version": {strconv.FormatInt(version, 10)}}
	err := c.do(ctx, http.MethodDelete, roomPath(roomID, "items", itemID, "comments", commentID), q, nil, &out)
	return out, err
}

// do performs one request through the breaker and decodes the data field of
// a success response into out. Error responses are rebuilt as AppErrors.
func (c *APIClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, query, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.NewUnavailableError("crud api").WithCause(err)
	}
	return err
}

func (c *APIClient) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NewUnavailableError("crud api").WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewUnavailableError("crud api").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		appErr := apperrors.DecodeResponse(resp.StatusCode, data)
		c.logger.Debug("Request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("type", string(appErr.Type)),
		)
		return appErr
	}
	if out == nil {
		return nil
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
