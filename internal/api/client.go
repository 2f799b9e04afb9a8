// Package api is the client for the REST collaborator that stores
// conversation summaries and message history.
package api

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
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/model"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
	"github.com/capitalize-ai/realtime-chat/pkg/metrics"
	"github.com/capitalize-ai/realtime-chat/pkg/tracing"
)

const maxErrorBody = 4 << 10

// ErrBreakerOpen is returned while the circuit breaker rejects calls.
var ErrBreakerOpen = errors.New("api: circuit breaker open")

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// MaxFailures consecutive server-side failures open the breaker.
	MaxFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *logger.Logger
}

// Client calls the REST collaborator. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logger.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := logger.OrNop(cfg.Logger).Named("api")

	settings := gobreaker.Settings{
		Name:        "chat-api",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

// FetchConversations returns the user's conversation summaries.
func (c *Client) FetchConversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := c.call(ctx, "fetch_conversations", http.MethodGet, "/conversations", nil, listOf(&convs, "conversations"))
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// FetchMessages returns one page of a conversation's history, oldest first.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var msgs []model.Message
	err := c.call(ctx, "fetch_messages", http.MethodGet, path, nil, listOf(&msgs, "messages"),
		attribute.String("conversation_id", conversationID),
		attribute.Int("limit", limit),
		attribute.Int("offset", offset),
	)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// PersistMessage stores an outgoing message and returns the stored copy.
func (c *Client) PersistMessage(ctx context.Context, draft model.Draft) (model.Message, error) {
	var msg model.Message
	err := c.call(ctx, "persist_message", http.MethodPost, "/messages", draft, objectOf(&msg, "message"),
		attribute.String("client_id", draft.ClientID),
	)
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

func (c *Client) call(ctx context.Context, operation, method, path string, body any, decode func([]byte) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracing.Tracer("api").Start(ctx, "api."+operation)
	defer span.End()
	span.SetAttributes(append(attrs, attribute.String("http.method", method))...)

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, path, body, decode)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}

	status := "ok"
	if err != nil {
		status = "error"
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = strconv.Itoa(apiErr.StatusCode)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("api call failed",
			zap.String("operation", operation),
			zap.String("path", path),
			zap.Error(err),
		)
	}
	metrics.RecordAPICall(operation, status, time.Since(start).Seconds())
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any, decode func([]byte) error) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if decode == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return decode(data)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Message = payload.Error
		if apiErr.Message == "" {
			apiErr.Message = payload.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// listOf decodes either a bare JSON array or an object wrapping it
// under key.
func listOf[T any](target *[]T, key string) func([]byte) error {
	return func(data []byte) error {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, target); err != nil {
				return fmt.Errorf("failed to decode %s: %w", key, err)
			}
			return nil
		}
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		raw, ok := wrapped[key]
		if !ok {
			raw, ok = wrapped["data"]
		}
		if !ok {
			return fmt.Errorf("failed to decode %s: missing %q field", key, key)
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		return nil
	}
}

// objectOf decodes a JSON object, unwrapping it from key or "data" when
// the server nests it.
func objectOf[T any](target *T, key string) func([]byte) error {
	return func(data []byte) error {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		raw := json.RawMessage(data)
		if inner, ok := wrapped[key]; ok {
			raw = inner
		} else if inner, ok := wrapped["data"]; ok {
			raw = inner
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		return nil
	}
}
