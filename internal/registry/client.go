// Package registry provides the client for the external key-value registry
// holding backend and user records.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avregw/internal/observability"
)

// Client configuration defaults.
const (
	// DefaultRequestTimeout bounds every registry call.
	DefaultRequestTimeout = 10 * time.Second

	// breakerThreshold is the minimum number of observed requests before
	// the circuit breaker may trip.
	breakerThreshold = 5

	// breakerTimeout is how long the breaker stays open before probing.
	breakerTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response body is read for logs.
	maxErrorBody = 512
)

// Client talks to the registry HTTP API. All calls carry the fixed API key and
// pass through a circuit breaker: when the registry misbehaves repeatedly the
// breaker opens and calls fail fast, which callers treat exactly like registry
// unavailability.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     observability.Logger
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a registry client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultRequestTimeout,
		},
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "registry",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerThreshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("registry circuit breaker state change",
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
		// 4xx responses are part of the registry contract (404 for an
		// unknown user) and say nothing about registry health. Only
		// transport errors and 5xx count as failures.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var regErr *Error
			return errors.As(err, &regErr) &&
				regErr.Status >= http.StatusBadRequest &&
				regErr.Status < http.StatusInternalServerError
		},
	})

	return c
}

// ListBackends fetches the current backend collection.
func (c *Client) ListBackends(ctx context.Context) ([]Record, error) {
	body, err := c.get(ctx, "/collections/backend", "list backends")
	if err != nil {
		return nil, err
	}

	records, err := parseBackendCollection(body)
	if err != nil {
		return nil, &Error{Operation: "list backends", Cause: err}
	}
	return records, nil
}

// GetUser fetches a single user record. Returns ErrUserNotFound when the
// registry answers 404 or the record carries no password digest.
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	path := "/collections/users/" + url.PathEscape(username)
	body, err := c.get(ctx, path, "get user")
	if err != nil {
		var regErr *Error
		if errors.As(err, &regErr) && regErr.Status == http.StatusNotFound {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	var envelope struct {
		Data struct {
			Email        string `json:"email"`
			Role         string `json:"role"`
			Active       bool   `json:"active"`
			PasswordHash string `json:"passwordHash"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &Error{Operation: "get user", Cause: err}
	}

	if envelope.Data.PasswordHash == "" {
		return nil, ErrUserNotFound
	}

	return &User{
		Username:     username,
		Email:        envelope.Data.Email,
		Role:         envelope.Data.Role,
		Active:       envelope.Data.Active,
		PasswordHash: envelope.Data.PasswordHash,
	}, nil
}

// ListUsers fetches all user records without their password digests.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	body, err := c.get(ctx, "/collections/users", "list users")
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Items []struct {
			Key  string `json:"key"`
			Data struct {
				Email  string `json:"email"`
				Role   string `json:"role"`
				Active bool   `json:"active"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &Error{Operation: "list users", Cause: err}
	}

	users := make([]User, 0, len(envelope.Items))
	for _, item := range envelope.Items {
		users = append(users, User{
			Username: item.Key,
			Email:    item.Data.Email,
			Role:     item.Data.Role,
			Active:   item.Data.Active,
		})
	}
	return users, nil
}

// get performs an authorized GET through the circuit breaker and returns the
// response body on 2xx.
func (c *Client) get(ctx context.Context, path, operation string) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, &Error{Operation: operation, Cause: err}
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &Error{Operation: operation, Cause: err}
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			c.logger.Debug("registry returned non-success status",
				observability.String("path", path),
				observability.Int("status", resp.StatusCode),
				observability.String("body", string(snippet)),
			)
			return nil, &Error{Operation: operation, Status: resp.StatusCode}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &Error{Operation: operation, Cause: err}
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Operation: operation, Cause: fmt.Errorf("circuit breaker: %w", err)}
		}
		return nil, err
	}

	return result.([]byte), nil
}
