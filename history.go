package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a single history request.
const DefaultTimeout = 30 * time.Second

// HistoryFetcher loads conversation history over request/response.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, principalID, counterpartID string) ([]Message, error)
	FetchRecent(ctx context.Context, principalID string) (map[string]Message, error)
}

// ============================================================================
// Client
// ============================================================================

// HistoryClient talks to the relay's REST endpoints.
type HistoryClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*HistoryClient)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *HistoryClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HistoryClient) { c.httpClient = client }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) ClientOption {
	return func(c *HistoryClient) { c.token = token }
}

// NewHistoryClient creates a client for the relay at baseURL.
func NewHistoryClient(baseURL string, opts ...ClientOption) *HistoryClient {
	c := &HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ HistoryFetcher = (*HistoryClient)(nil)

// FetchHistory returns every message exchanged between the two users.
func (c *HistoryClient) FetchHistory(ctx context.Context, principalID, counterpartID string) ([]Message, error) {
	path := "/api/users/" + url.PathEscape(principalID) + "/messages/" + url.PathEscape(counterpartID)
	var msgs []Message
	if err := c.get(ctx, path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// FetchRecent returns the newest message of each of the principal's
// conversations, keyed by counterpart.
func (c *HistoryClient) FetchRecent(ctx context.Context, principalID string) (map[string]Message, error) {
	path := "/api/users/" + url.PathEscape(principalID) + "/recent"
	recent := map[string]Message{}
	if err := c.get(ctx, path, &recent); err != nil {
		return nil, err
	}
	return recent, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *HistoryClient) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	result, decodeErr := decodeJSON[APIResult](body)
	if resp.StatusCode >= http.StatusBadRequest {
		if decodeErr == nil && result.Error != nil {
			return result.Error
		}
		return &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	if decodeErr != nil {
		return decodeErr
	}
	if !result.OK {
		if result.Error != nil {
			return result.Error
		}
		return &APIError{Code: "UNKNOWN", Message: "request was not ok"}
	}
	if err := result.Decode(v); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
