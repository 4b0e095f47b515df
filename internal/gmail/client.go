package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	gmailv1 "google.golang.org/api/gmail/v1"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"
	maxRetries     = 8
	maxBackoff     = 64 // Max backoff in seconds
)

// Client implements the Gmail API interface over REST.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	baseURL     string
	userID      string // "me" for authenticated user
	concurrency int    // Max parallel requests for batch operations
	backoff     func(attempt int) time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithConcurrency sets the max concurrent requests for batch operations.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithBaseURL points the client at a different API root.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the OAuth-authenticated HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new Gmail API client.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		userID:      "me",
		baseURL:     defaultBaseURL,
		concurrency: 4,
		logger:      slog.Default(),
		backoff:     jitterBackoff,
	}
	if tokenSource != nil {
		c.httpClient = oauth2.NewClient(context.Background(), tokenSource)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(defaultQPS)
	}

	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// request makes an HTTP request with rate limiting and retry logic.
// bodyBytes can be nil for requests without a body.
func (c *Client) request(ctx context.Context, op Operation, method, path string, bodyBytes []byte) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			c.logger.Debug("rate limited, backing off 30s", "path", path, "attempt", attempt)
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case http.StatusForbidden:
			// Gmail reports quota exhaustion as 403 with a rate limit reason.
			if isRateLimitError(respBody) {
				c.logger.Debug("quota exceeded, backing off 60s", "path", path, "attempt", attempt)
				c.rateLimiter.Throttle(60 * time.Second)
				lastErr = fmt.Errorf("quota exceeded (403)")
				continue
			}
			return nil, fmt.Errorf("forbidden (403): %s", string(respBody))

		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case http.StatusUnauthorized:
			return nil, fmt.Errorf("unauthorized (401): token may be invalid")

		case http.StatusNotFound:
			return nil, &NotFoundError{Path: path}

		default:
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// jitterBackoff returns exponential backoff with full jitter:
// a random duration in [0, min(2^attempt, maxBackoff)) seconds.
func jitterBackoff(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}
	return time.Duration(rand.Float64() * base * float64(time.Second))
}

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// isRateLimitError checks if a 403 response is actually a rate limit error.
func isRateLimitError(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("Quota exceeded")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded"))
}

// decodeBase64URL decodes a base64url-encoded string, tolerating optional padding.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// GetProfile returns the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	path := fmt.Sprintf("/users/%s/profile", c.userID)
	data, err := c.request(ctx, OpProfile, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp gmailv1.Profile
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	return &Profile{
		EmailAddress:  resp.EmailAddress,
		MessagesTotal: resp.MessagesTotal,
		ThreadsTotal:  resp.ThreadsTotal,
		HistoryID:     resp.HistoryId,
	}, nil
}

// ListMessages returns one page of message IDs matching the query.
func (c *Client) ListMessages(ctx context.Context, query, pageToken string, pageSize int64) (*MessageListResponse, error) {
	params := url.Values{}
	if pageSize > 0 {
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}
		params.Set("maxResults", strconv.FormatInt(pageSize, 10))
	}
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	path := fmt.Sprintf("/users/%s/messages?%s", c.userID, params.Encode())
	data, err := c.request(ctx, OpMessagesList, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp gmailv1.ListMessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}

	messages := make([]MessageID, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.Id == "" {
			continue
		}
		messages = append(messages, MessageID{ID: m.Id, ThreadID: m.ThreadId})
	}

	return &MessageListResponse{
		Messages:           messages,
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}, nil
}

// GetMessageRaw fetches a single message with raw MIME data.
func (c *Client) GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?format=raw", c.userID, url.PathEscape(messageID))
	data, err := c.request(ctx, OpMessagesGetRaw, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp gmailv1.Message
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	rawBytes, err := decodeBase64URL(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw MIME: %w", err)
	}

	return &RawMessage{
		ID:           resp.Id,
		ThreadID:     resp.ThreadId,
		LabelIDs:     resp.LabelIds,
		Snippet:      resp.Snippet,
		InternalDate: resp.InternalDate,
		SizeEstimate: resp.SizeEstimate,
		Raw:          rawBytes,
	}, nil
}

// GetMessagesRawBatch fetches multiple messages in parallel with rate limiting.
func (c *Client) GetMessagesRawBatch(ctx context.Context, messageIDs []string) ([]*RawMessage, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	results := make([]*RawMessage, len(messageIDs))
	sem := make(chan struct{}, c.concurrency)

	g, ctx := errgroup.WithContext(ctx)

	for i, id := range messageIDs {
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return ctx.Err()
			}

			msg, err := c.GetMessageRaw(ctx, id)
			if err != nil {
				// Partial results: one bad message must not sink the batch.
				c.logger.Warn("failed to fetch message", "id", id, "error", err)
				return nil
			}

			results[i] = msg
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// MarkRead removes the UNREAD label from a message.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	body, err := json.Marshal(&gmailv1.ModifyMessageRequest{RemoveLabelIds: []string{"UNREAD"}})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	path := fmt.Sprintf("/users/%s/messages/%s/modify", c.userID, url.PathEscape(messageID))
	_, err = c.request(ctx, OpMessagesModify, http.MethodPost, path, body)
	return err
}

// Ensure Client implements API interface.
var _ API = (*Client)(nil)
