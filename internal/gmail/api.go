// Package gmail provides a Gmail API client with rate limiting and retry logic.
package gmail

import (
	"context"
	"fmt"
	"time"
)

// API defines the Gmail operations the ingestion pipeline needs.
// This interface enables mocking for tests without hitting the real API.
type API interface {
	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context) (*Profile, error)

	// ListMessages returns one page of message IDs matching query.
	// pageSize <= 0 uses the server default.
	ListMessages(ctx context.Context, query, pageToken string, pageSize int64) (*MessageListResponse, error)

	// GetMessageRaw fetches a single message with raw MIME data.
	GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error)

	// GetMessagesRawBatch fetches multiple messages in parallel.
	// Results keep the input order. Failed fetches leave a nil entry.
	GetMessagesRawBatch(ctx context.Context, messageIDs []string) ([]*RawMessage, error)

	// MarkRead removes the UNREAD label from a message.
	MarkRead(ctx context.Context, messageID string) error

	// Close releases any resources held by the client.
	Close() error
}

// Profile represents a Gmail user profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryID     uint64
}

// MessageListResponse contains a page of message IDs.
type MessageListResponse struct {
	Messages           []MessageID
	NextPageToken      string
	ResultSizeEstimate int64
}

// MessageID represents a message reference from list operations.
type MessageID struct {
	ID       string
	ThreadID string
}

// RawMessage contains the raw MIME data for a message.
type RawMessage struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	InternalDate int64 // Unix milliseconds
	SizeEstimate int64
	Raw          []byte // Decoded from base64url
}

// ReceivedAt returns the Gmail internal date, or the zero time if unset.
func (m *RawMessage) ReceivedAt() time.Time {
	if m.InternalDate <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.InternalDate).UTC()
}

// maxPageSize is the largest page Gmail serves for messages.list.
const maxPageSize = 500

// ListUnread walks result pages for query until max IDs are collected or
// the listing is exhausted. max <= 0 means no cap.
func ListUnread(ctx context.Context, api API, query string, max int) ([]MessageID, error) {
	var ids []MessageID
	pageToken := ""
	seen := make(map[string]bool)

	for {
		pageSize := int64(maxPageSize)
		if max > 0 && int64(max-len(ids)) < pageSize {
			pageSize = int64(max - len(ids))
		}

		resp, err := api.ListMessages(ctx, query, pageToken, pageSize)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}

		for _, m := range resp.Messages {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			ids = append(ids, m)
			if max > 0 && len(ids) >= max {
				return ids, nil
			}
		}

		if resp.NextPageToken == "" || resp.NextPageToken == pageToken {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}
