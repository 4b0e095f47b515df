package gmail

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockAPI is a mock implementation of the Gmail API for testing.
type MockAPI struct {
	mu sync.Mutex

	// Profile to return
	Profile *Profile

	// Messages indexed by ID
	Messages map[string]*RawMessage

	// Message list pages - each page is a list of message IDs
	MessagePages [][]string

	// Error injection
	ProfileError      error
	ListMessagesError error
	GetMessageError   map[string]error // Per-message errors
	MarkReadError     map[string]error // Per-message errors

	// Call tracking for assertions
	ProfileCalls      int
	ListMessagesCalls int
	LastQuery         string  // Last query passed to ListMessages
	PageSizes         []int64 // pageSize of every ListMessages call
	GetMessageCalls   []string
	MarkReadCalls     []string
}

// NewMockAPI creates a new mock API with empty state.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Messages:        make(map[string]*RawMessage),
		GetMessageError: make(map[string]error),
		MarkReadError:   make(map[string]error),
	}
}

// GetProfile returns the mock profile.
func (m *MockAPI) GetProfile(ctx context.Context) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProfileCalls++

	if m.ProfileError != nil {
		return nil, m.ProfileError
	}
	if m.Profile == nil {
		return &Profile{
			EmailAddress:  "test@example.com",
			MessagesTotal: int64(len(m.Messages)),
		}, nil
	}
	return m.Profile, nil
}

// ListMessages returns mock message IDs with pagination. Page tokens are
// "page_<n>". Without configured pages every stored message is returned on
// one page in ID order.
func (m *MockAPI) ListMessages(ctx context.Context, query, pageToken string, pageSize int64) (*MessageListResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListMessagesCalls++
	m.LastQuery = query
	m.PageSizes = append(m.PageSizes, pageSize)

	if m.ListMessagesError != nil {
		return nil, m.ListMessagesError
	}

	pageNum := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "page_%d", &pageNum); err != nil {
			return nil, fmt.Errorf("invalid page token: %s", pageToken)
		}
	}

	if len(m.MessagePages) == 0 {
		ids := make([]string, 0, len(m.Messages))
		for id := range m.Messages {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return &MessageListResponse{
			Messages:           m.refs(ids),
			ResultSizeEstimate: int64(len(ids)),
		}, nil
	}

	if pageNum >= len(m.MessagePages) {
		return &MessageListResponse{}, nil
	}

	var nextPageToken string
	if pageNum+1 < len(m.MessagePages) {
		nextPageToken = fmt.Sprintf("page_%d", pageNum+1)
	}

	total := int64(0)
	for _, p := range m.MessagePages {
		total += int64(len(p))
	}

	return &MessageListResponse{
		Messages:           m.refs(m.MessagePages[pageNum]),
		NextPageToken:      nextPageToken,
		ResultSizeEstimate: total,
	}, nil
}

// refs builds list entries for ids. Must be called with lock held.
func (m *MockAPI) refs(ids []string) []MessageID {
	out := make([]MessageID, len(ids))
	for i, id := range ids {
		threadID := "thread_" + id
		if msg, ok := m.Messages[id]; ok && msg.ThreadID != "" {
			threadID = msg.ThreadID
		}
		out[i] = MessageID{ID: id, ThreadID: threadID}
	}
	return out
}

// GetMessageRaw returns a mock message.
func (m *MockAPI) GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetMessageCalls = append(m.GetMessageCalls, messageID)

	if err, ok := m.GetMessageError[messageID]; ok && err != nil {
		return nil, err
	}

	msg, ok := m.Messages[messageID]
	if !ok {
		return nil, &NotFoundError{Path: "/messages/" + messageID}
	}
	return msg, nil
}

// GetMessagesRawBatch fetches multiple messages.
// Mirrors the real Client: individual fetch errors leave a nil entry.
func (m *MockAPI) GetMessagesRawBatch(ctx context.Context, messageIDs []string) ([]*RawMessage, error) {
	results := make([]*RawMessage, len(messageIDs))
	for i, id := range messageIDs {
		msg, err := m.GetMessageRaw(ctx, id)
		if err != nil {
			continue
		}
		results[i] = msg
	}
	return results, nil
}

// MarkRead records the call and drops UNREAD from the stored message.
func (m *MockAPI) MarkRead(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkReadCalls = append(m.MarkReadCalls, messageID)

	if err, ok := m.MarkReadError[messageID]; ok && err != nil {
		return err
	}
	if msg, ok := m.Messages[messageID]; ok {
		labels := msg.LabelIDs[:0:0]
		for _, l := range msg.LabelIDs {
			if l != "UNREAD" {
				labels = append(labels, l)
			}
		}
		msg.LabelIDs = labels
	}
	return nil
}

// Close is a no-op for the mock.
func (m *MockAPI) Close() error {
	return nil
}

// SetupMessages adds pre-built messages. Nil entries are skipped.
func (m *MockAPI) SetupMessages(msgs ...*RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Messages == nil {
		m.Messages = make(map[string]*RawMessage)
	}
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		m.Messages[msg.ID] = msg
	}
}

// AddMessage adds an unread inbox message with the given raw MIME and snippet.
func (m *MockAPI) AddMessage(id string, raw []byte, snippet string) {
	m.SetupMessages(&RawMessage{
		ID:           id,
		ThreadID:     "thread_" + id,
		LabelIDs:     []string{"INBOX", "UNREAD"},
		Snippet:      snippet,
		Raw:          raw,
		SizeEstimate: int64(len(raw)),
		InternalDate: 1704067200000, // 2024-01-01 00:00:00 UTC
	})
}

// Reset clears all state and call tracking.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Messages = make(map[string]*RawMessage)
	m.MessagePages = nil
	m.GetMessageError = make(map[string]error)
	m.MarkReadError = make(map[string]error)
	m.ProfileError = nil
	m.ListMessagesError = nil

	m.ProfileCalls = 0
	m.ListMessagesCalls = 0
	m.LastQuery = ""
	m.PageSizes = nil
	m.GetMessageCalls = nil
	m.MarkReadCalls = nil
}

// Ensure MockAPI implements API interface.
var _ API = (*MockAPI)(nil)
