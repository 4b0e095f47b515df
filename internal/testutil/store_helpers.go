package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ajayg10/ai-email-agent/internal/store"
)

// NewTestStore creates a temporary database with the schema applied.
// The database is closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})

	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return st
}

// SeedUser inserts a user holding a valid-looking token.
func SeedUser(t *testing.T, st *store.Store, email string) *store.User {
	t.Helper()
	u, err := st.UpsertUser(&store.User{
		Email:        email,
		GoogleID:     "gid-" + email,
		Name:         "Test User",
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
		TokenType:    "Bearer",
		TokenExpiry:  time.Now().Add(time.Hour),
	})
	MustNoErr(t, err, "SeedUser")
	return u
}

// SeedSummary inserts a summary for userID with the given message ID and tag.
func SeedSummary(t *testing.T, st *store.Store, userID int64, messageID, tag string) *store.Summary {
	t.Helper()
	_, _, err := st.UpsertSummary(&store.Summary{
		MessageID:      messageID,
		UserID:         userID,
		ThreadID:       "thread-" + messageID,
		Sender:         "Alice <alice@example.com>",
		Subject:        "Subject " + messageID,
		Snippet:        "Snippet " + messageID,
		Summary:        "Summary " + messageID,
		SuggestedReply: "Thanks!",
		Tag:            tag,
	})
	MustNoErr(t, err, "SeedSummary")
	m, err := st.GetSummaryByMessageID(messageID)
	MustNoErr(t, err, "SeedSummary: reload")
	return m
}
