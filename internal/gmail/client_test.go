package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const quotaExceededMsg = "Quota exceeded for quota metric 'Queries'"

// gmailErrorBody builds a Gmail API error response JSON body.
// Optional fields (message, errors, details) are included only when non-zero.
func gmailErrorBody(code int, message string, errors []map[string]string, details []map[string]string) []byte {
	inner := map[string]any{"code": code}
	if message != "" {
		inner["message"] = message
	}
	if errors != nil {
		inner["errors"] = errors
	}
	if details != nil {
		inner["details"] = details
	}
	b, err := json.Marshal(map[string]any{"error": inner})
	if err != nil {
		panic(fmt.Sprintf("failed to marshal test body: %v", err))
	}
	return b
}

func errorWithReason(reason string) []byte {
	return gmailErrorBody(403, "", []map[string]string{{"reason": reason}}, nil)
}

func errorWithDetail(reason string) []byte {
	return gmailErrorBody(403, "", nil, []map[string]string{{"reason": reason}})
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want bool
	}{
		{
			name: "RateLimitExceeded",
			body: errorWithReason("rateLimitExceeded"),
			want: true,
		},
		{
			name: "RateLimitExceededByMessage",
			body: gmailErrorBody(403, quotaExceededMsg, []map[string]string{{"reason": "rateLimitExceeded"}}, nil),
			want: true,
		},
		{
			name: "RateLimitExceededUpperCase",
			body: errorWithDetail("RATE_LIMIT_EXCEEDED"),
			want: true,
		},
		{
			name: "QuotaExceeded",
			body: gmailErrorBody(403, quotaExceededMsg, nil, nil),
			want: true,
		},
		{
			name: "UserRateLimitExceeded",
			body: errorWithReason("userRateLimitExceeded"),
			want: true,
		},
		{
			name: "PermissionDenied",
			body: errorWithReason("forbidden"),
			want: false,
		},
		{
			name: "EmptyBody",
			body: []byte{},
			want: false,
		},
		{
			name: "InvalidJSON",
			body: []byte("not valid json but contains rateLimitExceeded"),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRateLimitError(tt.body); got != tt.want {
				t.Errorf("isRateLimitError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient returns a Client pointed at handler with retries that
// do not sleep.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *RateLimiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rl := NewRateLimiter(5)
	c := NewClient(nil,
		WithHTTPClient(srv.Client()),
		WithBaseURL(srv.URL+"/gmail/v1"),
		WithRateLimiter(rl),
		WithLogger(testLogger()),
		WithConcurrency(2),
	)
	c.backoff = func(int) time.Duration { return 0 }
	return c, rl
}

func TestClient_GetProfile(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gmail/v1/users/me/profile" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"emailAddress":"alice@example.com","messagesTotal":42,"threadsTotal":7,"historyId":"12345"}`)
	}))

	p, err := c.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	want := Profile{EmailAddress: "alice@example.com", MessagesTotal: 42, ThreadsTotal: 7, HistoryID: 12345}
	if *p != want {
		t.Errorf("profile = %+v, want %+v", *p, want)
	}
}

func TestClient_ListMessages(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "is:unread category:primary" {
			t.Errorf("q = %q", q.Get("q"))
		}
		if q.Get("maxResults") != "10" {
			t.Errorf("maxResults = %q, want 10", q.Get("maxResults"))
		}
		if q.Get("pageToken") != "tok" {
			t.Errorf("pageToken = %q, want tok", q.Get("pageToken"))
		}
		fmt.Fprint(w, `{"messages":[{"id":"a","threadId":"ta"},{"id":"b","threadId":"tb"}],"nextPageToken":"next","resultSizeEstimate":2}`)
	}))

	resp, err := c.ListMessages(context.Background(), "is:unread category:primary", "tok", 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(resp.Messages) != 2 || resp.Messages[1] != (MessageID{ID: "b", ThreadID: "tb"}) {
		t.Errorf("messages = %+v", resp.Messages)
	}
	if resp.NextPageToken != "next" || resp.ResultSizeEstimate != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestClient_GetMessageRaw(t *testing.T) {
	raw := "From: a@example.com\r\nSubject: Hi\r\n\r\nHello"
	for _, enc := range []struct {
		name string
		fn   func([]byte) string
	}{
		{"unpadded", base64.RawURLEncoding.EncodeToString},
		{"padded", base64.URLEncoding.EncodeToString},
	} {
		t.Run(enc.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("format") != "raw" {
					t.Errorf("format = %q, want raw", r.URL.Query().Get("format"))
				}
				fmt.Fprintf(w, `{"id":"m1","threadId":"t1","labelIds":["INBOX","UNREAD"],"snippet":"Hello",`+
					`"internalDate":"1704067200000","sizeEstimate":55,"raw":%q}`, enc.fn([]byte(raw)))
			}))

			msg, err := c.GetMessageRaw(context.Background(), "m1")
			if err != nil {
				t.Fatalf("GetMessageRaw: %v", err)
			}
			if string(msg.Raw) != raw {
				t.Errorf("raw = %q", msg.Raw)
			}
			if msg.ThreadID != "t1" || msg.Snippet != "Hello" || len(msg.LabelIDs) != 2 {
				t.Errorf("msg = %+v", msg)
			}
			if !msg.ReceivedAt().Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("ReceivedAt = %v", msg.ReceivedAt())
			}
		})
	}
}

func TestClient_MarkRead(t *testing.T) {
	var gotMethod, gotPath, gotBody string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		fmt.Fprint(w, `{"id":"m1"}`)
	}))

	if err := c.MarkRead(context.Background(), "m1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/gmail/v1/users/me/messages/m1/modify" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if !strings.Contains(gotBody, `"removeLabelIds":["UNREAD"]`) {
		t.Errorf("body = %s", gotBody)
	}
}

func TestClient_RetryAndErrors(t *testing.T) {
	tests := []struct {
		name      string
		responses []int
		body      string
		wantErr   bool
		wantCalls int32
		check     func(t *testing.T, err error)
	}{
		{name: "server error then ok", responses: []int{503, 500, 200}, wantCalls: 3},
		{name: "unauthorized fails fast", responses: []int{401}, wantErr: true, wantCalls: 1},
		{name: "bad request fails fast", responses: []int{400}, wantErr: true, wantCalls: 1},
		{name: "permission 403 fails fast", responses: []int{403}, body: string(errorWithReason("forbidden")), wantErr: true, wantCalls: 1},
		{
			name: "not found", responses: []int{404}, wantErr: true, wantCalls: 1,
			check: func(t *testing.T, err error) {
				var nf *NotFoundError
				if !errors.As(err, &nf) {
					t.Errorf("err = %v, want *NotFoundError", err)
				}
			},
		},
		{
			name: "gives up after max retries", responses: []int{500}, wantErr: true, wantCalls: maxRetries + 1,
			check: func(t *testing.T, err error) {
				if !strings.Contains(err.Error(), "max retries exceeded") {
					t.Errorf("err = %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				status := tt.responses[len(tt.responses)-1]
				if n < len(tt.responses) {
					status = tt.responses[n]
				}
				w.WriteHeader(status)
				if status == 200 {
					fmt.Fprint(w, `{"emailAddress":"a@example.com"}`)
					return
				}
				fmt.Fprint(w, tt.body)
			}))

			_, err := c.GetProfile(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestClient_QuotaErrorsThrottle(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   []byte
		window time.Duration
	}{
		{"429", http.StatusTooManyRequests, nil, 30 * time.Second},
		{"403 quota", http.StatusForbidden, errorWithReason("rateLimitExceeded"), 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, rl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(tt.status)
					w.Write(tt.body)
					return
				}
				fmt.Fprint(w, `{"emailAddress":"a@example.com"}`)
			}))

			start := time.Now()
			if _, err := c.GetProfile(context.Background()); err != nil {
				t.Fatalf("GetProfile: %v", err)
			}
			if calls.Load() != 2 {
				t.Errorf("calls = %d, want 2", calls.Load())
			}
			until := rl.ThrottledUntil()
			if until.Before(start.Add(tt.window - time.Second)) {
				t.Errorf("throttled until %v, want about %v after start", until, tt.window)
			}
		})
	}
}

func TestClient_GetMessagesRawBatch_Partial(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		if id == "missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"id":%q,"raw":%q}`, id, base64.RawURLEncoding.EncodeToString([]byte("raw-"+id)))
	}))

	got, err := c.GetMessagesRawBatch(context.Background(), []string{"a", "missing", "c"})
	if err != nil {
		t.Fatalf("GetMessagesRawBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0] == nil || got[0].ID != "a" || string(got[0].Raw) != "raw-a" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1] != nil {
		t.Errorf("got[1] = %+v, want nil", got[1])
	}
	if got[2] == nil || got[2].ID != "c" {
		t.Errorf("got[2] = %+v", got[2])
	}

	empty, err := c.GetMessagesRawBatch(context.Background(), nil)
	if err != nil || empty != nil {
		t.Errorf("empty batch = %v, %v", empty, err)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.GetProfile(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDecodeBase64URL(t *testing.T) {
	data := []byte("hello?>world")
	for _, s := range []string{base64.RawURLEncoding.EncodeToString(data), base64.URLEncoding.EncodeToString(data)} {
		got, err := decodeBase64URL(s)
		if err != nil {
			t.Fatalf("decode %q: %v", s, err)
		}
		if string(got) != string(data) {
			t.Errorf("decode %q = %q", s, got)
		}
	}
	if _, err := decodeBase64URL("a==="); err == nil {
		t.Error("expected error for malformed padding")
	}
}

func TestJitterBackoff(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := jitterBackoff(attempt)
		limit := time.Duration(1<<uint(attempt)) * time.Second
		if limit > maxBackoff*time.Second {
			limit = maxBackoff * time.Second
		}
		if d < 0 || d > limit {
			t.Errorf("attempt %d: backoff %v outside [0, %v]", attempt, d, limit)
		}
	}
}
