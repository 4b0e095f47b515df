package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// stubCompleter is a test double for Completer.
type stubCompleter struct {
	mu      sync.Mutex
	resp    string
	err     error
	prompts []string
	wait    bool // block until ctx is done
}

func (s *stubCompleter) Complete(ctx context.Context, msgs []Message) (string, error) {
	s.mu.Lock()
	for _, m := range msgs {
		s.prompts = append(s.prompts, m.Content)
	}
	s.mu.Unlock()
	if s.wait {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.resp, s.err
}

func (s *stubCompleter) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseSummary(t *testing.T) {
	long := strings.Repeat("word ", 100)

	tests := []struct {
		name string
		raw  string
		want Summary
	}{
		{
			name: "plain json",
			raw:  `{"summary":"Meeting moved to 3pm.","tag":"Meeting"}`,
			want: Summary{Summary: "Meeting moved to 3pm.", Tag: "Meeting"},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"summary\":\"Invoice due\",\"tag\":\"Billing\"}\n```",
			want: Summary{Summary: "Invoice due", Tag: "Billing"},
		},
		{
			name: "prose around json",
			raw:  "Sure! Here you go:\n{\"summary\": \" Padded \", \"tag\": \" Work \"}\nHope that helps.",
			want: Summary{Summary: "Padded", Tag: "Work"},
		},
		{
			name: "empty fields get defaults",
			raw:  `{"summary":"","tag":""}`,
			want: Summary{Summary: DefaultSummary, Tag: DefaultTag},
		},
		{
			name: "missing tag",
			raw:  `{"summary":"Only a summary"}`,
			want: Summary{Summary: "Only a summary", Tag: DefaultTag},
		},
		{
			name: "summary as list",
			raw:  `{"summary":["line one","line two"],"tag":"News"}`,
			want: Summary{Summary: "line one\nline two", Tag: "News"},
		},
		{
			name: "not json",
			raw:  "This email is about\nthe quarterly report.",
			want: Summary{Summary: "This email is about the quarterly report.", Tag: DefaultTag},
		},
		{
			name: "broken json",
			raw:  `{"summary": "unterminated`,
			want: Summary{Summary: `{"summary": "unterminated`, Tag: DefaultTag},
		},
		{
			name: "json null",
			raw:  "null",
			want: Summary{Summary: "null", Tag: DefaultTag},
		},
		{
			name: "json array",
			raw:  `["Meeting", "moved"]`,
			want: Summary{Summary: `["Meeting", "moved"]`, Tag: DefaultTag},
		},
		{
			name: "json string",
			raw:  `"Just a sentence."`,
			want: Summary{Summary: `"Just a sentence."`, Tag: DefaultTag},
		},
		{
			name: "long text truncated",
			raw:  long,
			want: Summary{Summary: strings.TrimSpace(long)[:fallbackRunes], Tag: DefaultTag},
		},
		{
			name: "empty",
			raw:  "   ",
			want: Summary{Summary: DefaultSummary, Tag: DefaultTag},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSummary(tt.raw)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseSummary mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"prefix {\"a\":{\"b\":2}} suffix", `{"a":{"b":2}}`},
		{"no braces", "no braces"},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSummarizer_Summarize(t *testing.T) {
	stub := &stubCompleter{resp: `{"summary":"Lunch on Friday.","tag":"Social"}`}
	s := NewSummarizer(stub, Options{}, discardLogger())

	got, err := s.Summarize(context.Background(), Email{
		Subject: "Lunch",
		Snippet: "Are you free for lunch on Friday? I&#39;m buying.",
		Body:    "ignored without IncludeBody",
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if diff := cmp.Diff(Summary{Summary: "Lunch on Friday.", Tag: "Social"}, got); diff != "" {
		t.Errorf("Summarize mismatch (-want +got):\n%s", diff)
	}

	prompt := stub.lastPrompt()
	if !strings.HasPrefix(prompt, "Summarize this email in 3 short lines") {
		t.Errorf("prompt = %q, want summarize instruction first", prompt)
	}
	if !strings.HasSuffix(prompt, "Email:\nAre you free for lunch on Friday? I'm buying.") {
		t.Errorf("prompt = %q, want cleaned snippet at the end", prompt)
	}
	if strings.Contains(prompt, "ignored") {
		t.Error("body included although IncludeBody is false")
	}
}

func TestSummarizer_SummarizeTransportError(t *testing.T) {
	boom := errors.New("connection refused")
	s := NewSummarizer(&stubCompleter{err: boom}, Options{}, discardLogger())

	_, err := s.Summarize(context.Background(), Email{Snippet: "hi"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestSummarizer_Timeout(t *testing.T) {
	s := NewSummarizer(&stubCompleter{wait: true}, Options{Timeout: 10 * time.Millisecond}, discardLogger())

	_, err := s.GenerateReply(context.Background(), Email{Snippet: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestSummarizer_GenerateReply(t *testing.T) {
	stub := &stubCompleter{resp: "\n  Thanks, see you Friday!  \n"}
	s := NewSummarizer(stub, Options{}, discardLogger())

	got, err := s.GenerateReply(context.Background(), Email{Snippet: "Lunch Friday?"})
	if err != nil {
		t.Fatalf("GenerateReply: %v", err)
	}
	if got != "Thanks, see you Friday!" {
		t.Errorf("reply = %q, want trimmed text", got)
	}
	if want := "Write a short, polite, professional email reply to this:\n\nLunch Friday?"; stub.lastPrompt() != want {
		t.Errorf("prompt = %q, want %q", stub.lastPrompt(), want)
	}
}

func TestSummarizer_Text(t *testing.T) {
	tests := []struct {
		name  string
		opts  Options
		email Email
		want  string
	}{
		{
			name:  "snippet only",
			email: Email{Snippet: "Tom &amp; Jerry", Body: "body"},
			want:  "Tom & Jerry",
		},
		{
			name:  "with body",
			opts:  Options{IncludeBody: true},
			email: Email{Snippet: "snip", Body: "  full body  "},
			want:  "snip\n\nfull body",
		},
		{
			name:  "body capped",
			opts:  Options{IncludeBody: true, MaxInputChars: 8},
			email: Email{Snippet: "snip", Body: "abcdefghijkl"},
			want:  "snip\n\nabcde...",
		},
		{
			name:  "empty body",
			opts:  Options{IncludeBody: true},
			email: Email{Snippet: "snip"},
			want:  "snip",
		},
		{
			name:  "body without snippet",
			opts:  Options{IncludeBody: true},
			email: Email{Body: "only body"},
			want:  "only body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSummarizer(&stubCompleter{}, tt.opts, discardLogger())
			if got := s.Text(tt.email); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}
