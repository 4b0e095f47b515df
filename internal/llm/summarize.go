package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ajayg10/ai-email-agent/internal/textutil"
)

const (
	// DefaultSummary is stored when the model gives no usable summary.
	DefaultSummary = "No summary."
	// DefaultTag is stored when the model gives no usable tag.
	DefaultTag = "Uncategorized"

	// fallbackRunes caps the raw-text summary used when the reply is not JSON.
	fallbackRunes = 300

	summarizePrompt = "Summarize this email in 3 short lines and give the email a tag with which the user can " +
		"understand what the mail is about. Return ONLY valid JSON exactly like:\n" +
		`{"summary":"...","tag":"..."}` + "\n\n" +
		"Email:\n"

	replyPrompt = "Write a short, polite, professional email reply to this:\n\n"
)

// Email is the content handed to the model.
type Email struct {
	Sender  string
	Subject string
	Snippet string
	Body    string
}

// Summary is the parsed model output for one email.
type Summary struct {
	Summary string `json:"summary"`
	Tag     string `json:"tag"`
}

// Options tunes what the summarizer sends.
type Options struct {
	IncludeBody   bool          // append the body text after the snippet
	MaxInputChars int           // body cap in runes, 0 for no cap
	Timeout       time.Duration // per-call timeout, 0 for none
}

// Summarizer produces summaries, tags and reply drafts.
type Summarizer struct {
	llm    Completer
	opts   Options
	logger *slog.Logger
}

// NewSummarizer creates a Summarizer on top of llm.
func NewSummarizer(llm Completer, opts Options, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{llm: llm, opts: opts, logger: logger}
}

// Text returns the email text sent to the model: the cleaned snippet,
// followed by the body when IncludeBody is set.
func (s *Summarizer) Text(e Email) string {
	text := textutil.CleanSnippet(e.Snippet)
	if !s.opts.IncludeBody {
		return text
	}
	body := strings.TrimSpace(textutil.EnsureUTF8(e.Body))
	if body == "" {
		return text
	}
	if s.opts.MaxInputChars > 0 {
		body = textutil.TruncateRunes(body, s.opts.MaxInputChars)
	}
	if text == "" {
		return body
	}
	return text + "\n\n" + body
}

func (s *Summarizer) complete(ctx context.Context, prompt string) (string, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	return s.llm.Complete(ctx, []Message{{Role: "user", Content: prompt}})
}

// Summarize asks the model for a summary and tag. Only transport errors
// are returned; any reply text yields a Summary.
func (s *Summarizer) Summarize(ctx context.Context, e Email) (Summary, error) {
	raw, err := s.complete(ctx, summarizePrompt+s.Text(e))
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}
	sum := ParseSummary(raw)
	s.logger.Debug("summarized email", "subject", e.Subject, "tag", sum.Tag)
	return sum, nil
}

// GenerateReply asks the model for a short reply draft.
func (s *Summarizer) GenerateReply(ctx context.Context, e Email) (string, error) {
	raw, err := s.complete(ctx, replyPrompt+s.Text(e))
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	return strings.TrimSpace(raw), nil
}

// ParseSummary extracts {"summary","tag"} from a model reply. Code fences
// and surrounding prose are ignored. Replies that are not JSON become a
// summary made of their first 300 runes on one line, as do JSON values
// other than an object.
func ParseSummary(raw string) Summary {
	raw = strings.TrimSpace(raw)
	jsonStr := extractJSON(raw)

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil || out == nil {
		text := textutil.HeadRunes(textutil.Flatten(stripFences(raw)), fallbackRunes)
		if text == "" {
			text = DefaultSummary
		}
		return Summary{Summary: text, Tag: DefaultTag}
	}

	sum := Summary{
		Summary: strings.TrimSpace(asString(out["summary"])),
		Tag:     strings.TrimSpace(asString(out["tag"])),
	}
	if sum.Summary == "" {
		sum.Summary = DefaultSummary
	}
	if sum.Tag == "" {
		sum.Tag = DefaultTag
	}
	return sum
}

// asString renders a decoded JSON value as text. Models sometimes return
// the summary as a list of lines.
func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s := strings.TrimSpace(asString(p)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprint(t)
	}
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) >= 2 {
		lines = lines[1:]
	} else {
		return strings.Trim(s, "` \n")
	}
	if strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// extractJSON returns the span from the first { to the last } of s after
// fence removal, or s unchanged when there is no such span.
func extractJSON(s string) string {
	s = stripFences(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
