// Package mime parses raw Gmail messages using enmime.
package mime

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/ajayg10/ai-email-agent/internal/textutil"
)

// Message holds the parts of a parsed email the summarizer uses.
type Message struct {
	Subject   string
	Date      time.Time
	FromRaw   string    // From header as sent
	From      []Address // Parsed From addresses
	To        []Address
	MessageID string
	Text      string
	HTML      string
	Errors    []string // Non-fatal parsing errors
}

// Address represents an email address with optional display name.
type Address struct {
	Name  string
	Email string
}

// String formats the address as "Name <email>" or just the email.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// Parse parses raw MIME data into a Message.
func Parse(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:   textutil.EnsureUTF8(env.GetHeader("Subject")),
		FromRaw:   textutil.EnsureUTF8(env.GetHeader("From")),
		MessageID: strings.Trim(env.GetHeader("Message-ID"), "<> "),
		Text:      textutil.EnsureUTF8(env.Text),
		HTML:      textutil.EnsureUTF8(env.HTML),
		From:      parseAddressList(env, "From"),
		To:        parseAddressList(env, "To"),
	}

	// enmime fills Text from its own HTML conversion when the message has
	// no text/plain part; that conversion keeps non-breaking spaces.
	if msg.HTML != "" && !hasPlainPart(env.Root) {
		msg.Text = StripHTML(msg.HTML)
	}

	if dateStr := env.GetHeader("Date"); dateStr != "" {
		msg.Date = parseDate(dateStr)
	}

	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, e.Error())
	}

	return msg, nil
}

// hasPlainPart reports whether the MIME tree holds an inline text/plain part.
func hasPlainPart(p *enmime.Part) bool {
	for ; p != nil; p = p.NextSibling {
		if strings.HasPrefix(strings.ToLower(p.ContentType), "text/plain") && p.Disposition != "attachment" {
			return true
		}
		if hasPlainPart(p.FirstChild) {
			return true
		}
	}
	return false
}

// parseAddressList parses an address header using enmime's AddressList method.
func parseAddressList(env *enmime.Envelope, header string) []Address {
	list, err := env.AddressList(header)
	if err != nil || list == nil {
		return nil
	}

	addresses := make([]Address, 0, len(list))
	for _, addr := range list {
		if addr.Address == "" {
			continue
		}
		addresses = append(addresses, Address{
			Name:  addr.Name,
			Email: strings.ToLower(addr.Address),
		})
	}
	return addresses
}

// dateFormats lists common email date formats for parseDate.
var dateFormats = []string{
	time.RFC1123Z,                    // "Mon, 02 Jan 2006 15:04:05 -0700"
	time.RFC1123,                     // "Mon, 02 Jan 2006 15:04:05 MST"
	"Mon, 2 Jan 2006 15:04:05 -0700", // Single-digit day
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700", // No weekday
	"02 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	time.RFC3339,
	"2006-01-02 15:04:05 -0700",
}

// parseDate parses an email Date header in UTC. A trailing parenthesized
// zone name like "(PST)" is ignored. Unparseable dates yield the zero time.
func parseDate(s string) time.Time {
	s = strings.Join(strings.Fields(s), " ")
	if idx := strings.LastIndex(s, "("); idx > 0 {
		s = strings.TrimSpace(s[:idx])
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

var (
	blockTagRe  = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|td|th|blockquote|pre|table|ul|ol)[^>]*>`)
	scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTagRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	headTagRe   = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]*>`)
)

// StripHTML converts HTML to readable plain text. Script, style and head
// content is dropped, block elements become line breaks, entities are
// decoded and whitespace is collapsed to at most one blank line.
func StripHTML(rawHTML string) string {
	text := scriptTagRe.ReplaceAllString(rawHTML, "")
	text = styleTagRe.ReplaceAllString(text, "")
	text = headTagRe.ReplaceAllString(text, "")
	text = blockTagRe.ReplaceAllString(text, "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	text = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\u00a0", " ").Replace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(text)
}

// BodyText returns the plain-text body, falling back to stripped HTML.
func (m *Message) BodyText() string {
	if text := strings.TrimSpace(strings.ReplaceAll(m.Text, "\u00a0", " ")); text != "" {
		return text
	}
	if m.HTML != "" {
		return StripHTML(m.HTML)
	}
	return ""
}

// Sender returns the From header for display: the raw header when present,
// otherwise the first parsed address.
func (m *Message) Sender() string {
	if m.FromRaw != "" {
		return m.FromRaw
	}
	if len(m.From) > 0 {
		return m.From[0].String()
	}
	return ""
}
