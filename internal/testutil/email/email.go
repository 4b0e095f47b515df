// Package email provides test helpers for constructing raw RFC 2822 email messages.
package email

import (
	"sort"
	"strings"
)

// Options configures a raw message. Empty From, To, Subject and Date get
// defaults. When HTML is set the message is multipart/alternative.
type Options struct {
	From        string
	To          string
	Subject     string
	Date        string
	MessageID   string
	ContentType string
	Body        string
	HTML        string
	Headers     map[string]string
}

const boundary = "mailagent-test-boundary"

// MakeRaw builds a raw message with \r\n line endings.
func MakeRaw(opts Options) []byte {
	if opts.From == "" {
		opts.From = "sender@example.com"
	}
	if opts.To == "" {
		opts.To = "recipient@example.com"
	}
	if opts.Subject == "" {
		opts.Subject = "Test"
	}
	if opts.Date == "" {
		opts.Date = "Mon, 01 Jan 2024 12:00:00 +0000"
	}

	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k + ": " + v + "\r\n")
	}

	header("From", opts.From)
	header("To", opts.To)
	header("Subject", opts.Subject)
	header("Date", opts.Date)
	if opts.MessageID != "" {
		header("Message-ID", opts.MessageID)
	}
	header("MIME-Version", "1.0")

	keys := make([]string, 0, len(opts.Headers))
	for k := range opts.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		header(k, opts.Headers[k])
	}

	if opts.HTML == "" {
		ct := opts.ContentType
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
		header("Content-Type", ct)
		b.WriteString("\r\n")
		b.WriteString(opts.Body)
		return []byte(b.String())
	}

	header("Content-Type", `multipart/alternative; boundary="`+boundary+`"`)
	b.WriteString("\r\n")
	if opts.Body != "" {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(opts.Body + "\r\n")
	}
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(opts.HTML + "\r\n")
	b.WriteString("--" + boundary + "--\r\n")
	return []byte(b.String())
}
