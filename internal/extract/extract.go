package extract

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"

	"job-app-tracker-go/internal/mailbox"
)

// Content is the part of a message the classifier looks at.
type Content struct {
	Subject string
	// Headers holds decoded top-level headers keyed by lower-case name.
	// When a header repeats, the last value wins.
	Headers map[string]string
	Snippet string
	// BodyText is nil when no text/plain part could be decoded.
	BodyText *string
}

// Header looks a header up case-insensitively.
func (c Content) Header(name string) string {
	return c.Headers[strings.ToLower(name)]
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Extract turns an envelope into classifier input. It never fails: content
// that cannot be decoded is left out.
func Extract(env *mailbox.Envelope) Content {
	content := Content{Headers: map[string]string{}}
	if env == nil {
		return content
	}
	content.Snippet = env.Snippet

	if env.Payload != nil {
		for _, h := range env.Payload.Headers {
			content.Headers[strings.ToLower(h.Name)] = DecodeHeader(h.Value)
		}
		if body, ok := firstPlainText(env.Payload); ok {
			content.BodyText = &body
		}
	}
	content.Subject = content.Header("Subject")
	return content
}

// DecodeHeader decodes RFC 2047 encoded-words, returning the raw value when
// decoding fails.
func DecodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// firstPlainText walks the tree depth first and returns the first text/plain
// leaf that decodes.
func firstPlainText(p *mailbox.Part) (string, bool) {
	if p == nil {
		return "", false
	}
	if len(p.Parts) > 0 {
		for _, child := range p.Parts {
			if text, ok := firstPlainText(child); ok {
				return text, true
			}
		}
		return "", false
	}
	if !strings.EqualFold(p.MimeType, "text/plain") || p.Data == "" {
		return "", false
	}

	text, err := decodePart(p)
	if err != nil {
		return "", false
	}
	return text, true
}

func decodePart(p *mailbox.Part) (string, error) {
	raw, err := decodeBase64(p.Data)
	if err != nil {
		return "", err
	}

	cs := strings.ToLower(strings.TrimSpace(p.Charset))
	switch cs {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		if !utf8.Valid(raw) {
			return "", fmt.Errorf("body is not valid UTF-8")
		}
		return string(raw), nil
	}

	r, err := charset.Reader(cs, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// decodeBase64 accepts the URL-safe alphabet providers use as well as the
// standard one, padded or not.
func decodeBase64(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		out, err := enc.DecodeString(data)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to decode body data: %w", lastErr)
}
