package extract

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-app-tracker-go/internal/mailbox"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestExtractHeadersAndSubject(t *testing.T) {
	env := &mailbox.Envelope{
		ID:      "m1",
		Snippet: "Thanks for applying",
		Payload: &mailbox.Part{
			MimeType: "text/plain",
			Headers: []mailbox.Header{
				{Name: "SUBJECT", Value: "=?UTF-8?B?VGhhbmtzIGZvciBhcHBseWluZw==?="},
				{Name: "From", Value: "Acme <jobs@acme.com>"},
				{Name: "Received", Value: "first"},
				{Name: "Received", Value: "second"},
			},
			Data: b64("Hello"),
		},
	}

	c := Extract(env)

	assert.Equal(t, "Thanks for applying", c.Subject)
	assert.Equal(t, "Acme <jobs@acme.com>", c.Header("from"))
	assert.Equal(t, "Acme <jobs@acme.com>", c.Header("FROM"))
	assert.Equal(t, "second", c.Header("Received"))
	assert.Equal(t, "Thanks for applying", c.Snippet)
	require.NotNil(t, c.BodyText)
	assert.Equal(t, "Hello", *c.BodyText)
}

func TestExtractKeepsUndecodableHeader(t *testing.T) {
	env := &mailbox.Envelope{Payload: &mailbox.Part{
		Headers: []mailbox.Header{{Name: "Subject", Value: "=?x-unknown?Q?abc?="}},
	}}

	assert.Equal(t, "=?x-unknown?Q?abc?=", Extract(env).Subject)
}

func TestExtractDepthFirstPlainText(t *testing.T) {
	env := &mailbox.Envelope{Payload: &mailbox.Part{
		MimeType: "multipart/mixed",
		Parts: []*mailbox.Part{
			{
				MimeType: "multipart/alternative",
				Parts: []*mailbox.Part{
					{MimeType: "text/html", Data: b64("<p>html</p>")},
					{MimeType: "text/plain", Data: b64("nested plain")},
				},
			},
			{MimeType: "text/plain", Data: b64("outer plain")},
		},
	}}

	c := Extract(env)

	require.NotNil(t, c.BodyText)
	assert.Equal(t, "nested plain", *c.BodyText)
}

func TestExtractSkipsMalformedLeaf(t *testing.T) {
	env := &mailbox.Envelope{Payload: &mailbox.Part{
		MimeType: "multipart/alternative",
		Parts: []*mailbox.Part{
			{MimeType: "text/plain", Data: "%%% not base64 %%%"},
			{MimeType: "text/plain", Data: ""},
			{MimeType: "text/plain", Data: b64("second leaf")},
		},
	}}

	c := Extract(env)

	require.NotNil(t, c.BodyText)
	assert.Equal(t, "second leaf", *c.BodyText)
}

func TestExtractNoPlainText(t *testing.T) {
	env := &mailbox.Envelope{Snippet: "s", Payload: &mailbox.Part{
		MimeType: "multipart/alternative",
		Parts: []*mailbox.Part{
			{MimeType: "text/html", Data: b64("<p>only html</p>")},
			{MimeType: "text/plain", Data: "!!!"},
		},
	}}

	c := Extract(env)

	assert.Nil(t, c.BodyText)
	assert.Equal(t, "s", c.Snippet)
}

func TestExtractAcceptsStandardAndUnpaddedBase64(t *testing.T) {
	std := base64.StdEncoding.EncodeToString([]byte("a?b>c"))
	raw := base64.RawURLEncoding.EncodeToString([]byte("ab"))

	for _, data := range []string{std, raw} {
		env := &mailbox.Envelope{Payload: &mailbox.Part{MimeType: "text/plain", Data: data}}
		c := Extract(env)
		require.NotNil(t, c.BodyText, data)
	}
}

func TestExtractTranscodesCharset(t *testing.T) {
	env := &mailbox.Envelope{Payload: &mailbox.Part{
		MimeType: "text/plain",
		Charset:  "iso-8859-1",
		Data:     base64.URLEncoding.EncodeToString([]byte{'C', 'a', 'f', 0xe9}),
	}}

	c := Extract(env)

	require.NotNil(t, c.BodyText)
	assert.Equal(t, "Café", *c.BodyText)
}

func TestExtractRejectsInvalidUTF8(t *testing.T) {
	env := &mailbox.Envelope{Payload: &mailbox.Part{
		MimeType: "text/plain",
		Data:     base64.URLEncoding.EncodeToString([]byte{0xff, 0xfe}),
	}}

	assert.Nil(t, Extract(env).BodyText)
}

func TestExtractNilEnvelope(t *testing.T) {
	c := Extract(nil)
	assert.Empty(t, c.Subject)
	assert.Nil(t, c.BodyText)
}
