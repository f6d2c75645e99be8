package mailbox

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailClient adapts the Gmail REST API to Client.
type GmailClient struct {
	service *gmail.Service
	user    string
}

// NewGmailClient builds a client that authenticates with ts. Extra options
// are passed to the Gmail service, which tests use to point at a fake server.
func NewGmailClient(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*GmailClient, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	service, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &GmailClient{service: service, user: "me"}, nil
}

// List implements Client.
func (c *GmailClient) List(ctx context.Context, query, pageToken string, maxResults int64) (Page, error) {
	call := c.service.Users.Messages.List(c.user).Q(query).MaxResults(maxResults)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return Page{}, Classify(err)
	}

	page := Page{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.Refs = append(page.Refs, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return page, nil
}

// Get implements Client.
func (c *GmailClient) Get(ctx context.Context, id string) (*Envelope, error) {
	msg, err := c.service.Users.Messages.Get(c.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, Classify(err)
	}

	env := &Envelope{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Payload:  convertGmailPart(msg.Payload),
	}
	if msg.InternalDate > 0 {
		env.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	return env, nil
}

// Profile returns the address of the authenticated mailbox.
func (c *GmailClient) Profile(ctx context.Context) (string, error) {
	p, err := c.service.Users.GetProfile(c.user).Context(ctx).Do()
	if err != nil {
		return "", Classify(err)
	}
	return p.EmailAddress, nil
}

func convertGmailPart(p *gmail.MessagePart) *Part {
	if p == nil {
		return nil
	}

	part := &Part{MimeType: strings.ToLower(p.MimeType)}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, Header{Name: h.Name, Value: h.Value})
		if strings.EqualFold(h.Name, "Content-Type") {
			if _, params, err := mime.ParseMediaType(h.Value); err == nil {
				part.Charset = strings.ToLower(params["charset"])
			}
		}
	}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		if converted := convertGmailPart(child); converted != nil {
			part.Parts = append(part.Parts, converted)
		}
	}
	return part
}
