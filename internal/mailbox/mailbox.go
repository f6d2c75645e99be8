package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// MessageRef identifies a provider message returned by listing.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Page is one page of a listing.
type Page struct {
	Refs          []MessageRef
	NextPageToken string
}

// Header is a raw message header.
type Header struct {
	Name  string
	Value string
}

// Part is a node of a MIME tree. Leaf content is carried base64url encoded
// in Data, the way the Gmail API delivers it.
type Part struct {
	MimeType string
	Charset  string
	Headers  []Header
	Data     string
	Parts    []*Part
}

// Envelope is a fully fetched provider message.
type Envelope struct {
	ID           string
	ThreadID     string
	Snippet      string
	InternalDate time.Time
	Payload      *Part
}

// Client is the narrow provider surface the ingestion pipeline needs.
type Client interface {
	List(ctx context.Context, query, pageToken string, maxResults int64) (Page, error)
	Get(ctx context.Context, id string) (*Envelope, error)
}

var (
	// ErrRateLimited is returned when the provider asks the caller to slow down.
	ErrRateLimited = errors.New("mail provider rate limited the request")
	// ErrUnauthenticated is returned when the provider rejects the access token.
	ErrUnauthenticated = errors.New("mail provider rejected the access token")
)

// Classify maps provider errors onto ErrRateLimited and ErrUnauthenticated.
// Errors that are neither are returned unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnauthenticated) {
		return err
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	case http.StatusForbidden:
		for _, item := range apiErr.Errors {
			if strings.EqualFold(item.Reason, "rateLimitExceeded") || strings.EqualFold(item.Reason, "userRateLimitExceeded") {
				return fmt.Errorf("%w: %w", ErrRateLimited, err)
			}
		}
	}
	return err
}
