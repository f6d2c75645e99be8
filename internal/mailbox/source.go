package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultLimit caps how many message references a single run accumulates.
const DefaultLimit = 50

// Reauthenticator refreshes the account credential and returns a client
// built on the new access token.
type Reauthenticator func(ctx context.Context) (Client, error)

// Options tunes a Source.
type Options struct {
	Query    string
	Limit    int
	PageSize int64
	Backoff  Backoff
	// Sleep waits between rate-limited attempts. Defaults to SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is told about every retry, with reason "rate_limited" or "unauthenticated".
	OnRetry func(reason string)
}

// Source lists and fetches messages for one account during one run.
// It is not safe for concurrent use.
type Source struct {
	client Client
	reauth Reauthenticator
	opts   Options
	logger *logrus.Entry
}

// NewSource wraps client with retry handling. reauth may be nil, in which
// case an unauthenticated response is returned as is.
func NewSource(client Client, reauth Reauthenticator, opts Options) *Source {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.PageSize <= 0 {
		opts.PageSize = int64(opts.Limit)
	}
	if opts.Backoff.Base <= 0 || opts.Backoff.Max <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = SleepContext
	}
	return &Source{
		client: client,
		reauth: reauth,
		opts:   opts,
		logger: logrus.WithField("component", "mailbox"),
	}
}

// ListCandidates pages through the listing until the limit is reached or
// the provider runs out of pages. On failure the references accumulated so
// far are returned together with the error.
func (s *Source) ListCandidates(ctx context.Context) ([]MessageRef, error) {
	var (
		refs      []MessageRef
		pageToken string
	)

	for len(refs) < s.opts.Limit {
		size := s.opts.PageSize
		if remaining := int64(s.opts.Limit - len(refs)); remaining < size {
			size = remaining
		}

		page, err := call(ctx, s, "list", func(c Client) (Page, error) {
			return c.List(ctx, s.opts.Query, pageToken, size)
		})
		if err != nil {
			return refs, fmt.Errorf("failed to list messages: %w", err)
		}

		refs = append(refs, page.Refs...)
		if page.NextPageToken == "" || len(page.Refs) == 0 {
			break
		}
		pageToken = page.NextPageToken
	}

	if len(refs) > s.opts.Limit {
		refs = refs[:s.opts.Limit]
	}
	return refs, nil
}

// Fetch retrieves one full message.
func (s *Source) Fetch(ctx context.Context, id string) (*Envelope, error) {
	env, err := call(ctx, s, "get", func(c Client) (*Envelope, error) {
		return c.Get(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return env, nil
}

// Close releases the underlying client when it holds a connection.
func (s *Source) Close() error {
	return closeClient(s.client)
}

func closeClient(c Client) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// call runs fn, backing off on rate limits without an attempt ceiling and
// reauthenticating at most once per operation. ctx bounds the retries.
func call[T any](ctx context.Context, s *Source, op string, fn func(Client) (T, error)) (T, error) {
	var zero T
	attempt := 0
	reauthed := false

	for {
		v, err := fn(s.client)
		if err == nil {
			return v, nil
		}
		err = Classify(err)

		switch {
		case errors.Is(err, ErrRateLimited):
			delay := s.opts.Backoff.Delay(attempt)
			attempt++
			s.notify("rate_limited")
			s.logger.WithFields(logrus.Fields{
				"op":      op,
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("Rate limited by mail provider, backing off")
			if serr := s.opts.Sleep(ctx, delay); serr != nil {
				return zero, fmt.Errorf("%w (gave up after %d attempts: %w)", err, attempt, serr)
			}

		case errors.Is(err, ErrUnauthenticated) && !reauthed && s.reauth != nil:
			reauthed = true
			s.notify("unauthenticated")
			s.logger.WithField("op", op).Warn("Access token rejected, refreshing credential")
			client, rerr := s.reauth(ctx)
			if rerr != nil {
				return zero, rerr
			}
			if cerr := closeClient(s.client); cerr != nil {
				s.logger.WithError(cerr).Debug("Failed to close previous mail client")
			}
			s.client = client

		default:
			return zero, err
		}
	}
}

func (s *Source) notify(reason string) {
	if s.opts.OnRetry != nil {
		s.opts.OnRetry(reason)
	}
}
