package mailbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

type listCall struct {
	pageToken  string
	maxResults int64
}

// fakeClient serves pages from a fixed id list and can be scripted to fail.
type fakeClient struct {
	ids      []string
	listErrs []error
	getErrs  []error
	lists    []listCall
	gets     []string
	closed   bool
}

func (f *fakeClient) List(_ context.Context, _ string, pageToken string, maxResults int64) (Page, error) {
	f.lists = append(f.lists, listCall{pageToken: pageToken, maxResults: maxResults})
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return Page{}, err
		}
	}

	offset := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "%d", &offset)
	}
	end := offset + int(maxResults)
	if end > len(f.ids) {
		end = len(f.ids)
	}
	page := Page{}
	for _, id := range f.ids[offset:end] {
		page.Refs = append(page.Refs, MessageRef{ID: id, ThreadID: "t-" + id})
	}
	if end < len(f.ids) {
		page.NextPageToken = fmt.Sprintf("%d", end)
	}
	return page, nil
}

func (f *fakeClient) Get(_ context.Context, id string) (*Envelope, error) {
	f.gets = append(f.gets, id)
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Envelope{ID: id}, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("m%03d", i)
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestBackoffDelays(t *testing.T) {
	b := DefaultBackoff
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for attempt, d := range want {
		assert.Equal(t, d, b.Delay(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, b.Delay(1000))
}

func TestListCandidatesCapsAtLimit(t *testing.T) {
	client := &fakeClient{ids: ids(120)}
	src := NewSource(client, nil, Options{Limit: 50, PageSize: 20, Sleep: noSleep})

	refs, err := src.ListCandidates(context.Background())

	require.NoError(t, err)
	assert.Len(t, refs, 50)
	assert.Equal(t, "m000", refs[0].ID)
	assert.Equal(t, "m049", refs[49].ID)
	assert.Equal(t, []listCall{
		{pageToken: "", maxResults: 20},
		{pageToken: "20", maxResults: 20},
		{pageToken: "40", maxResults: 10},
	}, client.lists)
}

func TestListCandidatesStopsAtLastPage(t *testing.T) {
	client := &fakeClient{ids: ids(7)}
	src := NewSource(client, nil, Options{Limit: 50, PageSize: 5, Sleep: noSleep})

	refs, err := src.ListCandidates(context.Background())

	require.NoError(t, err)
	assert.Len(t, refs, 7)
	assert.Len(t, client.lists, 2)
}

func TestListCandidatesBacksOffOnRateLimit(t *testing.T) {
	client := &fakeClient{
		ids:      ids(3),
		listErrs: []error{ErrRateLimited, &googleapi.Error{Code: 429}, ErrRateLimited, nil},
	}
	var delays []time.Duration
	var reasons []string
	src := NewSource(client, nil, Options{
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		OnRetry: func(reason string) { reasons = append(reasons, reason) },
	})

	refs, err := src.ListCandidates(context.Background())

	require.NoError(t, err)
	assert.Len(t, refs, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
	assert.Equal(t, []string{"rate_limited", "rate_limited", "rate_limited"}, reasons)
}

func TestRateLimitRetriesAreInterruptible(t *testing.T) {
	always := make([]error, 100)
	for i := range always {
		always[i] = ErrRateLimited
	}
	client := &fakeClient{ids: ids(3), listErrs: always}

	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	src := NewSource(client, nil, Options{
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			if len(delays) == 8 {
				cancel()
			}
			return ctx.Err()
		},
	})

	refs, err := src.ListCandidates(ctx)

	assert.Empty(t, refs)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, delays)
}

func TestSleepContextHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := SleepContext(ctx, time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUnauthenticatedReauthsOnceAndRetries(t *testing.T) {
	stale := &fakeClient{ids: ids(3), listErrs: []error{&googleapi.Error{Code: 401}}}
	fresh := &fakeClient{ids: ids(3)}
	reauths := 0
	src := NewSource(stale, func(context.Context) (Client, error) {
		reauths++
		return fresh, nil
	}, Options{Sleep: noSleep})

	refs, err := src.ListCandidates(context.Background())

	require.NoError(t, err)
	assert.Len(t, refs, 3)
	assert.Equal(t, 1, reauths)
	assert.True(t, stale.closed)
	assert.Len(t, fresh.lists, 1)
}

func TestUnauthenticatedTwiceGivesUp(t *testing.T) {
	stale := &fakeClient{listErrs: []error{ErrUnauthenticated}}
	fresh := &fakeClient{listErrs: []error{ErrUnauthenticated}}
	reauths := 0
	src := NewSource(stale, func(context.Context) (Client, error) {
		reauths++
		return fresh, nil
	}, Options{Sleep: noSleep})

	_, err := src.ListCandidates(context.Background())

	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 1, reauths)
}

func TestReauthFailureAbortsListing(t *testing.T) {
	refreshErr := errors.New("refresh failed")
	client := &fakeClient{listErrs: []error{ErrUnauthenticated}}
	src := NewSource(client, func(context.Context) (Client, error) {
		return nil, refreshErr
	}, Options{Sleep: noSleep})

	_, err := src.ListCandidates(context.Background())

	assert.ErrorIs(t, err, refreshErr)
}

func TestListCandidatesKeepsAccumulatedRefsOnFailure(t *testing.T) {
	boom := errors.New("backend unavailable")
	client := &fakeClient{ids: ids(30), listErrs: []error{nil, boom}}
	src := NewSource(client, nil, Options{PageSize: 10, Sleep: noSleep})

	refs, err := src.ListCandidates(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.Len(t, refs, 10)
}

func TestFetchRetriesPerMessage(t *testing.T) {
	client := &fakeClient{getErrs: []error{ErrRateLimited, nil}}
	src := NewSource(client, nil, Options{Sleep: noSleep})

	env, err := src.Fetch(context.Background(), "m1")

	require.NoError(t, err)
	assert.Equal(t, "m1", env.ID)
	assert.Equal(t, []string{"m1", "m1"}, client.gets)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, Classify(&googleapi.Error{Code: 429}), ErrRateLimited)
	assert.ErrorIs(t, Classify(&googleapi.Error{Code: 401}), ErrUnauthenticated)
	assert.ErrorIs(t, Classify(&googleapi.Error{
		Code:   403,
		Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}},
	}), ErrRateLimited)

	forbidden := &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}
	assert.Equal(t, error(forbidden), Classify(forbidden))
	assert.NoError(t, Classify(nil))
}

func TestQuery(t *testing.T) {
	q := Query(30)

	assert.Contains(t, q, "newer_than:30d (application OR interview OR assessment OR offer OR regret OR rejection) AND (")
	assert.Contains(t, q, "from:greenhouse.io OR from:notifications.greenhouse.io OR from:lever.co")
	assert.Contains(t, q, "from:successfactors.com)")
}
