package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

var (
	// ErrMissingRefreshToken means the access token is unusable and there is
	// nothing to refresh it with. The user has to reconnect the account.
	ErrMissingRefreshToken = errors.New("missing refresh token for mail account, please reconnect and grant offline access")

	// ErrRefreshFailed means the provider rejected the refresh token. It is
	// terminal for the current run; the user has to reconnect the account.
	ErrRefreshFailed = errors.New("failed to refresh access token, please reconnect the mail account")
)

// Credential is a provider token pair with the access token's expiry.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Refresher exchanges a refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Lifecycle keeps credentials usable. It never writes to a store: callers
// persist the credential returned by EnsureFresh and Refresh.
type Lifecycle struct {
	refresher Refresher
	now       func() time.Time
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

// NewLifecycle creates a Lifecycle backed by refresher.
func NewLifecycle(refresher Refresher, opts ...Option) *Lifecycle {
	l := &Lifecycle{refresher: refresher, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NeedsRefresh reports whether the access token is missing or expired.
// A zero expiry counts as expired.
func (l *Lifecycle) NeedsRefresh(cred Credential) bool {
	if cred.AccessToken == "" || cred.Expiry.IsZero() {
		return true
	}
	return !l.now().Before(cred.Expiry)
}

// EnsureFresh returns a credential whose access token is not expired,
// refreshing it when needed. The boolean reports whether a refresh happened,
// in which case the caller must persist the returned credential.
func (l *Lifecycle) EnsureFresh(ctx context.Context, cred Credential) (Credential, bool, error) {
	if !l.NeedsRefresh(cred) {
		return cred, false, nil
	}
	fresh, err := l.Refresh(ctx, cred)
	if err != nil {
		return cred, false, err
	}
	return fresh, true, nil
}

// Refresh unconditionally exchanges the refresh token. The refresh token is
// only replaced when the provider issued a new one.
func (l *Lifecycle) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	if strings.TrimSpace(cred.RefreshToken) == "" {
		return cred, ErrMissingRefreshToken
	}

	tok, err := l.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return cred, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return cred, fmt.Errorf("%w: provider returned no access token", ErrRefreshFailed)
	}

	fresh := cred
	fresh.AccessToken = tok.AccessToken
	fresh.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return fresh, nil
}

// OAuthRefresher refreshes tokens against an OAuth2 token endpoint.
type OAuthRefresher struct {
	config *oauth2.Config
}

// NewOAuthRefresher wraps an oauth2 client configuration.
func NewOAuthRefresher(config *oauth2.Config) *OAuthRefresher {
	return &OAuthRefresher{config: config}
}

// Refresh implements Refresher.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// a token without an access token is never valid, so Token() always hits the endpoint
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to exchange refresh token: %w", err)
	}
	return tok, nil
}

// GoogleConfig builds the OAuth2 configuration for Google mail access. It
// asks for read-only Gmail access unless other scopes are given.
func GoogleConfig(clientID, clientSecret, redirectURL string, scopes ...string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = []string{gmail.GmailReadonlyScope}
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint:     google.Endpoint,
	}
}
