package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"job-app-tracker-go/internal/mailbox"
	"job-app-tracker-go/internal/model"
	"job-app-tracker-go/internal/repository"
)

// AuthURL is where the user grants offline mail access for provider.
func AuthURL(cfg *oauth2.Config, provider, state string) string {
	return providerConfig(cfg, provider).AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// providerConfig returns cfg with the scopes provider needs. Gmail's IMAP
// server only accepts tokens carrying the full mail scope; the REST API
// gets by with read-only access.
func providerConfig(cfg *oauth2.Config, provider string) *oauth2.Config {
	scoped := *cfg
	if provider == model.ProviderIMAP {
		scoped.Scopes = []string{gmail.MailGoogleComScope}
	}
	return &scoped
}

// Connect exchanges an authorization code, looks up the mailbox address and
// stores the account for userID. Reconnecting an account without a new
// refresh token keeps the stored one.
func Connect(ctx context.Context, repo *repository.Repository, cfg *oauth2.Config, userID, provider, code string, gmailOpts ...option.ClientOption) (*model.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	switch provider {
	case model.ProviderGmail, model.ProviderIMAP:
	default:
		return nil, fmt.Errorf("unsupported mail provider %q", provider)
	}

	cfg = providerConfig(cfg, provider)
	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	gmailClient, err := mailbox.NewGmailClient(ctx, cfg.TokenSource(ctx, tok), gmailOpts...)
	if err != nil {
		return nil, err
	}
	address, err := gmailClient.Profile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up mailbox address: %w", err)
	}

	account := &model.Account{
		UserID:       userID,
		Provider:     provider,
		ProviderSub:  strings.ToLower(address),
		EmailAddress: address,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		account.TokenExpiresAt = &expiry
	}
	return repo.UpsertAccount(ctx, account)
}
