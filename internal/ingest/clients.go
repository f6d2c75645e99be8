package ingest

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"job-app-tracker-go/internal/classifier"
	"job-app-tracker-go/internal/mailbox"
	"job-app-tracker-go/internal/model"
	"job-app-tracker-go/internal/token"
)

// ClientFactory builds a mail client for one account with the given
// credential. It is called once per account per run, and again after a
// credential refresh.
type ClientFactory func(ctx context.Context, account model.Account, cred token.Credential) (mailbox.Client, error)

// ProviderClients builds clients by account provider.
type ProviderClients struct {
	IMAPAddr      string
	NewerThanDays int
	// GmailOptions are appended when building Gmail clients.
	GmailOptions []option.ClientOption
}

// Factory returns the ClientFactory for p.
func (p ProviderClients) Factory() ClientFactory {
	return func(ctx context.Context, account model.Account, cred token.Credential) (mailbox.Client, error) {
		switch account.Provider {
		case model.ProviderGmail:
			ts := oauth2.StaticTokenSource(&oauth2.Token{
				AccessToken: cred.AccessToken,
				TokenType:   "Bearer",
				Expiry:      cred.Expiry,
			})
			c, err := mailbox.NewGmailClient(ctx, ts, p.GmailOptions...)
			if err != nil {
				return nil, err
			}
			return c, nil
		case model.ProviderIMAP:
			if p.IMAPAddr == "" {
				return nil, fmt.Errorf("no IMAP server configured for account %s", account.ID)
			}
			c, err := mailbox.DialIMAP(ctx, p.IMAPAddr, account.EmailAddress, cred.AccessToken, mailbox.IMAPSearch{
				NewerThanDays: p.NewerThanDays,
				Keywords:      mailbox.SearchKeywords,
				Domains:       classifier.CatalogueDomains(),
			})
			if err != nil {
				return nil, err
			}
			return c, nil
		default:
			return nil, fmt.Errorf("unsupported mail provider %q", account.Provider)
		}
	}
}
