package pcrs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// The STS omits expires_in on some grants; tokens are then assumed to live
// this long, and are refreshed this far ahead of expiry.
const (
	defaultTokenLifetime = 30 * time.Minute
	tokenExpiryBuffer    = 60 * time.Second
)

// Credentials holds the resource-owner credentials for one STS realm.
type Credentials struct {
	STSURL       string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

func (c Credentials) validate() error {
	switch {
	case strings.TrimSpace(c.STSURL) == "":
		return errors.New("pcrs: sts url is required")
	case strings.TrimSpace(c.ClientID) == "":
		return errors.New("pcrs: client id is required")
	case strings.TrimSpace(c.Username) == "":
		return errors.New("pcrs: username is required")
	case strings.TrimSpace(c.Password) == "":
		return errors.New("pcrs: password is required")
	}
	return nil
}

// TokenProvider issues bearer tokens for one STS realm. The first call
// performs a password grant; subsequent calls reuse the cached token and
// refresh it via the refresh-token grant ahead of expiry.
type TokenProvider struct {
	cfg      *oauth2.Config
	username string
	password string
	client   *http.Client

	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewTokenProvider validates the credentials and builds a provider. A nil
// httpClient falls back to http.DefaultClient.
func NewTokenProvider(creds Credentials, httpClient *http.Client) (*TokenProvider, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	return &TokenProvider{
		cfg: &oauth2.Config{
			ClientID:     strings.TrimSpace(creds.ClientID),
			ClientSecret: strings.TrimSpace(creds.ClientSecret),
			Endpoint: oauth2.Endpoint{
				TokenURL:  strings.TrimSpace(creds.STSURL),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		username: creds.Username,
		password: creds.Password,
		client:   httpClient,
	}, nil
}

// Token returns a bearer token valid for at least the expiry buffer.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source == nil {
		token, err := p.cfg.PasswordCredentialsToken(ctx, p.username, p.password)
		if err != nil {
			return "", fmt.Errorf("pcrs: password grant: %w", err)
		}
		if token.Expiry.IsZero() {
			token.Expiry = time.Now().Add(defaultTokenLifetime)
		}
		// The refreshing source outlives this request, so it must not be
		// bound to the request context.
		baseCtx := context.Background()
		if p.client != nil {
			baseCtx = context.WithValue(baseCtx, oauth2.HTTPClient, p.client)
		}
		p.source = oauth2.ReuseTokenSourceWithExpiry(token, p.cfg.TokenSource(baseCtx, token), tokenExpiryBuffer)
	}

	token, err := p.source.Token()
	if err != nil {
		// A dead refresh token forces a fresh password grant next call.
		p.source = nil
		return "", fmt.Errorf("pcrs: token refresh: %w", err)
	}
	return token.AccessToken, nil
}
