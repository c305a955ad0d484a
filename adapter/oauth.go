package deriv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// OAuthClient builds the Deriv login URL and exchanges one-time redirect
// tokens for session tokens
type OAuthClient struct {
	config     *oauth2.Config
	appID      string
	brand      string
	language   string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ TokenExchanger = (*OAuthClient)(nil)

// NewOAuthClient builds the oauth2 configuration from cfg. The app id doubles
// as the OAuth client id.
func NewOAuthClient(cfg *Config, logger *slog.Logger) *OAuthClient {
	return &OAuthClient{
		config: &oauth2.Config{
			ClientID: cfg.AppID,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.OAuth.URL,
				TokenURL: cfg.OAuth.TokenURL,
			},
			RedirectURL: cfg.OAuth.RedirectURL,
		},
		appID:    cfg.AppID,
		brand:    cfg.Brand,
		language: cfg.Language,
		logger:   loggerOrDefault(logger),
	}
}

// WithHTTPClient makes token exchanges use client
func (o *OAuthClient) WithHTTPClient(client *http.Client) *OAuthClient {
	o.httpClient = client
	return o
}

// NewState returns a random OAuth state value
func NewState() string {
	return uuid.NewString()
}

// LoginURL returns the authorize URL for state, carrying app_id, l and brand
func (o *OAuthClient) LoginURL(state string) string {
	return o.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("app_id", o.appID),
		oauth2.SetAuthURLParam("l", strings.ToUpper(o.language)),
		oauth2.SetAuthURLParam("brand", o.brand),
	)
}

// CanExchange reports whether a token endpoint is configured
func (o *OAuthClient) CanExchange() bool {
	return o.config.Endpoint.TokenURL != ""
}

// ExchangeToken trades a one-time token for a session token
func (o *OAuthClient) ExchangeToken(ctx context.Context, oneTimeToken string) (string, error) {
	if !o.CanExchange() {
		return "", errors.New("oauth token endpoint not configured")
	}
	if o.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	}

	token, err := o.config.Exchange(ctx, oneTimeToken)
	if err != nil {
		o.logger.Error("Token exchange failed",
			"function", "ExchangeToken",
			"error", err)
		return "", fmt.Errorf("failed to exchange token: %w", err)
	}
	if token.AccessToken == "" {
		return "", errors.New("token exchange returned an empty access token")
	}

	o.logger.Info("One-time token exchanged",
		"function", "ExchangeToken",
		"token_type", token.TokenType)
	return token.AccessToken, nil
}

// VerifyState checks the state echoed back by the redirect
func VerifyState(q url.Values, expected string) error {
	if expected == "" {
		return nil
	}
	if got := q.Get("state"); got != "" && got != expected {
		return fmt.Errorf("oauth state mismatch")
	}
	return nil
}
