package deriv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginURL(t *testing.T) {
	cfg := validConfig()
	cfg.OAuth.URL = DefaultOAuthURL
	cfg.OAuth.RedirectURL = "http://127.0.0.1:8085/redirect"
	cfg.Language = "es"

	client := NewOAuthClient(cfg, nil)
	state := NewState()
	require.NotEmpty(t, state)

	loginURL, err := url.Parse(client.LoginURL(state))
	require.NoError(t, err)

	q := loginURL.Query()
	assert.Equal(t, "oauth.deriv.com", loginURL.Host)
	assert.Equal(t, "1089", q.Get("app_id"))
	assert.Equal(t, "ES", q.Get("l"))
	assert.Equal(t, "deriv", q.Get("brand"))
	assert.Equal(t, state, q.Get("state"))
	assert.False(t, client.CanExchange())
}

func TestVerifyState(t *testing.T) {
	assert.NoError(t, VerifyState(url.Values{}, ""))
	assert.NoError(t, VerifyState(url.Values{"state": {"abc"}}, "abc"))
	// Deriv does not always echo the state back
	assert.NoError(t, VerifyState(url.Values{}, "abc"))
	assert.Error(t, VerifyState(url.Values{"state": {"evil"}}, "abc"))
}

func TestExchangeToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "one-time" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a1-session","token_type":"Bearer"}`))
	}))
	defer server.Close()

	cfg := validConfig()
	cfg.OAuth.TokenURL = server.URL
	client := NewOAuthClient(cfg, nil).WithHTTPClient(server.Client())
	require.True(t, client.CanExchange())

	token, err := client.ExchangeToken(context.Background(), "one-time")
	require.NoError(t, err)
	assert.Equal(t, "a1-session", token)

	_, err = client.ExchangeToken(context.Background(), "reused")
	assert.Error(t, err)
}

func TestExchangeTokenWithoutEndpoint(t *testing.T) {
	_, err := NewOAuthClient(validConfig(), nil).ExchangeToken(context.Background(), "one-time")
	assert.Error(t, err)
}
