package deriv

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerHostFor(t *testing.T) {
	assert.Equal(t, "blue.derivws.com", ServerHostFor(""))
	assert.Equal(t, "blue.derivws.com", ServerHostFor("VRTC1234567"))
	assert.Equal(t, "blue.derivws.com", ServerHostFor("VRW1000"))
	assert.Equal(t, "green.derivws.com", ServerHostFor("CR7654321"))
	assert.Equal(t, "green.derivws.com", ServerHostFor("MF1000"))
}

func TestGetSocketURL(t *testing.T) {
	ctx := context.Background()
	cfg := validConfig()

	tests := []struct {
		name    string
		stored  map[string]string
		cfgURL  string
		params  LaunchParams
		wantURL string
	}{
		{
			name:    "anonymous",
			wantURL: "wss://blue.derivws.com/websockets/v3?app_id=1089&l=EN&brand=deriv",
		},
		{
			name:    "real account",
			stored:  map[string]string{KeyActiveLoginID: "CR7654321"},
			wantURL: "wss://green.derivws.com/websockets/v3?app_id=1089&l=EN&brand=deriv",
		},
		{
			name:    "demo account",
			stored:  map[string]string{KeyActiveLoginID: "VRTC1234567"},
			wantURL: "wss://blue.derivws.com/websockets/v3?app_id=1089&l=EN&brand=deriv",
		},
		{
			name:    "redirect account before authorize",
			params:  LaunchParams{Accounts: []RedirectAccount{{LoginID: "CR7654321", Token: "t"}}, Lang: "es"},
			wantURL: "wss://green.derivws.com/websockets/v3?app_id=1089&l=ES&brand=deriv",
		},
		{
			name:    "configured server url",
			stored:  map[string]string{KeyActiveLoginID: "CR7654321"},
			cfgURL:  "qa10.deriv.dev",
			wantURL: "wss://qa10.deriv.dev/websockets/v3?app_id=1089&l=EN&brand=deriv",
		},
		{
			name:    "storage override wins",
			stored:  map[string]string{KeyServerURL: "ws://127.0.0.1:9000/websockets/v3"},
			cfgURL:  "qa10.deriv.dev",
			wantURL: "ws://127.0.0.1:9000/websockets/v3?app_id=1089&l=EN&brand=deriv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := NewMemoryStorage()
			for k, v := range tt.stored {
				require.NoError(t, storage.Set(ctx, k, v))
			}
			c := *cfg
			c.ServerURL = tt.cfgURL

			got, err := GetSocketURL(ctx, storage, &c, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, got)
		})
	}
}

func TestParseLaunchParams(t *testing.T) {
	q, err := url.ParseQuery("acct1=CR7654321&token1=a1-real&cur1=USD" +
		"&acct2=VRTC1234567&token2=a1-demo&cur2=USD" +
		"&acct10=CR900&token10=a1-ten&cur10=BTC" +
		"&acct3=MF1&cur3=EUR" +
		"&lang=fr&action=signup&state=xyz")
	require.NoError(t, err)

	params := ParseLaunchParams(q)
	assert.Equal(t, "FR", params.Lang)
	assert.Equal(t, "signup", params.Action)
	assert.True(t, params.HasRedirectAccounts())

	// acct3 has no token and is skipped, acct10 sorts numerically
	require.Len(t, params.Accounts, 3)
	assert.Equal(t, "CR7654321", params.Accounts[0].LoginID)
	assert.Equal(t, "VRTC1234567", params.Accounts[1].LoginID)
	assert.Equal(t, "CR900", params.Accounts[2].LoginID)
	assert.Equal(t, "BTC", params.Accounts[2].Currency)
}

func TestSelectedAccount(t *testing.T) {
	accounts := []RedirectAccount{
		{LoginID: "CR7654321", Token: "a1-usd", Currency: "USD"},
		{LoginID: "VRTC1234567", Token: "a1-demo", Currency: "USD"},
		{LoginID: "CR900", Token: "a1-btc", Currency: "BTC"},
	}

	_, ok := LaunchParams{}.SelectedAccount()
	assert.False(t, ok)

	tests := []struct {
		account string
		want    string
	}{
		{account: "", want: "CR7654321"},
		{account: "demo", want: "VRTC1234567"},
		{account: "btc", want: "CR900"},
		{account: "EUR", want: "CR7654321"},
	}
	for _, tt := range tests {
		t.Run("account="+tt.account, func(t *testing.T) {
			got, ok := LaunchParams{Account: tt.account, Accounts: accounts}.SelectedAccount()
			require.True(t, ok)
			assert.Equal(t, tt.want, got.LoginID)
		})
	}
}
