package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRequester answers from canned frames keyed by call name
type fakeRequester struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	sent    []Request
	waited  []string
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		replies: map[string]string{
			"logout":            `{"msg_type":"logout","logout":1}`,
			"payout_currencies": `{"msg_type":"payout_currencies","payout_currencies":["USD"]}`,
			"authorize":         `{"msg_type":"authorize","authorize":{"loginid":"VRTC1234567"}}`,
			"topup_virtual":     `{"msg_type":"topup_virtual","topup_virtual":{"amount":10000}}`,
		},
		errs: map[string]error{},
	}
}

func (f *fakeRequester) Send(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req.Clone())
	call := req.Call()
	reply, ok := f.replies[call]
	err := f.errs[call]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		reply = `{"msg_type":"` + call + `"}`
	}
	return ParseResponse([]byte(reply))
}

func (f *fakeRequester) AuthorizedSend(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.Send(ctx, req)
}

func (f *fakeRequester) Wait(ctx context.Context, msgTypes ...string) error {
	f.mu.Lock()
	f.waited = append(f.waited, msgTypes...)
	f.mu.Unlock()
	return nil
}

func (f *fakeRequester) Subscribe(ctx context.Context, req Request) (*Stream, error) {
	resp, err := f.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	updates := make(chan *Response)
	close(updates)
	return &Stream{ID: "sub-" + req.Call(), MsgType: req.Call(), First: resp, Updates: updates}, nil
}

func (f *fakeRequester) Forget(ctx context.Context, id string) error { return nil }

func (f *fakeRequester) ForgetAll(ctx context.Context, msgTypes ...string) error { return nil }

func (f *fakeRequester) calls(call string) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, req := range f.sent {
		if req.Call() == call {
			out = append(out, req)
		}
	}
	return out
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type clientFixture struct {
	requester *fakeRequester
	storage   *MemoryStorage
	client    *ClientStore
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()
	storage := NewMemoryStorage()
	requester := newFakeRequester()
	return &clientFixture{
		requester: requester,
		storage:   storage,
		client: NewClientStore(ClientStoreOptions{
			Requester: requester,
			Session:   NewSession(storage),
			Storage:   storage,
			Clock:     fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		}),
	}
}

func demoAuthorize() *AuthorizeResponse {
	return &AuthorizeResponse{
		LoginID:            "VRTC1234567",
		UserID:             42,
		Balance:            decimal.RequireFromString("10000.00"),
		Currency:           "USD",
		IsVirtual:          1,
		LandingCompanyName: "virtual",
		AccountList: []AccountListEntry{
			{LoginID: "VRTC1234567", Currency: "USD", IsVirtual: 1, LandingCompanyName: "virtual"},
			{LoginID: "CR7654321", Currency: "EUR", LandingCompanyName: "svg"},
		},
	}
}

func (f *clientFixture) login(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.client.Session().StoreSessionToken(ctx, "a1-demo"))
	require.NoError(t, f.client.ResponseAuthorize(ctx, demoAuthorize(), "a1-demo"))
	require.True(t, f.client.IsLoggedIn())
}

func TestResponseAuthorizePersistsState(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	var kinds []EventKind
	f.client.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	f.login(t)

	assert.Equal(t, []EventKind{EventAccountSwitched, EventAuthorized}, kinds)
	assert.Equal(t, "VRTC1234567", f.client.LoginID())
	assert.Equal(t, "42", f.client.UserID())
	assert.True(t, f.client.IsVirtual())
	assert.Equal(t, "10000.00", f.client.Balance().StringFixed(2))
	assert.Equal(t, []string{"CR7654321", "VRTC1234567"}, f.client.LoginIDs())

	account, ok := f.client.CurrentAccount()
	require.True(t, ok)
	assert.Equal(t, "a1-demo", account.SessionToken)
	assert.Equal(t, 2026, account.SessionStart.Year())

	stored, err := f.storage.Get(ctx, KeyActiveLoginID)
	require.NoError(t, err)
	assert.Equal(t, "VRTC1234567", stored)

	raw, err := f.storage.Get(ctx, KeyClientAccounts)
	require.NoError(t, err)
	var accounts map[string]StoredAccount
	require.NoError(t, json.Unmarshal([]byte(raw), &accounts))
	assert.Equal(t, "a1-demo", accounts["VRTC1234567"].Token)
	assert.Equal(t, "EUR", accounts["CR7654321"].Currency)
	assert.Empty(t, accounts["CR7654321"].Token)

	// a second authorize for the same account does not announce a switch
	kinds = nil
	require.NoError(t, f.client.ResponseAuthorize(ctx, demoAuthorize(), "a1-demo"))
	assert.Equal(t, []EventKind{EventAuthorized}, kinds)
}

func TestResponseAuthorizeIgnoresStaleToken(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.ResponseAuthorize(ctx, demoAuthorize(), "a1-demo"))
	assert.False(t, f.client.IsLoggedIn(), "no session token")

	require.NoError(t, f.client.Session().StoreSessionToken(ctx, "a1-new"))
	require.NoError(t, f.client.ResponseAuthorize(ctx, demoAuthorize(), "a1-old"))
	assert.False(t, f.client.IsLoggedIn())
	assert.Empty(t, f.client.LoginID())
}

func TestIsLoggedInRequiresAgreement(t *testing.T) {
	f := newClientFixture(t)
	f.login(t)

	f.client.mu.Lock()
	f.client.loginID = "CR7654321"
	f.client.mu.Unlock()
	assert.False(t, f.client.IsLoggedIn(), "loginid disagrees with current account")

	f.client.mu.Lock()
	f.client.loginID = "VRTC1234567"
	f.client.mu.Unlock()
	require.NoError(t, f.client.Session().ClearSessionToken(context.Background()))
	assert.False(t, f.client.IsLoggedIn(), "no token")
}

func TestLoadRestoresPersistedSession(t *testing.T) {
	f := newClientFixture(t)
	f.login(t)

	restored := NewClientStore(ClientStoreOptions{
		Requester: f.requester,
		Session:   NewSession(f.storage),
		Storage:   f.storage,
	})
	require.NoError(t, restored.Load(context.Background()))
	assert.True(t, restored.IsLoggedIn())
	assert.Equal(t, "VRTC1234567", restored.LoginID())
	assert.Equal(t, "USD", restored.Currency())
}

func TestLoadDiscardsCorruptAccount(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()
	require.NoError(t, f.storage.Set(ctx, KeyCurrentAccount, "{broken"))
	require.NoError(t, f.storage.Set(ctx, KeyActiveLoginID, "VRTC1234567"))

	require.NoError(t, f.client.Load(ctx))
	_, ok := f.client.CurrentAccount()
	assert.False(t, ok)
	assert.False(t, f.client.IsLoggedIn())
}

func TestInitWithRedirectAccounts(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	var initialized bool
	f.client.Subscribe(func(ev Event) {
		if ev.Kind == EventInitialized {
			initialized = true
		}
	})

	err := f.client.Init(ctx, LaunchParams{
		Account: "demo",
		Accounts: []RedirectAccount{
			{LoginID: "CR7654321", Token: "a1-real", Currency: "USD"},
			{LoginID: "VRTC1234567", Token: "a1-demo", Currency: "USD"},
		},
	})
	require.NoError(t, err)

	assert.True(t, initialized)
	assert.True(t, f.client.IsInitialized())
	assert.Equal(t, "a1-demo", f.client.Session().GetSessionToken())

	auth := f.requester.calls("authorize")
	require.Len(t, auth, 1)
	assert.Equal(t, "a1-demo", auth[0]["authorize"])

	active, err := f.storage.Get(ctx, KeyActiveLoginID)
	require.NoError(t, err)
	assert.Equal(t, "VRTC1234567", active)
	assert.Equal(t, "a1-real", f.client.Accounts()["CR7654321"].Token)

	// not logged in yet (the dispatcher applies authorize), so currencies
	// are fetched explicitly
	assert.Len(t, f.requester.calls("payout_currencies"), 1)
	assert.Contains(t, f.requester.waited, "website_status")
}

func TestInitAnonymous(t *testing.T) {
	f := newClientFixture(t)

	require.NoError(t, f.client.Init(context.Background(), LaunchParams{}))
	assert.Empty(t, f.requester.calls("authorize"))
	assert.Len(t, f.requester.calls("payout_currencies"), 1)
	assert.False(t, f.client.IsLoggedIn())
}

type stubExchanger struct {
	token string
	err   error
	got   string
}

func (s *stubExchanger) ExchangeToken(ctx context.Context, oneTimeToken string) (string, error) {
	s.got = oneTimeToken
	return s.token, s.err
}

func TestInitExchangesOneTimeToken(t *testing.T) {
	storage := NewMemoryStorage()
	requester := newFakeRequester()
	exchanger := &stubExchanger{token: "a1-session"}
	client := NewClientStore(ClientStoreOptions{
		Requester: requester,
		Session:   NewSession(storage),
		Storage:   storage,
		Exchanger: exchanger,
	})

	require.NoError(t, client.Init(context.Background(), LaunchParams{Token: "one-time"}))
	assert.Equal(t, "one-time", exchanger.got)
	assert.Equal(t, "a1-session", client.Session().GetSessionToken())
	require.Len(t, requester.calls("authorize"), 1)

	exchanger.err = errors.New("expired")
	err := client.Init(context.Background(), LaunchParams{Token: "one-time"})
	assert.ErrorContains(t, err, "exchange one-time token")
}

func TestInitContinuesAfterAuthorizeError(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.Session().StoreSessionToken(ctx, "a1-bogus"))
	f.requester.errs["authorize"] = &APIError{Code: ErrCodeInvalidToken, Message: "The token is invalid."}

	require.NoError(t, f.client.Init(ctx, LaunchParams{}))
	assert.False(t, f.client.IsLoggedIn())

	f.requester.errs["authorize"] = ErrNotConnected
	assert.ErrorIs(t, f.client.Init(ctx, LaunchParams{}), ErrNotConnected)
}

func TestLogoutClearsOnlyWhenConfirmed(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()
	f.login(t)

	f.requester.replies["logout"] = `{"msg_type":"logout","logout":0}`
	resp, err := f.client.Logout(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Logout)
	assert.True(t, f.client.IsLoggedIn())

	f.requester.errs["logout"] = ErrNotConnected
	_, err = f.client.Logout(ctx)
	assert.Error(t, err)
	assert.True(t, f.client.IsLoggedIn())
	delete(f.requester.errs, "logout")

	var loggedOut string
	f.client.Subscribe(func(ev Event) {
		if ev.Kind == EventLogout {
			loggedOut = ev.LoginID
		}
	})

	f.requester.replies["logout"] = `{"msg_type":"logout","logout":1}`
	resp, err = f.client.Logout(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Logout)
	assert.False(t, f.client.IsLoggedIn())
	assert.Equal(t, "VRTC1234567", loggedOut)
	assert.Empty(t, f.client.Accounts())

	for _, key := range []string{KeySessionToken, KeyActiveLoginID, KeyCurrentAccount, KeyClientAccounts} {
		_, err := f.storage.Get(ctx, key)
		assert.ErrorIs(t, err, ErrKeyNotFound, key)
	}
}

func TestSetBalance(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()

	// no account yet
	require.NoError(t, f.client.SetBalance(ctx, BalanceResponse{Balance: decimal.NewFromInt(5)}))
	assert.True(t, f.client.Balance().IsZero())

	f.login(t)
	require.NoError(t, f.client.SetBalance(ctx, BalanceResponse{
		Balance: decimal.RequireFromString("9990.50"), Currency: "USD", LoginID: "VRTC1234567",
	}))
	assert.Equal(t, "9990.50", f.client.Balance().StringFixed(2))

	// pushes for another account are ignored
	require.NoError(t, f.client.SetBalance(ctx, BalanceResponse{
		Balance: decimal.NewFromInt(1), LoginID: "CR7654321",
	}))
	assert.Equal(t, "9990.50", f.client.Balance().StringFixed(2))
}

func TestDefaultCurrency(t *testing.T) {
	f := newClientFixture(t)
	assert.Equal(t, "USD", f.client.DefaultCurrency())

	f.client.ResponsePayoutCurrencies([]string{"BTC", "EUR", "USD"})
	assert.Equal(t, "BTC", f.client.DefaultCurrency())

	f.client.SetWebsiteStatus(WebsiteStatus{
		SiteStatus: "up",
		CurrenciesConfig: map[string]CurrencyConfig{
			"BTC": {Type: "crypto"},
			"EUR": {Type: "fiat"},
			"USD": {Type: "fiat"},
		},
	})
	assert.Equal(t, "EUR", f.client.DefaultCurrency())
	assert.Equal(t, "EUR", f.client.Currency())

	status, ok := f.client.WebsiteStatus()
	require.True(t, ok)
	assert.True(t, status.IsUp())
}

func TestSwitchAccount(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()
	f.login(t)

	assert.ErrorContains(t, f.client.SwitchAccount(ctx, "MF1"), "unknown account")
	assert.ErrorContains(t, f.client.SwitchAccount(ctx, "CR7654321"), "no token stored")

	require.NoError(t, f.client.SwitchAccount(ctx, "VRTC1234567"))
	assert.Len(t, f.requester.calls("authorize"), 0, "switching to the active account is a no-op")

	f.client.mu.Lock()
	entry := f.client.accounts["CR7654321"]
	entry.Token = "a1-real"
	f.client.accounts["CR7654321"] = entry
	f.client.mu.Unlock()

	var switching bool
	f.client.Subscribe(func(ev Event) {
		if ev.Kind == EventSwitching {
			switching = true
		}
	})

	require.NoError(t, f.client.SwitchAccount(ctx, "CR7654321"))
	assert.True(t, switching)
	assert.True(t, f.client.IsSwitching())
	assert.Equal(t, "a1-real", f.client.Session().GetSessionToken())

	auth := f.requester.calls("authorize")
	require.Len(t, auth, 1)
	assert.Equal(t, "a1-real", auth[0]["authorize"])
}

func TestSwitchAccountRestoresActiveAccountOnTransportError(t *testing.T) {
	f := newClientFixture(t)
	ctx := context.Background()
	f.login(t)

	f.client.mu.Lock()
	entry := f.client.accounts["CR7654321"]
	entry.Token = "a1-real"
	f.client.accounts["CR7654321"] = entry
	f.client.mu.Unlock()

	f.requester.mu.Lock()
	f.requester.errs["authorize"] = fmt.Errorf("cannot send authorize: %w", ErrNotConnected)
	f.requester.mu.Unlock()

	err := f.client.SwitchAccount(ctx, "CR7654321")
	require.ErrorIs(t, err, ErrNotConnected)

	assert.False(t, f.client.IsSwitching())
	assert.Equal(t, "a1-demo", f.client.Session().GetSessionToken())
	token, err := f.storage.Get(ctx, KeySessionToken)
	require.NoError(t, err)
	assert.Equal(t, "a1-demo", token)
	loginID, err := f.storage.Get(ctx, KeyActiveLoginID)
	require.NoError(t, err)
	assert.Equal(t, "VRTC1234567", loginID)
	assert.True(t, f.client.IsLoggedIn())
}

func TestResetVirtualBalance(t *testing.T) {
	f := newClientFixture(t)
	f.login(t)

	f.client.ResetVirtualBalance(context.Background())
	assert.Eventually(t, func() bool {
		return len(f.requester.calls("topup_virtual")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestResetVirtualBalanceOutlivesCaller(t *testing.T) {
	f := newClientFixture(t)
	f.login(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.client.ResetVirtualBalance(ctx)
	assert.Eventually(t, func() bool {
		return len(f.requester.calls("topup_virtual")) == 1
	}, time.Second, 10*time.Millisecond)
}
