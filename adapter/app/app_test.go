package app

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/bjoelf/deriv-adapter/adapter/websocket/mocktesting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(mock *mocktesting.MockDerivServer) *deriv.Config {
	cfg := &deriv.Config{
		AppID:              "1089",
		Brand:              "deriv",
		Language:           "EN",
		ServerURL:          mock.BaseURL(),
		WatchdogTimeout:    5 * time.Second,
		ServerTimeInterval: time.Hour,
	}
	cfg.Storage.Backend = "memory"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

func newTestApp(t *testing.T) (*App, *mocktesting.MockDerivServer, *deriv.MemoryStorage) {
	t.Helper()
	mock := mocktesting.NewMockDerivServer()
	t.Cleanup(mock.Close)

	storage := deriv.NewMemoryStorage()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(testConfig(mock), storage, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, mock, storage
}

func redirectParams(loginID, token string) deriv.LaunchParams {
	q := url.Values{}
	q.Set("acct1", loginID)
	q.Set("token1", token)
	q.Set("cur1", "USD")
	return deriv.ParseLaunchParams(q)
}

func TestNew_RequiresConfigAndStorage(t *testing.T) {
	_, err := New(nil, deriv.NewMemoryStorage(), nil)
	assert.Error(t, err)

	_, err = New(&deriv.Config{}, nil, nil)
	assert.Error(t, err)
}

func TestApp_StartAnonymous(t *testing.T) {
	a, mock, _ := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.Start(ctx, deriv.LaunchParams{}))

	assert.False(t, a.Client().IsLoggedIn())
	assert.True(t, a.Client().IsInitialized())
	assert.Equal(t, []string{"USD", "EUR", "BTC"}, a.Client().Currencies())
	assert.True(t, a.Common().IsSocketOpened())

	status, ok := a.Client().WebsiteStatus()
	require.True(t, ok)
	assert.True(t, status.IsUp())
	assert.Equal(t, 0, mock.CountRequests("authorize"))

	tab, err := a.SessionStorage().Get(ctx, deriv.KeyActiveTab)
	require.NoError(t, err)
	assert.Equal(t, "1", tab)
}

func TestApp_StartWithRedirectAccounts(t *testing.T) {
	a, mock, storage := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.Start(ctx, redirectParams("VRTC1234567", mocktesting.ValidToken)))

	client := a.Client()
	assert.True(t, client.IsLoggedIn())
	assert.Equal(t, "VRTC1234567", client.LoginID())
	assert.True(t, client.IsVirtual())

	token, err := storage.Get(ctx, deriv.KeySessionToken)
	require.NoError(t, err)
	assert.Equal(t, mocktesting.ValidToken, token)

	require.Eventually(t, a.Transport().IsAuthorized, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(mock.SubscriptionIDs("balance")) == 1 && len(mock.SubscriptionIDs("transaction")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, a.Start(ctx, deriv.LaunchParams{}), "second start")
}

func TestApp_ReloadRestoresSessionFromStorage(t *testing.T) {
	a, mock, _ := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.Start(ctx, redirectParams("VRTC1234567", mocktesting.ValidToken)))
	before := a.Client()

	reloaded := make(chan deriv.Event, 1)
	unsubscribe := a.Subscribe(func(ev deriv.Event) {
		if ev.Kind == deriv.EventReloaded {
			reloaded <- ev
		}
	})
	defer unsubscribe()

	require.NoError(t, a.Reload(ctx))

	select {
	case ev := <-reloaded:
		assert.Equal(t, "VRTC1234567", ev.LoginID)
	case <-time.After(time.Second):
		t.Fatal("no reloaded event")
	}

	assert.NotSame(t, before, a.Client())
	assert.True(t, a.Client().IsLoggedIn())
	assert.Equal(t, 2, mock.Connections())
	assert.Equal(t, 2, mock.CountRequests("authorize"))
}

func TestApp_SiteOutageRecoveryReloads(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the site status backoff")
	}

	a, mock, _ := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, a.Start(ctx, deriv.LaunchParams{}))

	reloaded := make(chan struct{}, 1)
	unsubscribe := a.Subscribe(func(ev deriv.Event) {
		if ev.Kind == deriv.EventReloaded {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	first := a.Transport()
	notes := a.Notifications()
	require.NoError(t, mock.Push("website_status", map[string]interface{}{
		"site_status": "down",
		"message":     "Scheduled maintenance",
	}))

	require.Eventually(t, first.IsBlocked, 2*time.Second, 10*time.Millisecond)
	assert.True(t, notes.Has(deriv.MsgSiteMaintenance))

	// The scheduled reconnect sees site_status up and reloads the app
	select {
	case <-reloaded:
	case <-ctx.Done():
		t.Fatal("app was not reloaded after the outage")
	}

	assert.NotSame(t, first, a.Transport())
	assert.False(t, a.Transport().IsBlocked())
	assert.False(t, a.Notifications().Has(deriv.MsgSiteMaintenance))
}

func firstIndex(requests []deriv.Request, call string) int {
	for i, req := range requests {
		if req.Call() == call {
			return i
		}
	}
	return -1
}

func TestApp_StoredSessionAuthorizesBeforeWebsiteStatus(t *testing.T) {
	a, mock, storage := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, storage.Set(ctx, deriv.KeySessionToken, mocktesting.ValidToken))
	require.NoError(t, a.Start(ctx, deriv.LaunchParams{}))
	assert.True(t, a.Client().IsLoggedIn())

	requests := mock.Requests()
	authorize := firstIndex(requests, "authorize")
	status := firstIndex(requests, "website_status")
	require.NotEqual(t, -1, authorize)
	require.NotEqual(t, -1, status)
	assert.Less(t, authorize, status)
	assert.Equal(t, 1, mock.CountRequests("authorize"))
}

func TestApp_StartSurvivesOutageDuringStartup(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the site status backoff")
	}

	tests := []struct {
		name         string
		storedToken  string
		wantLoggedIn bool
	}{
		{name: "stored session", storedToken: mocktesting.ValidToken, wantLoggedIn: true},
		{name: "logged out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, mock, storage := newTestApp(t)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var statusCalls atomic.Int32
			mock.Handle("website_status", func(deriv.Request) mocktesting.Reply {
				if statusCalls.Add(1) == 1 {
					return mocktesting.Reply{Body: map[string]interface{}{
						"site_status": "down",
						"message":     "Scheduled maintenance",
					}}
				}
				return mocktesting.Reply{Body: map[string]interface{}{"site_status": "up", "clients_country": "id"}}
			})
			if tt.storedToken != "" {
				require.NoError(t, storage.Set(ctx, deriv.KeySessionToken, tt.storedToken))
			}

			reloaded := make(chan struct{}, 1)
			unsubscribe := a.Subscribe(func(ev deriv.Event) {
				if ev.Kind == deriv.EventReloaded {
					select {
					case reloaded <- struct{}{}:
					default:
					}
				}
			})
			defer unsubscribe()

			require.NoError(t, a.Start(ctx, deriv.LaunchParams{}))

			select {
			case <-reloaded:
			case <-ctx.Done():
				t.Fatal("app was not reloaded after the outage")
			}

			client := a.Client()
			assert.True(t, client.IsInitialized())
			assert.Equal(t, tt.wantLoggedIn, client.IsLoggedIn())
			assert.False(t, a.Transport().IsBlocked())
			assert.GreaterOrEqual(t, mock.Connections(), 3)
		})
	}
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	a, _, _ := newTestApp(t)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Error(t, a.Start(context.Background(), deriv.LaunchParams{}))
	assert.Error(t, a.Reload(context.Background()))
}
