package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
)

// Transport is what the dispatcher needs from the socket client
type Transport interface {
	deriv.Requester
	SiteController
	SetAuthorized(authorized bool)
	ArmWatchdog()
	ClearWatchdog()
}

// DispatcherState is the session state driven by socket events
type DispatcherState int

const (
	StateDisconnected DispatcherState = iota
	StateConnecting
	StateAuthorizing
	StateReady
)

func (s DispatcherState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	anyMsgType = "*"
	anyError   = deriv.ErrorCode("*")
)

// route keys the dispatch table. Success frames use an empty code.
type route struct {
	msgType string
	code    deriv.ErrorCode
}

type handlerFunc func(ctx context.Context, resp *deriv.Response)

// DispatcherOptions wires a Dispatcher to the transport and the stores
type DispatcherOptions struct {
	Transport          Transport
	Client             *deriv.ClientStore
	Common             *deriv.CommonStore
	Notifications      *deriv.NotificationStore
	Analytics          *deriv.AnalyticsStore
	Policy             *SiteStatusPolicy
	ServerTimeInterval time.Duration
	Logger             *slog.Logger
}

// Dispatcher routes every inbound frame to the stores. Error codes are
// handled first, by (msg_type, code) with a msg_type wildcard, then the
// msg_type handler runs. Handlers run on the processor goroutine; anything
// that needs a network round trip is started on its own goroutine.
type Dispatcher struct {
	transport     Transport
	client        *deriv.ClientStore
	common        *deriv.CommonStore
	notifications *deriv.NotificationStore
	analytics     *deriv.AnalyticsStore
	policy        *SiteStatusPolicy
	timeInterval  time.Duration
	logger        *slog.Logger

	routes      map[route]handlerFunc
	unsubscribe []func()

	mu    sync.RWMutex
	state DispatcherState

	spawnMu  sync.Mutex
	wg       sync.WaitGroup
	closing  chan struct{}
	closeMux sync.Once
}

var _ Handler = (*Dispatcher)(nil)

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.ServerTimeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	policy := opts.Policy
	if policy == nil {
		policy = NewSiteStatusPolicy(opts.Transport, logger)
	}

	d := &Dispatcher{
		transport:     opts.Transport,
		client:        opts.Client,
		common:        opts.Common,
		notifications: opts.Notifications,
		analytics:     opts.Analytics,
		policy:        policy,
		timeInterval:  interval,
		logger:        logger,
		closing:       make(chan struct{}),
	}
	d.routes = d.buildRoutes()

	d.unsubscribe = append(d.unsubscribe, d.client.Subscribe(d.onClientEvent))
	return d
}

func (d *Dispatcher) buildRoutes() map[route]handlerFunc {
	noop := func(context.Context, *deriv.Response) {}

	return map[route]handlerFunc{
		// error table
		{anyMsgType, deriv.ErrCodeRateLimit}:             d.onRateLimit,
		{"cashier_password", deriv.ErrCodeRateLimit}:     noop,
		{anyMsgType, deriv.ErrCodeInvalidAppID}:          d.onFatalError,
		{anyMsgType, deriv.ErrCodeDisabledClient}:        d.onFatalError,
		{anyMsgType, deriv.ErrCodeAuthorizationRequired}: d.onAuthorizationRequired,
		{"buy", deriv.ErrCodeAuthorizationRequired}:      noop,
		{"balance", deriv.ErrCodeWrongResponse}:          d.onWrongBalance,

		// msg_type table
		{"authorize", ""}:         d.onAuthorize,
		{"authorize", anyError}:   d.onAuthorizeError,
		{"payout_currencies", ""}: d.onPayoutCurrencies,
		{"transaction", ""}:       d.onTransaction,
		{"balance", ""}:           d.onBalance,
		{"website_status", ""}:    d.onWebsiteStatus,
		{"time", ""}:              d.onTime,
	}
}

// Policy returns the site-status policy driven by website_status frames
func (d *Dispatcher) Policy() *SiteStatusPolicy {
	return d.policy
}

// State returns the current session state
func (d *Dispatcher) State() DispatcherState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Dispatcher) setState(state DispatcherState) {
	d.mu.Lock()
	prev := d.state
	d.state = state
	d.mu.Unlock()
	if prev != state {
		d.logger.Debug("Dispatcher state changed",
			"function", "setState",
			"from", prev.String(),
			"to", state.String())
	}
}

// MarkConnecting records that a dial is in progress
func (d *Dispatcher) MarkConnecting() {
	d.setState(StateConnecting)
}

// Close detaches from the stores, stops the site-status policy and waits
// for running side-effect chains
func (d *Dispatcher) Close() {
	d.closeMux.Do(func() {
		d.spawnMu.Lock()
		close(d.closing)
		d.spawnMu.Unlock()
		for _, unsub := range d.unsubscribe {
			unsub()
		}
		d.policy.Stop()
	})
	d.wg.Wait()
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// OnOpen restores the session on the new connection. With a stored session
// token, website_status is subscribed only after the authorize response.
// Before the client is initialized, Init sends that authorize itself.
func (d *Dispatcher) OnOpen(ctx context.Context) {
	d.transport.ArmWatchdog()
	d.common.SetSocketOpened(true)
	d.notifications.RemoveNotificationByKey(deriv.MsgYouAreOffline)

	token := d.client.Session().GetSessionToken()
	restore := token != ""
	initialized := d.client.IsInitialized()
	if restore {
		d.setState(StateAuthorizing)
	} else {
		d.setState(StateReady)
	}

	d.spawn(ctx, func(ctx context.Context) {
		switch {
		case restore && initialized:
			if _, err := d.transport.Send(ctx, deriv.Request{"authorize": token}); err != nil {
				d.logger.Warn("Session restore authorize failed",
					"function", "OnOpen",
					"error", err)
			}
		case restore:
			if err := d.transport.Wait(ctx, "authorize"); err != nil {
				d.logger.Debug("Gave up waiting for authorize",
					"function", "OnOpen",
					"error", err)
				return
			}
		}
		d.subscribeWebsiteStatus(ctx)
	})
	d.spawn(ctx, d.syncServerTime)
}

// OnMessage runs the error table then the msg_type handler
func (d *Dispatcher) OnMessage(ctx context.Context, resp *deriv.Response) {
	d.transport.ClearWatchdog()

	if resp.Error != nil {
		if h, ok := d.lookupError(resp.MsgType, resp.Error.Code); ok {
			h(ctx, resp)
		}
		if h, ok := d.routes[route{resp.MsgType, anyError}]; ok {
			h(ctx, resp)
		}
		return
	}

	if h, ok := d.routes[route{resp.MsgType, ""}]; ok {
		h(ctx, resp)
	}
}

func (d *Dispatcher) lookupError(msgType string, code deriv.ErrorCode) (handlerFunc, bool) {
	if h, ok := d.routes[route{msgType, code}]; ok {
		return h, true
	}
	h, ok := d.routes[route{anyMsgType, code}]
	return h, ok
}

// OnDisconnect marks the socket closed and shows the offline banner
func (d *Dispatcher) OnDisconnect(ctx context.Context, err error) {
	d.transport.ClearWatchdog()
	d.transport.SetAuthorized(false)
	d.common.SetSocketOpened(false)
	d.setState(StateDisconnected)

	d.notifications.AddNotificationMessage(ctx, deriv.YouAreOfflineNotification(d.common.Language()))
	d.logger.Info("Socket disconnected",
		"function", "OnDisconnect",
		"error", err)
}

// ============================================================================
// ERROR TABLE
// ============================================================================

func (d *Dispatcher) onRateLimit(ctx context.Context, resp *deriv.Response) {
	d.common.SetError(deriv.ErrorState{
		Code:    resp.Error.Code,
		Message: d.common.Localize(deriv.MsgRateLimit),
	})
}

func (d *Dispatcher) onFatalError(ctx context.Context, resp *deriv.Response) {
	d.logger.Error("Fatal server error",
		"function", "onFatalError",
		"msg_type", resp.MsgType,
		"code", resp.Error.Code,
		"message", resp.Error.Message)
	d.common.SetError(deriv.ErrorState{
		Code:              resp.Error.Code,
		Header:            d.common.Localize(deriv.MsgSomethingWentWrong),
		Message:           resp.Error.Message,
		IsFatal:           true,
		ShouldShowRefresh: true,
	})
}

func (d *Dispatcher) onAuthorizationRequired(ctx context.Context, resp *deriv.Response) {
	if d.client.Session().HasSessionToken() {
		return
	}
	d.logger.Info("Authorization required without a session, logging out",
		"function", "onAuthorizationRequired",
		"msg_type", resp.MsgType)
	d.logout()
}

func (d *Dispatcher) onWrongBalance(ctx context.Context, resp *deriv.Response) {
	d.logger.Warn("Balance stream out of sync, resubscribing",
		"function", "onWrongBalance")
	d.spawn(ctx, d.subscribeBalance)
}

// ============================================================================
// MSG_TYPE HANDLERS
// ============================================================================

func (d *Dispatcher) onAuthorize(ctx context.Context, resp *deriv.Response) {
	var auth deriv.AuthorizeResponse
	if err := resp.Decode("authorize", &auth); err != nil {
		d.logger.Error("Failed to decode authorize response",
			"function", "onAuthorize",
			"error", err)
		return
	}

	token := resp.RequestString("authorize")
	if token != "" && token != d.client.Session().GetSessionToken() {
		d.logger.Debug("Ignoring authorize for a replaced token",
			"function", "onAuthorize",
			"loginid", auth.LoginID)
		return
	}

	if err := d.client.ResponseAuthorize(ctx, &auth, token); err != nil {
		d.logger.Error("Failed to apply authorize response",
			"function", "onAuthorize",
			"loginid", auth.LoginID,
			"error", err)
	}
	d.setState(StateReady)
	d.spawn(ctx, d.afterAuthorize)
}

// afterAuthorize subscribes to balance, fetches payout currencies and opens
// the authorized gate
func (d *Dispatcher) afterAuthorize(ctx context.Context) {
	d.subscribeBalance(ctx)

	if _, err := d.transport.Send(ctx, deriv.Request{"payout_currencies": 1}); err != nil {
		d.logger.Warn("Payout currencies request failed",
			"function", "afterAuthorize",
			"error", err)
	}

	d.transport.SetAuthorized(true)

	if stream, err := d.transport.Subscribe(ctx, deriv.Request{"transaction": 1}); err != nil {
		if !deriv.IsErrorCode(err, deriv.ErrCodeAlreadySubscribed) {
			d.logger.Warn("Transaction subscription failed",
				"function", "afterAuthorize",
				"error", err)
		}
	} else {
		d.drain(stream)
	}
}

func (d *Dispatcher) onAuthorizeError(ctx context.Context, resp *deriv.Response) {
	session := d.client.Session()
	code := resp.Error.Code

	switch code {
	case deriv.ErrCodeSelfExclusion:
		store := d.client.SessionStorage()
		if tab, err := store.Get(ctx, deriv.KeyActiveTab); err == nil && tab == "1" {
			if err := store.Remove(ctx, deriv.KeyActiveTab); err != nil {
				d.logger.Warn("Failed to remove active tab marker",
					"function", "onAuthorizeError",
					"error", err)
			}
			message := resp.Error.Message
			if message == "" {
				message = d.common.Localize(deriv.MsgSelfExclusion)
			}
			d.common.SetError(deriv.ErrorState{Code: code, Message: message})
		}
	case deriv.ErrCodeInvalidToken:
		if token := resp.RequestString("authorize"); token == "" || token == session.GetSessionToken() {
			if err := session.ClearSessionToken(ctx); err != nil {
				d.logger.Warn("Failed to clear rejected token",
					"function", "onAuthorizeError",
					"error", err)
			}
		}
	}

	if session.HasSessionToken() {
		d.logger.Warn("Authorize rejected with a session token present, ignoring",
			"function", "onAuthorizeError",
			"code", code)
		return
	}
	d.logout()
}

func (d *Dispatcher) onPayoutCurrencies(ctx context.Context, resp *deriv.Response) {
	var currencies []string
	if err := resp.Decode("payout_currencies", &currencies); err != nil {
		d.logger.Error("Failed to decode payout currencies",
			"function", "onPayoutCurrencies",
			"error", err)
		return
	}
	d.client.ResponsePayoutCurrencies(currencies)
}

func (d *Dispatcher) onTransaction(ctx context.Context, resp *deriv.Response) {
	var tx deriv.Transaction
	if err := resp.Decode("transaction", &tx); err != nil {
		d.logger.Error("Failed to decode transaction",
			"function", "onTransaction",
			"error", err)
		return
	}
	// The subscription acknowledgement carries an empty transaction
	if tx.TransactionID != 0 {
		d.analytics.PushTransaction(tx)
	}

	d.spawn(ctx, func(ctx context.Context) {
		if _, err := d.transport.AuthorizedSend(ctx, deriv.Request{"balance": 1}); err != nil {
			d.logger.Warn("Balance refresh after transaction failed",
				"function", "onTransaction",
				"error", err)
		}
	})
}

func (d *Dispatcher) onBalance(ctx context.Context, resp *deriv.Response) {
	var balance deriv.BalanceResponse
	if err := resp.Decode("balance", &balance); err != nil {
		d.logger.Error("Failed to decode balance",
			"function", "onBalance",
			"error", err)
		return
	}
	if err := d.client.SetBalance(ctx, balance); err != nil {
		d.logger.Warn("Failed to persist balance",
			"function", "onBalance",
			"error", err)
	}
}

func (d *Dispatcher) onWebsiteStatus(ctx context.Context, resp *deriv.Response) {
	var status deriv.WebsiteStatus
	if err := resp.Decode("website_status", &status); err != nil {
		d.logger.Error("Failed to decode website status",
			"function", "onWebsiteStatus",
			"error", err)
		return
	}

	d.client.SetWebsiteStatus(status)
	if status.IsUp() {
		d.notifications.RemoveNotificationByKey(deriv.MsgSiteMaintenance)
	} else {
		d.notifications.AddNotificationMessage(ctx,
			deriv.SiteMaintenanceNotification(d.common.Language(), status.Message))
	}
	d.policy.Handle(status)
}

func (d *Dispatcher) onTime(ctx context.Context, resp *deriv.Response) {
	var epoch int64
	if err := resp.Decode("time", &epoch); err != nil {
		d.logger.Error("Failed to decode server time",
			"function", "onTime",
			"error", err)
		return
	}
	d.common.SetServerTime(time.Unix(epoch, 0))
}

// ============================================================================
// SIDE-EFFECT CHAINS
// ============================================================================

func (d *Dispatcher) onClientEvent(ev deriv.Event) {
	switch ev.Kind {
	case deriv.EventSwitching:
		d.transport.SetAuthorized(false)
	case deriv.EventLogout:
		d.transport.SetAuthorized(false)
		d.spawn(context.Background(), func(ctx context.Context) {
			if err := d.transport.ForgetAll(ctx, "balance", "transaction"); err != nil &&
				!errors.Is(err, deriv.ErrNotConnected) {
				d.logger.Debug("Failed to forget account streams after logout",
					"function", "onClientEvent",
					"error", err)
			}
		})
	}
}

func (d *Dispatcher) subscribeBalance(ctx context.Context) {
	if err := d.transport.ForgetAll(ctx, "balance"); err != nil {
		d.logger.Debug("Forget balance before subscribe failed",
			"function", "subscribeBalance",
			"error", err)
	}
	stream, err := d.transport.Subscribe(ctx, deriv.Request{"balance": 1})
	if err != nil {
		d.logger.Warn("Balance subscription failed",
			"function", "subscribeBalance",
			"error", err)
		return
	}
	d.drain(stream)
}

func (d *Dispatcher) subscribeWebsiteStatus(ctx context.Context) {
	stream, err := d.transport.Subscribe(ctx, deriv.Request{"website_status": 1})
	if err != nil {
		d.logger.Warn("Website status subscription failed",
			"function", "subscribeWebsiteStatus",
			"error", err)
		return
	}
	d.drain(stream)
}

// drain consumes stream pushes until the stream ends; OnMessage has already
// applied them
func (d *Dispatcher) drain(stream *deriv.Stream) {
	go func() {
		for range stream.Updates {
		}
	}()
}

// syncServerTime requests the server time now and on every interval until
// the connection ends
func (d *Dispatcher) syncServerTime(ctx context.Context) {
	ticker := time.NewTicker(d.timeInterval)
	defer ticker.Stop()

	for {
		if _, err := d.transport.Send(ctx, deriv.Request{"time": 1}); err != nil && ctx.Err() == nil {
			d.logger.Debug("Server time request failed",
				"function", "syncServerTime",
				"error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-d.closing:
			return
		case <-ticker.C:
		}
	}
}

// logout runs client.Logout off the processor goroutine
func (d *Dispatcher) logout() {
	d.spawn(context.Background(), func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := d.client.Logout(ctx); err != nil {
			d.logger.Warn("Forced logout failed",
				"function", "logout",
				"error", err)
		}
	})
}

// spawn runs fn on its own goroutine with a context that also ends on Close
func (d *Dispatcher) spawn(ctx context.Context, fn func(ctx context.Context)) {
	d.spawnMu.Lock()
	select {
	case <-d.closing:
		d.spawnMu.Unlock()
		return
	default:
	}
	d.wg.Add(1)
	d.spawnMu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-d.closing:
				cancel()
			case <-ctx.Done():
			}
		}()
		fn(ctx)
	}()
}
