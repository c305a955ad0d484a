package deriv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultCurrency = "USD"

	topUpTimeout          = 30 * time.Second
	storageRestoreTimeout = 5 * time.Second
)

// ClientStoreOptions wires a ClientStore to its collaborators
type ClientStoreOptions struct {
	Requester      Requester
	Session        *Session
	Storage        Storage
	SessionStorage Storage
	Exchanger      TokenExchanger // optional
	Clock          Clock
	Logger         *slog.Logger
}

// ClientStore owns authentication and account state. It is mutated by the
// response dispatcher and by explicit actions (Init, Logout, SwitchAccount).
type ClientStore struct {
	*Observable

	requester      Requester
	session        *Session
	storage        Storage
	sessionStorage Storage
	exchanger      TokenExchanger
	clock          Clock
	logger         *slog.Logger

	mu             sync.RWMutex
	loginID        string
	userID         string
	currentAccount *Account
	accounts       map[string]StoredAccount
	currencies     []string
	websiteStatus  *WebsiteStatus
	initialized    bool
	switching      bool
}

func NewClientStore(opts ClientStoreOptions) *ClientStore {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	sessionStorage := opts.SessionStorage
	if sessionStorage == nil {
		sessionStorage = NewMemoryStorage()
	}
	return &ClientStore{
		Observable:     NewObservable(),
		requester:      opts.Requester,
		session:        opts.Session,
		storage:        opts.Storage,
		sessionStorage: sessionStorage,
		exchanger:      opts.Exchanger,
		clock:          clock,
		logger:         loggerOrDefault(opts.Logger),
		accounts:       make(map[string]StoredAccount),
	}
}

// Load restores the persisted session into memory
func (c *ClientStore) Load(ctx context.Context) error {
	if err := c.session.Load(ctx); err != nil {
		return err
	}

	loginID, err := getString(ctx, c.storage, KeyActiveLoginID)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", KeyActiveLoginID, err)
	}
	userID, err := getString(ctx, c.storage, KeyActiveUserID)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", KeyActiveUserID, err)
	}

	var account *Account
	var stored Account
	if err := getJSON(ctx, c.storage, KeyCurrentAccount, &stored); err != nil {
		c.logger.Warn("Discarding unreadable current account",
			"function", "Load",
			"error", err)
	} else if stored.LoginID != "" {
		account = &stored
	}

	accounts := make(map[string]StoredAccount)
	if err := getJSON(ctx, c.storage, KeyClientAccounts, &accounts); err != nil {
		c.logger.Warn("Discarding unreadable accounts list",
			"function", "Load",
			"error", err)
		accounts = make(map[string]StoredAccount)
	}

	c.mu.Lock()
	c.loginID = loginID
	c.userID = userID
	c.currentAccount = account
	c.accounts = accounts
	c.mu.Unlock()
	return nil
}

// Init bootstraps the session: it resolves a token from the launch params or
// storage, authorizes, then waits for payout currencies and website status so
// currency derived values never see a partial list
func (c *ClientStore) Init(ctx context.Context, params LaunchParams) error {
	c.logger.Info("Initializing client",
		"function", "Init",
		"redirect_accounts", len(params.Accounts),
		"has_one_time_token", params.Token != "")

	if err := c.Load(ctx); err != nil {
		return err
	}
	if err := c.applyLaunchParams(ctx, params); err != nil {
		return err
	}

	if token := c.session.GetSessionToken(); token != "" {
		if _, err := c.requester.Send(ctx, Request{"authorize": token}); err != nil {
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				return fmt.Errorf("authorize: %w", err)
			}
			c.logger.Warn("Authorize rejected, continuing logged out",
				"function", "Init",
				"code", apiErr.Code)
		}
	}

	if c.IsLoggedIn() {
		if err := c.requester.Wait(ctx, "payout_currencies"); err != nil {
			return fmt.Errorf("wait for payout currencies: %w", err)
		}
	} else if _, err := c.requester.Send(ctx, Request{"payout_currencies": 1}); err != nil {
		return fmt.Errorf("payout currencies: %w", err)
	}

	if err := c.requester.Wait(ctx, "website_status"); err != nil {
		return fmt.Errorf("wait for website status: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	loginID := c.loginID
	c.mu.Unlock()

	c.logger.Info("Client initialized",
		"function", "Init",
		"loginid", loginID,
		"logged_in", c.IsLoggedIn())
	c.Publish(Event{Kind: EventInitialized, LoginID: loginID})
	return nil
}

func (c *ClientStore) applyLaunchParams(ctx context.Context, params LaunchParams) error {
	if selected, ok := params.SelectedAccount(); ok {
		c.mu.Lock()
		for _, acct := range params.Accounts {
			entry := c.accounts[acct.LoginID]
			entry.Token = acct.Token
			entry.Currency = acct.Currency
			entry.IsVirtual = IsVirtualLoginID(acct.LoginID)
			c.accounts[acct.LoginID] = entry
		}
		accounts := c.copyAccountsLocked()
		c.mu.Unlock()

		if err := setJSON(ctx, c.storage, KeyClientAccounts, accounts); err != nil {
			return err
		}
		if err := c.storage.Set(ctx, KeyActiveLoginID, selected.LoginID); err != nil {
			return fmt.Errorf("failed to store %s: %w", KeyActiveLoginID, err)
		}
		return c.session.StoreSessionToken(ctx, selected.Token)
	}

	if params.Token == "" {
		return nil
	}

	token := params.Token
	if c.exchanger != nil {
		exchanged, err := c.exchanger.ExchangeToken(ctx, params.Token)
		if err != nil {
			return fmt.Errorf("exchange one-time token: %w", err)
		}
		token = exchanged
	}
	return c.session.StoreSessionToken(ctx, token)
}

// ResponseAuthorize applies a successful authorize response. token is the
// token the request was sent with; responses for a token that is no longer
// the session token are stale and ignored.
func (c *ClientStore) ResponseAuthorize(ctx context.Context, auth *AuthorizeResponse, token string) error {
	current := c.session.GetSessionToken()
	if current == "" || (token != "" && token != current) {
		c.logger.Debug("Ignoring stale authorize response",
			"function", "ResponseAuthorize",
			"loginid", auth.LoginID)
		return nil
	}

	account := &Account{
		LoginID:                 auth.LoginID,
		Balance:                 auth.Balance,
		Currency:                auth.Currency,
		IsVirtual:               auth.IsVirtual == 1,
		Email:                   auth.Email,
		LandingCompanyShortcode: auth.LandingCompanyName,
		Residence:               auth.Country,
		SessionToken:            current,
		SessionStart:            c.clock.Now(),
	}

	var persistErr error
	c.Batch(func() {
		c.mu.Lock()
		previous := c.loginID
		c.loginID = auth.LoginID
		c.userID = strconv.FormatInt(auth.UserID, 10)
		c.currentAccount = account
		c.switching = false

		entry := c.accounts[auth.LoginID]
		entry.Token = current
		entry.Currency = auth.Currency
		entry.IsVirtual = auth.IsVirtual == 1
		entry.LandingCompanyName = auth.LandingCompanyName
		c.accounts[auth.LoginID] = entry
		for _, sibling := range auth.AccountList {
			e := c.accounts[sibling.LoginID]
			e.Currency = sibling.Currency
			e.IsVirtual = sibling.IsVirtual == 1
			e.IsDisabled = sibling.IsDisabled == 1
			e.LandingCompanyName = sibling.LandingCompanyName
			c.accounts[sibling.LoginID] = e
		}
		accounts := c.copyAccountsLocked()
		userID := c.userID
		c.mu.Unlock()

		persistErr = errors.Join(
			c.storage.Set(ctx, KeyActiveLoginID, auth.LoginID),
			c.storage.Set(ctx, KeyActiveUserID, userID),
			setJSON(ctx, c.storage, KeyCurrentAccount, account),
			setJSON(ctx, c.storage, KeyClientAccounts, accounts),
		)

		if previous != auth.LoginID {
			c.logger.Info("Active account changed",
				"function", "ResponseAuthorize",
				"from", previous,
				"to", auth.LoginID)
			c.Publish(Event{Kind: EventAccountSwitched, LoginID: auth.LoginID, Data: previous})
		}
		c.Publish(Event{Kind: EventAuthorized, LoginID: auth.LoginID, Data: *account})
	})

	if persistErr != nil {
		return fmt.Errorf("failed to persist authorize state: %w", persistErr)
	}
	return nil
}

// ResponsePayoutCurrencies replaces the currency list in one step
func (c *ClientStore) ResponsePayoutCurrencies(currencies []string) {
	list := append([]string(nil), currencies...)
	c.mu.Lock()
	c.currencies = list
	c.mu.Unlock()
	c.Publish(Event{Kind: EventCurrencies, Data: list})
}

// SetBalance applies a balance response or push for the current account
func (c *ClientStore) SetBalance(ctx context.Context, balance BalanceResponse) error {
	c.mu.Lock()
	if c.currentAccount == nil || (balance.LoginID != "" && balance.LoginID != c.loginID) {
		c.mu.Unlock()
		return nil
	}
	c.currentAccount.Balance = balance.Balance
	if balance.Currency != "" {
		c.currentAccount.Currency = balance.Currency
	}
	account := *c.currentAccount
	c.mu.Unlock()

	c.Publish(Event{Kind: EventBalance, LoginID: account.LoginID, Data: account.Balance})
	return setJSON(ctx, c.storage, KeyCurrentAccount, account)
}

// SetWebsiteStatus stores the latest website_status
func (c *ClientStore) SetWebsiteStatus(status WebsiteStatus) {
	c.mu.Lock()
	c.websiteStatus = &status
	c.mu.Unlock()
	c.Publish(Event{Kind: EventWebsiteStatus, Data: status})
}

// Logout asks the server to end the session and clears local state only when
// the server confirms with logout == 1
func (c *ClientStore) Logout(ctx context.Context) (*LogoutResponse, error) {
	resp, err := c.requester.Send(ctx, Request{"logout": 1})
	if err != nil {
		c.logger.Warn("Logout request failed, keeping local session",
			"function", "Logout",
			"error", err)
		return nil, fmt.Errorf("logout: %w", err)
	}

	var out LogoutResponse
	if err := resp.Decode("logout", &out.Logout); err != nil {
		return nil, err
	}
	if out.Logout != 1 {
		c.logger.Warn("Server did not confirm logout",
			"function", "Logout",
			"logout", out.Logout)
		return &out, nil
	}

	if err := c.CleanUp(ctx); err != nil {
		return &out, err
	}
	return &out, nil
}

// CleanUp drops the session token and every account record
func (c *ClientStore) CleanUp(ctx context.Context) error {
	c.mu.Lock()
	previous := c.loginID
	c.loginID = ""
	c.userID = ""
	c.currentAccount = nil
	c.accounts = make(map[string]StoredAccount)
	c.switching = false
	c.mu.Unlock()

	err := errors.Join(
		c.session.ClearSessionToken(ctx),
		c.storage.Remove(ctx, KeyActiveLoginID),
		c.storage.Remove(ctx, KeyActiveUserID),
		c.storage.Remove(ctx, KeyCurrentAccount),
		c.storage.Remove(ctx, KeyClientAccounts),
	)

	c.logger.Info("Client state cleared",
		"function", "CleanUp",
		"loginid", previous)
	c.Publish(Event{Kind: EventLogout, LoginID: previous})

	if err != nil {
		return fmt.Errorf("failed to clear client storage: %w", err)
	}
	return nil
}

// ResetVirtualBalance tops up the demo account without waiting for it. The
// request outlives ctx; the new balance arrives through the balance stream.
func (c *ClientStore) ResetVirtualBalance(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), topUpTimeout)
	go func() {
		defer cancel()
		if _, err := c.requester.AuthorizedSend(ctx, Request{"topup_virtual": 1}); err != nil {
			c.logger.Warn("Virtual balance reset failed",
				"function", "ResetVirtualBalance",
				"error", err)
		}
	}()
}

// SwitchAccount activates another account from the accounts list and
// re-authorizes with its token
func (c *ClientStore) SwitchAccount(ctx context.Context, loginID string) error {
	c.mu.RLock()
	entry, ok := c.accounts[loginID]
	current := c.loginID
	c.mu.RUnlock()
	previousToken := c.session.GetSessionToken()

	if !ok {
		return fmt.Errorf("unknown account %s", loginID)
	}
	if entry.Token == "" {
		return fmt.Errorf("no token stored for account %s", loginID)
	}
	if entry.IsDisabled {
		return fmt.Errorf("account %s is disabled", loginID)
	}
	if loginID == current {
		return nil
	}

	c.mu.Lock()
	c.switching = true
	c.mu.Unlock()
	c.Publish(Event{Kind: EventSwitching, LoginID: loginID, Data: current})

	if err := c.session.StoreSessionToken(ctx, entry.Token); err != nil {
		return err
	}
	if err := c.storage.Set(ctx, KeyActiveLoginID, loginID); err != nil {
		return fmt.Errorf("failed to store %s: %w", KeyActiveLoginID, err)
	}

	if _, err := c.requester.Send(ctx, Request{"authorize": entry.Token}); err != nil {
		c.mu.Lock()
		c.switching = false
		c.mu.Unlock()

		// A server answer is handled by the authorize response path; anything
		// else never reached the server and the old account stays active
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			if restoreErr := c.restoreActive(ctx, current, previousToken); restoreErr != nil {
				c.logger.Error("Failed to restore active account after switch failure",
					"function", "SwitchAccount",
					"loginid", current,
					"error", restoreErr)
			}
		}
		return fmt.Errorf("authorize %s: %w", loginID, err)
	}
	return nil
}

// restoreActive writes loginID and token back as the active account
func (c *ClientStore) restoreActive(ctx context.Context, loginID, token string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storageRestoreTimeout)
	defer cancel()

	var err error
	if token == "" {
		err = c.session.ClearSessionToken(ctx)
	} else {
		err = c.session.StoreSessionToken(ctx, token)
	}
	if err != nil {
		return err
	}
	if loginID == "" {
		return c.storage.Remove(ctx, KeyActiveLoginID)
	}
	return c.storage.Set(ctx, KeyActiveLoginID, loginID)
}

// IsLoggedIn is true iff the session token, loginid and current account
// loginid are all set and agree
func (c *ClientStore) IsLoggedIn() bool {
	token := c.session.GetSessionToken()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return token != "" &&
		c.loginID != "" &&
		c.currentAccount != nil &&
		c.currentAccount.LoginID == c.loginID
}

func (c *ClientStore) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *ClientStore) IsSwitching() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.switching
}

func (c *ClientStore) LoginID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loginID
}

func (c *ClientStore) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// CurrentAccount returns a copy of the current account record
func (c *ClientStore) CurrentAccount() (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.currentAccount == nil {
		return Account{}, false
	}
	return *c.currentAccount, true
}

func (c *ClientStore) Balance() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.currentAccount == nil {
		return decimal.Zero
	}
	return c.currentAccount.Balance
}

func (c *ClientStore) IsVirtual() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.currentAccount != nil {
		return c.currentAccount.IsVirtual
	}
	return IsVirtualLoginID(c.loginID)
}

// Currency is the current account currency, or the default currency
func (c *ClientStore) Currency() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.currentAccount != nil && c.currentAccount.Currency != "" {
		return c.currentAccount.Currency
	}
	return c.defaultCurrencyLocked()
}

// DefaultCurrency is the first fiat payout currency, USD when none is known
func (c *ClientStore) DefaultCurrency() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultCurrencyLocked()
}

func (c *ClientStore) defaultCurrencyLocked() string {
	if len(c.currencies) == 0 {
		return defaultCurrency
	}
	if c.websiteStatus == nil || len(c.websiteStatus.CurrenciesConfig) == 0 {
		return c.currencies[0]
	}
	for _, cur := range c.currencies {
		if cfg, ok := c.websiteStatus.CurrenciesConfig[cur]; ok && cfg.Type == "fiat" {
			return cur
		}
	}
	return defaultCurrency
}

func (c *ClientStore) Currencies() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.currencies...)
}

func (c *ClientStore) WebsiteStatus() (WebsiteStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.websiteStatus == nil {
		return WebsiteStatus{}, false
	}
	return *c.websiteStatus, true
}

// Accounts returns a copy of the accounts list keyed by loginid
func (c *ClientStore) Accounts() map[string]StoredAccount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyAccountsLocked()
}

// LoginIDs returns the known loginids in sorted order
func (c *ClientStore) LoginIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.accounts))
	for id := range c.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Session exposes the session token holder
func (c *ClientStore) Session() *Session {
	return c.session
}

// SessionStorage is the per process session storage (active_tab etc.)
func (c *ClientStore) SessionStorage() Storage {
	return c.sessionStorage
}

func (c *ClientStore) copyAccountsLocked() map[string]StoredAccount {
	out := make(map[string]StoredAccount, len(c.accounts))
	for k, v := range c.accounts {
		out[k] = v
	}
	return out
}
