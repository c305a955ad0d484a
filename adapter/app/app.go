package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/bjoelf/deriv-adapter/adapter/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const reloadTimeout = 60 * time.Second

// App is the application context built once per process. It owns storage and
// one generation of services: transport, dispatcher and stores. Reload
// replaces the generation, which is what a page reload does in the browser.
type App struct {
	*deriv.Observable

	cfg            *deriv.Config
	storage        deriv.Storage
	sessionStorage deriv.Storage
	exchanger      deriv.TokenExchanger
	transportOpts  websocket.Options
	logger         *slog.Logger

	mu      sync.RWMutex
	current *services
	params  deriv.LaunchParams
	started bool
	closed  bool
	done    chan struct{} // closed by Close

	reloadMu sync.Mutex
}

// services is one generation of the socket session and its stores
type services struct {
	id            string
	transport     *websocket.DerivWebSocketClient
	dispatcher    *websocket.Dispatcher
	client        *deriv.ClientStore
	common        *deriv.CommonStore
	notifications *deriv.NotificationStore
	analytics     *deriv.AnalyticsStore

	started  chan struct{} // closed once start returned, startErr is then set
	startErr error
	replaced chan struct{} // closed when Reload swaps this generation out
}

// Option customizes an App
type Option func(*App)

// WithExchanger sets the one-time token exchanger used by Init
func WithExchanger(exchanger deriv.TokenExchanger) Option {
	return func(a *App) { a.exchanger = exchanger }
}

// WithSessionStorage replaces the in-memory session storage
func WithSessionStorage(storage deriv.Storage) Option {
	return func(a *App) { a.sessionStorage = storage }
}

// WithTransportOptions overrides the socket options derived from config
func WithTransportOptions(opts websocket.Options) Option {
	return func(a *App) { a.transportOpts = opts }
}

// New wires the stores, the dispatcher and the transport. Nothing is dialed
// until Start.
func New(cfg *deriv.Config, storage deriv.Storage, logger *slog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Observable:     deriv.NewObservable(),
		cfg:            cfg,
		storage:        storage,
		sessionStorage: deriv.NewMemoryStorage(),
		transportOpts:  websocket.Options{WatchdogTimeout: cfg.WatchdogTimeout},
		logger:         logger,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := websocket.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("Transport metrics not registered",
			"function", "New",
			"error", err)
	}
	a.current = a.build(cfg.Language)
	return a, nil
}

func (a *App) build(lang string) *services {
	id := uuid.NewString()
	logger := a.logger.With("session", id[:8])

	s := &services{
		id:       id,
		started:  make(chan struct{}),
		replaced: make(chan struct{}),
	}
	s.transport = websocket.NewDerivWebSocketClient(a.socketURL, a.transportOpts, logger)
	s.common = deriv.NewCommonStore(lang)
	s.analytics = deriv.NewAnalyticsStore()
	s.client = deriv.NewClientStore(deriv.ClientStoreOptions{
		Requester:      s.transport,
		Session:        deriv.NewSession(a.storage),
		Storage:        a.storage,
		SessionStorage: a.sessionStorage,
		Exchanger:      a.exchanger,
		Logger:         logger,
	})
	s.notifications = deriv.NewNotificationStore(a.storage, s.client, logger)
	s.dispatcher = websocket.NewDispatcher(websocket.DispatcherOptions{
		Transport:          s.transport,
		Client:             s.client,
		Common:             s.common,
		Notifications:      s.notifications,
		Analytics:          s.analytics,
		ServerTimeInterval: a.cfg.ServerTimeInterval,
		Logger:             logger,
	})
	s.dispatcher.Policy().SetReloadHook(a.reloadHook)
	s.transport.SetHandler(s.dispatcher)
	return s
}

// socketURL is resolved before every dial so a changed active account or
// server override picks the right pool
func (a *App) socketURL(ctx context.Context) (string, error) {
	a.mu.RLock()
	params := a.params
	a.mu.RUnlock()
	return deriv.GetSocketURL(ctx, a.storage, a.cfg, params)
}

// Start connects and runs client initialization with params. When the site
// goes down during startup the recovery reload replaces the generation being
// started; Start then reports the outcome of the generation that replaced it.
func (a *App) Start(ctx context.Context, params deriv.LaunchParams) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("app is closed")
	}
	if a.started {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.started = true
	a.params = params
	s := a.current
	a.mu.Unlock()

	if params.Lang != "" {
		s.common.ChangeLanguage(params.Lang)
	}
	err := a.run(ctx, s, params)
	return a.follow(ctx, s, err)
}

// follow tracks s through reloads until a generation that is still current
// has finished starting
func (a *App) follow(ctx context.Context, s *services, err error) error {
	for {
		if err != nil && s.transport.IsBlocked() {
			a.logger.Info("Startup interrupted by site outage, waiting for reload",
				"function", "follow",
				"session", s.id[:8],
				"error", err)
			select {
			case <-s.replaced:
			case <-a.done:
				return err
			case <-ctx.Done():
				return err
			}
		}

		next := a.snapshot()
		if next == s {
			return err
		}
		select {
		case <-next.started:
			s, err = next, next.startErr
		case <-a.done:
			return errors.New("app closed during startup")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// run starts s and records the result for follow
func (a *App) run(ctx context.Context, s *services, params deriv.LaunchParams) error {
	s.startErr = a.start(ctx, s, params)
	close(s.started)
	return s.startErr
}

func (a *App) start(ctx context.Context, s *services, params deriv.LaunchParams) error {
	if err := a.sessionStorage.Set(ctx, deriv.KeyActiveTab, "1"); err != nil {
		return fmt.Errorf("failed to mark active tab: %w", err)
	}

	s.dispatcher.MarkConnecting()
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := s.client.Init(ctx, params); err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}

	a.logger.Info("App started",
		"function", "start",
		"session", s.id[:8],
		"connection", s.transport.ConnectionID(),
		"logged_in", s.client.IsLoggedIn())
	return nil
}

// Reload discards the running services and starts a fresh generation from
// storage. One-time launch parameters are not replayed. Reloads run one at a
// time.
func (a *App) Reload(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("app is closed")
	}
	old := a.current
	a.params = deriv.LaunchParams{Lang: a.params.Lang}
	lang := a.params.Lang
	if lang == "" {
		lang = a.cfg.Language
	}
	a.current = a.build(lang)
	next := a.current
	params := a.params
	close(old.replaced)
	a.mu.Unlock()

	a.logger.Info("Reloading app",
		"function", "Reload",
		"from", old.id[:8],
		"to", next.id[:8])

	old.close(a.logger)
	if err := a.run(ctx, next, params); err != nil {
		return err
	}
	a.Publish(deriv.Event{Kind: deriv.EventReloaded, LoginID: next.client.LoginID()})
	return nil
}

func (a *App) reloadHook(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	if err := a.Reload(ctx); err != nil {
		a.logger.Error("Reload after site outage failed",
			"function", "reloadHook",
			"error", err)
	}
}

// Close shuts the transport down and closes storage when it holds resources
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	s := a.current
	a.mu.Unlock()

	s.close(a.logger)

	if closer, ok := a.storage.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}
	return nil
}

// close stops the transport first so streams end, then the dispatcher
func (s *services) close(logger *slog.Logger) {
	if err := s.transport.Close(); err != nil {
		logger.Warn("Transport close failed",
			"function", "close",
			"session", s.id[:8],
			"error", err)
	}
	s.dispatcher.Close()
}

func (a *App) snapshot() *services {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

func (a *App) Config() *deriv.Config { return a.cfg }

func (a *App) Storage() deriv.Storage { return a.storage }

func (a *App) SessionStorage() deriv.Storage { return a.sessionStorage }

// Client returns the client store of the current generation
func (a *App) Client() *deriv.ClientStore { return a.snapshot().client }

func (a *App) Common() *deriv.CommonStore { return a.snapshot().common }

func (a *App) Notifications() *deriv.NotificationStore { return a.snapshot().notifications }

func (a *App) Analytics() *deriv.AnalyticsStore { return a.snapshot().analytics }

// Transport returns the socket client of the current generation
func (a *App) Transport() *websocket.DerivWebSocketClient { return a.snapshot().transport }

func (a *App) Dispatcher() *websocket.Dispatcher { return a.snapshot().dispatcher }
