package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrNoCredentials is returned for a redirect without token or acctN/tokenN
var ErrNoCredentials = errors.New("redirect carries no token")

// Deps configures the router
type Deps struct {
	// State is the OAuth state the redirect must echo; empty disables the check
	State    string
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server receives the OAuth redirect on a local listener and serves /metrics
type Server struct {
	listen  string
	router  *gin.Engine
	http    *http.Server
	results chan deriv.LaunchParams
	logger  *slog.Logger
}

// New builds the server; nothing listens until Start
func New(listen string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	results := make(chan deriv.LaunchParams, 1)
	return &Server{
		listen:  listen,
		router:  NewRouter(deps, results),
		results: results,
		logger:  deps.Logger,
	}
}

// NewRouter returns the gin engine. Accepted redirects are delivered on
// results without blocking; later ones are dropped while one is unread.
func NewRouter(deps Deps, results chan<- deriv.LaunchParams) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.GET("/redirect", func(c *gin.Context) {
		q := c.Request.URL.Query()
		if err := deriv.VerifyState(q, deps.State); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		params := deriv.ParseLaunchParams(q)
		if params.Token == "" && !params.HasRedirectAccounts() {
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrNoCredentials.Error()})
			return
		}

		select {
		case results <- params:
		default:
			deps.Logger.Warn("Redirect already pending, dropping",
				"function", "redirect")
		}

		deps.Logger.Info("Login redirect received",
			"function", "redirect",
			"accounts", len(params.Accounts),
			"action", params.Action)
		c.String(http.StatusOK, "Login complete. You can close this window.")
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			"function", "requestLogger",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Start listens and serves in the background. It returns the bound address,
// which differs from the configured one when the port is 0.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}

	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Callback server stopped",
				"function", "Start",
				"error", err)
		}
	}()

	addr := ln.Addr().String()
	s.logger.Info("Callback server listening",
		"function", "Start",
		"addr", addr)
	return addr, nil
}

// Wait returns the first accepted redirect
func (s *Server) Wait(ctx context.Context) (deriv.LaunchParams, error) {
	select {
	case params := <-s.results:
		return params, nil
	case <-ctx.Done():
		return deriv.LaunchParams{}, ctx.Err()
	}
}

// Shutdown stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
