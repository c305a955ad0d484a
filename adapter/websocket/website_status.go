package websocket

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/cenkalti/backoff/v5"
)

const (
	siteStatusBaseExponent = 9
	siteStatusMaxDelay     = 600000 * time.Millisecond
)

// SiteStatusDelay returns the reconnect delay for a site-down attempt:
// min(2^(attempt+9), 600000) ms scaled by 0.5 + 1.5*r, r in [0, 1)
func SiteStatusDelay(attempt int, r float64) time.Duration {
	return time.Duration(float64(siteStatusBase(attempt)) * (0.5 + 1.5*r))
}

func siteStatusBase(attempt int) time.Duration {
	exp := attempt + siteStatusBaseExponent
	// 2^20 ms already exceeds the cap
	if exp >= 20 {
		return siteStatusMaxDelay
	}
	base := time.Duration(1<<exp) * time.Millisecond
	if base > siteStatusMaxDelay {
		return siteStatusMaxDelay
	}
	return base
}

// SiteStatusBackOff is the backoff.BackOff used while the server reports
// itself down. The attempt counter grows without bound, the delay does not.
type SiteStatusBackOff struct {
	mu       sync.Mutex
	attempts int
	rand     func() float64
}

var _ backoff.BackOff = (*SiteStatusBackOff)(nil)

func NewSiteStatusBackOff() *SiteStatusBackOff {
	return &SiteStatusBackOff{rand: rand.Float64}
}

// NextBackOff returns the delay for the next attempt and advances the counter
func (b *SiteStatusBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	delay := SiteStatusDelay(b.attempts, b.rand())
	b.attempts++
	return delay
}

// Reset restarts the counter
func (b *SiteStatusBackOff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns how many delays have been handed out since Reset
func (b *SiteStatusBackOff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// SiteController is the part of the transport the site-status policy drives
type SiteController interface {
	BlockRequests()
	UnblockRequests()
	Reconnect(ctx context.Context) error
}

// SiteStatusPolicy reacts to website_status. While the site is down requests
// are held and the socket is reopened with SiteStatusBackOff delays. When
// the site comes back after at least one attempt the reload hook runs.
type SiteStatusPolicy struct {
	controller SiteController
	backoff    *SiteStatusBackOff
	reload     func(ctx context.Context)
	logger     *slog.Logger

	// afterFunc schedules the reconnect; replaced in tests
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func NewSiteStatusPolicy(controller SiteController, logger *slog.Logger) *SiteStatusPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &SiteStatusPolicy{
		controller: controller,
		backoff:    NewSiteStatusBackOff(),
		logger:     logger,
		afterFunc:  time.AfterFunc,
	}
}

// SetReloadHook installs the function run on recovery after an outage
func (p *SiteStatusPolicy) SetReloadHook(reload func(ctx context.Context)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reload = reload
}

// Handle applies one website_status response
func (p *SiteStatusPolicy) Handle(status deriv.WebsiteStatus) {
	if status.IsUp() {
		p.handleUp()
		return
	}
	p.handleDown(status)
}

func (p *SiteStatusPolicy) handleDown(status deriv.WebsiteStatus) {
	p.controller.BlockRequests()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.timer != nil {
		return
	}

	attempt := p.backoff.Attempts()
	delay := p.backoff.NextBackOff()
	SiteDownAttempts.Inc()

	p.logger.Warn("Site reported down, reconnect scheduled",
		"function", "handleDown",
		"site_status", status.SiteStatus,
		"attempt", attempt,
		"delay", delay)

	p.timer = p.afterFunc(delay, p.reconnect)
}

func (p *SiteStatusPolicy) reconnect() {
	p.mu.Lock()
	p.timer = nil
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.controller.Reconnect(ctx); err != nil {
		p.logger.Error("Site-down reconnect failed",
			"function", "reconnect",
			"error", err)
	}
}

func (p *SiteStatusPolicy) handleUp() {
	p.controller.UnblockRequests()

	p.mu.Lock()
	attempts := p.backoff.Attempts()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	reload := p.reload
	stopped := p.stopped
	p.mu.Unlock()

	if attempts == 0 {
		return
	}
	p.backoff.Reset()

	p.logger.Info("Site is back up, reloading",
		"function", "handleUp",
		"attempts", attempts)
	if reload != nil && !stopped {
		go reload(context.Background())
	}
}

// Attempts returns the number of reconnects scheduled in the current outage
func (p *SiteStatusPolicy) Attempts() int {
	return p.backoff.Attempts()
}

// Stop cancels any scheduled reconnect
func (p *SiteStatusPolicy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
