package websocket

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiteStatusDelay_Bounds(t *testing.T) {
	for attempt := 0; attempt < 40; attempt++ {
		base := math.Min(math.Pow(2, float64(attempt+9)), 600000)
		lo := time.Duration(0.5*base) * time.Millisecond
		hi := time.Duration(2.0*base) * time.Millisecond

		for _, r := range []float64{0, 0.25, 0.5, 0.999999} {
			d := SiteStatusDelay(attempt, r)
			assert.GreaterOrEqual(t, d, lo, "attempt %d r %v", attempt, r)
			assert.LessOrEqual(t, d, hi, "attempt %d r %v", attempt, r)
		}
	}

	assert.Equal(t, 256*time.Millisecond, SiteStatusDelay(0, 0))
	assert.Equal(t, 300*time.Second, SiteStatusDelay(11, 0))
	assert.Equal(t, 300*time.Second, SiteStatusDelay(1000, 0))
}

func TestSiteStatusBackOff_CountsAttempts(t *testing.T) {
	b := NewSiteStatusBackOff()
	b.rand = func() float64 { return 0 }

	assert.Equal(t, 256*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 512*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 2, b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, 256*time.Millisecond, b.NextBackOff())
}

type fakeSiteController struct {
	mu         sync.Mutex
	blocked    bool
	reconnects int
}

func (f *fakeSiteController) BlockRequests() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = true
}

func (f *fakeSiteController) UnblockRequests() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = false
}

func (f *fakeSiteController) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	return nil
}

func (f *fakeSiteController) snapshot() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked, f.reconnects
}

// manualTimers captures scheduled reconnects so tests fire them by hand
type manualTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) *time.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.funcs = append(m.funcs, f)
	return time.NewTimer(time.Hour)
}

func (m *manualTimers) fireLast() {
	m.mu.Lock()
	f := m.funcs[len(m.funcs)-1]
	m.mu.Unlock()
	f()
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.funcs)
}

func newTestPolicy(t *testing.T) (*SiteStatusPolicy, *fakeSiteController, *manualTimers) {
	ctrl := &fakeSiteController{}
	timers := &manualTimers{}
	policy := NewSiteStatusPolicy(ctrl, testLogger(t))
	policy.afterFunc = timers.afterFunc
	policy.backoff.rand = func() float64 { return 0 }
	t.Cleanup(policy.Stop)
	return policy, ctrl, timers
}

func TestSiteStatusPolicy_DownBlocksAndSchedulesOnce(t *testing.T) {
	policy, ctrl, timers := newTestPolicy(t)

	down := deriv.WebsiteStatus{SiteStatus: "down"}
	policy.Handle(down)
	policy.Handle(down)

	blocked, reconnects := ctrl.snapshot()
	assert.True(t, blocked)
	assert.Equal(t, 0, reconnects)
	assert.Equal(t, 1, timers.count())
	assert.Equal(t, 256*time.Millisecond, timers.delays[0])

	timers.fireLast()
	_, reconnects = ctrl.snapshot()
	assert.Equal(t, 1, reconnects)

	// Next outage report after the reconnect backs off further
	policy.Handle(down)
	assert.Equal(t, 2, timers.count())
	assert.Equal(t, 512*time.Millisecond, timers.delays[1])
	assert.Equal(t, 2, policy.Attempts())
}

func TestSiteStatusPolicy_RecoveryReloads(t *testing.T) {
	policy, ctrl, timers := newTestPolicy(t)

	reloaded := make(chan struct{}, 1)
	policy.SetReloadHook(func(ctx context.Context) { reloaded <- struct{}{} })

	policy.Handle(deriv.WebsiteStatus{SiteStatus: "updating"})
	timers.fireLast()
	policy.Handle(deriv.WebsiteStatus{SiteStatus: "up"})

	blocked, _ := ctrl.snapshot()
	assert.False(t, blocked)
	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("reload hook not called")
	}
	assert.Equal(t, 0, policy.Attempts())
}

func TestSiteStatusPolicy_UpWithoutOutageDoesNotReload(t *testing.T) {
	policy, ctrl, timers := newTestPolicy(t)

	called := false
	policy.SetReloadHook(func(ctx context.Context) { called = true })

	policy.Handle(deriv.WebsiteStatus{SiteStatus: "up"})
	time.Sleep(20 * time.Millisecond)

	blocked, _ := ctrl.snapshot()
	assert.False(t, blocked)
	assert.False(t, called)
	assert.Equal(t, 0, timers.count())
}

func TestSiteStatusPolicy_StopCancelsReconnect(t *testing.T) {
	policy, ctrl, timers := newTestPolicy(t)

	policy.Handle(deriv.WebsiteStatus{SiteStatus: "down"})
	policy.Stop()
	timers.fireLast()

	_, reconnects := ctrl.snapshot()
	require.Equal(t, 0, reconnects)
}
