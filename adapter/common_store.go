package deriv

import (
	"strings"
	"sync"
	"time"
)

// ErrorState is the error surfaced to the user. Fatal errors take over the
// whole screen; transient ones are shown as a banner.
type ErrorState struct {
	Code              ErrorCode
	Header            string
	Message           string
	IsFatal           bool
	ShouldShowRefresh bool
}

// CommonStore holds app wide state: error banner, socket state, server time
// and language
type CommonStore struct {
	*Observable

	mu               sync.RWMutex
	err              *ErrorState
	isSocketOpened   bool
	serverTimeOffset time.Duration
	hasServerTime    bool
	language         string
	now              func() time.Time
}

func NewCommonStore(language string) *CommonStore {
	if language == "" {
		language = DefaultLanguage
	}
	return &CommonStore{
		Observable: NewObservable(),
		language:   strings.ToUpper(language),
		now:        time.Now,
	}
}

// SetError replaces the current error state
func (c *CommonStore) SetError(state ErrorState) {
	c.mu.Lock()
	c.err = &state
	c.mu.Unlock()
	c.Publish(Event{Kind: EventCommonError, Data: state})
}

// ResetError clears the error state
func (c *CommonStore) ResetError() {
	c.mu.Lock()
	had := c.err != nil
	c.err = nil
	c.mu.Unlock()
	if had {
		c.Publish(Event{Kind: EventCommonError})
	}
}

// HasError reports whether an error is shown
func (c *CommonStore) HasError() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err != nil
}

// CurrentError returns a copy of the current error state
func (c *CommonStore) CurrentError() (ErrorState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err == nil {
		return ErrorState{}, false
	}
	return *c.err, true
}

func (c *CommonStore) SetSocketOpened(opened bool) {
	c.mu.Lock()
	changed := c.isSocketOpened != opened
	c.isSocketOpened = opened
	c.mu.Unlock()
	if changed {
		c.Publish(Event{Kind: EventSocketState, Data: opened})
	}
}

func (c *CommonStore) IsSocketOpened() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isSocketOpened
}

// SetServerTime records the offset between server and local clock
func (c *CommonStore) SetServerTime(serverTime time.Time) {
	c.mu.Lock()
	c.serverTimeOffset = serverTime.Sub(c.now())
	c.hasServerTime = true
	offset := c.serverTimeOffset
	c.mu.Unlock()
	c.Publish(Event{Kind: EventServerTime, Data: offset})
}

// ServerTime is the local clock corrected by the last known offset
func (c *CommonStore) ServerTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Add(c.serverTimeOffset)
}

// ServerTimeOffset returns the offset and whether a time response was seen
func (c *CommonStore) ServerTimeOffset() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverTimeOffset, c.hasServerTime
}

func (c *CommonStore) Language() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.language
}

func (c *CommonStore) ChangeLanguage(lang string) {
	lang = strings.ToUpper(lang)
	if lang == "" {
		return
	}
	c.mu.Lock()
	changed := c.language != lang
	c.language = lang
	c.mu.Unlock()
	if changed {
		c.Publish(Event{Kind: EventLanguage, Data: lang})
	}
}

// Localize renders key in the current language
func (c *CommonStore) Localize(key string) string {
	return Localize(c.Language(), key)
}
