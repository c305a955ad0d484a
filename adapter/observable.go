package deriv

import "sync"

// EventKind names a store change
type EventKind string

const (
	EventAuthorized      EventKind = "authorized"
	EventAccountSwitched EventKind = "account_switched"
	EventSwitching       EventKind = "switching"
	EventLogout          EventKind = "logout"
	EventBalance         EventKind = "balance"
	EventCurrencies      EventKind = "currencies"
	EventWebsiteStatus   EventKind = "website_status"
	EventInitialized     EventKind = "initialized"
	EventCommonError     EventKind = "common_error"
	EventSocketState     EventKind = "socket_state"
	EventServerTime      EventKind = "server_time"
	EventLanguage        EventKind = "language"
	EventNotifications   EventKind = "notifications"
	EventTransaction     EventKind = "transaction"
	EventReloaded        EventKind = "reloaded"
)

// Event is delivered to subscribers after a store mutation
type Event struct {
	Kind    EventKind
	LoginID string
	Data    interface{}
}

// Observable fans store events out to subscribers. Events emitted inside
// Batch are held and delivered once the outermost Batch returns.
// Subscribers run on the emitting goroutine with no store lock held.
type Observable struct {
	mu     sync.Mutex
	subs   []subscriber
	nextID uint64
	depth  int
	queued []Event
}

type subscriber struct {
	id uint64
	fn func(Event)
}

func NewObservable() *Observable {
	return &Observable{}
}

// Subscribe registers fn and returns a function that removes it
func (o *Observable) Subscribe(fn func(Event)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs = append(o.subs, subscriber{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, sub := range o.subs {
			if sub.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

// Batch runs fn and delivers the events it emitted afterwards
func (o *Observable) Batch(fn func()) {
	o.mu.Lock()
	o.depth++
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.depth--
		var pending []Event
		if o.depth == 0 {
			pending = o.queued
			o.queued = nil
		}
		o.mu.Unlock()
		o.deliver(pending...)
	}()

	fn()
}

// Publish delivers events now, or queues them while a Batch is running
func (o *Observable) Publish(events ...Event) {
	o.mu.Lock()
	if o.depth > 0 {
		o.queued = append(o.queued, events...)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.deliver(events...)
}

func (o *Observable) deliver(events ...Event) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	subs := append([]subscriber(nil), o.subs...)
	o.mu.Unlock()

	for _, ev := range events {
		for _, sub := range subs {
			sub.fn(ev)
		}
	}
}
