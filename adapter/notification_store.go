package deriv

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// NotificationType drives banner styling and sort order
type NotificationType string

const (
	NotificationDanger       NotificationType = "danger"
	NotificationWarning      NotificationType = "warning"
	NotificationInfo         NotificationType = "info"
	NotificationAnnounce     NotificationType = "announce"
	NotificationNews         NotificationType = "news"
	NotificationPromotions   NotificationType = "promotions"
	NotificationContractSold NotificationType = "contract_sold"
)

// Notification is one user facing banner, unique by Key
type Notification struct {
	Key             string           `json:"key"`
	Type            NotificationType `json:"type"`
	Header          string           `json:"header,omitempty"`
	Message         string           `json:"message"`
	IsPersistent    bool             `json:"is_persistent,omitempty"`
	ShouldShowAgain bool             `json:"should_show_again,omitempty"`
	IsDisposable    bool             `json:"is_disposable,omitempty"`
}

// Viewport selects one of the two display orders
type Viewport int

const (
	ViewportDesktop Viewport = iota
	ViewportMobile
)

var (
	desktopPriorityKeys = []string{"site_maintenance", "trustpilot", "svg"}
	typeOrder           = []NotificationType{
		NotificationDanger,
		NotificationWarning,
		NotificationInfo,
		NotificationAnnounce,
		NotificationNews,
		NotificationPromotions,
	}
)

// SiteMaintenanceNotification is shown while website_status is not up
func SiteMaintenanceNotification(lang, message string) Notification {
	if message == "" {
		message = Localize(lang, MsgSiteMaintenance)
	}
	return Notification{
		Key:          MsgSiteMaintenance,
		Type:         NotificationWarning,
		Message:      message,
		IsPersistent: true,
	}
}

// YouAreOfflineNotification is shown while the socket is down
func YouAreOfflineNotification(lang string) Notification {
	return Notification{
		Key:          MsgYouAreOffline,
		Type:         NotificationDanger,
		Message:      Localize(lang, MsgYouAreOffline),
		IsPersistent: true,
	}
}

// LoginIDSource reports the active loginid ("" when logged out)
type LoginIDSource interface {
	LoginID() string
}

// NotificationStore is a deduplicated banner list with durable dismissals
// per loginid
type NotificationStore struct {
	*Observable

	storage Storage
	client  LoginIDSource
	logger  *slog.Logger

	mu       sync.RWMutex
	messages []Notification
}

// NewNotificationStore creates the store. When client is an Observable
// source its logout event clears messages and dismissal storage.
func NewNotificationStore(storage Storage, client LoginIDSource, logger *slog.Logger) *NotificationStore {
	n := &NotificationStore{
		Observable: NewObservable(),
		storage:    storage,
		client:     client,
		logger:     loggerOrDefault(logger),
	}
	if source, ok := client.(interface{ Subscribe(func(Event)) func() }); ok {
		source.Subscribe(func(ev Event) {
			if ev.Kind == EventLogout {
				if err := n.ClearOnLogout(context.Background()); err != nil {
					n.logger.Warn("Failed to clear notification storage",
						"function", "NewNotificationStore",
						"error", err)
				}
			}
		})
	}
	return n
}

// AddNotificationMessage adds msg unless its key is already listed or was
// dismissed for the active loginid. It reports whether msg was added.
func (n *NotificationStore) AddNotificationMessage(ctx context.Context, msg Notification) bool {
	if msg.Key == "" {
		return false
	}

	dismissed, err := n.isDismissed(ctx, msg.Key)
	if err != nil {
		n.logger.Warn("Failed to read dismissed notifications",
			"function", "AddNotificationMessage",
			"key", msg.Key,
			"error", err)
	}
	if dismissed {
		return false
	}

	n.mu.Lock()
	for _, existing := range n.messages {
		if existing.Key == msg.Key {
			n.mu.Unlock()
			return false
		}
	}
	n.messages = append(n.messages, msg)
	count := len(n.messages)
	n.mu.Unlock()

	n.Publish(Event{Kind: EventNotifications, Data: count})
	return true
}

// RemoveNotificationMessage removes key after a user dismissal and persists
// the dismissal unless shouldShowAgain is set
func (n *NotificationStore) RemoveNotificationMessage(ctx context.Context, key string, shouldShowAgain bool) error {
	removed, ok := n.remove(key)
	if !ok {
		return nil
	}
	if shouldShowAgain || removed.ShouldShowAgain {
		return nil
	}
	return n.markDismissed(ctx, key)
}

// RemoveNotificationByKey removes key without recording a dismissal
func (n *NotificationStore) RemoveNotificationByKey(key string) {
	n.remove(key)
}

// RemoveNotifications drops every message; persistent ones survive unless
// includePersistent is set
func (n *NotificationStore) RemoveNotifications(includePersistent bool) {
	n.mu.Lock()
	kept := n.messages[:0]
	for _, msg := range n.messages {
		if msg.IsPersistent && !includePersistent {
			kept = append(kept, msg)
		}
	}
	n.messages = kept
	count := len(kept)
	n.mu.Unlock()
	n.Publish(Event{Kind: EventNotifications, Data: count})
}

// ClearOnLogout drops all messages and the dismissal storage
func (n *NotificationStore) ClearOnLogout(ctx context.Context) error {
	n.mu.Lock()
	n.messages = nil
	n.mu.Unlock()
	n.Publish(Event{Kind: EventNotifications, Data: 0})

	return errors.Join(
		n.storage.Remove(ctx, KeyNotificationMsgs),
		n.storage.Remove(ctx, KeyMarkedNotifications),
	)
}

// Messages returns the messages in insertion order
func (n *NotificationStore) Messages() []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Notification(nil), n.messages...)
}

// Has reports whether key is listed
func (n *NotificationStore) Has(key string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, msg := range n.messages {
		if msg.Key == key {
			return true
		}
	}
	return false
}

// SortedMessages returns the messages in the display order of viewport
func (n *NotificationStore) SortedMessages(viewport Viewport) []Notification {
	out := n.Messages()
	less := desktopLess
	if viewport == ViewportMobile {
		less = mobileLess
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func desktopLess(a, b Notification) bool {
	pa, pb := indexOf(desktopPriorityKeys, a.Key), indexOf(desktopPriorityKeys, b.Key)
	if pa != pb {
		return pa < pb
	}
	return byTypeThenKey(a, b)
}

func mobileLess(a, b Notification) bool {
	ra, rb := mobileRank(a), mobileRank(b)
	if ra != rb {
		return ra < rb
	}
	return byTypeThenKey(a, b)
}

// contract_sold first, promotions last
func mobileRank(n Notification) int {
	switch {
	case n.Key == "contract_sold" || n.Type == NotificationContractSold:
		return 0
	case n.Type == NotificationPromotions:
		return 2
	default:
		return 1
	}
}

func byTypeThenKey(a, b Notification) bool {
	ta, tb := typeRank(a.Type), typeRank(b.Type)
	if ta != tb {
		return ta < tb
	}
	return a.Key < b.Key
}

func typeRank(t NotificationType) int {
	for i, candidate := range typeOrder {
		if candidate == t {
			return i
		}
	}
	return len(typeOrder)
}

// indexOf returns len(list) for missing values so unknown keys sort last
func indexOf(list []string, value string) int {
	for i, candidate := range list {
		if candidate == value {
			return i
		}
	}
	return len(list)
}

func (n *NotificationStore) remove(key string) (Notification, bool) {
	n.mu.Lock()
	var removed Notification
	found := false
	for i, msg := range n.messages {
		if msg.Key == key {
			removed = msg
			found = true
			n.messages = append(n.messages[:i:i], n.messages[i+1:]...)
			break
		}
	}
	count := len(n.messages)
	n.mu.Unlock()

	if found {
		n.Publish(Event{Kind: EventNotifications, Data: count})
	}
	return removed, found
}

func (n *NotificationStore) activeLoginID() string {
	if n.client == nil {
		return ""
	}
	return n.client.LoginID()
}

func (n *NotificationStore) isDismissed(ctx context.Context, key string) (bool, error) {
	if loginID := n.activeLoginID(); loginID != "" {
		byLogin := map[string][]string{}
		if err := getJSON(ctx, n.storage, KeyNotificationMsgs, &byLogin); err != nil {
			return false, err
		}
		return contains(byLogin[loginID], key), nil
	}

	var marked []string
	if err := getJSON(ctx, n.storage, KeyMarkedNotifications, &marked); err != nil {
		return false, err
	}
	return contains(marked, key), nil
}

func (n *NotificationStore) markDismissed(ctx context.Context, key string) error {
	if loginID := n.activeLoginID(); loginID != "" {
		byLogin := map[string][]string{}
		if err := getJSON(ctx, n.storage, KeyNotificationMsgs, &byLogin); err != nil {
			return err
		}
		if byLogin == nil {
			byLogin = map[string][]string{}
		}
		if !contains(byLogin[loginID], key) {
			byLogin[loginID] = append(byLogin[loginID], key)
		}
		return setJSON(ctx, n.storage, KeyNotificationMsgs, byLogin)
	}

	var marked []string
	if err := getJSON(ctx, n.storage, KeyMarkedNotifications, &marked); err != nil {
		return err
	}
	if !contains(marked, key) {
		marked = append(marked, key)
	}
	return setJSON(ctx, n.storage, KeyMarkedNotifications, marked)
}

func contains(list []string, value string) bool {
	return indexOf(list, value) < len(list)
}
