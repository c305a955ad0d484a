package deriv

import (
	"context"
	"time"
)

// ============================================================================
// INTERFACES - contracts between the stores and the transport
// ============================================================================
// The stores depend only on these interfaces. The websocket package provides
// the production Requester; tests substitute in-memory fakes.
// ============================================================================

// Requester is the request side of the Deriv transport
type Requester interface {
	// Send writes req and waits for the response carrying the same req_id.
	// A server error envelope is returned as *APIError.
	Send(ctx context.Context, req Request) (*Response, error)

	// AuthorizedSend waits until the connection is authorized, then sends
	AuthorizedSend(ctx context.Context, req Request) (*Response, error)

	// Wait returns once a response of every listed msg_type has been seen
	Wait(ctx context.Context, msgTypes ...string) error

	// Subscribe sends req with subscribe:1 and returns the resulting stream
	Subscribe(ctx context.Context, req Request) (*Stream, error)

	// Forget ends one stream by subscription id
	Forget(ctx context.Context, id string) error

	// ForgetAll ends every stream of the given msg_types
	ForgetAll(ctx context.Context, msgTypes ...string) error
}

// Storage is a durable string key/value store, the process analogue of the
// browser's localStorage
type Storage interface {
	// Get returns ErrKeyNotFound when key is absent
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// TokenExchanger turns a one-time redirect token into a session token
type TokenExchanger interface {
	ExchangeToken(ctx context.Context, oneTimeToken string) (string, error)
}

// Clock supplies the current time; stores use it for session_start
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ============================================================================
// STORAGE KEYS
// ============================================================================

const (
	KeySessionToken        = "session_token"
	KeyActiveLoginID       = "active_loginid"
	KeyActiveUserID        = "active_user_id"
	KeyCurrentAccount      = "current_account"
	KeyClientAccounts      = "client.accounts"
	KeyMarkedNotifications = "marked_notifications"
	KeyNotificationMsgs    = "notification_messages"
	KeyServerURL           = "config.server_url"

	// session storage
	KeyActiveTab = "active_tab"
)
