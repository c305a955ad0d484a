package websocket

import (
	"context"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
)

// websocketMessage wraps a frame read by the reader goroutine for the processor
type websocketMessage struct {
	MessageType int       // Text, Binary, Close, Ping, Pong
	Data        []byte    // copied; ReadMessage may reuse its buffer
	ReceivedAt  time.Time
}

// Handler observes the connection lifecycle and every parsed frame.
// OnMessage runs on the processor goroutine, before the frame resolves any
// waiter, and must not block on network round trips. OnOpen and
// OnDisconnect must return promptly.
type Handler interface {
	OnOpen(ctx context.Context)
	OnMessage(ctx context.Context, resp *deriv.Response)
	OnDisconnect(ctx context.Context, err error)
}

// URLFunc resolves the socket URL before every dial
type URLFunc func(ctx context.Context) (string, error)

// Options tune the transport
type Options struct {
	WatchdogTimeout      time.Duration
	WriteTimeout         time.Duration
	HandshakeTimeout     time.Duration
	StreamBuffer         int
	MaxReconnectAttempts int
	DisableReconnect     bool // no reconnect after unexpected closes
}

// DefaultOptions are used for zero fields
var DefaultOptions = Options{
	WatchdogTimeout:      30 * time.Second,
	WriteTimeout:         10 * time.Second,
	HandshakeTimeout:     30 * time.Second,
	StreamBuffer:         100,
	MaxReconnectAttempts: 10,
}

func (o Options) withDefaults() Options {
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = DefaultOptions.WatchdogTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultOptions.WriteTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultOptions.HandshakeTimeout
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = DefaultOptions.StreamBuffer
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultOptions.MaxReconnectAttempts
	}
	return o
}

// ExpectationState is the lifecycle of a msg_type in the expectation table
type ExpectationState int

const (
	ExpectationPending ExpectationState = iota
	ExpectationFulfilled
	ExpectationAbandoned
)

func (s ExpectationState) String() string {
	switch s {
	case ExpectationPending:
		return "pending"
	case ExpectationFulfilled:
		return "fulfilled"
	case ExpectationAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}
