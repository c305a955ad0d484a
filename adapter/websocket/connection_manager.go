package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// ConnectionManager handles the WebSocket connection lifecycle: dialing,
// tear down and reconnection after unexpected closes
type ConnectionManager struct {
	client *DerivWebSocketClient

	mu           sync.Mutex
	connected    bool
	reconnecting bool

	reconnectAttempts    int
	maxReconnectAttempts int
	backoff              *backoff.ExponentialBackOff
}

func NewConnectionManager(client *DerivWebSocketClient) *ConnectionManager {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 5 * time.Minute

	return &ConnectionManager{
		client:               client,
		maxReconnectAttempts: client.opts.MaxReconnectAttempts,
		backoff:              b,
	}
}

// EstablishConnection dials the socket, starts the reader and processor
// goroutines and notifies the handler
func (cm *ConnectionManager) EstablishConnection(ctx context.Context) error {
	ws := cm.client
	if ws.lifeCtx.Err() != nil {
		return fmt.Errorf("client closed: %w", deriv.ErrNotConnected)
	}

	cm.mu.Lock()
	if cm.connected {
		cm.mu.Unlock()
		return fmt.Errorf("connection already established")
	}
	cm.mu.Unlock()

	wsURL, err := ws.urlFunc(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve socket URL: %w", err)
	}

	connectionID := generateConnectionID("deriv")
	ws.logger.Info("Establishing WebSocket connection",
		"function", "EstablishConnection",
		"connection_id", connectionID,
		"url", wsURL)

	dialer := websocket.Dialer{
		HandshakeTimeout: ws.opts.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			ws.logger.Error("WebSocket handshake failed",
				"function", "EstablishConnection",
				"status", resp.StatusCode)
		}
		return fmt.Errorf("failed to establish WebSocket connection: %w", err)
	}

	connCtx, connCancel := context.WithCancel(ws.lifeCtx)
	state := &connState{
		id:               connectionID,
		conn:             conn,
		ctx:              connCtx,
		cancel:           connCancel,
		incomingMessages: make(chan websocketMessage, 100),
		connectionErrors: make(chan error, 1),
		readerDone:       make(chan struct{}),
		processorDone:    make(chan struct{}),
	}

	cm.mu.Lock()
	cm.connected = true
	cm.reconnectAttempts = 0
	cm.backoff.Reset()
	cm.mu.Unlock()

	ws.currentMu.Lock()
	ws.current = state
	ws.currentMu.Unlock()

	go ws.readMessages(state)
	go ws.processMessages(state)

	ws.logger.Info("WebSocket connection established",
		"function", "EstablishConnection",
		"connection_id", connectionID,
		"local_address", conn.LocalAddr().String(),
		"remote_address", conn.RemoteAddr().String())

	ws.watchdog.arm()
	if h := ws.getHandler(); h != nil {
		h.OnOpen(connCtx)
	}
	return nil
}

// HandleConnectionError tears down the connection that reported err and
// reconnects unless the close was normal
func (cm *ConnectionManager) HandleConnectionError(state *connState, err error) {
	ws := cm.client
	if state.ctx.Err() != nil {
		// Closed on purpose
		return
	}

	if !cm.teardown(state, err) {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		ws.logger.Info("Normal closure, no reconnect needed",
			"function", "HandleConnectionError",
			"connection_id", state.id)
		return
	}

	if ws.opts.DisableReconnect || ws.lifeCtx.Err() != nil {
		return
	}

	cm.mu.Lock()
	if cm.reconnecting {
		cm.mu.Unlock()
		return
	}
	cm.reconnecting = true
	cm.mu.Unlock()

	go cm.reconnectWithBackoff()
}

// reconnectWithBackoff redials with exponential backoff until a connection is
// established, the attempt limit is reached or the client is closed
func (cm *ConnectionManager) reconnectWithBackoff() {
	ws := cm.client
	defer func() {
		cm.mu.Lock()
		cm.reconnecting = false
		cm.mu.Unlock()
	}()

	for {
		cm.mu.Lock()
		if cm.reconnectAttempts >= cm.maxReconnectAttempts {
			cm.mu.Unlock()
			Reconnects.WithLabelValues("gave_up").Inc()
			ws.logger.Error("Max reconnection attempts reached, giving up",
				"function", "reconnectWithBackoff",
				"attempts", cm.maxReconnectAttempts)
			return
		}
		cm.reconnectAttempts++
		attempt := cm.reconnectAttempts
		delay := cm.backoff.NextBackOff()
		cm.mu.Unlock()

		ws.logger.Info("Reconnection attempt scheduled",
			"function", "reconnectWithBackoff",
			"attempt", attempt,
			"max_attempts", cm.maxReconnectAttempts,
			"delay", delay)

		select {
		case <-ws.lifeCtx.Done():
			return
		case <-time.After(delay):
		}

		if cm.IsConnected() {
			return
		}

		if err := cm.EstablishConnection(ws.lifeCtx); err != nil {
			Reconnects.WithLabelValues("failed").Inc()
			ws.logger.Warn("Reconnection attempt failed",
				"function", "reconnectWithBackoff",
				"attempt", attempt,
				"error", err)
			continue
		}

		Reconnects.WithLabelValues("success").Inc()
		ws.logger.Info("WebSocket reconnection successful",
			"function", "reconnectWithBackoff",
			"attempt", attempt)
		return
	}
}

// CloseConnection closes the current connection on purpose. No reconnect
// follows.
func (cm *ConnectionManager) CloseConnection() error {
	ws := cm.client

	ws.currentMu.RLock()
	state := ws.current
	ws.currentMu.RUnlock()
	if state == nil {
		return nil
	}

	state.cancel()

	ws.writeMu.Lock()
	err := state.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	ws.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		ws.logger.Debug("Error sending close message",
			"function", "CloseConnection",
			"error", err)
	}

	cm.teardown(state, nil)
	return nil
}

// teardown releases everything owned by state once. It reports false when
// state was already torn down or replaced.
func (cm *ConnectionManager) teardown(state *connState, cause error) bool {
	ws := cm.client

	ws.currentMu.Lock()
	if ws.current != state {
		ws.currentMu.Unlock()
		return false
	}
	ws.current = nil
	ws.currentMu.Unlock()

	cm.mu.Lock()
	cm.connected = false
	cm.mu.Unlock()

	state.cancel()
	if err := state.conn.Close(); err != nil {
		ws.logger.Debug("Error closing connection",
			"function", "teardown",
			"error", err)
	}

	ws.watchdog.clear()
	failed := ws.pending.failAll()
	streams := ws.subscriptionManager.closeAll()
	ws.SetAuthorized(false)
	PendingRequests.Set(0)
	ActiveStreams.Set(0)

	ws.logger.Info("WebSocket connection closed",
		"function", "teardown",
		"connection_id", state.id,
		"failed_requests", failed,
		"closed_streams", streams,
		"cause", cause)

	if h := ws.getHandler(); h != nil {
		h.OnDisconnect(ws.lifeCtx, cause)
	}
	return true
}

// IsConnected returns current connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connected
}
