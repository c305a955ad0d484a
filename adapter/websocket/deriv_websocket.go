package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/gorilla/websocket"
)

// DerivWebSocketClient is the request/response transport for the Deriv API.
// It correlates responses to requests by req_id, fans subscription pushes
// out to streams and notifies a Handler of every frame.
type DerivWebSocketClient struct {
	urlFunc URLFunc
	opts    Options
	logger  *slog.Logger

	handler   Handler
	handlerMu sync.RWMutex

	// Component managers
	connectionManager   *ConnectionManager
	subscriptionManager *SubscriptionManager
	pending             *pendingTable
	watchdog            *watchdog

	// Current connection, nil while disconnected
	current   *connState
	currentMu sync.RWMutex
	writeMu   sync.Mutex

	// Client lifetime, canceled by Close
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	reqID atomic.Int64

	// Request gates
	gateMu       sync.Mutex
	authorized   bool
	authorizedCh chan struct{} // closed while authorized
	blocked      bool
	unblockCh    chan struct{} // closed on unblock
}

// connState is everything owned by one physical connection. The reader and
// processor goroutines of a connection only touch their own connState, so a
// late error from a replaced connection can never tear down its successor.
type connState struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// Separated reader/processor channels
	incomingMessages chan websocketMessage
	connectionErrors chan error

	readerDone    chan struct{}
	processorDone chan struct{}
}

// NewDerivWebSocketClient creates a disconnected client. urlFunc is resolved
// before every dial so server URL changes apply on reconnect.
func NewDerivWebSocketClient(urlFunc URLFunc, opts Options, logger *slog.Logger) *DerivWebSocketClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	client := &DerivWebSocketClient{
		urlFunc:      urlFunc,
		opts:         opts,
		logger:       logger,
		pending:      newPendingTable(),
		lifeCtx:      lifeCtx,
		lifeCancel:   lifeCancel,
		authorizedCh: make(chan struct{}),
	}
	client.subscriptionManager = NewSubscriptionManager(opts.StreamBuffer, logger)
	client.connectionManager = NewConnectionManager(client)
	client.watchdog = newWatchdog(opts.WatchdogTimeout, client.onWatchdogTimeout)
	return client
}

// SetHandler installs the lifecycle and frame observer. Call before Connect.
func (ws *DerivWebSocketClient) SetHandler(h Handler) {
	ws.handlerMu.Lock()
	defer ws.handlerMu.Unlock()
	ws.handler = h
}

func (ws *DerivWebSocketClient) getHandler() Handler {
	ws.handlerMu.RLock()
	defer ws.handlerMu.RUnlock()
	return ws.handler
}

// Connect dials the socket and starts the reader and processor goroutines
func (ws *DerivWebSocketClient) Connect(ctx context.Context) error {
	return ws.connectionManager.EstablishConnection(ctx)
}

// Reconnect closes the current connection without triggering automatic
// reconnection and dials again
func (ws *DerivWebSocketClient) Reconnect(ctx context.Context) error {
	ws.logger.Info("Reconnecting WebSocket",
		"function", "Reconnect",
		"connection_id", ws.ConnectionID())

	if err := ws.connectionManager.CloseConnection(); err != nil {
		ws.logger.Warn("Close before reconnect failed",
			"function", "Reconnect",
			"error", err)
	}
	return ws.connectionManager.EstablishConnection(ctx)
}

// Close terminates the connection and stops any reconnection in progress.
// The client cannot be reused after Close.
func (ws *DerivWebSocketClient) Close() error {
	ws.lifeCancel()
	ws.watchdog.clear()
	ws.pending.close()

	ws.currentMu.RLock()
	state := ws.current
	ws.currentMu.RUnlock()

	err := ws.connectionManager.CloseConnection()

	if state != nil {
		ws.waitForExit(state.readerDone, "reader")
		ws.waitForExit(state.processorDone, "processor")
	}
	return err
}

func (ws *DerivWebSocketClient) waitForExit(done <-chan struct{}, name string) {
	select {
	case <-done:
		ws.logger.Debug("Goroutine exited cleanly",
			"function", "Close",
			"goroutine", name)
	case <-time.After(5 * time.Second):
		ws.logger.Warn("Goroutine exit timeout (forced shutdown)",
			"function", "Close",
			"goroutine", name)
	}
}

// IsConnected reports whether a connection is open
func (ws *DerivWebSocketClient) IsConnected() bool {
	return ws.connectionManager.IsConnected()
}

// ConnectionID identifies the current connection in logs, "" when closed
func (ws *DerivWebSocketClient) ConnectionID() string {
	ws.currentMu.RLock()
	defer ws.currentMu.RUnlock()
	if ws.current == nil {
		return ""
	}
	return ws.current.id
}

// ============================================================================
// REQUESTS
// ============================================================================

// Send writes req and waits for the response with the same req_id
func (ws *DerivWebSocketClient) Send(ctx context.Context, req deriv.Request) (*deriv.Response, error) {
	result, err := ws.roundTrip(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return result.resp, nil
}

// AuthorizedSend waits until the connection is authorized, then sends
func (ws *DerivWebSocketClient) AuthorizedSend(ctx context.Context, req deriv.Request) (*deriv.Response, error) {
	ws.gateMu.Lock()
	ch := ws.authorizedCh
	ws.gateMu.Unlock()

	select {
	case <-ch:
	case <-ws.lifeCtx.Done():
		return nil, fmt.Errorf("waiting for authorization before %s: %w", req.Call(), deriv.ErrClientClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for authorization before %s: %w", req.Call(), ctx.Err())
	}
	return ws.Send(ctx, req)
}

// Wait returns once a response of every msg_type has been observed on this
// client, whichever request produced it. It fails with ErrClientClosed once
// the client is closed.
func (ws *DerivWebSocketClient) Wait(ctx context.Context, msgTypes ...string) error {
	return ws.pending.wait(ctx, msgTypes...)
}

// Subscribe sends req with subscribe:1. The returned stream carries the first
// response; later pushes arrive on its Updates channel.
func (ws *DerivWebSocketClient) Subscribe(ctx context.Context, req deriv.Request) (*deriv.Stream, error) {
	frame := req.Clone()
	frame["subscribe"] = 1

	result, err := ws.roundTrip(ctx, frame, true)
	if err != nil {
		return nil, err
	}
	if result.stream == nil {
		// Server answered without a subscription id; nothing will follow
		ws.logger.Warn("Subscription response carried no subscription id",
			"function", "Subscribe",
			"msg_type", result.resp.MsgType)
		updates := make(chan *deriv.Response)
		close(updates)
		return &deriv.Stream{MsgType: result.resp.MsgType, First: result.resp, Updates: updates}, nil
	}
	return result.stream, nil
}

// Forget ends one stream locally and on the server
func (ws *DerivWebSocketClient) Forget(ctx context.Context, id string) error {
	if ws.subscriptionManager.remove(id) {
		ActiveStreams.Set(float64(ws.subscriptionManager.Count()))
	}
	if _, err := ws.Send(ctx, deriv.Request{"forget": id}); err != nil {
		return fmt.Errorf("failed to forget subscription %s: %w", id, err)
	}
	return nil
}

// ForgetAll ends every stream of msgTypes locally and on the server
func (ws *DerivWebSocketClient) ForgetAll(ctx context.Context, msgTypes ...string) error {
	removed := ws.subscriptionManager.removeByType(msgTypes...)
	ActiveStreams.Set(float64(ws.subscriptionManager.Count()))
	ws.logger.Debug("Forgetting streams",
		"function", "ForgetAll",
		"msg_types", msgTypes,
		"local_streams", len(removed))

	if _, err := ws.Send(ctx, deriv.Request{"forget_all": msgTypes}); err != nil {
		return fmt.Errorf("failed to forget %v streams: %w", msgTypes, err)
	}
	return nil
}

// ExpectationState reports whether a response of msgType has been seen
func (ws *DerivWebSocketClient) ExpectationState(msgType string) ExpectationState {
	return ws.pending.state(msgType)
}

// InFlight returns the number of requests awaiting a response
func (ws *DerivWebSocketClient) InFlight() int {
	return ws.pending.inFlight()
}

func (ws *DerivWebSocketClient) roundTrip(ctx context.Context, req deriv.Request, subscribe bool) (pendingResult, error) {
	call := req.Call()
	if call == "" {
		return pendingResult{}, fmt.Errorf("request has no call name")
	}

	if !isExemptFromBlock(call) {
		if err := ws.waitUnblocked(ctx); err != nil {
			return pendingResult{}, fmt.Errorf("waiting for site to come up before %s: %w", call, err)
		}
	}

	id := ws.reqID.Add(1)
	entry := ws.pending.add(id, req, subscribe)
	PendingRequests.Set(float64(ws.pending.inFlight()))

	if err := ws.write(req, id); err != nil {
		ws.pending.remove(id)
		PendingRequests.Set(float64(ws.pending.inFlight()))
		return pendingResult{}, err
	}
	ws.watchdog.arm()

	select {
	case result, ok := <-entry.ch:
		if !ok {
			return pendingResult{}, fmt.Errorf("%s request %d: %w", call, id, deriv.ErrNotConnected)
		}
		if result.resp.Error != nil {
			return result, result.resp.Error
		}
		return result, nil
	case <-ctx.Done():
		ws.pending.remove(id)
		PendingRequests.Set(float64(ws.pending.inFlight()))
		return pendingResult{}, ctx.Err()
	}
}

func (ws *DerivWebSocketClient) write(req deriv.Request, reqID int64) error {
	data, err := encodeRequest(req, reqID)
	if err != nil {
		return err
	}

	ws.currentMu.RLock()
	state := ws.current
	ws.currentMu.RUnlock()
	if state == nil {
		return fmt.Errorf("cannot send %s: %w", req.Call(), deriv.ErrNotConnected)
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := state.conn.SetWriteDeadline(time.Now().Add(ws.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := state.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s request: %w", req.Call(), err)
	}

	ws.logger.Debug("Request sent",
		"function", "write",
		"call", req.Call(),
		"req_id", reqID,
		"connection_id", state.id)
	return nil
}

// ============================================================================
// GATES
// ============================================================================

// SetAuthorized opens or closes the gate AuthorizedSend waits on
func (ws *DerivWebSocketClient) SetAuthorized(authorized bool) {
	ws.gateMu.Lock()
	defer ws.gateMu.Unlock()
	if ws.authorized == authorized {
		return
	}
	ws.authorized = authorized
	if authorized {
		close(ws.authorizedCh)
	} else {
		ws.authorizedCh = make(chan struct{})
	}
}

// IsAuthorized reports the authorization gate
func (ws *DerivWebSocketClient) IsAuthorized() bool {
	ws.gateMu.Lock()
	defer ws.gateMu.Unlock()
	return ws.authorized
}

// BlockRequests holds every request except website_status, authorize, ping,
// time and logout until UnblockRequests
func (ws *DerivWebSocketClient) BlockRequests() {
	ws.gateMu.Lock()
	defer ws.gateMu.Unlock()
	if ws.blocked {
		return
	}
	ws.blocked = true
	ws.unblockCh = make(chan struct{})
}

// UnblockRequests releases requests held by BlockRequests
func (ws *DerivWebSocketClient) UnblockRequests() {
	ws.gateMu.Lock()
	defer ws.gateMu.Unlock()
	if !ws.blocked {
		return
	}
	ws.blocked = false
	close(ws.unblockCh)
}

// IsBlocked reports whether requests are being held
func (ws *DerivWebSocketClient) IsBlocked() bool {
	ws.gateMu.Lock()
	defer ws.gateMu.Unlock()
	return ws.blocked
}

func (ws *DerivWebSocketClient) waitUnblocked(ctx context.Context) error {
	ws.gateMu.Lock()
	if !ws.blocked {
		ws.gateMu.Unlock()
		return nil
	}
	ch := ws.unblockCh
	ws.gateMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ws.lifeCtx.Done():
		return deriv.ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// READER / PROCESSOR
// ============================================================================

// readMessages only reads from the socket and hands frames to the processor
// so slow handlers never stall the read loop
func (ws *DerivWebSocketClient) readMessages(state *connState) {
	defer func() {
		close(state.readerDone)
		if r := recover(); r != nil {
			ws.logger.Error("Panic in readMessages",
				"function", "readMessages",
				"connection_id", state.id,
				"panic", r)
		}
		ws.logger.Debug("Reader goroutine exiting",
			"function", "readMessages",
			"connection_id", state.id)
	}()

	for {
		messageType, message, err := state.conn.ReadMessage()
		if err != nil {
			if state.ctx.Err() != nil {
				return
			}

			ws.logger.Warn("ReadMessage error",
				"function", "readMessages",
				"connection_id", state.id,
				"error", err,
				"error_type", fmt.Sprintf("%T", err))

			var netErr net.Error
			if errors.As(err, &netErr) {
				ws.logger.Debug("Network error details",
					"function", "readMessages",
					"timeout", netErr.Timeout())
			}

			select {
			case state.connectionErrors <- err:
			case <-state.ctx.Done():
			}
			return
		}

		// ReadMessage may reuse its buffer
		messageCopy := make([]byte, len(message))
		copy(messageCopy, message)

		msg := websocketMessage{
			MessageType: messageType,
			Data:        messageCopy,
			ReceivedAt:  time.Now(),
		}

		select {
		case state.incomingMessages <- msg:
			if queueLen := len(state.incomingMessages); queueLen > 10 {
				ws.logger.Warn("Queue backpressure detected",
					"function", "readMessages",
					"pending_messages", queueLen)
			}
		case <-state.ctx.Done():
			return
		}
	}
}

// processMessages handles frames and read errors for one connection
func (ws *DerivWebSocketClient) processMessages(state *connState) {
	defer func() {
		close(state.processorDone)
		if r := recover(); r != nil {
			ws.logger.Error("Panic in processMessages",
				"function", "processMessages",
				"connection_id", state.id,
				"panic", r)
		}
		ws.logger.Debug("Processor goroutine exiting",
			"function", "processMessages",
			"connection_id", state.id)
	}()

	for {
		select {
		case <-state.ctx.Done():
			return

		case msg := <-state.incomingMessages:
			ws.processOneMessage(state, msg)

		case err := <-state.connectionErrors:
			ws.connectionManager.HandleConnectionError(state, err)
			return
		}
	}
}

// processOneMessage runs the full pipeline for one frame: handler first, then
// req_id waiters and streams, then msg_type expectations
func (ws *DerivWebSocketClient) processOneMessage(state *connState, msg websocketMessage) {
	if msg.MessageType != websocket.TextMessage && msg.MessageType != websocket.BinaryMessage {
		ws.logger.Warn("Unexpected frame type",
			"function", "processOneMessage",
			"message_type", msg.MessageType)
		return
	}

	ws.watchdog.clear()
	defer ws.rearmIfWaiting()

	resp, err := parseMessage(msg.Data)
	if err != nil {
		ws.logger.Error("Message parse error",
			"function", "processOneMessage",
			"connection_id", state.id,
			"size", len(msg.Data),
			"error", err)
		return
	}

	FramesReceived.WithLabelValues(resp.MsgType).Inc()
	if resp.Error != nil {
		ServerErrors.WithLabelValues(resp.MsgType, string(resp.Error.Code)).Inc()
	}

	var call string
	if resp.ReqID != 0 {
		if entry := ws.pending.peek(resp.ReqID); entry != nil {
			resp.Request = entry.req
			call = entry.call
		}
	}

	if h := ws.getHandler(); h != nil {
		h.OnMessage(state.ctx, resp)
	}

	ws.route(resp)
	ws.pending.fulfil(resp.MsgType, call)
	PendingRequests.Set(float64(ws.pending.inFlight()))
}

// route resolves the req_id waiter or, for pushes, the stream
func (ws *DerivWebSocketClient) route(resp *deriv.Response) {
	if resp.ReqID != 0 {
		if entry := ws.pending.take(resp.ReqID); entry != nil {
			result := pendingResult{resp: resp}
			if entry.subscribe && resp.Error == nil && resp.SubscriptionID() != "" {
				result.stream = ws.subscriptionManager.register(resp, entry.req)
				ActiveStreams.Set(float64(ws.subscriptionManager.Count()))
			}
			entry.ch <- result
			return
		}
	}

	if ws.subscriptionManager.route(resp) {
		return
	}

	ws.logger.Debug("Unsolicited frame",
		"function", "route",
		"msg_type", resp.MsgType,
		"req_id", resp.ReqID,
		"subscription_id", resp.SubscriptionID())
}

func (ws *DerivWebSocketClient) rearmIfWaiting() {
	if ws.pending.inFlight() > 0 {
		ws.watchdog.arm()
	}
}

// ArmWatchdog starts the response watchdog unless it is already running
func (ws *DerivWebSocketClient) ArmWatchdog() {
	ws.watchdog.arm()
}

// ClearWatchdog stops the response watchdog
func (ws *DerivWebSocketClient) ClearWatchdog() {
	ws.watchdog.clear()
}

func (ws *DerivWebSocketClient) onWatchdogTimeout() {
	calls := ws.pending.abandon()
	if len(calls) == 0 {
		return
	}
	WatchdogTimeouts.Inc()
	ws.logger.Warn("No response within watchdog timeout, abandoning expectations",
		"function", "onWatchdogTimeout",
		"timeout", ws.opts.WatchdogTimeout,
		"calls", calls,
		"connection_id", ws.ConnectionID())
}
