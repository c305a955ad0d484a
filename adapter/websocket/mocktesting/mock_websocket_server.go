package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/gorilla/websocket"
)

// ValidToken is accepted by the default authorize handler
const ValidToken = "a1-valid-session-token"

// Reply is what a HandlerFunc answers with. A Silent reply sends nothing.
type Reply struct {
	Body   interface{}
	Error  *deriv.APIError
	Silent bool
}

// HandlerFunc produces the reply for one request
type HandlerFunc func(req deriv.Request) Reply

// MockDerivServer is a test WebSocket server speaking the Deriv JSON
// protocol: one JSON object per text frame, replies echo req_id and
// subscriptions carry subscription.id
type MockDerivServer struct {
	server    *httptest.Server
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*sync.Mutex
	clientsMu sync.RWMutex

	handlers   map[string]HandlerFunc
	handlersMu sync.RWMutex

	requests   []deriv.Request
	requestsMu sync.Mutex

	subscriptions   map[string]string // id -> msg_type
	subscriptionsMu sync.Mutex
	subscriptionSeq atomic.Int64

	connections atomic.Int64
}

// NewMockDerivServer starts a server with default handlers for the calls
// the session layer uses
func NewMockDerivServer() *MockDerivServer {
	mock := &MockDerivServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:       make(map[*websocket.Conn]*sync.Mutex),
		handlers:      make(map[string]HandlerFunc),
		subscriptions: make(map[string]string),
	}
	mock.installDefaults()

	mux := http.NewServeMux()
	mux.HandleFunc("/websockets/v3", mock.handleWebSocket)
	mock.server = httptest.NewServer(mux)
	return mock
}

func (m *MockDerivServer) installDefaults() {
	m.handlers["authorize"] = func(req deriv.Request) Reply {
		if token, _ := req["authorize"].(string); token != ValidToken {
			return Reply{Error: &deriv.APIError{Code: deriv.ErrCodeInvalidToken, Message: "The token is invalid."}}
		}
		return Reply{Body: DefaultAuthorize()}
	}
	m.handlers["logout"] = func(deriv.Request) Reply { return Reply{Body: 1} }
	m.handlers["balance"] = func(deriv.Request) Reply {
		return Reply{Body: map[string]interface{}{"balance": 10000, "currency": "USD", "loginid": "VRTC1234567"}}
	}
	m.handlers["website_status"] = func(deriv.Request) Reply {
		return Reply{Body: map[string]interface{}{"site_status": "up", "clients_country": "id"}}
	}
	m.handlers["payout_currencies"] = func(deriv.Request) Reply {
		return Reply{Body: []string{"USD", "EUR", "BTC"}}
	}
	m.handlers["time"] = func(deriv.Request) Reply { return Reply{Body: time.Now().Unix()} }
	m.handlers["ping"] = func(deriv.Request) Reply { return Reply{Body: "pong"} }
	m.handlers["forget"] = func(req deriv.Request) Reply {
		id, _ := req["forget"].(string)
		m.subscriptionsMu.Lock()
		_, ok := m.subscriptions[id]
		delete(m.subscriptions, id)
		m.subscriptionsMu.Unlock()
		if ok {
			return Reply{Body: 1}
		}
		return Reply{Body: 0}
	}
	m.handlers["forget_all"] = func(req deriv.Request) Reply {
		types := map[string]bool{}
		if list, ok := req["forget_all"].([]interface{}); ok {
			for _, t := range list {
				if s, ok := t.(string); ok {
					types[s] = true
				}
			}
		}
		var removed []string
		m.subscriptionsMu.Lock()
		for id, msgType := range m.subscriptions {
			if types[msgType] {
				removed = append(removed, id)
				delete(m.subscriptions, id)
			}
		}
		m.subscriptionsMu.Unlock()
		return Reply{Body: removed}
	}
	m.handlers["transaction"] = func(deriv.Request) Reply { return Reply{Body: map[string]interface{}{}} }
	m.handlers["topup_virtual"] = func(deriv.Request) Reply {
		return Reply{Body: map[string]interface{}{"amount": 10000, "currency": "USD"}}
	}
}

// DefaultAuthorize is the authorize body returned for ValidToken
func DefaultAuthorize() map[string]interface{} {
	return map[string]interface{}{
		"loginid":              "VRTC1234567",
		"user_id":              42,
		"balance":              10000,
		"currency":             "USD",
		"email":                "trader@example.com",
		"is_virtual":           1,
		"landing_company_name": "virtual",
		"country":              "id",
		"account_list": []map[string]interface{}{
			{"loginid": "VRTC1234567", "currency": "USD", "is_virtual": 1, "is_disabled": 0},
			{"loginid": "CR7654321", "currency": "USD", "is_virtual": 0, "is_disabled": 0},
		},
	}
}

// URL returns the ws:// socket URL including the Deriv path and query
func (m *MockDerivServer) URL() string {
	return m.BaseURL() + "?app_id=1089&l=EN&brand=deriv"
}

// BaseURL returns the ws:// socket URL without query, usable as server_url
func (m *MockDerivServer) BaseURL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1) + "/websockets/v3"
}

// Handle replaces the handler of call
func (m *MockDerivServer) Handle(call string, fn HandlerFunc) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[call] = fn
}

// Requests returns every request received so far, oldest first
func (m *MockDerivServer) Requests() []deriv.Request {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()
	return append([]deriv.Request(nil), m.requests...)
}

// CountRequests returns how many requests of call were received
func (m *MockDerivServer) CountRequests(call string) int {
	n := 0
	for _, req := range m.Requests() {
		if req.Call() == call {
			n++
		}
	}
	return n
}

// Connections returns how many sockets have been accepted
func (m *MockDerivServer) Connections() int {
	return int(m.connections.Load())
}

// SubscriptionIDs returns the live subscription ids of msgType
func (m *MockDerivServer) SubscriptionIDs(msgType string) []string {
	m.subscriptionsMu.Lock()
	defer m.subscriptionsMu.Unlock()
	var ids []string
	for id, t := range m.subscriptions {
		if t == msgType {
			ids = append(ids, id)
		}
	}
	return ids
}

// Push sends a subscription push of msgType to every live subscription of
// that type
func (m *MockDerivServer) Push(msgType string, body interface{}) error {
	for _, id := range m.SubscriptionIDs(msgType) {
		frame := map[string]interface{}{
			"msg_type":     msgType,
			msgType:        body,
			"subscription": map[string]string{"id": id},
			"echo_req":     map[string]interface{}{msgType: 1, "subscribe": 1},
		}
		if err := m.Broadcast(frame); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast writes frame to every connected client
func (m *MockDerivServer) Broadcast(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for conn, mu := range m.clients {
		mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every socket without a close frame
func (m *MockDerivServer) DropConnections() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn := range m.clients {
		conn.Close()
	}
	m.clients = make(map[*websocket.Conn]*sync.Mutex)
}

// Close shuts down the mock server
func (m *MockDerivServer) Close() {
	m.DropConnections()
	m.server.Close()
}

func (m *MockDerivServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("app_id") == "" {
		http.Error(w, "missing app_id", http.StatusBadRequest)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writeMu := &sync.Mutex{}
	m.clientsMu.Lock()
	m.clients[conn] = writeMu
	m.clientsMu.Unlock()
	m.connections.Add(1)

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, conn)
		m.clientsMu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req deriv.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		m.requestsMu.Lock()
		m.requests = append(m.requests, req)
		m.requestsMu.Unlock()

		frame, ok := m.reply(req)
		if !ok {
			continue
		}
		out, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, out)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (m *MockDerivServer) reply(req deriv.Request) (map[string]interface{}, bool) {
	call := req.Call()

	m.handlersMu.RLock()
	fn, ok := m.handlers[call]
	m.handlersMu.RUnlock()

	var reply Reply
	if ok {
		reply = fn(req)
	} else {
		reply = Reply{Error: &deriv.APIError{Code: "UnrecognisedRequest", Message: "Unrecognised request."}}
	}
	if reply.Silent {
		return nil, false
	}

	echo := make(map[string]interface{}, len(req))
	for k, v := range req {
		if k != "req_id" {
			echo[k] = v
		}
	}
	frame := map[string]interface{}{
		"msg_type": call,
		"echo_req": echo,
	}
	if id, ok := req["req_id"]; ok {
		frame["req_id"] = id
	}

	if reply.Error != nil {
		frame["error"] = reply.Error
		return frame, true
	}

	frame[call] = reply.Body
	if sub, ok := req["subscribe"].(float64); ok && sub == 1 {
		id := fmt.Sprintf("%s-%04d", call, m.subscriptionSeq.Add(1))
		m.subscriptionsMu.Lock()
		m.subscriptions[id] = call
		m.subscriptionsMu.Unlock()
		frame["subscription"] = map[string]string{"id": id}
	}
	return frame, true
}
