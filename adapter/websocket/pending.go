package websocket

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
)

// pendingResult is delivered to the caller waiting on a req_id
type pendingResult struct {
	resp   *deriv.Response
	stream *deriv.Stream
}

type pendingRequest struct {
	call      string
	req       deriv.Request
	subscribe bool
	sentAt    time.Time
	ch        chan pendingResult // buffered 1; closed on disconnect
}

type expectation struct {
	state ExpectationState
	done  chan struct{} // closed when fulfilled
}

// pendingTable correlates req_id waiters and tracks per msg_type
// expectations for Wait
type pendingTable struct {
	mu           sync.Mutex
	requests     map[int64]*pendingRequest
	expectations map[string]*expectation

	closed    chan struct{}
	closeOnce sync.Once
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		requests:     make(map[int64]*pendingRequest),
		expectations: make(map[string]*expectation),
		closed:       make(chan struct{}),
	}
}

func (p *pendingTable) add(id int64, req deriv.Request, subscribe bool) *pendingRequest {
	entry := &pendingRequest{
		call:      req.Call(),
		req:       req,
		subscribe: subscribe,
		sentAt:    time.Now(),
		ch:        make(chan pendingResult, 1),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests[id] = entry
	exp := p.expectationLocked(entry.call)
	if exp.state == ExpectationAbandoned {
		exp.state = ExpectationPending
	}
	return entry
}

func (p *pendingTable) peek(id int64) *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[id]
}

func (p *pendingTable) take(id int64) *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.requests[id]
	if !ok {
		return nil
	}
	delete(p.requests, id)
	return entry
}

func (p *pendingTable) remove(id int64) {
	p.take(id)
}

// fulfil marks each msg_type as observed and releases its waiters
func (p *pendingTable) fulfil(msgTypes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msgType := range msgTypes {
		if msgType == "" {
			continue
		}
		exp := p.expectationLocked(msgType)
		if exp.state != ExpectationFulfilled {
			exp.state = ExpectationFulfilled
			close(exp.done)
		}
	}
}

// wait blocks until every msg_type has been observed, ctx ends or the table
// is closed
func (p *pendingTable) wait(ctx context.Context, msgTypes ...string) error {
	for _, msgType := range msgTypes {
		p.mu.Lock()
		exp := p.expectationLocked(msgType)
		done := exp.done
		p.mu.Unlock()

		select {
		case <-done:
			continue
		default:
		}
		select {
		case <-done:
		case <-p.closed:
			return fmt.Errorf("waiting for %s: %w", msgType, deriv.ErrClientClosed)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// close releases every expectation waiter for good
func (p *pendingTable) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// abandon marks the expectations of in-flight requests abandoned and
// returns their calls for logging. Waiters keep their req_id entries.
func (p *pendingTable) abandon() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool)
	for _, entry := range p.requests {
		if seen[entry.call] {
			continue
		}
		seen[entry.call] = true
		if exp := p.expectationLocked(entry.call); exp.state == ExpectationPending {
			exp.state = ExpectationAbandoned
		}
	}

	calls := make([]string, 0, len(seen))
	for call := range seen {
		calls = append(calls, call)
	}
	sort.Strings(calls)
	return calls
}

// failAll releases every req_id waiter with a closed channel
func (p *pendingTable) failAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.requests)
	for id, entry := range p.requests {
		close(entry.ch)
		delete(p.requests, id)
	}
	return n
}

func (p *pendingTable) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *pendingTable) state(msgType string) ExpectationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if exp, ok := p.expectations[msgType]; ok {
		return exp.state
	}
	return ExpectationPending
}

func (p *pendingTable) expectationLocked(msgType string) *expectation {
	exp, ok := p.expectations[msgType]
	if !ok {
		exp = &expectation{state: ExpectationPending, done: make(chan struct{})}
		p.expectations[msgType] = exp
	}
	return exp
}

// watchdog fires onFire when no frame arrives within timeout of being armed
type watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	gen     uint64
	onFire  func()
}

func newWatchdog(timeout time.Duration, onFire func()) *watchdog {
	return &watchdog{timeout: timeout, onFire: onFire}
}

// arm starts the timer unless it is already running
func (w *watchdog) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		return
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.timeout, func() { w.fire(gen) })
}

// clear stops the timer
func (w *watchdog) clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
		w.gen++
	}
}

func (w *watchdog) armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

func (w *watchdog) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()
	if w.onFire != nil {
		w.onFire()
	}
}
