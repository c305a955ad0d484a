package websocket

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
)

// Subscription tracks one live stream keyed by subscription.id
type Subscription struct {
	ID           string
	MsgType      string
	Request      deriv.Request
	SubscribedAt time.Time
	LastMessage  time.Time

	updates chan *deriv.Response
}

// SubscriptionManager routes pushes to their streams. Streams do not
// survive a disconnect; callers re-subscribe after reconnecting.
type SubscriptionManager struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        int
	logger        *slog.Logger
}

func NewSubscriptionManager(buffer int, logger *slog.Logger) *SubscriptionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		subscriptions: make(map[string]*Subscription),
		buffer:        buffer,
		logger:        logger,
	}
}

// register creates the stream for the first response of a subscription
func (sm *SubscriptionManager) register(first *deriv.Response, req deriv.Request) *deriv.Stream {
	id := first.SubscriptionID()
	now := time.Now()
	sub := &Subscription{
		ID:           id,
		MsgType:      first.MsgType,
		Request:      req,
		SubscribedAt: now,
		LastMessage:  now,
		updates:      make(chan *deriv.Response, sm.buffer),
	}

	sm.mu.Lock()
	if old, ok := sm.subscriptions[id]; ok {
		close(old.updates)
	}
	sm.subscriptions[id] = sub
	sm.mu.Unlock()

	sm.logger.Debug("Stream registered",
		"function", "register",
		"subscription_id", id,
		"msg_type", first.MsgType)

	return &deriv.Stream{
		ID:      id,
		MsgType: first.MsgType,
		First:   first,
		Updates: sub.updates,
	}
}

// route delivers a push to its stream. Pushes to a full stream are dropped.
func (sm *SubscriptionManager) route(resp *deriv.Response) bool {
	id := resp.SubscriptionID()
	if id == "" {
		return false
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sub, ok := sm.subscriptions[id]
	if !ok {
		return false
	}
	sub.LastMessage = time.Now()

	select {
	case sub.updates <- resp:
	default:
		sm.logger.Warn("Stream buffer full, dropping push",
			"function", "route",
			"subscription_id", id,
			"msg_type", resp.MsgType,
			"buffer", cap(sub.updates))
	}
	return true
}

// remove closes one stream
func (sm *SubscriptionManager) remove(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sub, ok := sm.subscriptions[id]
	if !ok {
		return false
	}
	close(sub.updates)
	delete(sm.subscriptions, id)
	return true
}

// removeByType closes every stream of the given msg_types
func (sm *SubscriptionManager) removeByType(msgTypes ...string) []string {
	wanted := make(map[string]bool, len(msgTypes))
	for _, t := range msgTypes {
		wanted[t] = true
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	var removed []string
	for id, sub := range sm.subscriptions {
		if wanted[sub.MsgType] {
			close(sub.updates)
			delete(sm.subscriptions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// closeAll ends every stream, used on disconnect
func (sm *SubscriptionManager) closeAll() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := len(sm.subscriptions)
	for id, sub := range sm.subscriptions {
		close(sub.updates)
		delete(sm.subscriptions, id)
	}
	return n
}

// IDs returns the subscription ids of msgType, all streams when empty
func (sm *SubscriptionManager) IDs(msgType string) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var ids []string
	for id, sub := range sm.subscriptions {
		if msgType == "" || sub.MsgType == msgType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live streams
func (sm *SubscriptionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscriptions)
}
