package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline.
const (
	TypeTradeExecuted = "trade.executed"
	TypeTradeWarning  = "trade.warning"
	TypeTradeFailed   = "trade.failed"
	TypeTradeBlocked  = "trade.blocked"
	TypeTradeSkipped  = "trade.skipped"
	TypeSignalParsed  = "signal.parsed"
	TypeMonitoring    = "monitoring.changed"
	TypePollerState   = "poller.state"
)

// Event is a single notification about what the trader did.
type Event struct {
	Type      string      `json:"type"`
	AccountID string      `json:"account_id,omitempty"`
	Symbol    string      `json:"symbol,omitempty"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Time      time.Time   `json:"time"`
}

// Subscription receives events until Close is called.
type Subscription struct {
	C         <-chan Event
	ch        chan Event
	hub       *Hub
	accountID string
	once      sync.Once
}

// Close detaches the subscription from its hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub fans events out to subscribers. Slow subscribers lose events rather than block publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Uint64
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber. A non-empty accountID limits delivery to that
// account's events plus events without an account.
func (h *Hub) Subscribe(accountID string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, accountID: accountID}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.accountID != "" && ev.AccountID != "" && sub.accountID != ev.AccountID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}
