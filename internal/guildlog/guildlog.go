// Package guildlog is the per-tenant log pub/sub backend behind
// stream_guild_logs (spec.md §4.9, §9 design note: "use a per-tenant
// pub/sub broadcast channel; new subscribers receive only entries posted
// after their subscription; when the sender has no receivers, drop
// lazily"). Shaped after the teacher's streaming.Publisher/Subscriber
// interfaces, but implemented for real instead of the teacher's
// log-only stub, since this is on spec's critical path.
package guildlog

import (
	"sync"
	"time"
)

// Entry is one tenant-scoped log line (spec.md §4.9 LogEntry).
type Entry struct {
	TenantID  uint64    `json:"tenant_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const subscriberBuffer = 256

// Subscription is a single-tenant live feed. Callers must Close it when
// done to release the hub's reference.
type Subscription struct {
	tenantID uint64
	ch       chan Entry
	hub      *Hub
}

// C returns the channel new entries for this subscription arrive on.
func (s *Subscription) C() <-chan Entry { return s.ch }

// Close unregisters the subscription from its hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.tenantID, s)
}

// Hub fans log entries out to every live subscriber of a tenant. Entries
// published while a tenant has no subscribers are dropped immediately;
// there is no backlog.
type Hub struct {
	mu   sync.Mutex
	subs map[uint64]map[*Subscription]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]map[*Subscription]struct{})}
}

// Subscribe registers a new live feed for tenantID.
func (h *Hub) Subscribe(tenantID uint64) *Subscription {
	sub := &Subscription{tenantID: tenantID, ch: make(chan Entry, subscriberBuffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[tenantID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[tenantID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(tenantID uint64, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[tenantID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, tenantID)
		}
	}
}

// Publish fans e out to every current subscriber of e.TenantID. A
// subscriber whose buffer is full has the entry dropped for it rather
// than blocking the publisher (bounding memory, per spec.md §9).
func (h *Hub) Publish(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.Lock()
	set := h.subs[e.TenantID]
	subs := make([]*Subscription, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}
