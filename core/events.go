package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var eventLog = logrus.WithField("component", "events")

// EventKind enumerates the governance-kernel event topics.
type EventKind string

const (
	EventProposalCreated  EventKind = "ProposalCreated"
	EventVoteCast         EventKind = "VoteCast"
	EventProposalFinal    EventKind = "ProposalFinalized"
	EventProposalExecuted EventKind = "ProposalExecuted"
	EventConfigUpdated    EventKind = "ConfigUpdated"
)

// Event is one emitted governance event.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Kind      EventKind      `json:"kind"`
	ScopeID   DID            `json:"scope_id"`
	Subject   string         `json:"subject"` // proposal id, credential id, etc.
	Actor     DID            `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventBus records emitted events and fans them out to subscribers. It is
// a typed, replayable log rather than a fire-and-forget broadcast because
// the kernel's own callers read these events back.
type EventBus struct {
	mu   sync.RWMutex
	log  []Event
	subs []func(Event)
	kv   KVStore // optional; events persist under event::<id> key
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// SetKVStore attaches the kv plane events are persisted into before Emit
// returns. A nil
// store keeps the bus in-memory only.
func (b *EventBus) SetKVStore(kv KVStore) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv = kv
}

// Subscribe registers fn to be invoked (synchronously, in Emit's caller
// goroutine) for every future event.
func (b *EventBus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Emit assigns ev a fresh id if it carries none, persists it, appends it to
// the log, and notifies subscribers.
func (b *EventBus) Emit(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	b.mu.Lock()
	b.log = append(b.log, ev)
	subs := append([]func(Event){}, b.subs...)
	kv := b.kv
	b.mu.Unlock()
	if err := persistRecord(kv, ev, "event", ev.ID.String()); err != nil {
		eventLog.WithField("event_id", ev.ID).WithError(err).Error("persisting event")
	}
	eventLog.WithFields(logrus.Fields{"kind": ev.Kind, "scope": ev.ScopeID, "subject": ev.Subject}).Info("emitted event")
	for _, fn := range subs {
		fn(ev)
	}
}

// History returns every event emitted so far, in order.
func (b *EventBus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.log))
	copy(out, b.log)
	return out
}

// ForScope returns every event emitted for scope, in order.
func (b *EventBus) ForScope(scope DID) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.log {
		if ev.ScopeID == scope {
			out = append(out, ev)
		}
	}
	return out
}
