// Package events provides the in-process event bus connecting the
// orchestrator and supervisors to connected socket clients. Events are
// delivered to each subscriber in publish order.
package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ccmux/ccmux/internal/logger"
)

// Event names emitted on the bus
const (
	SessionCreated  = "session:created"
	SessionRestored = "session:restored"
	SessionUpdated  = "session:updated"
	SessionStopped  = "session:stopped"
	SessionMessages = "session:messages"
	SessionError    = "session:error"

	WindowCreated = "window:created"
	WindowStopped = "window:stopped"

	GatewayStopped = "gateway:stopped"

	WorktreeList    = "worktree:list"
	WorktreeCreated = "worktree:created"
	WorktreeDeleted = "worktree:deleted"
	WorktreeError   = "worktree:error"

	RepoSet   = "repo:set"
	RepoError = "repo:error"

	ReposList     = "repos:list"
	ReposScanning = "repos:scanning"
	ReposScanned  = "repos:scanned"

	TunnelOpen  = "tunnel:open"
	TunnelClose = "tunnel:close"
	TunnelError = "tunnel:error"

	PortsList = "ports:list"
)

// Event is one bus message: a name plus an arbitrary JSON-serializable
// payload
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// subscriberBuffer bounds the per-subscriber queue; a client that stalls
// this far behind starts losing events rather than blocking publishers
const subscriberBuffer = 256

// Subscriber receives bus events on C until Unsubscribe is called
type Subscriber struct {
	ID string
	C  chan Event
}

// Bus fans events out to all current subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber and returns it
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID: uuid.New().String(),
		C:  make(chan Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	logger.Debugf("📡 Event subscriber registered: %s", sub.ID)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.C)
		logger.Debugf("📡 Event subscriber removed: %s", id)
	}
}

// Publish delivers an event to every subscriber. Delivery never blocks
// the publisher: a subscriber whose buffer is full loses the event.
func (b *Bus) Publish(name string, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.C <- Event{Name: name, Payload: payload}:
		default:
			logger.Warnf("⚠️ Dropping event %s for slow subscriber %s", name, sub.ID)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
