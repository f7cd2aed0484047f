package integration

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Event types published by the Manager.
const (
	EventServerStarted = "server.started"
	EventServerStopped = "server.stopped"
	EventServerExited  = "server.exited"
)

// EventPublisher receives integration events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(eventType string, data map[string]any)
}

// EventBus is an in-process EventPublisher.
//
// Handlers subscribe to an exact event type ("server.started") or to a
// prefix pattern ending in ".*" ("server.*"). Handlers run synchronously
// on the publishing goroutine; a panicking handler is logged and skipped.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]*subscription

	nextID atomic.Uint64
	closed atomic.Bool

	log logr.Logger
}

type subscription struct {
	id      string
	seq     uint64
	pattern string
	handler func(data map[string]any)
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithEventLogger sets the logger used to report handler panics.
func WithEventLogger(log logr.Logger) EventBusOption {
	return func(b *EventBus) {
		b.log = log
	}
}

// NewEventBus creates an empty event bus.
func NewEventBus(opts ...EventBusOption) *EventBus {
	b := &EventBus{
		subs: make(map[string]*subscription),
		log:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for eventType and returns a subscription ID.
// It returns "" once the bus is closed.
func (b *EventBus) Subscribe(eventType string, handler func(data map[string]any)) string {
	if b.closed.Load() {
		return ""
	}

	seq := b.nextID.Add(1)
	sub := &subscription{
		id:      strconv.FormatUint(seq, 10),
		seq:     seq,
		pattern: eventType,
		handler: handler,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub.id
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (b *EventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Publish calls every matching handler in subscription order.
func (b *EventBus) Publish(eventType string, data map[string]any) {
	if b.closed.Load() {
		return
	}

	for _, sub := range b.matching(eventType) {
		b.dispatch(sub, eventType, data)
	}
}

func (b *EventBus) dispatch(sub *subscription, eventType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(nil, "Event handler panicked", "event", eventType, "subscription", sub.id, "panic", r)
		}
	}()
	sub.handler(data)
}

// Close drops all subscriptions. Later calls to Subscribe and Publish are no-ops.
func (b *EventBus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()
}

// SubscriptionCount returns the number of active subscriptions.
func (b *EventBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *EventBus) matching(eventType string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*subscription
	for _, sub := range b.subs {
		if matchPattern(sub.pattern, eventType) {
			result = append(result, sub)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].seq < result[j].seq })
	return result
}

// matchPattern reports whether eventType matches pattern. A pattern ending
// in ".*" matches any event type below that prefix.
func matchPattern(pattern, eventType string) bool {
	prefix, ok := strings.CutSuffix(pattern, ".*")
	if !ok {
		return pattern == eventType
	}
	return strings.HasPrefix(eventType, prefix+".")
}

var _ EventPublisher = (*EventBus)(nil)
