package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	EventForceLogout    EventType = "FORCE_LOGOUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventAuthError      EventType = "AUTH_ERROR"
)

// Event carries the payload for one session lifecycle notification.
// FORCE_LOGOUT sets Reason, TOKEN_REFRESHED sets Credential, AUTH_ERROR sets Err.
type Event struct {
	Type       EventType
	Reason     string
	Credential Credential
	Err        error
	OccurredAt time.Time
}

func ForceLogoutEvent(reason string) Event {
	return Event{Type: EventForceLogout, Reason: strings.TrimSpace(reason)}
}

func TokenRefreshedEvent(credential Credential) Event {
	return Event{Type: EventTokenRefreshed, Credential: credential}
}

func AuthErrorEvent(err error) Event {
	return Event{Type: EventAuthError, Err: err}
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus fans session notifications out to subscribers. Handlers run
// synchronously on the emitting goroutine in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventType][]subscription
	logger Logger
	nowFn  func() time.Time
}

func NewEventBus(logger Logger) *EventBus {
	return &EventBus{
		subs:   make(map[EventType][]subscription),
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	eventType = EventType(strings.ToUpper(strings.TrimSpace(string(eventType))))

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unsubscribe(eventType, id)
		})
	}
}

func (b *EventBus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.subs[eventType]
	for i, sub := range current {
		if sub.id != id {
			continue
		}
		next := make([]subscription, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, eventType)
		} else {
			b.subs[eventType] = next
		}
		return
	}
}

func (b *EventBus) Emit(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.nowFn()
	}
	for _, sub := range b.handlers(event.Type) {
		b.dispatch(ctx, sub, event)
	}
}

func (b *EventBus) dispatch(ctx context.Context, sub subscription, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil && b.logger != nil {
			b.logger.Error("event handler panicked",
				"event_type", string(event.Type),
				"subscription_id", sub.id,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	sub.handler(ctx, event)
}

func (b *EventBus) handlers(eventType EventType) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	current := b.subs[eventType]
	out := make([]subscription, len(current))
	copy(out, current)
	return out
}

// SubscriberCount reports active subscriptions per event type.
func (b *EventBus) SubscriberCount() map[EventType]int {
	out := map[EventType]int{}
	if b == nil {
		return out
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.subs))
	for key := range b.subs {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	for _, key := range keys {
		out[EventType(key)] = len(b.subs[EventType(key)])
	}
	return out
}

// EventWaiter captures the first emitted event of the given types. Create it
// before triggering the action whose outcome is awaited.
type EventWaiter struct {
	ch          chan Event
	unsubscribe []func()
	once        sync.Once
}

func NewEventWaiter(bus EventSubscriber, types ...EventType) *EventWaiter {
	waiter := &EventWaiter{ch: make(chan Event, 1)}
	if bus == nil {
		return waiter
	}
	for _, eventType := range types {
		waiter.unsubscribe = append(waiter.unsubscribe, bus.Subscribe(eventType, func(_ context.Context, event Event) {
			select {
			case waiter.ch <- event:
			default:
			}
		}))
	}
	return waiter
}

func (w *EventWaiter) Wait(ctx context.Context) (Event, error) {
	defer w.Close()
	select {
	case event := <-w.ch:
		return event, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (w *EventWaiter) Close() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		for _, unsubscribe := range w.unsubscribe {
			unsubscribe()
		}
	})
}

var (
	_ EventPublisher  = (*EventBus)(nil)
	_ EventSubscriber = (*EventBus)(nil)
)
