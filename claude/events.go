package claude

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies which payload of an Event is set.
type EventKind string

const (
	EventInit        EventKind = "init"
	EventAssistant   EventKind = "assistant"
	EventToolStarted EventKind = "tool_started"
	EventTodo        EventKind = "todo"
	EventResult      EventKind = "result"
	EventPermission  EventKind = "permission"
	EventError       EventKind = "error"
	EventMessage     EventKind = "message" // every decoded JSON object
	EventRaw         EventKind = "raw"
	EventStderr      EventKind = "stderr"
	EventClose       EventKind = "close"
	EventExit        EventKind = "exit"
	EventInterrupted EventKind = "interrupted"
)

// Event is the tagged union published to subscribers.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Time         time.Time

	Init       *SystemInit
	Assistant  *AssistantMessage
	Tool       *ToolUse
	Todos      *TodoList
	Result     *ResultMessage
	Permission *PermissionRequest
	Err        error

	// Type and Payload are set on message events. Type is the object's own
	// "type" field and may be empty.
	Type    string
	Payload json.RawMessage

	Raw      string
	Stderr   string
	ExitCode int
}

// Listener receives events synchronously on the goroutine that published them.
type Listener func(Event)

type subscription struct {
	fn     Listener
	active atomic.Bool
}

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu   sync.Mutex
	subs []*subscription
}

// Subscribe registers fn for every event. The returned function removes it;
// calling it more than once is harmless.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	s := &subscription{fn: fn}
	s.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return func() {
		if !s.active.Swap(false) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, cur := range b.subs {
			if cur == s {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// On registers fn for one event kind.
func (b *Bus) On(kind EventKind, fn Listener) (unsubscribe func()) {
	return b.Subscribe(func(ev Event) {
		if ev.Kind == kind {
			fn(ev)
		}
	})
}

// OnType registers fn for message events whose type tag equals typeTag,
// e.g. "assistant", "result" or "system".
func (b *Bus) OnType(typeTag string, fn Listener) (unsubscribe func()) {
	return b.Subscribe(func(ev Event) {
		if ev.Kind == EventMessage && ev.Type == typeTag {
			fn(ev)
		}
	})
}

// Publish delivers ev to every current subscriber. A subscriber removed
// while delivery is in progress receives nothing further.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.active.Load() {
			s.fn(ev)
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
