package graphlet

import (
	"log/slog"
	"sync"

	"github.com/ozanturksever/go-graphlet/link"
)

const DefaultEventBuffer = 64

// NewComponentEvent is published after a component was added to the registry
// by an announcement.
type NewComponentEvent struct {
	Name         string
	Port         int
	SchemaSource string
}

// StateRehydratedEvent is published after the registry was replaced by a
// snapshot.
type StateRehydratedEvent struct {
	Components []Component
	Removed    []string
	Digest     uint64
}

// UnresponsiveComponentEvent is published when a component missed enough
// consecutive exchanges to be considered gone.
type UnresponsiveComponentEvent struct {
	Name   string
	Port   int
	Misses int
}

// Topic is a typed pub/sub channel. Every subscriber receives every event
// published after it subscribed.
type Topic[T any] struct {
	name   string
	buffer int
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscription[T]]struct{}
}

// Subscription receives the events of one Topic.
type Subscription[T any] struct {
	topic *Topic[T]
	ch    chan T
}

func newTopic[T any](name string, buffer int, logger *slog.Logger) *Topic[T] {
	return &Topic[T]{
		name:   name,
		buffer: buffer,
		logger: logger,
		subs:   make(map[*Subscription[T]]struct{}),
	}
}

// Subscribe registers a new subscriber.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		topic: t,
		ch:    make(chan T, t.buffer),
	}

	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	return s
}

// Publish delivers v to every subscriber without blocking and returns how
// many received it. A subscriber whose buffer is full misses the event.
func (t *Topic[T]) Publish(v T) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	delivered := 0
	for s := range t.subs {
		select {
		case s.ch <- v:
			delivered++
		default:
			t.logger.Warn("subscriber buffer full, dropping event", "topic", t.name)
		}
	}
	return delivered
}

// C returns the channel events are delivered on. It is closed by Unsubscribe.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe stops delivery and closes the channel. Safe to call twice.
func (s *Subscription[T]) Unsubscribe() {
	t := s.topic
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[s]; !ok {
		return
	}
	delete(t.subs, s)
	close(s.ch)
}

// Events groups the topics a Manager publishes on.
type Events struct {
	NewComponent          *Topic[NewComponentEvent]
	StateRehydrated       *Topic[StateRehydratedEvent]
	UnresponsiveComponent *Topic[UnresponsiveComponentEvent]

	buffer int
	logger *slog.Logger

	mu       sync.Mutex
	messages map[link.MessageType]*Topic[*link.Message]
}

func newEvents(buffer int, logger *slog.Logger) *Events {
	return &Events{
		NewComponent:          newTopic[NewComponentEvent](string(link.TypeNewComponent), buffer, logger),
		StateRehydrated:       newTopic[StateRehydratedEvent](string(link.TypeStateRehydrated), buffer, logger),
		UnresponsiveComponent: newTopic[UnresponsiveComponentEvent](string(link.TypeUnresponsive), buffer, logger),
		buffer:                buffer,
		logger:                logger,
		messages:              make(map[link.MessageType]*Topic[*link.Message]),
	}
}

// Messages returns the topic inbound messages of type t are re-published on.
func (e *Events) Messages(t link.MessageType) *Topic[*link.Message] {
	e.mu.Lock()
	defer e.mu.Unlock()

	topic, ok := e.messages[t]
	if !ok {
		topic = newTopic[*link.Message](string(t), e.buffer, e.logger)
		e.messages[t] = topic
	}
	return topic
}
