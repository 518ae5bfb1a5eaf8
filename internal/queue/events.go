package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

type EventType string

const (
	EventMessageCreated  EventType = "message_created"
	EventMessageDeferred EventType = "message_deferred"
	EventMessageDeleted  EventType = "message_deleted"
)

// Event is a best-effort wake hint. It never carries authoritative state;
// consumers still have to Dequeue.
type Event struct {
	Type      EventType `json:"type"`
	ID        int64     `json:"id"`
	Channel   string    `json:"channel,omitempty"`
	DequeueAt int64     `json:"dequeue_at,omitempty"`
}

var errUnknownEventType = errors.New("unknown event type")

func EncodeEvent(ev Event) ([]byte, error) {
	switch ev.Type {
	case EventMessageCreated, EventMessageDeferred, EventMessageDeleted:
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEventType, ev.Type)
	}
	return json.Marshal(ev)
}

func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case EventMessageCreated, EventMessageDeferred, EventMessageDeleted:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", errUnknownEventType, ev.Type)
	}
}

const defaultSubscriberBuffer = 16

// EventHub fans events out to in-process subscribers. Slow subscribers
// lose events instead of blocking publishers.
type EventHub struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *EventHub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *EventHub) Publish(ev Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
