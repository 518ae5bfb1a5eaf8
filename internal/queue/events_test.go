package queue

import (
	"testing"
)

func TestEventCodecRoundTrip(t *testing.T) {
	raw, err := EncodeEvent(Event{Type: EventMessageCreated, ID: 7, Channel: "alpha", DequeueAt: 1234})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got, want := string(raw), `{"type":"message_created","id":7,"channel":"alpha","dequeue_at":1234}`; got != want {
		t.Fatalf("raw=%s, want %s", got, want)
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID != 7 || ev.Channel != "alpha" || ev.DequeueAt != 1234 {
		t.Fatalf("event=%+v", ev)
	}
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"type":"bogus","id":1}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestEventHubFanOut(t *testing.T) {
	hub := NewEventHub()
	a, cancelA := hub.Subscribe(1)
	b, cancelB := hub.Subscribe(1)
	defer cancelB()

	hub.Publish(Event{Type: EventMessageCreated, ID: 1})
	// Full buffers drop instead of blocking.
	hub.Publish(Event{Type: EventMessageCreated, ID: 2})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		ev := <-ch
		if ev.ID != 1 {
			t.Fatalf("%s: id=%d, want 1", name, ev.ID)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	if got := hub.Subscribers(); got != 1 {
		t.Fatalf("subscribers=%d, want 1", got)
	}

	hub.Close()
	if _, ok := <-b; ok {
		t.Fatalf("expected closed channel after hub close")
	}
	hub.Publish(Event{Type: EventMessageDeleted, ID: 3})

	late, cancel := hub.Subscribe(0)
	defer cancel()
	if _, ok := <-late; ok {
		t.Fatalf("expected closed channel from closed hub")
	}
}

func TestNilEventHubPublishIsNoop(t *testing.T) {
	var hub *EventHub
	hub.Publish(Event{Type: EventMessageCreated})
}
