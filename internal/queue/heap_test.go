package queue

import (
	"container/heap"
	"testing"
)

func newMemMessage(id, dequeueAt int64) *memMessage {
	return &memMessage{msg: Message{ID: id, DequeueAt: dequeueAt}, readyIdx: -1, lockedIdx: -1}
}

func TestReadyHeapOrdersByScheduleThenID(t *testing.T) {
	var h readyHeap
	for _, m := range []*memMessage{
		newMemMessage(3, 10),
		newMemMessage(1, 20),
		newMemMessage(2, 10),
		newMemMessage(4, 5),
	} {
		heap.Push(&h, m)
	}

	want := []int64{4, 2, 3, 1}
	for _, id := range want {
		m := heap.Pop(&h).(*memMessage)
		if m.msg.ID != id {
			t.Fatalf("pop id=%d, want %d", m.msg.ID, id)
		}
		if m.readyIdx != -1 {
			t.Fatalf("readyIdx=%d after pop, want -1", m.readyIdx)
		}
	}
	if h.peek() != nil {
		t.Fatalf("expected empty heap")
	}
}

func TestLockedHeapRemoveAndFix(t *testing.T) {
	var h lockedHeap
	msgs := make([]*memMessage, 0, 5)
	for i := int64(1); i <= 5; i++ {
		m := newMemMessage(i, 0)
		m.msg.UnlockAt = int64Ptr(100 * i)
		msgs = append(msgs, m)
		heap.Push(&h, m)
	}

	h.remove(msgs[0])
	if msgs[0].lockedIdx != -1 {
		t.Fatalf("lockedIdx=%d after remove, want -1", msgs[0].lockedIdx)
	}
	h.remove(msgs[0])

	msgs[4].msg.UnlockAt = int64Ptr(50)
	heap.Fix(&h, msgs[4].lockedIdx)

	want := []int64{5, 2, 3, 4}
	for _, id := range want {
		m := heap.Pop(&h).(*memMessage)
		if m.msg.ID != id {
			t.Fatalf("pop id=%d, want %d", m.msg.ID, id)
		}
	}
}

func TestLockedHeapIndexesStayConsistent(t *testing.T) {
	var h lockedHeap
	for i := int64(10); i > 0; i-- {
		m := newMemMessage(i, 0)
		m.msg.UnlockAt = int64Ptr(i % 4)
		heap.Push(&h, m)
	}
	for i, m := range h {
		if m.lockedIdx != i {
			t.Fatalf("lockedIdx=%d at position %d", m.lockedIdx, i)
		}
	}
}
