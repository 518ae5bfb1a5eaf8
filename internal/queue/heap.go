package queue

import "container/heap"

type memMessage struct {
	msg Message

	// Positions in the channel ready heap and the store-wide locked heap;
	// -1 when absent.
	readyIdx  int
	lockedIdx int
}

// readyHeap orders a channel's unlocked messages by (dequeueAt, id).
type readyHeap []*memMessage

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i].msg, h[j].msg
	if a.DequeueAt != b.DequeueAt {
		return a.DequeueAt < b.DequeueAt
	}
	return a.ID < b.ID
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].readyIdx = i
	h[j].readyIdx = j
}

func (h *readyHeap) Push(x any) {
	m := x.(*memMessage)
	m.readyIdx = len(*h)
	*h = append(*h, m)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.readyIdx = -1
	*h = old[:n-1]
	return m
}

func (h readyHeap) peek() *memMessage {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// lockedHeap orders leased messages by (unlockAt, id) so the oldest
// expired lease is reclaimed first.
type lockedHeap []*memMessage

func (h lockedHeap) Len() int { return len(h) }

func (h lockedHeap) Less(i, j int) bool {
	a, b := h[i].msg, h[j].msg
	if *a.UnlockAt != *b.UnlockAt {
		return *a.UnlockAt < *b.UnlockAt
	}
	return a.ID < b.ID
}

func (h lockedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].lockedIdx = i
	h[j].lockedIdx = j
}

func (h *lockedHeap) Push(x any) {
	m := x.(*memMessage)
	m.lockedIdx = len(*h)
	*h = append(*h, m)
}

func (h *lockedHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.lockedIdx = -1
	*h = old[:n-1]
	return m
}

func (h lockedHeap) peek() *memMessage {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

func (h *lockedHeap) remove(m *memMessage) {
	if m.lockedIdx < 0 {
		return
	}
	heap.Remove(h, m.lockedIdx)
}
