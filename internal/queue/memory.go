package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.clock.setNowFunc(now)
	}
}

type memChannel struct {
	state ChannelState
	ready readyHeap
}

// MemoryStore keeps the whole engine state in process. A single mutex makes
// every transition atomic, so the skip-locked selection of the relational
// backends reduces to picking the heap roots.
type MemoryStore struct {
	mu       sync.Mutex
	clock    *clock
	nextID   int64
	policies map[string]ChannelPolicy
	channels map[string]*memChannel
	messages map[int64]*memMessage
	locked   lockedHeap
	names    map[string]map[string]int64 // channel -> name -> id, zero-attempt only
	events   *EventHub
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clock:    newClock(time.Now),
		policies: make(map[string]ChannelPolicy),
		channels: make(map[string]*memChannel),
		messages: make(map[int64]*memMessage),
		names:    make(map[string]map[string]int64),
		events:   NewEventHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Events() *EventHub { return s.events }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.events.Close()
	return nil
}

func (s *MemoryStore) Create(_ context.Context, req CreateRequest) (CreateResult, error) {
	if req.Channel == "" {
		return CreateResult{}, ErrChannelRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return CreateResult{}, ErrStoreClosed
	}

	now := s.clock.nowMs()
	ch := s.channelLocked(req.Channel, now)
	st := &ch.state

	if limitReached(st.CurrentSize, st.MaxSize) {
		return CreateResult{Status: CreateDropped}, nil
	}
	if req.Name != "" {
		if id, ok := s.names[req.Channel][req.Name]; ok {
			return CreateResult{Status: CreateDeduplicated, ID: id}, nil
		}
	}

	dequeueAt := req.DequeueAt
	if dequeueAt <= 0 {
		dequeueAt = now
	}

	s.nextID++
	m := &memMessage{
		msg: Message{
			ID:        s.nextID,
			Channel:   req.Channel,
			Name:      req.Name,
			Content:   cloneBytes(req.Content),
			DequeueAt: dequeueAt,
		},
		readyIdx:  -1,
		lockedIdx: -1,
	}
	if m.msg.Content == nil {
		m.msg.Content = []byte{}
	}
	s.messages[m.msg.ID] = m
	heap.Push(&ch.ready, m)
	if req.Name != "" {
		byName := s.names[req.Channel]
		if byName == nil {
			byName = make(map[string]int64)
			s.names[req.Channel] = byName
		}
		byName[req.Name] = m.msg.ID
	}

	st.promoteHead(m.msg.ID, dequeueAt)
	st.CurrentSize++

	s.events.Publish(Event{Type: EventMessageCreated, ID: m.msg.ID, Channel: req.Channel, DequeueAt: dequeueAt})
	return CreateResult{Status: CreateCreated, ID: m.msg.ID, ChannelSize: st.CurrentSize}, nil
}

func (s *MemoryStore) Dequeue(_ context.Context, req DequeueRequest) (DequeueResult, error) {
	lockMs := lockMsOrDefault(req.LockMs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DequeueResult{}, ErrStoreClosed
	}

	now := s.clock.nowMs()

	if m := s.locked.peek(); m != nil && *m.msg.UnlockAt <= now {
		s.leaseLocked(m, now, lockMs)
		heap.Fix(&s.locked, m.lockedIdx)
		out := cloneMessage(m.msg)
		out.Reclaimed = true
		return DequeueResult{Status: DequeueDequeued, Message: out}, nil
	}

	var lockedNext *int64
	if m := s.locked.peek(); m != nil {
		lockedNext = m.msg.UnlockAt
	}

	best := s.bestChannelLocked()
	if best == nil {
		retry, ok := retryHint(now, lockedNext)
		return DequeueResult{Status: DequeueNotAvailable, RetryMs: retry, HasRetry: ok}, nil
	}
	st := &best.state
	if *st.DequeueNextAt > now {
		retry, ok := retryHint(now, lockedNext, st.DequeueNextAt)
		return DequeueResult{Status: DequeueNotAvailable, RetryMs: retry, HasRetry: ok}, nil
	}

	m := heap.Pop(&best.ready).(*memMessage)
	m.msg.IsLocked = true
	s.leaseLocked(m, now, lockMs)
	heap.Push(&s.locked, m)
	if m.msg.Name != "" {
		if id, ok := s.names[m.msg.Channel][m.msg.Name]; ok && id == m.msg.ID {
			delete(s.names[m.msg.Channel], m.msg.Name)
		}
	}

	var next *Message
	if h := best.ready.peek(); h != nil {
		next = &h.msg
	}
	st.leaseHead(next, now)

	return DequeueResult{Status: DequeueDequeued, Message: cloneMessage(m.msg)}, nil
}

func (s *MemoryStore) Defer(_ context.Context, req DeferRequest) (MessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.clock.nowMs()
	m, status := s.fencedLocked(req.ID, req.Token)
	if m == nil {
		return status, nil
	}
	ch := s.channels[m.msg.Channel]

	dequeueAt := req.DequeueAt
	if dequeueAt <= 0 {
		dequeueAt = now
	}

	s.locked.remove(m)
	m.msg.IsLocked = false
	m.msg.UnlockAt = nil
	m.msg.LeaseToken = ""
	m.msg.DequeueAt = dequeueAt
	if req.State != nil {
		m.msg.State = cloneBytes(req.State)
	}
	heap.Push(&ch.ready, m)

	st := &ch.state
	st.CurrentConcurrency--
	st.promoteHead(m.msg.ID, dequeueAt)

	s.events.Publish(Event{Type: EventMessageDeferred, ID: m.msg.ID, Channel: m.msg.Channel, DequeueAt: dequeueAt})
	return MessageDeferred, nil
}

func (s *MemoryStore) Delete(_ context.Context, req DeleteRequest) (MessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	m, status := s.fencedLocked(req.ID, req.Token)
	if m == nil {
		return status, nil
	}
	ch := s.channels[m.msg.Channel]

	s.locked.remove(m)
	delete(s.messages, m.msg.ID)

	st := &ch.state
	st.CurrentConcurrency--
	st.CurrentSize--
	if st.CurrentSize == 0 {
		if _, ok := s.policies[m.msg.Channel]; !ok {
			delete(s.channels, m.msg.Channel)
			delete(s.names, m.msg.Channel)
		}
	}

	s.events.Publish(Event{Type: EventMessageDeleted, ID: m.msg.ID, Channel: m.msg.Channel})
	return MessageDeleted, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, req HeartbeatRequest) (MessageStatus, error) {
	lockMs := lockMsOrDefault(req.LockMs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.clock.nowMs()
	m, status := s.fencedLocked(req.ID, req.Token)
	if m == nil {
		return status, nil
	}
	if until := now + lockMs; until > *m.msg.UnlockAt {
		m.msg.UnlockAt = int64Ptr(until)
		heap.Fix(&s.locked, m.lockedIdx)
	}
	return MessageHeartbeated, nil
}

func (s *MemoryStore) SetPolicy(_ context.Context, policy ChannelPolicy) error {
	if err := policy.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	policy = clonePolicy(policy)
	s.policies[policy.Channel] = policy
	if ch, ok := s.channels[policy.Channel]; ok {
		ch.state.applyPolicy(&policy)
	}
	return nil
}

func (s *MemoryStore) ClearPolicy(_ context.Context, channel string) error {
	if channel == "" {
		return ErrChannelRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	delete(s.policies, channel)
	ch, ok := s.channels[channel]
	if !ok {
		return nil
	}
	if ch.state.CurrentSize == 0 {
		delete(s.channels, channel)
		delete(s.names, channel)
		return nil
	}
	ch.state.applyPolicy(nil)
	return nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]ChannelPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChannelPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (s *MemoryStore) ListChannels(_ context.Context) ([]ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChannelState, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, cloneState(ch.state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, req MessageListRequest) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0)
	for _, m := range s.messages {
		if req.Channel != "" && m.msg.Channel != req.Channel {
			continue
		}
		out = append(out, cloneMessage(m.msg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// channelLocked returns the channel's state, materializing it from the
// policy on first use.
func (s *MemoryStore) channelLocked(channel string, now int64) *memChannel {
	if ch, ok := s.channels[channel]; ok {
		return ch
	}
	ch := &memChannel{state: ChannelState{Channel: channel, DequeuePrevAt: now}}
	if p, ok := s.policies[channel]; ok {
		ch.state.applyPolicy(&p)
	}
	s.channels[channel] = ch
	return ch
}

// bestChannelLocked picks the eligible channel whose release window opens
// first; ties go to the lexically smaller channel name.
func (s *MemoryStore) bestChannelLocked() *memChannel {
	var best *memChannel
	for _, ch := range s.channels {
		st := &ch.state
		if st.NextMessageID == nil || limitReached(st.CurrentConcurrency, st.MaxConcurrency) {
			continue
		}
		if best == nil {
			best = ch
			continue
		}
		a, b := *st.DequeueNextAt, *best.state.DequeueNextAt
		if a < b || (a == b && st.Channel < best.state.Channel) {
			best = ch
		}
	}
	return best
}

func (s *MemoryStore) fencedLocked(id int64, token string) (*memMessage, MessageStatus) {
	m, ok := s.messages[id]
	if !ok {
		return nil, MessageNotFound
	}
	if !holdsLease(m.msg, token) {
		return nil, MessageStateInvalid
	}
	return m, 0
}

func (s *MemoryStore) leaseLocked(m *memMessage, now, lockMs int64) {
	m.msg.NumAttempts++
	m.msg.UnlockAt = int64Ptr(now + lockMs)
	m.msg.LeaseToken = uuid.NewString()
}

func cloneMessage(m Message) Message {
	m.Content = cloneBytes(m.Content)
	m.State = cloneBytes(m.State)
	m.UnlockAt = clonePtr(m.UnlockAt)
	return m
}

func cloneState(st ChannelState) ChannelState {
	st.MaxConcurrency = clonePtr(st.MaxConcurrency)
	st.MaxSize = clonePtr(st.MaxSize)
	st.ReleaseIntervalMs = clonePtr(st.ReleaseIntervalMs)
	st.NextMessageID = clonePtr(st.NextMessageID)
	st.NextMessageDequeueAt = clonePtr(st.NextMessageDequeueAt)
	st.DequeueNextAt = clonePtr(st.DequeueNextAt)
	return st
}

func clonePolicy(p ChannelPolicy) ChannelPolicy {
	p.MaxConcurrency = clonePtr(p.MaxConcurrency)
	p.MaxSize = clonePtr(p.MaxSize)
	p.ReleaseIntervalMs = clonePtr(p.ReleaseIntervalMs)
	return p
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
