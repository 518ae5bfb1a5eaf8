package queue

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrChannelRequired = errors.New("channel is required")
	ErrInvalidPolicy   = errors.New("invalid channel policy")
	ErrStoreClosed     = errors.New("store is closed")

	// ErrTransient marks store failures caused by lock contention or
	// serialization conflicts; the transition can be retried as is.
	ErrTransient = errors.New("transient store conflict")
)

// DefaultLockMs is the lease length used when a caller does not pick one.
const DefaultLockMs int64 = 30_000

// ChannelPolicy holds administrator-set limits for one channel. A nil limit
// means the channel is unconstrained on that axis.
type ChannelPolicy struct {
	Channel           string
	MaxConcurrency    *int
	MaxSize           *int
	ReleaseIntervalMs *int64
}

func (p ChannelPolicy) validate() error {
	if p.Channel == "" {
		return ErrChannelRequired
	}
	if p.MaxConcurrency != nil && *p.MaxConcurrency < 0 {
		return fmt.Errorf("%w: max_concurrency=%d", ErrInvalidPolicy, *p.MaxConcurrency)
	}
	if p.MaxSize != nil && *p.MaxSize < 0 {
		return fmt.Errorf("%w: max_size=%d", ErrInvalidPolicy, *p.MaxSize)
	}
	if p.ReleaseIntervalMs != nil && *p.ReleaseIntervalMs < 0 {
		return fmt.Errorf("%w: release_interval_ms=%d", ErrInvalidPolicy, *p.ReleaseIntervalMs)
	}
	return nil
}

// ChannelState is the aggregate row kept for every channel that has
// outstanding messages (or an active policy).
type ChannelState struct {
	Channel           string
	MaxConcurrency    *int
	MaxSize           *int
	ReleaseIntervalMs *int64

	CurrentSize        int
	CurrentConcurrency int

	// Head pointer: earliest unlocked message by (dequeueAt, id).
	NextMessageID        *int64
	NextMessageDequeueAt *int64

	DequeuePrevAt int64
	DequeueNextAt *int64
}

// Message is one unit of work. IDs increase monotonically and double as the
// FIFO tie-break for messages scheduled at the same instant.
type Message struct {
	ID          int64
	Channel     string
	Name        string
	Content     []byte
	State       []byte
	IsLocked    bool
	NumAttempts int
	LeaseToken  string
	DequeueAt   int64
	UnlockAt    *int64

	// Reclaimed is set on dequeue results when the lease was taken over
	// from an expired holder.
	Reclaimed bool
}

type CreateStatus uint8

const (
	CreateCreated CreateStatus = iota
	CreateDropped
	CreateDeduplicated
)

func (s CreateStatus) String() string {
	switch s {
	case CreateCreated:
		return "created"
	case CreateDropped:
		return "dropped"
	case CreateDeduplicated:
		return "deduplicated"
	default:
		return fmt.Sprintf("create_status(%d)", uint8(s))
	}
}

type DequeueStatus uint8

const (
	DequeueNotAvailable DequeueStatus = iota
	DequeueDequeued
)

func (s DequeueStatus) String() string {
	switch s {
	case DequeueNotAvailable:
		return "not_available"
	case DequeueDequeued:
		return "dequeued"
	default:
		return fmt.Sprintf("dequeue_status(%d)", uint8(s))
	}
}

// MessageStatus is the outcome of a lease-fenced transition.
type MessageStatus uint8

const (
	MessageNotFound MessageStatus = iota
	MessageStateInvalid
	MessageDeferred
	MessageDeleted
	MessageHeartbeated
)

func (s MessageStatus) String() string {
	switch s {
	case MessageNotFound:
		return "not_found"
	case MessageStateInvalid:
		return "state_invalid"
	case MessageDeferred:
		return "deferred"
	case MessageDeleted:
		return "deleted"
	case MessageHeartbeated:
		return "heartbeated"
	default:
		return fmt.Sprintf("message_status(%d)", uint8(s))
	}
}

type CreateRequest struct {
	Channel string
	Content []byte
	// DequeueAt is the earliest eligible instant in epoch ms; <= 0 means now.
	DequeueAt int64
	// Name enables de-duplication against live, never-leased messages of
	// the same channel.
	Name string
}

type CreateResult struct {
	Status      CreateStatus
	ID          int64
	ChannelSize int
}

type DequeueRequest struct {
	LockMs int64
}

type DequeueResult struct {
	Status  DequeueStatus
	Message Message
	// RetryMs is only meaningful when HasRetry is set.
	RetryMs  int64
	HasRetry bool
}

type DeferRequest struct {
	ID    int64
	Token string
	// DequeueAt <= 0 means now.
	DequeueAt int64
	// State replaces the stored checkpoint; nil keeps it.
	State []byte
}

type DeleteRequest struct {
	ID    int64
	Token string
}

type HeartbeatRequest struct {
	ID     int64
	Token  string
	LockMs int64
}

type MessageListRequest struct {
	Channel string
	Limit   int
}

// Store is the queue engine contract. Every transition runs atomically
// against the backing store; expected outcomes are reported through the
// result values and only store failures surface as errors.
type Store interface {
	Create(ctx context.Context, req CreateRequest) (CreateResult, error)
	Dequeue(ctx context.Context, req DequeueRequest) (DequeueResult, error)
	Defer(ctx context.Context, req DeferRequest) (MessageStatus, error)
	Delete(ctx context.Context, req DeleteRequest) (MessageStatus, error)
	Heartbeat(ctx context.Context, req HeartbeatRequest) (MessageStatus, error)

	SetPolicy(ctx context.Context, policy ChannelPolicy) error
	ClearPolicy(ctx context.Context, channel string) error
	ListPolicies(ctx context.Context) ([]ChannelPolicy, error)

	ListChannels(ctx context.Context) ([]ChannelState, error)
	ListMessages(ctx context.Context, req MessageListRequest) ([]Message, error)

	Events() *EventHub
	Close() error
}

func lockMsOrDefault(v int64) int64 {
	if v <= 0 {
		return DefaultLockMs
	}
	return v
}

// nextDequeueAt is the earliest instant a channel may hand out its head
// message, honoring the release interval since the previous fresh lease.
func nextDequeueAt(prevAt int64, interval *int64, headAt int64) int64 {
	gate := prevAt
	if interval != nil {
		gate += *interval
	}
	if headAt > gate {
		return headAt
	}
	return gate
}

// sortsBefore reports whether (at, id) precedes the head pointer.
func sortsBefore(at, id int64, headID, headAt *int64) bool {
	if headID == nil || headAt == nil {
		return true
	}
	if at != *headAt {
		return at < *headAt
	}
	return id < *headID
}

func limitReached(current int, limit *int) bool {
	return limit != nil && current >= *limit
}

func retryHint(now int64, candidates ...*int64) (int64, bool) {
	var best *int64
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if best == nil || *c < *best {
			v := *c
			best = &v
		}
	}
	if best == nil {
		return 0, false
	}
	d := *best - now
	if d < 0 {
		d = 0
	}
	return d, true
}

func int64Ptr(v int64) *int64 { return &v }

func intPtr(v int) *int { return &v }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// promoteHead points the head at (id, at) when it sorts before the current
// head. A new head reopens the release window relative to the last lease.
func (st *ChannelState) promoteHead(id, at int64) {
	if !sortsBefore(at, id, st.NextMessageID, st.NextMessageDequeueAt) {
		return
	}
	st.NextMessageID = int64Ptr(id)
	st.NextMessageDequeueAt = int64Ptr(at)
	st.DequeueNextAt = int64Ptr(nextDequeueAt(st.DequeuePrevAt, st.ReleaseIntervalMs, at))
}

// leaseHead records a fresh lease taken at now and moves the head to the
// next unlocked message, if any.
func (st *ChannelState) leaseHead(next *Message, now int64) {
	if next != nil {
		gate := now
		if st.ReleaseIntervalMs != nil {
			gate += *st.ReleaseIntervalMs
		}
		st.NextMessageID = int64Ptr(next.ID)
		st.NextMessageDequeueAt = int64Ptr(next.DequeueAt)
		st.DequeueNextAt = int64Ptr(max(next.DequeueAt, gate))
	} else {
		st.NextMessageID = nil
		st.NextMessageDequeueAt = nil
		st.DequeueNextAt = nil
	}
	st.CurrentConcurrency++
	st.DequeuePrevAt = now
}

func (st *ChannelState) applyPolicy(p *ChannelPolicy) {
	if p == nil {
		st.MaxConcurrency, st.MaxSize, st.ReleaseIntervalMs = nil, nil, nil
		return
	}
	st.MaxConcurrency = clonePtr(p.MaxConcurrency)
	st.MaxSize = clonePtr(p.MaxSize)
	st.ReleaseIntervalMs = clonePtr(p.ReleaseIntervalMs)
}
