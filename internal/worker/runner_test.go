package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuetzliches/chanq/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func listMessages(t *testing.T, store queue.Store) []queue.Message {
	t.Helper()
	msgs, err := store.ListMessages(context.Background(), queue.MessageListRequest{})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func TestRetryDelay(t *testing.T) {
	retry := RetryConfig{Max: 8, Base: 2 * time.Second, Cap: 30 * time.Second}

	if got := retryDelay(1, retry); got != 2*time.Second {
		t.Fatalf("attempt1 delay=%s, want 2s", got)
	}
	if got := retryDelay(2, retry); got != 4*time.Second {
		t.Fatalf("attempt2 delay=%s, want 4s", got)
	}
	if got := retryDelay(5, retry); got != 30*time.Second {
		t.Fatalf("attempt5 delay=%s, want 30s cap", got)
	}
	if got := retryDelay(3, RetryConfig{}); got != 0 {
		t.Fatalf("zero base delay=%s, want 0", got)
	}

	retry.Jitter = 0.5
	for i := 0; i < 50; i++ {
		got := retryDelay(1, retry)
		if got < time.Second || got > 3*time.Second {
			t.Fatalf("jittered delay=%s, want within [1s,3s]", got)
		}
	}
}

func TestRunner_SuccessDeletes(t *testing.T) {
	store := queue.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := store.Create(ctx, queue.CreateRequest{Channel: "alpha", Content: []byte("x")}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	var handled atomic.Int32
	r := &Runner{
		Store:       store,
		Concurrency: 2,
		Logger:      discardLogger(),
		MaxIdle:     20 * time.Millisecond,
		Handler: HandlerFunc(func(ctx context.Context, msg queue.Message) error {
			handled.Add(1)
			return nil
		}),
	}
	r.Start(ctx)
	defer r.Drain(time.Second)

	waitFor(t, 2*time.Second, func() bool { return len(listMessages(t, store)) == 0 })
	if got := handled.Load(); got != 5 {
		t.Fatalf("handled=%d, want 5", got)
	}
	states, err := store.ListChannels(ctx)
	if err != nil || len(states) != 0 {
		t.Fatalf("states=%+v err=%v, want none", states, err)
	}
}

func TestRunner_DeferErrorReschedules(t *testing.T) {
	store := queue.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Create(ctx, queue.CreateRequest{Channel: "alpha"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	r := &Runner{
		Store:   store,
		Logger:  discardLogger(),
		MaxIdle: 20 * time.Millisecond,
		Handler: HandlerFunc(func(ctx context.Context, msg queue.Message) error {
			return Defer(time.Hour, []byte("checkpoint"))
		}),
	}
	start := time.Now()
	r.Start(ctx)

	waitFor(t, 2*time.Second, func() bool {
		msgs := listMessages(t, store)
		return len(msgs) == 1 && !msgs[0].IsLocked && msgs[0].NumAttempts == 1
	})
	if !r.Drain(time.Second) {
		t.Fatalf("drain timed out")
	}

	msg := listMessages(t, store)[0]
	if string(msg.State) != "checkpoint" {
		t.Fatalf("state=%q, want checkpoint", msg.State)
	}
	if msg.DequeueAt < queue.EpochMs(start.Add(59*time.Minute)) {
		t.Fatalf("dequeue_at=%d not deferred by an hour", msg.DequeueAt)
	}
}

func TestRunner_FailuresRetryThenDelete(t *testing.T) {
	store := queue.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.Create(ctx, queue.CreateRequest{Channel: "alpha"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var calls atomic.Int32
	r := &Runner{
		Store:   store,
		Logger:  discardLogger(),
		MaxIdle: 5 * time.Millisecond,
		Retry:   RetryConfig{Max: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond},
		Handler: HandlerFunc(func(ctx context.Context, msg queue.Message) error {
			calls.Add(1)
			return errors.New("boom")
		}),
	}
	r.Start(ctx)
	defer r.Drain(time.Second)

	waitFor(t, 2*time.Second, func() bool { return len(listMessages(t, store)) == 0 })
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls=%d, want 3", got)
	}
}

type lostLeaseStore struct {
	queue.Store
}

func (s lostLeaseStore) Heartbeat(context.Context, queue.HeartbeatRequest) (queue.MessageStatus, error) {
	return queue.MessageStateInvalid, nil
}

func TestRunner_LostLeaseCancelsHandler(t *testing.T) {
	mem := queue.NewMemoryStore()
	defer mem.Close()
	ctx := context.Background()

	if _, err := mem.Create(ctx, queue.CreateRequest{Channel: "alpha"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled := make(chan struct{})
	r := &Runner{
		Store:             lostLeaseStore{Store: mem},
		Logger:            discardLogger(),
		LockMs:            60_000,
		HeartbeatInterval: 10 * time.Millisecond,
		MaxIdle:           time.Hour,
		Handler: HandlerFunc(func(ctx context.Context, msg queue.Message) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		}),
	}
	r.Start(ctx)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler context was not cancelled")
	}
	if !r.Drain(time.Second) {
		t.Fatalf("drain timed out")
	}

	msgs := listMessages(t, mem)
	if len(msgs) != 1 || msgs[0].NumAttempts != 1 {
		t.Fatalf("messages=%+v, want the leased message untouched", msgs)
	}
}

func TestRunner_WakesOnCreate(t *testing.T) {
	store := queue.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	handled := make(chan int64, 1)
	r := &Runner{
		Store:   store,
		Logger:  discardLogger(),
		MaxIdle: time.Hour,
		Handler: HandlerFunc(func(ctx context.Context, msg queue.Message) error {
			handled <- msg.ID
			return nil
		}),
	}
	r.Start(ctx)
	defer r.Drain(time.Second)

	// Let the worker reach its idle wait.
	waitFor(t, time.Second, func() bool { return store.Events().Subscribers() == 1 })
	time.Sleep(20 * time.Millisecond)

	res, err := store.Create(ctx, queue.CreateRequest{Channel: "alpha"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case id := <-handled:
		if id != res.ID {
			t.Fatalf("handled id=%d, want %d", id, res.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker was not woken by create")
	}
}

func TestDrain_NotStarted(t *testing.T) {
	r := &Runner{}
	if !r.Drain(time.Millisecond) {
		t.Fatalf("drain of unstarted runner must succeed")
	}
}

func TestDrain_TimeoutReturns(t *testing.T) {
	store := queue.NewMemoryStore()
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := store.Create(ctx, queue.CreateRequest{Channel: "alpha"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	started := make(chan struct{})
	r := &Runner{
		Store:  store,
		Logger: discardLogger(),
		Handler: HandlerFunc(func(ctx context.Context, msg queue.Message) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	}
	r.Start(ctx)
	<-started

	if r.Drain(20 * time.Millisecond) {
		t.Fatalf("drain should time out while the handler blocks")
	}
	cancel()
}
