// Package worker runs handlers against messages leased from a queue.Store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/chanq/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) error { return f(ctx, msg) }

// DeferError asks the runner to reschedule the message after Delay instead
// of completing it. A non-nil State replaces the stored checkpoint.
type DeferError struct {
	Delay time.Duration
	State []byte
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("defer message by %s", e.Delay)
}

func Defer(delay time.Duration, state []byte) error {
	return &DeferError{Delay: delay, State: state}
}

// RetryConfig controls rescheduling after handler failures. Max <= 0 retries
// forever.
type RetryConfig struct {
	Max    int
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

type Runner struct {
	Store       queue.Store
	Handler     Handler
	Concurrency int
	LockMs      int64
	Retry       RetryConfig
	Logger      *slog.Logger
	MaxIdle     time.Duration
	Now         func() time.Time

	// HeartbeatInterval defaults to half the lease.
	HeartbeatInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

const (
	dequeueErrorBackoff = 200 * time.Millisecond
	completeTimeout     = 10 * time.Second
)

// Start spawns worker goroutines. Call Drain to stop them gracefully;
// cancelling ctx aborts in-flight handlers.
func (r *Runner) Start(ctx context.Context) {
	if r.Store == nil || r.Handler == nil {
		return
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxIdle := r.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 2 * time.Second
	}
	lockMs := r.LockMs
	if lockMs <= 0 {
		lockMs = queue.DefaultLockMs
	}

	r.stopCh = make(chan struct{})
	for i := 0; i < concurrency; i++ {
		wake, cancel := r.Store.Events().Subscribe(1)
		r.wg.Add(1)
		go func(worker int) {
			defer cancel()
			r.run(ctx, logger.With(slog.Int("worker", worker)), wake, lockMs, maxIdle)
		}(i)
	}
}

// Drain stops dequeuing and waits for in-flight handlers. It reports whether
// all workers finished before the timeout.
func (r *Runner) Drain(timeout time.Duration) bool {
	if r.stopCh == nil {
		return true
	}
	r.stopOnce.Do(func() { close(r.stopCh) })
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *Runner) run(ctx context.Context, logger *slog.Logger, wake <-chan queue.Event, lockMs int64, maxIdle time.Duration) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		res, err := r.Store.Dequeue(ctx, queue.DequeueRequest{LockMs: lockMs})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("worker_dequeue_failed", slog.Any("err", err))
			r.idle(ctx, wake, dequeueErrorBackoff)
			continue
		}
		if res.Status != queue.DequeueDequeued {
			wait := maxIdle
			if res.HasRetry {
				if d := time.Duration(res.RetryMs) * time.Millisecond; d < wait {
					wait = d
				}
			}
			r.idle(ctx, wake, wait)
			continue
		}

		r.handle(ctx, logger, res.Message, lockMs)
	}
}

// idle waits for d, a wake event, or shutdown.
func (r *Runner) idle(ctx context.Context, wake <-chan queue.Event, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-r.stopCh:
	case <-ctx.Done():
	case <-timer.C:
	case _, ok := <-wake:
		if ok {
			return
		}
		// Closed hub: fall back to the timer.
		select {
		case <-r.stopCh:
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

func (r *Runner) handle(ctx context.Context, logger *slog.Logger, msg queue.Message, lockMs int64) {
	logger = logger.With(
		slog.String("channel", msg.Channel),
		slog.Int64("message_id", msg.ID),
		slog.Int("attempt", msg.NumAttempts),
	)
	if msg.Reclaimed {
		logger.Info("worker_lease_reclaimed")
	}

	hctx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeat(hctx, logger, msg, lockMs, func() {
			lost.Store(true)
			cancel()
		})
	}()

	err := r.Handler.Handle(hctx, msg)
	cancel()
	<-hbDone

	if lost.Load() {
		logger.Warn("worker_result_discarded", slog.Any("handler_err", err))
		return
	}

	cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer ccancel()
	r.complete(cctx, logger, msg, err)
}

func (r *Runner) heartbeat(ctx context.Context, logger *slog.Logger, msg queue.Message, lockMs int64, onLost func()) {
	interval := r.HeartbeatInterval
	if interval <= 0 {
		interval = time.Duration(lockMs/2) * time.Millisecond
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status, err := r.Store.Heartbeat(ctx, queue.HeartbeatRequest{ID: msg.ID, Token: msg.LeaseToken, LockMs: lockMs})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("worker_heartbeat_failed", slog.Any("err", err))
			continue
		}
		if status != queue.MessageHeartbeated {
			logger.Warn("worker_lease_lost", slog.String("status", status.String()))
			onLost()
			return
		}
	}
}

func (r *Runner) complete(ctx context.Context, logger *slog.Logger, msg queue.Message, handlerErr error) {
	var deferErr *DeferError
	switch {
	case handlerErr == nil:
		r.delete(ctx, logger, msg)

	case errors.As(handlerErr, &deferErr):
		r.deferTo(ctx, logger, msg, deferErr.Delay, deferErr.State)

	case r.Retry.Max > 0 && msg.NumAttempts >= r.Retry.Max:
		logger.Warn("worker_retries_exhausted", slog.Any("err", handlerErr))
		r.delete(ctx, logger, msg)

	default:
		delay := retryDelay(msg.NumAttempts, r.Retry)
		logger.Info("worker_handler_failed",
			slog.Any("err", handlerErr),
			slog.Duration("retry_in", delay),
		)
		r.deferTo(ctx, logger, msg, delay, nil)
	}
}

func (r *Runner) delete(ctx context.Context, logger *slog.Logger, msg queue.Message) {
	status, err := r.Store.Delete(ctx, queue.DeleteRequest{ID: msg.ID, Token: msg.LeaseToken})
	if err != nil {
		logger.Error("worker_delete_failed", slog.Any("err", err))
		return
	}
	if status != queue.MessageDeleted {
		logger.Warn("worker_delete_rejected", slog.String("status", status.String()))
	}
}

func (r *Runner) deferTo(ctx context.Context, logger *slog.Logger, msg queue.Message, delay time.Duration, state []byte) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	status, err := r.Store.Defer(ctx, queue.DeferRequest{
		ID:        msg.ID,
		Token:     msg.LeaseToken,
		DequeueAt: queue.EpochMs(now().Add(delay)),
		State:     state,
	})
	if err != nil {
		logger.Error("worker_defer_failed", slog.Any("err", err))
		return
	}
	if status != queue.MessageDeferred {
		logger.Warn("worker_defer_rejected", slog.String("status", status.String()))
	}
}

func retryDelay(attempt int, retry RetryConfig) time.Duration {
	if retry.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(retry.Base) * math.Pow(2, float64(attempt-1))
	if retry.Cap > 0 && delay > float64(retry.Cap) {
		delay = float64(retry.Cap)
	}
	if retry.Jitter > 0 {
		j := min(retry.Jitter, 1)
		delay *= 1 + (rand.Float64()*2-1)*j
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}
