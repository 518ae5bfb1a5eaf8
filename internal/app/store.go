package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nuetzliches/chanq/internal/config"
	"github.com/nuetzliches/chanq/internal/queue"
)

type openedStore struct {
	queue.Store
	backend string

	// pg is set for the postgres backend so the runtime can drive the
	// LISTEN loop.
	pg *queue.PostgresStore
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*openedStore, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return &openedStore{Store: queue.NewMemoryStore(), backend: cfg.Backend}, nil
	case config.BackendSQLite, "":
		s, err := queue.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %q: %w", cfg.SQLitePath, err)
		}
		return &openedStore{Store: s, backend: config.BackendSQLite}, nil
	case config.BackendPostgres:
		opts := []queue.PostgresOption{queue.WithPostgresLogger(logger)}
		if ch := strings.TrimSpace(cfg.EventChannel); ch != "" {
			opts = append(opts, queue.WithPostgresEventChannel(ch))
		}
		s, err := queue.NewPostgresStore(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return &openedStore{Store: s, backend: cfg.Backend, pg: s}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// reconcilePolicies applies the channel section of the config to the store.
// It keeps going after a failed change and reports the first error.
func reconcilePolicies(ctx context.Context, store queue.Store, channels []config.Channel, logger *slog.Logger) (int, error) {
	current, err := store.ListPolicies(ctx)
	if err != nil {
		return 0, fmt.Errorf("list policies: %w", err)
	}

	var firstErr error
	applied := 0
	for _, change := range config.PlanPolicies(current, channels) {
		var err error
		switch change.Action {
		case config.PolicySet:
			err = store.SetPolicy(ctx, change.Policy)
		case config.PolicyClear:
			err = store.ClearPolicy(ctx, change.Policy.Channel)
		}
		if err != nil {
			logger.Error("policy_apply_failed",
				slog.String("channel", change.Policy.Channel),
				slog.String("action", string(change.Action)),
				slog.Any("err", err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied++
		logger.Info("policy_applied",
			slog.String("channel", change.Policy.Channel),
			slog.String("action", string(change.Action)),
		)
	}
	return applied, firstErr
}

const (
	listenBackoffMin = 200 * time.Millisecond
	listenBackoffMax = 5 * time.Second
)

// runEventListener keeps the postgres LISTEN loop alive until ctx is done.
func runEventListener(ctx context.Context, pg *queue.PostgresStore, logger *slog.Logger) {
	backoff := listenBackoffMin
	for {
		start := time.Now()
		err := pg.ListenEvents(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > listenBackoffMax {
			backoff = listenBackoffMin
		}
		logger.Warn("event_listener_failed", slog.Any("err", err), slog.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, listenBackoffMax)
	}
}

// logWakeEvents mirrors store events into the debug log.
func logWakeEvents(ctx context.Context, hub *queue.EventHub, logger *slog.Logger) {
	events, cancel := hub.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger.Debug("queue_event",
				slog.String("type", string(ev.Type)),
				slog.Int64("id", ev.ID),
				slog.String("channel", ev.Channel),
				slog.Int64("dequeue_at", ev.DequeueAt),
			)
		}
	}
}
