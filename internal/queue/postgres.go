package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresOption func(*PostgresStore)

// PostgresStore runs every transition as one transaction. Channel and
// message rows are locked with FOR UPDATE; the two dequeue selection scans
// use SKIP LOCKED so concurrent consumers never block on each other.
//
// Locked messages are always locked before their channel and unlocked
// messages only after it, so transitions cannot deadlock.
type PostgresStore struct {
	pool         *pgxpool.Pool
	clock        *clock
	useDBClock   bool
	eventChannel string
	logger       *slog.Logger
	events       *EventHub
}

var _ Store = (*PostgresStore)(nil)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS channel_policy (
  channel             TEXT PRIMARY KEY,
  max_concurrency     INTEGER,
  max_size            INTEGER,
  release_interval_ms BIGINT
);
CREATE TABLE IF NOT EXISTS channel_state (
  channel                 TEXT PRIMARY KEY,
  max_concurrency         INTEGER,
  max_size                INTEGER,
  release_interval_ms     BIGINT,
  current_size            INTEGER NOT NULL DEFAULT 0,
  current_concurrency     INTEGER NOT NULL DEFAULT 0,
  next_message_id         BIGINT,
  next_message_dequeue_at BIGINT,
  dequeue_prev_at         BIGINT NOT NULL,
  dequeue_next_at         BIGINT
);
CREATE INDEX IF NOT EXISTS idx_channel_state_next
  ON channel_state(dequeue_next_at, channel) WHERE next_message_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS message (
  id           BIGSERIAL PRIMARY KEY,
  channel      TEXT NOT NULL,
  name         TEXT,
  content      BYTEA NOT NULL,
  state        BYTEA,
  is_locked    BOOLEAN NOT NULL DEFAULT FALSE,
  num_attempts INTEGER NOT NULL DEFAULT 0,
  lease_token  TEXT,
  dequeue_at   BIGINT NOT NULL,
  unlock_at    BIGINT
);
CREATE INDEX IF NOT EXISTS idx_message_ready
  ON message(channel, dequeue_at, id) WHERE NOT is_locked;
CREATE INDEX IF NOT EXISTS idx_message_unlock
  ON message(unlock_at, id) WHERE is_locked;
CREATE INDEX IF NOT EXISTS idx_message_name
  ON message(channel, name) WHERE name IS NOT NULL AND num_attempts = 0;
`

const pgStateColumns = `channel, max_concurrency, max_size, release_interval_ms,
  current_size, current_concurrency, next_message_id, next_message_dequeue_at,
  dequeue_prev_at, dequeue_next_at`

const pgMessageColumns = `id, channel, name, content, state, is_locked,
  num_attempts, lease_token, dequeue_at, unlock_at`

// WithPostgresNowFunc replaces the database clock with a local one.
func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		s.clock.setNowFunc(now)
		s.useDBClock = false
	}
}

// WithPostgresEventChannel publishes transition events with pg_notify on the
// given channel. Local subscribers then receive them through ListenEvents.
func WithPostgresEventChannel(channel string) PostgresOption {
	return func(s *PostgresStore) {
		s.eventChannel = channel
	}
}

func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(s *PostgresStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	s := &PostgresStore{
		pool:       pool,
		clock:      newClock(time.Now),
		useDBClock: true,
		logger:     slog.Default(),
		events:     NewEventHub(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := pool.Exec(ctx, postgresSchemaV1); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Events() *EventHub { return s.events }

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.events.Close()
	s.pool.Close()
	return nil
}

// ListenEvents feeds notifications from the event channel into the hub
// until ctx is done. It holds one pooled connection for its lifetime.
func (s *PostgresStore) ListenEvents(ctx context.Context) error {
	if s.eventChannel == "" {
		return errors.New("postgres: event channel not configured")
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres: acquire listener: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.eventChannel}.Sanitize()); err != nil {
		return fmt.Errorf("postgres: listen %q: %w", s.eventChannel, err)
	}
	s.logger.Debug("postgres_listen_started", slog.String("channel", s.eventChannel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("postgres: wait for notification: %w", err)
		}
		ev, err := DecodeEvent([]byte(n.Payload))
		if err != nil {
			s.logger.Warn("postgres_event_decode_failed", slog.Any("err", err))
			continue
		}
		s.events.Publish(ev)
	}
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx, now int64) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now, err := s.now(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(tx, now); err != nil {
		return mapPostgresError(err)
	}
	return mapPostgresError(tx.Commit(ctx))
}

func (s *PostgresStore) now(ctx context.Context, tx pgx.Tx) (int64, error) {
	if !s.useDBClock {
		return s.clock.nowMs(), nil
	}
	var now int64
	if err := tx.QueryRow(ctx, `SELECT (extract(epoch FROM clock_timestamp()) * 1000)::bigint;`).Scan(&now); err != nil {
		return 0, fmt.Errorf("postgres: read clock: %w", err)
	}
	return now, nil
}

// emit sends ev with pg_notify inside tx when an event channel is set;
// otherwise the caller publishes locally after commit.
func (s *PostgresStore) emit(ctx context.Context, tx pgx.Tx, ev Event) (*Event, error) {
	if s.eventChannel == "" {
		return &ev, nil
	}
	raw, err := EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2);`, s.eventChannel, string(raw)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *PostgresStore) publish(ev *Event) {
	if ev != nil {
		s.events.Publish(*ev)
	}
}

func (s *PostgresStore) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.Channel == "" {
		return CreateResult{}, ErrChannelRequired
	}

	var res CreateResult
	var ev *Event
	err := s.withTx(ctx, func(tx pgx.Tx, now int64) error {
		// The no-op update locks an existing row, so a concurrent Delete of
		// the channel's last message cannot remove it between insert and read.
		st, err := scanState(tx.QueryRow(ctx, `
INSERT INTO channel_state (channel, max_concurrency, max_size, release_interval_ms, dequeue_prev_at)
SELECT $1, p.max_concurrency, p.max_size, p.release_interval_ms, $2
FROM (SELECT 1) AS one
LEFT JOIN channel_policy p ON p.channel = $1
ON CONFLICT (channel) DO UPDATE SET channel = EXCLUDED.channel
RETURNING `+pgStateColumns+`;
`, req.Channel, now))
		if err != nil {
			return err
		}
		if limitReached(st.CurrentSize, st.MaxSize) {
			res = CreateResult{Status: CreateDropped}
			return nil
		}

		if req.Name != "" {
			var id int64
			err := tx.QueryRow(ctx, `
SELECT id FROM message
WHERE channel = $1 AND name = $2 AND num_attempts = 0
ORDER BY id
LIMIT 1;
`, req.Channel, req.Name).Scan(&id)
			switch {
			case err == nil:
				res = CreateResult{Status: CreateDeduplicated, ID: id}
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
		}

		dequeueAt := req.DequeueAt
		if dequeueAt <= 0 {
			dequeueAt = now
		}
		content := req.Content
		if content == nil {
			content = []byte{}
		}

		var id int64
		if err := tx.QueryRow(ctx, `
INSERT INTO message (channel, name, content, dequeue_at)
VALUES ($1, $2, $3, $4)
RETURNING id;
`, req.Channel, nullIfEmpty(req.Name), content, dequeueAt).Scan(&id); err != nil {
			return err
		}

		st.promoteHead(id, dequeueAt)
		st.CurrentSize++
		if err := pgWriteState(ctx, tx, st); err != nil {
			return err
		}

		res = CreateResult{Status: CreateCreated, ID: id, ChannelSize: st.CurrentSize}
		ev, err = s.emit(ctx, tx, Event{Type: EventMessageCreated, ID: id, Channel: req.Channel, DequeueAt: dequeueAt})
		return err
	})
	if err != nil {
		return CreateResult{}, err
	}
	s.publish(ev)
	return res, nil
}

func (s *PostgresStore) Dequeue(ctx context.Context, req DequeueRequest) (DequeueResult, error) {
	lockMs := lockMsOrDefault(req.LockMs)

	var res DequeueResult
	err := s.withTx(ctx, func(tx pgx.Tx, now int64) error {
		expired, err := scanMessage(tx.QueryRow(ctx, `
SELECT `+pgMessageColumns+` FROM message
WHERE is_locked AND unlock_at <= $1
ORDER BY unlock_at, id
LIMIT 1
FOR UPDATE SKIP LOCKED;
`, now))
		switch {
		case err == nil:
			expired.NumAttempts++
			expired.UnlockAt = int64Ptr(now + lockMs)
			expired.LeaseToken = uuid.NewString()
			if _, err := tx.Exec(ctx, `
UPDATE message SET num_attempts = $1, unlock_at = $2, lease_token = $3 WHERE id = $4;
`, expired.NumAttempts, *expired.UnlockAt, expired.LeaseToken, expired.ID); err != nil {
				return err
			}
			expired.Reclaimed = true
			res = DequeueResult{Status: DequeueDequeued, Message: expired}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		var lockedNext *int64
		if err := tx.QueryRow(ctx, `SELECT MIN(unlock_at) FROM message WHERE is_locked;`).Scan(&lockedNext); err != nil {
			return err
		}

		st, err := scanState(tx.QueryRow(ctx, `
SELECT `+pgStateColumns+` FROM channel_state
WHERE next_message_id IS NOT NULL
  AND (max_concurrency IS NULL OR current_concurrency < max_concurrency)
ORDER BY dequeue_next_at, channel
LIMIT 1
FOR UPDATE SKIP LOCKED;
`))
		if errors.Is(err, pgx.ErrNoRows) {
			retry, ok := retryHint(now, lockedNext)
			res = DequeueResult{Status: DequeueNotAvailable, RetryMs: retry, HasRetry: ok}
			return nil
		}
		if err != nil {
			return err
		}
		if *st.DequeueNextAt > now {
			retry, ok := retryHint(now, lockedNext, st.DequeueNextAt)
			res = DequeueResult{Status: DequeueNotAvailable, RetryMs: retry, HasRetry: ok}
			return nil
		}

		msg, err := scanMessage(tx.QueryRow(ctx, `SELECT `+pgMessageColumns+` FROM message WHERE id = $1 FOR UPDATE;`, *st.NextMessageID))
		if err != nil {
			return fmt.Errorf("postgres: load head message %d: %w", *st.NextMessageID, err)
		}
		msg.IsLocked = true
		msg.NumAttempts++
		msg.UnlockAt = int64Ptr(now + lockMs)
		msg.LeaseToken = uuid.NewString()
		if _, err := tx.Exec(ctx, `
UPDATE message SET is_locked = TRUE, num_attempts = $1, unlock_at = $2, lease_token = $3 WHERE id = $4;
`, msg.NumAttempts, *msg.UnlockAt, msg.LeaseToken, msg.ID); err != nil {
			return err
		}

		next, err := scanMessage(tx.QueryRow(ctx, `
SELECT `+pgMessageColumns+` FROM message
WHERE channel = $1 AND NOT is_locked
ORDER BY dequeue_at, id
LIMIT 1;
`, st.Channel))
		switch {
		case err == nil:
			st.leaseHead(&next, now)
		case errors.Is(err, pgx.ErrNoRows):
			st.leaseHead(nil, now)
		default:
			return err
		}
		if err := pgWriteState(ctx, tx, st); err != nil {
			return err
		}

		res = DequeueResult{Status: DequeueDequeued, Message: msg}
		return nil
	})
	if err != nil {
		return DequeueResult{}, err
	}
	return res, nil
}

func (s *PostgresStore) Defer(ctx context.Context, req DeferRequest) (MessageStatus, error) {
	var status MessageStatus
	var ev *Event
	err := s.withTx(ctx, func(tx pgx.Tx, now int64) error {
		msg, st, ok, err := pgFenced(ctx, tx, req.ID, req.Token, &status)
		if err != nil || !ok {
			return err
		}

		dequeueAt := req.DequeueAt
		if dequeueAt <= 0 {
			dequeueAt = now
		}
		if req.State != nil {
			msg.State = req.State
		}
		if _, err := tx.Exec(ctx, `
UPDATE message
SET is_locked = FALSE, unlock_at = NULL, lease_token = NULL, dequeue_at = $1, state = $2
WHERE id = $3;
`, dequeueAt, msg.State, msg.ID); err != nil {
			return err
		}

		st.CurrentConcurrency--
		st.promoteHead(msg.ID, dequeueAt)
		if err := pgWriteState(ctx, tx, st); err != nil {
			return err
		}

		status = MessageDeferred
		ev, err = s.emit(ctx, tx, Event{Type: EventMessageDeferred, ID: msg.ID, Channel: msg.Channel, DequeueAt: dequeueAt})
		return err
	})
	if err != nil {
		return 0, err
	}
	s.publish(ev)
	return status, nil
}

func (s *PostgresStore) Delete(ctx context.Context, req DeleteRequest) (MessageStatus, error) {
	var status MessageStatus
	var ev *Event
	err := s.withTx(ctx, func(tx pgx.Tx, now int64) error {
		msg, st, ok, err := pgFenced(ctx, tx, req.ID, req.Token, &status)
		if err != nil || !ok {
			return err
		}

		st.CurrentConcurrency--
		st.CurrentSize--
		if st.CurrentSize == 0 {
			if _, err := tx.Exec(ctx, `
DELETE FROM channel_state s
WHERE s.channel = $1
  AND NOT EXISTS (SELECT 1 FROM channel_policy p WHERE p.channel = s.channel);
`, st.Channel); err != nil {
				return err
			}
		}
		if err := pgWriteState(ctx, tx, st); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM message WHERE id = $1;`, msg.ID); err != nil {
			return err
		}

		status = MessageDeleted
		ev, err = s.emit(ctx, tx, Event{Type: EventMessageDeleted, ID: msg.ID, Channel: msg.Channel})
		return err
	})
	if err != nil {
		return 0, err
	}
	s.publish(ev)
	return status, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, req HeartbeatRequest) (MessageStatus, error) {
	lockMs := lockMsOrDefault(req.LockMs)

	var status MessageStatus
	err := s.withTx(ctx, func(tx pgx.Tx, now int64) error {
		msg, err := scanMessage(tx.QueryRow(ctx, `SELECT `+pgMessageColumns+` FROM message WHERE id = $1 FOR UPDATE;`, req.ID))
		if errors.Is(err, pgx.ErrNoRows) {
			status = MessageNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if !holdsLease(msg, req.Token) {
			status = MessageStateInvalid
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE message SET unlock_at = GREATEST(unlock_at, $1) WHERE id = $2;`, now+lockMs, msg.ID); err != nil {
			return err
		}
		status = MessageHeartbeated
		return nil
	})
	if err != nil {
		return 0, err
	}
	return status, nil
}

func (s *PostgresStore) SetPolicy(ctx context.Context, policy ChannelPolicy) error {
	if err := policy.validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx, _ int64) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO channel_policy (channel, max_concurrency, max_size, release_interval_ms)
VALUES ($1, $2, $3, $4)
ON CONFLICT (channel) DO UPDATE SET
  max_concurrency = EXCLUDED.max_concurrency,
  max_size = EXCLUDED.max_size,
  release_interval_ms = EXCLUDED.release_interval_ms;
`, policy.Channel, nullable(policy.MaxConcurrency), nullable(policy.MaxSize), nullable(policy.ReleaseIntervalMs)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
UPDATE channel_state
SET max_concurrency = $1, max_size = $2, release_interval_ms = $3
WHERE channel = $4;
`, nullable(policy.MaxConcurrency), nullable(policy.MaxSize), nullable(policy.ReleaseIntervalMs), policy.Channel)
		return err
	})
}

func (s *PostgresStore) ClearPolicy(ctx context.Context, channel string) error {
	if channel == "" {
		return ErrChannelRequired
	}
	return s.withTx(ctx, func(tx pgx.Tx, _ int64) error {
		if _, err := tx.Exec(ctx, `DELETE FROM channel_policy WHERE channel = $1;`, channel); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM channel_state WHERE channel = $1 AND current_size = 0;`, channel); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
UPDATE channel_state
SET max_concurrency = NULL, max_size = NULL, release_interval_ms = NULL
WHERE channel = $1;
`, channel)
		return err
	})
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]ChannelPolicy, error) {
	rows, err := s.pool.Query(ctx, `
SELECT channel, max_concurrency, max_size, release_interval_ms
FROM channel_policy
ORDER BY channel;
`)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	out := make([]ChannelPolicy, 0)
	for rows.Next() {
		var p ChannelPolicy
		if err := rows.Scan(&p.Channel, &p.MaxConcurrency, &p.MaxSize, &p.ReleaseIntervalMs); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListChannels(ctx context.Context) ([]ChannelState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgStateColumns+` FROM channel_state ORDER BY channel;`)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	out := make([]ChannelState, 0)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMessages(ctx context.Context, req MessageListRequest) ([]Message, error) {
	var limit *int
	if req.Limit > 0 {
		limit = &req.Limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+pgMessageColumns+` FROM message
WHERE ($1 = '' OR channel = $1)
ORDER BY id
LIMIT $2;
`, req.Channel, nullable(limit))
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func pgFenced(ctx context.Context, tx pgx.Tx, id int64, token string, status *MessageStatus) (Message, ChannelState, bool, error) {
	msg, err := scanMessage(tx.QueryRow(ctx, `SELECT `+pgMessageColumns+` FROM message WHERE id = $1 FOR UPDATE;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		*status = MessageNotFound
		return Message{}, ChannelState{}, false, nil
	}
	if err != nil {
		return Message{}, ChannelState{}, false, err
	}
	if !holdsLease(msg, token) {
		*status = MessageStateInvalid
		return Message{}, ChannelState{}, false, nil
	}
	st, err := scanState(tx.QueryRow(ctx, `SELECT `+pgStateColumns+` FROM channel_state WHERE channel = $1 FOR UPDATE;`, msg.Channel))
	if err != nil {
		return Message{}, ChannelState{}, false, fmt.Errorf("postgres: load channel %q: %w", msg.Channel, err)
	}
	return msg, st, true, nil
}

func pgWriteState(ctx context.Context, tx pgx.Tx, st ChannelState) error {
	_, err := tx.Exec(ctx, `
UPDATE channel_state SET
  current_size = $1,
  current_concurrency = $2,
  next_message_id = $3,
  next_message_dequeue_at = $4,
  dequeue_prev_at = $5,
  dequeue_next_at = $6
WHERE channel = $7;
`, st.CurrentSize, st.CurrentConcurrency, nullable(st.NextMessageID), nullable(st.NextMessageDequeueAt),
		st.DequeuePrevAt, nullable(st.DequeueNextAt), st.Channel)
	return err
}

func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
	}
	return err
}
