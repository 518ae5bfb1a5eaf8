package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS channel_policy (
  channel             TEXT PRIMARY KEY,
  max_concurrency     INTEGER,
  max_size            INTEGER,
  release_interval_ms INTEGER
);
CREATE TABLE IF NOT EXISTS channel_state (
  channel                 TEXT PRIMARY KEY,
  max_concurrency         INTEGER,
  max_size                INTEGER,
  release_interval_ms     INTEGER,
  current_size            INTEGER NOT NULL DEFAULT 0,
  current_concurrency     INTEGER NOT NULL DEFAULT 0,
  next_message_id         INTEGER,
  next_message_dequeue_at INTEGER,
  dequeue_prev_at         INTEGER NOT NULL,
  dequeue_next_at         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_channel_state_next
  ON channel_state(dequeue_next_at, channel) WHERE next_message_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS message (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  channel      TEXT NOT NULL,
  name         TEXT,
  content      BLOB NOT NULL,
  state        BLOB,
  is_locked    INTEGER NOT NULL DEFAULT 0,
  num_attempts INTEGER NOT NULL DEFAULT 0,
  lease_token  TEXT,
  dequeue_at   INTEGER NOT NULL,
  unlock_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_message_ready
  ON message(channel, dequeue_at, id) WHERE is_locked = 0;
CREATE INDEX IF NOT EXISTS idx_message_unlock
  ON message(unlock_at, id) WHERE is_locked = 1;
CREATE INDEX IF NOT EXISTS idx_message_name
  ON message(channel, name) WHERE name IS NOT NULL AND num_attempts = 0;
`

const sqliteStateColumns = `channel, max_concurrency, max_size, release_interval_ms,
  current_size, current_concurrency, next_message_id, next_message_dequeue_at,
  dequeue_prev_at, dequeue_next_at`

const sqliteMessageColumns = `id, channel, name, content, state, is_locked,
  num_attempts, lease_token, dequeue_at, unlock_at`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		s.clock.setNowFunc(now)
	}
}

// SQLiteStore runs every transition inside BEGIN IMMEDIATE, so the database
// write lock serializes transitions and selection needs no row locks.
type SQLiteStore struct {
	db     *sql.DB
	clock  *clock
	events *EventHub
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		clock:  newClock(time.Now),
		events: NewEventHub(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Events() *EventHub { return s.events }

func (s *SQLiteStore) Close() error {
	s.events.Close()
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, hasVersion, err := readSchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
		}

		for v := current + 1; v <= schemaVersion; v++ {
			switch v {
			case 1:
				if _, err := conn.ExecContext(ctx, schemaV1); err != nil {
					return fmt.Errorf("sqlite: migrate v1: %w", err)
				}
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
		}

		if !hasVersion || current != schemaVersion {
			return writeSchemaVersion(ctx, conn, schemaVersion)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

// withTx runs fn inside BEGIN IMMEDIATE on a dedicated connection and
// commits when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return mapSQLiteError(err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return mapSQLiteError(err)
	}
	committed = true
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.Channel == "" {
		return CreateResult{}, ErrChannelRequired
	}

	var res CreateResult
	var ev *Event
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		now := s.clock.nowMs()
		st, err := s.loadOrCreateState(ctx, conn, req.Channel, now)
		if err != nil {
			return err
		}
		if limitReached(st.CurrentSize, st.MaxSize) {
			res = CreateResult{Status: CreateDropped}
			return nil
		}

		if req.Name != "" {
			var id int64
			err := conn.QueryRowContext(ctx, `
SELECT id FROM message
WHERE channel = ? AND name = ? AND num_attempts = 0
ORDER BY id
LIMIT 1;
`, req.Channel, req.Name).Scan(&id)
			switch {
			case err == nil:
				res = CreateResult{Status: CreateDeduplicated, ID: id}
				return nil
			case !errors.Is(err, sql.ErrNoRows):
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

		r, err := conn.ExecContext(ctx, `
INSERT INTO message (channel, name, content, dequeue_at)
VALUES (?, ?, ?, ?);
`, req.Channel, nullIfEmpty(req.Name), content, dequeueAt)
		if err != nil {
			return mapSQLiteError(err)
		}
		id, err := r.LastInsertId()
		if err != nil {
			return err
		}

		st.promoteHead(id, dequeueAt)
		st.CurrentSize++
		if err := s.writeState(ctx, conn, st); err != nil {
			return err
		}

		res = CreateResult{Status: CreateCreated, ID: id, ChannelSize: st.CurrentSize}
		ev = &Event{Type: EventMessageCreated, ID: id, Channel: req.Channel, DequeueAt: dequeueAt}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	if ev != nil {
		s.events.Publish(*ev)
	}
	return res, nil
}

func (s *SQLiteStore) Dequeue(ctx context.Context, req DequeueRequest) (DequeueResult, error) {
	lockMs := lockMsOrDefault(req.LockMs)

	var res DequeueResult
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		now := s.clock.nowMs()

		expired, err := scanMessage(conn.QueryRowContext(ctx, `
SELECT `+sqliteMessageColumns+` FROM message
WHERE is_locked = 1 AND unlock_at <= ?
ORDER BY unlock_at, id
LIMIT 1;
`, now))
		switch {
		case err == nil:
			expired.NumAttempts++
			expired.UnlockAt = int64Ptr(now + lockMs)
			expired.LeaseToken = uuid.NewString()
			if _, err := conn.ExecContext(ctx, `
UPDATE message SET num_attempts = ?, unlock_at = ?, lease_token = ? WHERE id = ?;
`, expired.NumAttempts, *expired.UnlockAt, expired.LeaseToken, expired.ID); err != nil {
				return err
			}
			expired.Reclaimed = true
			res = DequeueResult{Status: DequeueDequeued, Message: expired}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		var lockedNext *int64
		if err := conn.QueryRowContext(ctx, `SELECT MIN(unlock_at) FROM message WHERE is_locked = 1;`).Scan(&lockedNext); err != nil {
			return err
		}

		st, err := scanState(conn.QueryRowContext(ctx, `
SELECT `+sqliteStateColumns+` FROM channel_state
WHERE next_message_id IS NOT NULL
  AND (max_concurrency IS NULL OR current_concurrency < max_concurrency)
ORDER BY dequeue_next_at, channel
LIMIT 1;
`))
		if errors.Is(err, sql.ErrNoRows) {
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

		msg, err := s.loadMessage(ctx, conn, *st.NextMessageID)
		if err != nil {
			return fmt.Errorf("sqlite: load head message %d: %w", *st.NextMessageID, err)
		}
		msg.IsLocked = true
		msg.NumAttempts++
		msg.UnlockAt = int64Ptr(now + lockMs)
		msg.LeaseToken = uuid.NewString()
		if _, err := conn.ExecContext(ctx, `
UPDATE message SET is_locked = 1, num_attempts = ?, unlock_at = ?, lease_token = ? WHERE id = ?;
`, msg.NumAttempts, *msg.UnlockAt, msg.LeaseToken, msg.ID); err != nil {
			return err
		}

		next, err := scanMessage(conn.QueryRowContext(ctx, `
SELECT `+sqliteMessageColumns+` FROM message
WHERE channel = ? AND is_locked = 0
ORDER BY dequeue_at, id
LIMIT 1;
`, st.Channel))
		switch {
		case err == nil:
			st.leaseHead(&next, now)
		case errors.Is(err, sql.ErrNoRows):
			st.leaseHead(nil, now)
		default:
			return err
		}
		if err := s.writeState(ctx, conn, st); err != nil {
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

func (s *SQLiteStore) Defer(ctx context.Context, req DeferRequest) (MessageStatus, error) {
	var status MessageStatus
	var ev *Event
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		now := s.clock.nowMs()
		msg, st, ok, err := s.fenced(ctx, conn, req.ID, req.Token, &status)
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
		if _, err := conn.ExecContext(ctx, `
UPDATE message
SET is_locked = 0, unlock_at = NULL, lease_token = NULL, dequeue_at = ?, state = ?
WHERE id = ?;
`, dequeueAt, msg.State, msg.ID); err != nil {
			return err
		}

		st.CurrentConcurrency--
		st.promoteHead(msg.ID, dequeueAt)
		if err := s.writeState(ctx, conn, st); err != nil {
			return err
		}

		status = MessageDeferred
		ev = &Event{Type: EventMessageDeferred, ID: msg.ID, Channel: msg.Channel, DequeueAt: dequeueAt}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if ev != nil {
		s.events.Publish(*ev)
	}
	return status, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, req DeleteRequest) (MessageStatus, error) {
	var status MessageStatus
	var ev *Event
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		msg, st, ok, err := s.fenced(ctx, conn, req.ID, req.Token, &status)
		if err != nil || !ok {
			return err
		}

		if _, err := conn.ExecContext(ctx, `DELETE FROM message WHERE id = ?;`, msg.ID); err != nil {
			return err
		}

		st.CurrentConcurrency--
		st.CurrentSize--
		drop := false
		if st.CurrentSize == 0 {
			var one int
			err := conn.QueryRowContext(ctx, `SELECT 1 FROM channel_policy WHERE channel = ?;`, st.Channel).Scan(&one)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				drop = true
			case err != nil:
				return err
			}
		}
		if drop {
			if _, err := conn.ExecContext(ctx, `DELETE FROM channel_state WHERE channel = ?;`, st.Channel); err != nil {
				return err
			}
		} else if err := s.writeState(ctx, conn, st); err != nil {
			return err
		}

		status = MessageDeleted
		ev = &Event{Type: EventMessageDeleted, ID: msg.ID, Channel: msg.Channel}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if ev != nil {
		s.events.Publish(*ev)
	}
	return status, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, req HeartbeatRequest) (MessageStatus, error) {
	lockMs := lockMsOrDefault(req.LockMs)

	var status MessageStatus
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		now := s.clock.nowMs()
		msg, err := s.loadMessage(ctx, conn, req.ID)
		if errors.Is(err, sql.ErrNoRows) {
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
		if until := now + lockMs; until > *msg.UnlockAt {
			if _, err := conn.ExecContext(ctx, `UPDATE message SET unlock_at = ? WHERE id = ?;`, until, msg.ID); err != nil {
				return err
			}
		}
		status = MessageHeartbeated
		return nil
	})
	if err != nil {
		return 0, err
	}
	return status, nil
}

func (s *SQLiteStore) SetPolicy(ctx context.Context, policy ChannelPolicy) error {
	if err := policy.validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
INSERT INTO channel_policy (channel, max_concurrency, max_size, release_interval_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(channel) DO UPDATE SET
  max_concurrency = excluded.max_concurrency,
  max_size = excluded.max_size,
  release_interval_ms = excluded.release_interval_ms;
`, policy.Channel, nullable(policy.MaxConcurrency), nullable(policy.MaxSize), nullable(policy.ReleaseIntervalMs)); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, `
UPDATE channel_state
SET max_concurrency = ?, max_size = ?, release_interval_ms = ?
WHERE channel = ?;
`, nullable(policy.MaxConcurrency), nullable(policy.MaxSize), nullable(policy.ReleaseIntervalMs), policy.Channel)
		return err
	})
}

func (s *SQLiteStore) ClearPolicy(ctx context.Context, channel string) error {
	if channel == "" {
		return ErrChannelRequired
	}
	return s.withTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `DELETE FROM channel_policy WHERE channel = ?;`, channel); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM channel_state WHERE channel = ? AND current_size = 0;`, channel); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx, `
UPDATE channel_state
SET max_concurrency = NULL, max_size = NULL, release_interval_ms = NULL
WHERE channel = ?;
`, channel)
		return err
	})
}

func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]ChannelPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT channel, max_concurrency, max_size, release_interval_ms
FROM channel_policy
ORDER BY channel;
`)
	if err != nil {
		return nil, err
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

func (s *SQLiteStore) ListChannels(ctx context.Context) ([]ChannelState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteStateColumns+` FROM channel_state ORDER BY channel;`)
	if err != nil {
		return nil, err
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

func (s *SQLiteStore) ListMessages(ctx context.Context, req MessageListRequest) ([]Message, error) {
	query := `SELECT ` + sqliteMessageColumns + ` FROM message`
	args := make([]any, 0, 2)
	if req.Channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, req.Channel)
	}
	query += ` ORDER BY id`
	if req.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, req.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, err
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

func (s *SQLiteStore) loadOrCreateState(ctx context.Context, conn *sql.Conn, channel string, now int64) (ChannelState, error) {
	st, err := scanState(conn.QueryRowContext(ctx, `SELECT `+sqliteStateColumns+` FROM channel_state WHERE channel = ?;`, channel))
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ChannelState{}, err
	}

	st = ChannelState{Channel: channel, DequeuePrevAt: now}
	var p ChannelPolicy
	err = conn.QueryRowContext(ctx, `
SELECT channel, max_concurrency, max_size, release_interval_ms
FROM channel_policy WHERE channel = ?;
`, channel).Scan(&p.Channel, &p.MaxConcurrency, &p.MaxSize, &p.ReleaseIntervalMs)
	switch {
	case err == nil:
		st.applyPolicy(&p)
	case !errors.Is(err, sql.ErrNoRows):
		return ChannelState{}, err
	}

	if _, err := conn.ExecContext(ctx, `
INSERT INTO channel_state (channel, max_concurrency, max_size, release_interval_ms, dequeue_prev_at)
VALUES (?, ?, ?, ?, ?);
`, channel, nullable(st.MaxConcurrency), nullable(st.MaxSize), nullable(st.ReleaseIntervalMs), now); err != nil {
		return ChannelState{}, mapSQLiteError(err)
	}
	return st, nil
}

func (s *SQLiteStore) writeState(ctx context.Context, conn *sql.Conn, st ChannelState) error {
	_, err := conn.ExecContext(ctx, `
UPDATE channel_state SET
  current_size = ?,
  current_concurrency = ?,
  next_message_id = ?,
  next_message_dequeue_at = ?,
  dequeue_prev_at = ?,
  dequeue_next_at = ?
WHERE channel = ?;
`, st.CurrentSize, st.CurrentConcurrency, nullable(st.NextMessageID), nullable(st.NextMessageDequeueAt),
		st.DequeuePrevAt, nullable(st.DequeueNextAt), st.Channel)
	return err
}

func (s *SQLiteStore) loadMessage(ctx context.Context, conn *sql.Conn, id int64) (Message, error) {
	return scanMessage(conn.QueryRowContext(ctx, `SELECT `+sqliteMessageColumns+` FROM message WHERE id = ?;`, id))
}

// fenced loads a leased message and its channel. ok is false when the
// lease check failed; status then carries the outcome.
func (s *SQLiteStore) fenced(ctx context.Context, conn *sql.Conn, id int64, token string, status *MessageStatus) (Message, ChannelState, bool, error) {
	msg, err := s.loadMessage(ctx, conn, id)
	if errors.Is(err, sql.ErrNoRows) {
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
	st, err := scanState(conn.QueryRowContext(ctx, `SELECT `+sqliteStateColumns+` FROM channel_state WHERE channel = ?;`, msg.Channel))
	if err != nil {
		return Message{}, ChannelState{}, false, fmt.Errorf("sqlite: load channel %q: %w", msg.Channel, err)
	}
	return msg, st, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (ChannelState, error) {
	var st ChannelState
	err := row.Scan(
		&st.Channel,
		&st.MaxConcurrency,
		&st.MaxSize,
		&st.ReleaseIntervalMs,
		&st.CurrentSize,
		&st.CurrentConcurrency,
		&st.NextMessageID,
		&st.NextMessageDequeueAt,
		&st.DequeuePrevAt,
		&st.DequeueNextAt,
	)
	return st, err
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m     Message
		name  sql.NullString
		token sql.NullString
	)
	err := row.Scan(
		&m.ID,
		&m.Channel,
		&name,
		&m.Content,
		&m.State,
		&m.IsLocked,
		&m.NumAttempts,
		&token,
		&m.DequeueAt,
		&m.UnlockAt,
	)
	if err != nil {
		return Message{}, err
	}
	m.Name = name.String
	m.LeaseToken = token.String
	return m, nil
}

func holdsLease(m Message, token string) bool {
	return m.IsLocked && token != "" && m.LeaseToken == token
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteConstraintError(err) {
		return fmt.Errorf("sqlite: constraint violation: %w", err)
	}
	if isSQLiteBusyError(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	const (
		sqliteBusy   = 5
		sqliteLocked = 6
	)
	code := sqliteErr.Code() & 0xff
	return code == sqliteBusy || code == sqliteLocked
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
