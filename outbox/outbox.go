// Package outbox implements the transactional outbox store (C2): messages
// produced in the caller's own transaction, dispatched at-least-once by a
// background loop built on workqueue's claim/ack/abandon/fail protocol.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/duraplane/duraplane/dispatch"
	"github.com/duraplane/duraplane/workqueue"
)

var (
	ErrEmptyTopic = errors.New("outbox: topic must not be empty")
)

var spec = workqueue.Spec{
	Table:             "outbox",
	IDColumn:          "id",
	OrderColumn:       "created_at",
	StatusColumn:      "status",
	LockedUntilColumn: "locked_until",
	OwnerColumn:       "owner_token",
	DueColumn:         "due_time",
}

// Message is one outbox row, as returned by Claim.
type Message struct {
	ID            uuid.UUID
	TopicName     string
	Payload       []byte
	MessageID     uuid.UUID
	CorrelationID string
	AttemptCount  int
}

// EnqueueOptions customizes Enqueue. The zero value enqueues with a
// generated MessageID, no correlation id, and due_time = now.
type EnqueueOptions struct {
	MessageID     uuid.UUID
	CorrelationID string
	DueTime       time.Time
}

// Store is the outbox table's API: enqueue from application code, and the
// claim/ack/abandon/fail/reap verbs dispatch.Loop drives.
type Store struct {
	db *sqlx.DB
}

// New builds a Store over db. db is used directly by the dispatcher verbs;
// Enqueue accepts its own DBTX so callers can pass a transaction.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a Pending row visible to claimers once tx commits. A
// zero MessageID in opts generates a random one; a zero DueTime defaults
// to now (claimable immediately).
func (s *Store) Enqueue(ctx context.Context, tx *sqlx.Tx, topic string, payload []byte, opts EnqueueOptions) (uuid.UUID, error) {
	if topic == "" {
		return uuid.UUID{}, ErrEmptyTopic
	}
	id := uuid.New()
	msgID := opts.MessageID
	if msgID == uuid.Nil {
		msgID = uuid.New()
	}
	due := opts.DueTime
	if due.IsZero() {
		due = time.Now()
	}

	var exec sqlx.ExecerContext = s.db
	if tx != nil {
		exec = tx
	}
	_, err := exec.ExecContext(ctx, `
INSERT INTO outbox (id, topic, payload, message_id, correlation_id, due_time)
VALUES ($1, $2, $3, $4, $5, $6)`,
		id, topic, payload, msgID, nullableString(opts.CorrelationID), due,
	)
	if err != nil {
		return uuid.UUID{}, err
	}
	return id, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Claim implements dispatch.Queue.
func (s *Store) Claim(ctx context.Context, owner string, batchSize int, lease time.Duration) ([]dispatch.Item, error) {
	ids, err := workqueue.Claim(ctx, s.db, spec, owner, batchSize, lease)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryxContext(ctx, `
SELECT id, topic, payload, message_id, coalesce(correlation_id, ''), attempt_count
FROM outbox WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]dispatch.Item, 0, len(ids))
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TopicName, &m.Payload, &m.MessageID, &m.CorrelationID, &m.AttemptCount); err != nil {
			return nil, err
		}
		items = append(items, outboxItem{m})
	}
	return items, rows.Err()
}

// outboxItem adapts Message to dispatch.Item without exposing the full
// row (and its non-string ID type) through that interface.
type outboxItem struct{ Message }

func (i outboxItem) ID() string        { return i.Message.ID.String() }
func (i outboxItem) Topic() string     { return i.Message.TopicName }
func (i outboxItem) AttemptCount() int { return i.Message.AttemptCount }

// Ack implements dispatch.Queue.
func (s *Store) Ack(ctx context.Context, owner string, ids []string) error {
	return workqueue.Ack(ctx, s.db, spec, "processed_at", workqueue.Dispatched, owner, ids)
}

// Abandon implements dispatch.Queue.
func (s *Store) Abandon(ctx context.Context, owner string, ids []string, lastErr string, nextDue time.Time) error {
	return workqueue.Abandon(ctx, s.db, spec, "attempt_count", "last_error", owner, ids, lastErr, &nextDue)
}

// Fail implements dispatch.Queue.
func (s *Store) Fail(ctx context.Context, owner string, ids []string, reason string) error {
	return workqueue.Fail(ctx, s.db, spec, "last_error", workqueue.Failed, owner, ids, reason)
}

// ReapExpired implements dispatch.Queue.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	return workqueue.ReapExpired(ctx, s.db, spec)
}

// RenewLock implements dispatch.Queue.
func (s *Store) RenewLock(ctx context.Context, owner, id string, lease time.Duration) (bool, error) {
	return workqueue.RenewLock(ctx, s.db, spec, owner, id, lease)
}

// DeleteTerminalOlderThan implements dispatch.Queue, purging Dispatched
// rows whose processed_at is older than age.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM outbox WHERE status = $1 AND processed_at < $2`,
		int(workqueue.Dispatched), time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
