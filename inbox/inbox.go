// Package inbox implements the deduplicated inbox store (C3): externally
// observed message ids recorded once, processed at-most-once to Done.
// Inbox's status column is a string enum rather than workqueue's integer
// Pending/Processing/Dispatched/Failed, because it carries a dead-letter
// state (Dead) distinct from a retryable failure, so it drives its own SQL
// instead of workqueue.Spec while keeping the same claim/ack/abandon/fail/
// reap shape.
package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/duraplane/duraplane/dispatch"
)

// Status is the inbox row's lifecycle state.
type Status string

const (
	Seen       Status = "seen"
	Processing Status = "processing"
	Done       Status = "done"
	Dead       Status = "dead"
)

var ErrEmptyMessageID = errors.New("inbox: message_id must not be empty")

// Message is one inbox row, as returned by Claim.
type Message struct {
	MessageID string
	Source    string
	TopicName string
	Payload   []byte
	Hash      []byte
	Attempts  int
}

func (m Message) ID() string        { return m.MessageID }
func (m Message) Topic() string     { return m.TopicName }
func (m Message) AttemptCount() int { return m.Attempts }

// ObserveOptions customizes Observe.
type ObserveOptions struct {
	Topic   string
	Payload []byte
	Hash    []byte
	DueTime time.Time
}

// Outcome of Observe: whether this sighting created the row.
type ObserveOutcome int

const (
	Accepted ObserveOutcome = iota
	Duplicate
)

// Store is the inbox table's API.
type Store struct {
	db *sqlx.DB
}

// New builds a Store over db.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Observe records a sighting of messageID from source. It is idempotent:
// a second Observe for the same messageID only bumps last_seen_at and
// returns Duplicate; the first returns Accepted.
func (s *Store) Observe(ctx context.Context, messageID, source string, opts ObserveOptions) (ObserveOutcome, error) {
	if messageID == "" {
		return Duplicate, ErrEmptyMessageID
	}
	due := opts.DueTime
	if due.IsZero() {
		due = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO inbox (message_id, source, topic, payload, hash, due_time)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (message_id) DO NOTHING`,
		messageID, source, nullableString(opts.Topic), opts.Payload, opts.Hash, due,
	)
	if err != nil {
		return Duplicate, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return Accepted, nil
	}
	// Row already existed: this is a repeat sighting, only bump last_seen_at.
	if _, err := s.db.ExecContext(ctx, `UPDATE inbox SET last_seen_at = now() WHERE message_id = $1`, messageID); err != nil {
		return Duplicate, err
	}
	return Duplicate, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Claim implements dispatch.Queue.
func (s *Store) Claim(ctx context.Context, owner string, batchSize int, lease time.Duration) ([]dispatch.Item, error) {
	rows, err := s.db.QueryxContext(ctx, `
WITH candidates AS (
	SELECT message_id
	FROM inbox
	WHERE status = $1 AND (due_time IS NULL OR due_time <= now())
	ORDER BY first_seen_at ASC, message_id ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE inbox AS t
SET status = $3, owner_token = $4, locked_until = $5
FROM candidates
WHERE t.message_id = candidates.message_id
RETURNING t.message_id, t.source, coalesce(t.topic, ''), t.payload, t.hash, t.attempts`,
		string(Seen), batchSize, string(Processing), owner, time.Now().Add(lease),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []dispatch.Item
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.Source, &m.TopicName, &m.Payload, &m.Hash, &m.Attempts); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// Ack implements dispatch.Queue.
func (s *Store) Ack(ctx context.Context, owner string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE inbox SET status = $1, owner_token = NULL, locked_until = NULL, processed_at = now()
WHERE message_id = ANY($2) AND owner_token = $3 AND status = $4`,
		string(Done), ids, owner, string(Processing))
	return err
}

// Abandon implements dispatch.Queue.
func (s *Store) Abandon(ctx context.Context, owner string, ids []string, lastErr string, nextDue time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE inbox SET status = $1, owner_token = NULL, locked_until = NULL, attempts = attempts + 1, last_error = $2, due_time = $3
WHERE message_id = ANY($4) AND owner_token = $5 AND status = $6`,
		string(Seen), lastErr, nextDue, ids, owner, string(Processing))
	return err
}

// Fail implements dispatch.Queue, moving rows to the Dead letter state.
func (s *Store) Fail(ctx context.Context, owner string, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE inbox SET status = $1, owner_token = NULL, locked_until = NULL, last_error = $2
WHERE message_id = ANY($3) AND owner_token = $4 AND status = $5`,
		string(Dead), reason, ids, owner, string(Processing))
	return err
}

// ReapExpired implements dispatch.Queue.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE inbox SET status = $1, owner_token = NULL, locked_until = NULL
WHERE status = $2 AND locked_until <= now()`,
		string(Seen), string(Processing))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RenewLock implements dispatch.Queue.
func (s *Store) RenewLock(ctx context.Context, owner, id string, lease time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE inbox SET locked_until = $1 WHERE message_id = $2 AND owner_token = $3 AND status = $4`,
		time.Now().Add(lease), id, owner, string(Processing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteTerminalOlderThan implements dispatch.Queue, purging Done/Dead
// rows older than age.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM inbox WHERE status IN ($1, $2) AND coalesce(processed_at, last_seen_at) < $3`,
		string(Done), string(Dead), time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
